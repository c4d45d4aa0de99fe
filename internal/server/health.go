package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the service name reported alongside the overall status.
const HealthServiceName = "gameroom.Gateway"

// HealthServer serves the gRPC health protocol. It reports NOT_SERVING until
// the ready channel it was built with is closed.
type HealthServer struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	ready      <-chan struct{}
	logger     *zap.Logger
}

// NewHealthServer listens on addr.
//
// Precondition: ready and logger must be non-nil.
// Postcondition: Returns a server bound to addr, or the listen error.
func NewHealthServer(addr string, ready <-chan struct{}, logger *zap.Logger) (*HealthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(HealthServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{
		listener:   lis,
		grpcServer: grpcServer,
		health:     healthServer,
		ready:      ready,
		logger:     logger,
	}, nil
}

// Addr returns the listener address.
func (s *HealthServer) Addr() string {
	return s.listener.Addr().String()
}

// Serve answers health checks until ctx is cancelled.
func (s *HealthServer) Serve(ctx context.Context) error {
	s.logger.Info("health server listening", zap.String("addr", s.Addr()))
	go func() {
		select {
		case <-s.ready:
			s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
			s.health.SetServingStatus(HealthServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
			s.logger.Info("health status serving")
		case <-ctx.Done():
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serving health: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serving health: %w", err)
	}
}
