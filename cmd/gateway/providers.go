package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/wire"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/cory-johannsen/gameroom/internal/config"
	"github.com/cory-johannsen/gameroom/internal/game/catalog"
	"github.com/cory-johannsen/gameroom/internal/gateway"
	"github.com/cory-johannsen/gameroom/internal/server"
	"github.com/cory-johannsen/gameroom/internal/storage"
	"github.com/cory-johannsen/gameroom/internal/storage/memory"
	"github.com/cory-johannsen/gameroom/internal/storage/postgres"
	"github.com/cory-johannsen/gameroom/internal/storage/sqlite"
	"github.com/cory-johannsen/gameroom/internal/xmpp"
)

// GatewaySet provides every component of the running gateway.
var GatewaySet = wire.NewSet(
	provideBackend,
	wire.FieldsOf(new(*Backend), "Store"),
	provideCatalog,
	provideConn,
	provideOutbox,
	providePersister,
	provideGateway,
	provideLifecycle,
)

// Backend is the selected snapshot store. Pool is set only for PostgreSQL.
type Backend struct {
	Store storage.Store
	Pool  *postgres.Pool
}

func provideBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Backend, func(), error) {
	dbStart := time.Now()
	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn("using in-memory storage; sessions do not survive a restart")
		return &Backend{Store: memory.New()}, func() {}, nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		logger.Info("sqlite store opened",
			zap.String("path", cfg.Storage.SQLitePath),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		cleanup := func() {
			if err := s.Close(); err != nil {
				logger.Warn("closing sqlite store", zap.Error(err))
			}
		}
		return &Backend{Store: s}, cleanup, nil
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		return &Backend{Store: pool.Sessions(), Pool: pool}, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func provideCatalog(cfg config.Config, logger *zap.Logger) (*catalog.Catalog, error) {
	cat, err := catalog.Load(cfg.Gateway.CatalogPath)
	if err != nil {
		return nil, err
	}
	logger.Info("game catalog loaded", zap.Int("games", cat.Len()))
	return cat, nil
}

func provideConn(ctx context.Context, cfg config.Config, logger *zap.Logger) (*xmpp.Conn, func(), error) {
	conn, err := xmpp.Dial(ctx, cfg.Component, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := conn.Close(); err != nil {
			logger.Debug("closing component stream", zap.Error(err))
		}
	}
	return conn, cleanup, nil
}

func provideOutbox(cfg config.Config) *xmpp.Outbox {
	return xmpp.NewOutbox(cfg.Gateway.OutboxSize)
}

func providePersister(store storage.Store, cfg config.Config, logger *zap.Logger) *gateway.Persister {
	return gateway.NewPersister(store, cfg.Gateway.PersistBuffer, logger.Named("persister"))
}

func provideGateway(
	cfg config.Config,
	outbox *xmpp.Outbox,
	store storage.Store,
	persister *gateway.Persister,
	cat *catalog.Catalog,
	logger *zap.Logger,
) (*gateway.Gateway, error) {
	component, err := jid.Parse(cfg.Component.Domain)
	if err != nil {
		return nil, fmt.Errorf("parsing component domain %q: %w", cfg.Component.Domain, err)
	}
	return gateway.New(gateway.Config{
		Component:         component,
		MUCDomain:         cfg.Component.MUCDomain(),
		AllocationTimeout: cfg.Gateway.AllocationTimeout,
		EventBuffer:       cfg.Gateway.EventBuffer,
	}, outbox, store, persister, cat, logger.Named("gateway")), nil
}

// provideLifecycle orders the services so that shutdown stops accepting
// work first and closes storage last: the gateway leaves its rooms through
// the outbox, the outbox flushes into the stream, and the persister drains.
func provideLifecycle(
	cfg config.Config,
	logger *zap.Logger,
	backend *Backend,
	conn *xmpp.Conn,
	outbox *xmpp.Outbox,
	persister *gateway.Persister,
	gw *gateway.Gateway,
) (*server.Lifecycle, error) {
	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("persister", server.NewContextService(persister.Run))
	lifecycle.Add("stream", server.NewContextService(func(ctx context.Context) error {
		return conn.Serve(ctx, gw, gw.Routes()...)
	}))
	lifecycle.Add("outbox", server.NewContextService(func(ctx context.Context) error {
		return outbox.Run(ctx, conn)
	}))
	lifecycle.Add("gateway", server.NewContextService(gw.Run))

	if backend.Pool != nil {
		pool := backend.Pool
		lifecycle.Add("postgres", server.NewContextService(func(ctx context.Context) error {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := pool.Health(ctx, 5*time.Second); err != nil {
						logger.Warn("database health check failed", zap.Error(err))
					}
				}
			}
		}))
	}

	if cfg.Health.Enabled() {
		hs, err := server.NewHealthServer(cfg.Health.Addr(), gw.Ready(), logger.Named("health"))
		if err != nil {
			return nil, err
		}
		lifecycle.Add("health", server.NewContextService(hs.Serve))
	}
	return lifecycle, nil
}
