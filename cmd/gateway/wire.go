//go:build wireinject
// +build wireinject

//go:generate wire

package main

import (
	"context"

	"github.com/google/wire"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameroom/internal/config"
	"github.com/cory-johannsen/gameroom/internal/server"
)

// InitializeLifecycle builds the gateway's services from cfg.
func InitializeLifecycle(ctx context.Context, cfg config.Config, logger *zap.Logger) (*server.Lifecycle, func(), error) {
	wire.Build(GatewaySet)
	return nil, nil, nil
}
