// Package postgres stores session snapshots in PostgreSQL through pgx v5.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/gameroom/internal/config"
)

// applicationName tags the gateway's connections in pg_stat_activity.
const applicationName = "gameroom-gateway"

// Pool owns the connection pool shared by the session repository.
type Pool struct {
	db *pgxpool.Pool
}

// NewPool connects to the database described by cfg and verifies it answers.
//
// Precondition: cfg must contain valid database connection parameters.
// Postcondition: Returns a connected Pool or a non-nil error.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &Pool{db: db}, nil
}

// Sessions returns the session snapshot repository backed by p.
func (p *Pool) Sessions() *SessionRepository {
	return NewSessionRepository(p.db)
}

// Health pings the database within timeout. A failure reports how many pooled
// connections were in use, to tell exhaustion from an unreachable server.
//
// Precondition: The pool must not be closed.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.db.Ping(ctx); err != nil {
		st := p.db.Stat()
		return fmt.Errorf("pinging database (%d of %d connections in use): %w",
			st.AcquiredConns(), st.TotalConns(), err)
	}
	return nil
}

// Close releases all pool resources.
func (p *Pool) Close() {
	p.db.Close()
}

// DB returns the underlying pgxpool.Pool.
func (p *Pool) DB() *pgxpool.Pool {
	return p.db
}
