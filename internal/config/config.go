// Package config provides Viper-based configuration loading for the game room gateway.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ComponentConfig holds the XMPP external component connection settings.
type ComponentConfig struct {
	// Domain is the component's own domain, e.g. "games.localhost".
	Domain string `mapstructure:"domain"`
	// Secret is the shared secret used in the component handshake.
	Secret string `mapstructure:"secret"`
	// Host is the XMPP server host accepting component connections.
	Host string `mapstructure:"host"`
	// Port is the XMPP server component port.
	Port int `mapstructure:"port"`
	// MUCService is the multi-user chat service domain hosting game rooms.
	// When empty it is derived from Domain as "conference.<parent domain>".
	MUCService string `mapstructure:"muc_service"`
	// ReadTimeout bounds the wait for the stream header during the handshake.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds every stanza write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the "host:port" address of the XMPP server component port.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (c ComponentConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MUCDomain returns the multi-user chat service domain.
//
// Postcondition: Returns MUCService when set, otherwise "conference." followed by
// Domain with its first label removed.
func (c ComponentConfig) MUCDomain() string {
	if c.MUCService != "" {
		return c.MUCService
	}
	parent := c.Domain
	if i := strings.IndexByte(parent, '.'); i >= 0 {
		parent = parent[i+1:]
	}
	return "conference." + parent
}

// GatewayConfig holds session gateway tuning.
type GatewayConfig struct {
	// AllocationTimeout bounds every infrastructure request (unique room name,
	// room configuration).
	AllocationTimeout time.Duration `mapstructure:"allocation_timeout"`
	// EventBuffer is the capacity of the gateway event queue.
	EventBuffer int `mapstructure:"event_buffer"`
	// OutboxSize is the capacity of the outbound stanza queue.
	OutboxSize int `mapstructure:"outbox_size"`
	// PersistBuffer is the capacity of the snapshot write queue.
	PersistBuffer int `mapstructure:"persist_buffer"`
	// CatalogPath is the game catalog YAML file. Empty uses built-in defaults.
	CatalogPath string `mapstructure:"catalog_path"`
}

// StorageConfig selects the session snapshot backend.
type StorageConfig struct {
	// Driver is one of "postgres", "sqlite" or "memory".
	Driver string `mapstructure:"driver"`
	// SQLitePath is the database file used by the sqlite driver.
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// HealthConfig holds the gRPC health endpoint settings.
type HealthConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	// GRPCPort of 0 disables the health endpoint.
	GRPCPort int `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" health listen address.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.GRPCHost, h.GRPCPort)
}

// Enabled reports whether the health endpoint should be served.
func (h HealthConfig) Enabled() bool {
	return h.GRPCPort != 0
}

// Config is the top-level application configuration.
type Config struct {
	Component ComponentConfig `mapstructure:"component"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Health    HealthConfig    `mapstructure:"health"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateComponent(c.Component); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateGateway(c.Gateway); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateStorage(c.Storage); err != nil {
		errs = append(errs, err.Error())
	}
	// The database block only matters when postgres is selected.
	if c.Storage.Driver == "postgres" {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateHealth(c.Health); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateComponent(c ComponentConfig) error {
	var errs []string
	if c.Domain == "" {
		errs = append(errs, "component.domain must not be empty")
	}
	if c.Secret == "" {
		errs = append(errs, "component.secret must not be empty")
	}
	if c.Host == "" {
		errs = append(errs, "component.host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("component.port must be 1-65535, got %d", c.Port))
	}
	if c.ReadTimeout < 0 {
		errs = append(errs, "component.read_timeout must not be negative")
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, "component.write_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGateway(g GatewayConfig) error {
	var errs []string
	if g.AllocationTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("gateway.allocation_timeout must be > 0, got %s", g.AllocationTimeout))
	}
	if g.EventBuffer < 1 {
		errs = append(errs, fmt.Sprintf("gateway.event_buffer must be >= 1, got %d", g.EventBuffer))
	}
	if g.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("gateway.outbox_size must be >= 1, got %d", g.OutboxSize))
	}
	if g.PersistBuffer < 1 {
		errs = append(errs, fmt.Sprintf("gateway.persist_buffer must be >= 1, got %d", g.PersistBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	switch s.Driver {
	case "postgres", "memory":
		return nil
	case "sqlite":
		if s.SQLitePath == "" {
			return errors.New("storage.sqlite_path must not be empty when storage.driver is sqlite")
		}
		return nil
	default:
		return fmt.Errorf("storage.driver must be one of [postgres, sqlite, memory], got %q", s.Driver)
	}
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateHealth(h HealthConfig) error {
	if h.GRPCPort < 0 || h.GRPCPort > 65535 {
		return fmt.Errorf("health.grpc_port must be 0-65535, got %d", h.GRPCPort)
	}
	if h.Enabled() && h.GRPCHost == "" {
		return errors.New("health.grpc_host must not be empty when health.grpc_port is set")
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with GAMEROOM_ prefix
	v.SetEnvPrefix("GAMEROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("component.domain", "games.localhost")
	v.SetDefault("component.host", "127.0.0.1")
	v.SetDefault("component.port", 5275)
	v.SetDefault("component.read_timeout", "30s")
	v.SetDefault("component.write_timeout", "10s")

	v.SetDefault("gateway.allocation_timeout", "10s")
	v.SetDefault("gateway.event_buffer", 256)
	v.SetDefault("gateway.outbox_size", 256)
	v.SetDefault("gateway.persist_buffer", 128)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "gameroom.db")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "gameroom")
	v.SetDefault("database.password", "gameroom")
	v.SetDefault("database.name", "gameroom")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("health.grpc_host", "127.0.0.1")
	v.SetDefault("health.grpc_port", 50061)
}
