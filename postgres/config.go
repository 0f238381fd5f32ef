package postgres

import (
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/kode4food/timeline"
)

// Config configures a PostgreSQL-backed Store
type Config struct {
	timeline.Config
	DSN            string        `env:"TIMELINE_POSTGRES_DSN"`
	MaxConns       int32         `env:"TIMELINE_POSTGRES_MAX_CONNS"`
	ConnectTimeout time.Duration `env:"TIMELINE_POSTGRES_CONNECT_TIMEOUT"`
}

const (
	DefaultDSN            = "postgres://localhost:5432/timeline"
	DefaultMaxConns       = 16
	DefaultConnectTimeout = 5 * time.Second
)

func DefaultConfig() Config {
	return Config{
		Config:         timeline.DefaultConfig(),
		DSN:            DefaultDSN,
		MaxConns:       DefaultMaxConns,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

// ConfigFromEnv returns DefaultConfig overridden by the environment
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
