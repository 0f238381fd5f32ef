package sqlite

import (
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/kode4food/timeline"
)

// Config configures a SQLite-backed Store
type Config struct {
	timeline.Config
	Path        string        `env:"TIMELINE_SQLITE_PATH"`
	BusyTimeout time.Duration `env:"TIMELINE_SQLITE_BUSY_TIMEOUT"`
	ReadConns   int           `env:"TIMELINE_SQLITE_READ_CONNS"`
}

const (
	DefaultPath        = "timeline.sqlite"
	DefaultBusyTimeout = 5 * time.Second
	DefaultReadConns   = 4
)

func DefaultConfig() Config {
	return Config{
		Config:      timeline.DefaultConfig(),
		Path:        DefaultPath,
		BusyTimeout: DefaultBusyTimeout,
		ReadConns:   DefaultReadConns,
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
