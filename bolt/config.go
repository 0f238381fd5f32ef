package bolt

import (
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/kode4food/timeline"
)

// Config configures a bbolt-backed Store
type Config struct {
	timeline.Config
	Path          string        `env:"TIMELINE_BOLT_PATH"`
	OpenTimeout   time.Duration `env:"TIMELINE_BOLT_OPEN_TIMEOUT"`
	MaxBatchDelay time.Duration `env:"TIMELINE_BOLT_MAX_BATCH_DELAY"`
	MaxBatchSize  int           `env:"TIMELINE_BOLT_MAX_BATCH_SIZE"`
}

const (
	DefaultPath          = "timeline.db"
	DefaultOpenTimeout   = time.Second
	DefaultMaxBatchDelay = 10 * time.Millisecond
	DefaultMaxBatchSize  = 1000
)

func DefaultConfig() Config {
	return Config{
		Config:        timeline.DefaultConfig(),
		Path:          DefaultPath,
		OpenTimeout:   DefaultOpenTimeout,
		MaxBatchDelay: DefaultMaxBatchDelay,
		MaxBatchSize:  DefaultMaxBatchSize,
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
