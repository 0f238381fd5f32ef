package redis

import (
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/kode4food/timeline"
)

// Config configures a Redis-backed Store
type Config struct {
	timeline.Config
	Addr           string        `env:"TIMELINE_REDIS_ADDR"`
	Password       string        `env:"TIMELINE_REDIS_PASSWORD"`
	Prefix         string        `env:"TIMELINE_REDIS_PREFIX"`
	DB             int           `env:"TIMELINE_REDIS_DB"`
	ConnectTimeout time.Duration `env:"TIMELINE_REDIS_CONNECT_TIMEOUT"`
}

const (
	DefaultEndpoint       = "localhost:6379"
	DefaultPrefix         = "timeline"
	DefaultDB             = 0
	DefaultConnectTimeout = 5 * time.Second
)

func DefaultConfig() Config {
	return Config{
		Config:         timeline.DefaultConfig(),
		Addr:           DefaultEndpoint,
		Prefix:         DefaultPrefix,
		DB:             DefaultDB,
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
