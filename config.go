package timeline

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type (
	// Config holds the settings shared by every Store implementation and
	// decorator. It can be populated from TIMELINE_* environment variables
	Config struct {
		MaxPayloadSize   int           `env:"TIMELINE_MAX_PAYLOAD_SIZE"`
		MaxRetries       int           `env:"TIMELINE_MAX_RETRIES"`
		RetryInterval    time.Duration `env:"TIMELINE_RETRY_INTERVAL"`
		MaxRetryInterval time.Duration `env:"TIMELINE_MAX_RETRY_INTERVAL"`
		CacheSize        int           `env:"TIMELINE_CACHE_SIZE"`
		CacheShards      int           `env:"TIMELINE_CACHE_SHARDS"`
	}
)

const (
	DefaultMaxPayloadSize   = 16 << 20
	DefaultMaxRetries       = 8
	DefaultRetryInterval    = 10 * time.Millisecond
	DefaultMaxRetryInterval = time.Second
	DefaultCacheSize        = 4096
	DefaultCacheShards      = 16
)

func DefaultConfig() Config {
	return Config{
		MaxPayloadSize:   DefaultMaxPayloadSize,
		MaxRetries:       DefaultMaxRetries,
		RetryInterval:    DefaultRetryInterval,
		MaxRetryInterval: DefaultMaxRetryInterval,
		CacheSize:        DefaultCacheSize,
		CacheShards:      DefaultCacheShards,
	}
}

// ConfigFromEnv returns DefaultConfig overridden by any TIMELINE_* variables
// present in the environment
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
