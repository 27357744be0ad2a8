package cache

import (
	"os"
	"strconv"
	"time"
)

// Config sizes a cache instance.
type Config struct {
	TTL     time.Duration
	MaxSize int
}

// DefaultConfig caches up to 10k accounts for one minute.
func DefaultConfig() Config {
	return Config{
		TTL:     60 * time.Second,
		MaxSize: 10000,
	}
}

// ConfigFromEnv reads GRANTD_KEY_CACHE_TTL_SECONDS and
// GRANTD_KEY_CACHE_MAX_SIZE, falling back to defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("GRANTD_KEY_CACHE_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.TTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("GRANTD_KEY_CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxSize = n
		}
	}
	return cfg
}
