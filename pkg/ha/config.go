// Package ha serializes schema migrations when several grantd replicas
// start against the same database.
package ha

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// LockConfig tunes the migration lock.
type LockConfig struct {
	// Enabled turns locking on. When false migrations run unguarded.
	Enabled bool `envconfig:"MIGRATION_LOCK_ENABLED" default:"true"`

	// Name identifies the lock. The PostgreSQL advisory key is derived from it.
	Name string `envconfig:"MIGRATION_LOCK_NAME" default:"grantd-migration"`

	// Attempts is how many times the table lock is tried before giving up.
	Attempts int `envconfig:"MIGRATION_LOCK_ATTEMPTS" default:"30"`

	// RetryInterval is the wait between table lock attempts.
	RetryInterval time.Duration `envconfig:"MIGRATION_LOCK_RETRY_INTERVAL" default:"1s"`

	// StaleAfter is how old a table lock row must be before another
	// replica may break it.
	StaleAfter time.Duration `envconfig:"MIGRATION_LOCK_STALE_AFTER" default:"5m"`
}

// DefaultLockConfig returns the default lock settings.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		Enabled:       true,
		Name:          "grantd-migration",
		Attempts:      30,
		RetryInterval: time.Second,
		StaleAfter:    5 * time.Minute,
	}
}

// LockConfigFromEnv reads GRANTD_MIGRATION_LOCK_* variables over the defaults.
func LockConfigFromEnv() (LockConfig, error) {
	var cfg LockConfig
	if err := envconfig.Process("grantd", &cfg); err != nil {
		return LockConfig{}, fmt.Errorf("process migration lock environment: %w", err)
	}
	return cfg, nil
}
