package ha

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// MigrationLocker serializes AutoMigrate across replicas.
type MigrationLocker interface {
	// WithLock executes fn while holding the migration lock.
	// It blocks until the lock is acquired, then releases it after fn returns.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker picks a lock for the database dialect. PostgreSQL uses
// a session advisory lock; SQLite and MySQL use a lock row. A nil db or a
// disabled config yields a lock that just runs fn.
func NewMigrationLocker(db *gorm.DB, cfg LockConfig) (MigrationLocker, error) {
	if db == nil || !cfg.Enabled {
		return noopMigrationLock{}, nil
	}
	def := DefaultLockConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}

	if db.Dialector.Name() == "postgres" {
		return &advisoryLock{db: db, key: int64(crc32.ChecksumIEEE([]byte(cfg.Name)))}, nil
	}
	// The table must exist before any replica races for the row.
	if err := db.AutoMigrate(&migrationLockRecord{}); err != nil {
		return nil, fmt.Errorf("create migration lock table: %w", err)
	}
	return &rowLock{db: db, cfg: cfg, holder: holderName()}, nil
}

type noopMigrationLock struct{}

func (noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

type advisoryLock struct {
	db  *gorm.DB
	key int64
}

func (l *advisoryLock) WithLock(ctx context.Context, fn func() error) error {
	// Advisory locks are per session, so lock and unlock on one connection.
	conn, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	c, err := conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for migration lock: %w", err)
	}
	defer c.Close()

	if _, err := c.ExecContext(ctx, "SELECT pg_advisory_lock($1)", l.key); err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		_, _ = c.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", l.key)
	}()

	return fn()
}

// migrationLockRecord is the lock row held during a migration.
type migrationLockRecord struct {
	Name     string    `gorm:"primaryKey;column:name;type:varchar(64)"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (migrationLockRecord) TableName() string { return "grantd_migration_lock" }

// rowLock holds the lock by owning the row keyed by the lock name. Rows
// older than StaleAfter belong to a crashed replica and are removed.
type rowLock struct {
	db     *gorm.DB
	cfg    LockConfig
	holder string
}

func (l *rowLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer func() {
		l.db.WithContext(context.WithoutCancel(ctx)).
			Where("name = ? AND locked_by = ?", l.cfg.Name, l.holder).
			Delete(&migrationLockRecord{})
	}()
	return fn()
}

func (l *rowLock) acquire(ctx context.Context) error {
	var lastErr error
	for i := 0; i < l.cfg.Attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		db := l.db.WithContext(ctx)
		db.Where("name = ? AND locked_at < ?", l.cfg.Name, time.Now().Add(-l.cfg.StaleAfter)).
			Delete(&migrationLockRecord{})

		row := migrationLockRecord{Name: l.cfg.Name, LockedAt: time.Now(), LockedBy: l.holder}
		lastErr = db.Create(&row).Error
		if lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.RetryInterval):
		}
	}
	return fmt.Errorf("acquire migration lock %q after %d attempts: %w",
		l.cfg.Name, l.cfg.Attempts, errors.Join(ErrLockHeld, lastErr))
}

// ErrLockHeld is wrapped when another replica kept the lock for every attempt.
var ErrLockHeld = errors.New("migration lock held by another replica")

// holderName identifies this process in the lock row.
func holderName() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d", host, os.Getpid())
}
