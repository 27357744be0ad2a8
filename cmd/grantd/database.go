package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/grantledger/milestones/pkg/grants"
	"github.com/grantledger/milestones/pkg/ha"
)

func addDatabaseFlags(fs *pflag.FlagSet) {
	fs.String("db-type", "sqlite", "Database type (postgres, mysql or sqlite)")
	fs.String("db-dsn", "file:grantd.db?_pragma=busy_timeout(5000)", "Database connection string")
	fs.Int("db-max-open-conns", 10, "Maximum open database connections")
}

// openDatabase connects with the dialect named by db-type.
func openDatabase(v *viper.Viper) (*gorm.DB, error) {
	dsn := v.GetString("db-dsn")
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required (use --db-dsn or GRANTD_DB_DSN)")
	}

	var dialector gorm.Dialector
	switch dbType := v.GetString("db-type"); dbType {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown database type %q (expected postgres, mysql or sqlite)", dbType)
	}

	logLevel := logger.Warn
	if v.GetBool("debug") {
		logLevel = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logLevel)})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	maxOpen := v.GetInt("db-max-open-conns")
	if db.Dialector.Name() == "sqlite" {
		// SQLite allows a single writer.
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// migrate creates or updates the grant tables under the migration lock.
func migrate(ctx context.Context, db *gorm.DB, logger *slog.Logger) error {
	lockCfg, err := ha.LockConfigFromEnv()
	if err != nil {
		return err
	}
	locker, err := ha.NewMigrationLocker(db, lockCfg)
	if err != nil {
		return err
	}

	start := time.Now()
	err = locker.WithLock(ctx, func() error {
		return grants.NewGrantStore(db).AutoMigrate()
	})
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database migrated", "dialect", db.Dialector.Name(), "lock", lockCfg.Name, "elapsed", time.Since(start))
	return nil
}
