package db

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tiernaugh/MF252-sub001/internal/artifact"
	"github.com/tiernaugh/MF252-sub001/internal/jobs"
	"github.com/tiernaugh/MF252-sub001/internal/spend"
)

func gormConfig() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
		NowFunc:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Connect opens Postgres for postgres:// DSNs and SQLite for sqlite: or
// file: DSNs (single-node local runs).
func Connect(dsn string) (*gorm.DB, error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		return openSQLite(strings.TrimPrefix(dsn, "sqlite:"))
	case strings.HasPrefix(dsn, "file:"):
		return openSQLite(dsn)
	}

	gdb, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return gdb, nil
}

func openSQLite(dsn string) (*gorm.DB, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}
	gdb, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	// sqlite has one writer
	sqlDB.SetMaxOpenConns(1)
	return gdb, nil
}

func AutoMigrateAndIndexes(gdb *gorm.DB, log *zap.Logger) error {
	steps := []struct {
		name string
		fn   func(*gorm.DB) error
	}{
		{"schedule_jobs", jobs.Migrate},
		{"spend", spend.Migrate},
		{"artifacts", artifact.Migrate},
	}
	for _, s := range steps {
		if err := s.fn(gdb); err != nil {
			return fmt.Errorf("migrate %s: %w", s.name, err)
		}
		if log != nil {
			log.Debug("migrated", zap.String("step", s.name))
		}
	}
	return nil
}
