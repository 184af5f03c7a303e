package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zulandar/inkwell/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// WithParseTime adds parseTime=true to a MySQL DSN unless it already sets
// parseTime.
func WithParseTime(dsn string) string {
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}

// Dialector returns the GORM dialector for the configured driver without
// opening a connection.
func Dialector(cfg config.StorageConfig) (gorm.Dialector, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", config.DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("db: sqlite path is required")
		}
		return sqlite.Open(cfg.Path), nil
	case config.DriverMySQL:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("db: mysql dsn is required")
		}
		return mysql.Open(WithParseTime(cfg.DSN)), nil
	default:
		return nil, fmt.Errorf("db: unknown driver %q", cfg.Driver)
	}
}

// Open opens a GORM connection for the configured storage. The parent
// directory of a sqlite file is created when missing.
func Open(cfg config.StorageConfig) (*gorm.DB, error) {
	d, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}
	if d.Name() == "sqlite" && cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("db: create %s: %w", dir, err)
			}
		}
	}
	db, err := gorm.Open(d, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect %s: %w", d.Name(), err)
	}
	return db, nil
}

// Close releases the connection pool behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("db: close: %w", err)
	}
	return sqlDB.Close()
}
