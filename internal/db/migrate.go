package db

import (
	"fmt"

	"github.com/zulandar/inkwell/internal/config"
	"github.com/zulandar/inkwell/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.StateEntry{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// OpenAndMigrate opens the configured storage and migrates it.
func OpenAndMigrate(cfg config.StorageConfig) (*gorm.DB, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		Close(db)
		return nil, err
	}
	return db, nil
}
