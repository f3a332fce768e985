package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/orangetask/sync/internal/authority"
	"github.com/orangetask/sync/internal/pages"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenEngine establishes the sync daemon's SQLite connection and migrates the
// committed pages and pending writes collections.
func OpenEngine(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&pages.Page{}, &pages.PendingWrite{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, engineMigrations, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("engine database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenAuthority establishes the reference authority's SQLite connection and
// migrates the pages and page history tables.
func OpenAuthority(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&pages.Page{}, &authority.PageHistory{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, authorityMigrations, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("authority database initialized", zap.String("path", path))
	}
	return db, nil
}

func openSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}
