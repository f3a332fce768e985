package database

import (
	"errors"
	"time"

	"github.com/orangetask/sync/internal/pages"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillPendingAttempts = "2026-07-21_backfill_pending_attempts"
	migrationUniqueLiveTitles        = "2026-08-02_unique_live_titles"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var engineMigrations = []migrationDefinition{
	{name: migrationBackfillPendingAttempts, apply: backfillPendingAttempts},
}

var authorityMigrations = []migrationDefinition{
	{name: migrationUniqueLiveTitles, apply: createLiveTitleIndex},
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillPendingAttempts normalizes rows written before the attempts
// counter existed.
func backfillPendingAttempts(db *gorm.DB) error {
	return db.Model(&pages.PendingWrite{}).
		Where("attempts IS NULL").
		Update("attempts", 0).Error
}

// createLiveTitleIndex enforces (user, title) uniqueness among non-deleted
// pages on the authority side. Tombstones keep their titles, so the index is
// partial.
func createLiveTitleIndex(db *gorm.DB) error {
	return db.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_pages_live_title ON pages (user_id, title) WHERE deleted = 0;",
	).Error
}
