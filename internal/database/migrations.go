package database

import (
	"errors"
	"time"

	"github.com/Deer-Spangle/faexport-db/internal/snapshots"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillFilesRecorded = "2026-05-14_backfill_files_recorded"

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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillFilesRecorded, apply: backfillFilesRecorded},
	}

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

// backfillFilesRecorded repairs snapshots written before files_recorded was
// tracked: any snapshot with stored file rows must have recorded the facet.
func backfillFilesRecorded(db *gorm.DB) error {
	return db.Model(&snapshots.SubmissionSnapshot{}).
		Where("files_recorded = ? AND submission_snapshot_id IN (SELECT DISTINCT submission_snapshot_id FROM submission_snapshot_files)", false).
		Update("files_recorded", true).Error
}
