package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillSnapshotExcerpts = "2026-07-14_backfill_snapshot_excerpts"

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
		{name: migrationBackfillSnapshotExcerpts, apply: backfillSnapshotExcerpts},
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

// backfillSnapshotExcerpts derives an excerpt for rows persisted before the
// excerpt column existed. The next flush of a live document overwrites the
// derived value with the properly truncated one.
func backfillSnapshotExcerpts(db *gorm.DB) error {
	const backfill = "UPDATE document_snapshots SET excerpt = substr(searchable_text, 1, 160) WHERE excerpt = '' AND searchable_text <> '';"
	return db.Exec(backfill).Error
}
