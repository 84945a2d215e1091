package database

import (
	"errors"
	"time"

	"github.com/freightpoint/relay/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillQueueStatus = "2026-07-14_backfill_queue_status"

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
		{name: migrationBackfillQueueStatus, apply: backfillQueueStatus},
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

// backfillQueueStatus repairs rows written before the status column
// existed: anything past the retry ceiling is abandoned, the rest pending.
func backfillQueueStatus(db *gorm.DB) error {
	if err := db.Model(&queue.Mutation{}).
		Where("status IS NULL OR status = ''").
		Where("attempts >= ?", queue.MaxAttempts).
		Update("status", queue.StatusAbandoned).Error; err != nil {
		return err
	}
	return db.Model(&queue.Mutation{}).
		Where("status IS NULL OR status = ''").
		Update("status", queue.StatusPending).Error
}
