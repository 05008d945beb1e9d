package database

import (
	"errors"
	"time"

	"github.com/feltworks/routesync/internal/credentials"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearStaleTemporaryPasswords = "2026-08-31_clear_stale_temporary_passwords"

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
		{name: migrationClearStaleTemporaryPasswords, apply: clearStaleTemporaryPasswords},
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

// Profiles that already hold a permanent hash must not keep a live temporary
// password or a pending reset flag; older builds left both behind.
func clearStaleTemporaryPasswords(db *gorm.DB) error {
	return db.Model(&credentials.Profile{}).
		Where("password_hash <> ''").
		Updates(map[string]any{
			"temporary_password":      "",
			"mandatory_reset_pending": false,
		}).Error
}
