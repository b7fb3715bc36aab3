package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/codestream/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationTrimIdentityUsernames = "2026-10-01_trim_identity_usernames"

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
		{name: migrationTrimIdentityUsernames, apply: trimIdentityUsernames},
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

// trimIdentityUsernames strips whitespace that older clients stored around display names.
func trimIdentityUsernames(db *gorm.DB) error {
	return db.Model(&identity.Identity{}).
		Where("username <> trim(username)").
		Update("username", gorm.Expr("trim(username)")).Error
}
