package database

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/rolodex/internal/contacts"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationBackfillMessageTouchpoints = "2024-06-01_backfill_message_touchpoints"
	migrationBackfillDisplayNameKeys    = "2024-07-15_backfill_display_name_keys"
)

const displayNameKeyBatchSize = 500

type migrationRecord struct {
	Name            string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtMillis int64  `gorm:"column:applied_at_ms;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type namedMigration struct {
	name  string
	apply func(*gorm.DB) error
}

// namedMigrations run once each, in order, after AutoMigrate.
var namedMigrations = []namedMigration{
	{name: migrationBackfillMessageTouchpoints, apply: backfillMessageTouchpoints},
	{name: migrationBackfillDisplayNameKeys, apply: backfillDisplayNameKeys},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	var applied []migrationRecord
	if err := db.Find(&applied).Error; err != nil {
		return fmt.Errorf("database: list applied migrations: %w", err)
	}
	done := make(map[string]struct{}, len(applied))
	for _, record := range applied {
		done[record.Name] = struct{}{}
	}

	for _, migration := range namedMigrations {
		if _, ok := done[migration.name]; ok {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			record := migrationRecord{Name: migration.name, AppliedAtMillis: time.Now().UTC().UnixMilli()}
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
		})
		if err != nil {
			return fmt.Errorf("database: migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillMessageTouchpoints raises every contact's last touchpoint to its newest linked message.
func backfillMessageTouchpoints(db *gorm.DB) error {
	return db.Exec(`
UPDATE contacts SET last_touchpoint_ms = (
	SELECT MAX(m.sent_at_ms) FROM message_records m
	WHERE m.contact_id = contacts.id AND m.user_id = contacts.user_id
)
WHERE EXISTS (
	SELECT 1 FROM message_records m
	WHERE m.contact_id = contacts.id AND m.user_id = contacts.user_id
	AND m.sent_at_ms > COALESCE(contacts.last_touchpoint_ms, 0)
)`).Error
}

// backfillDisplayNameKeys fills display_name_key for rows written before the column existed.
func backfillDisplayNameKeys(db *gorm.DB) error {
	updater := db.Session(&gorm.Session{NewDB: true})
	var batch []contacts.Contact
	return db.Model(&contacts.Contact{}).Select("id", "display_name").
		Where("display_name_key = '' AND display_name <> ''").
		FindInBatches(&batch, displayNameKeyBatchSize, func(_ *gorm.DB, _ int) error {
			for _, contact := range batch {
				key := contacts.DisplayNameKey(contact.DisplayName)
				if err := updater.Model(&contacts.Contact{}).Where("id = ?", contact.ID).
					UpdateColumn("display_name_key", key).Error; err != nil {
					return err
				}
			}
			return nil
		}).Error
}
