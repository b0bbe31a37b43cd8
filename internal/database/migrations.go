package database

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCompressObjectPayloads = "2026-09-14_compress_object_payloads"
	migrationLowercaseRefTargets    = "2026-10-02_lowercase_ref_targets"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// dataMigration rewrites rows written by an older layout. Each one runs in
// its own transaction together with its bookkeeping row.
type dataMigration struct {
	name  string
	apply func(tx *gorm.DB) error
}

// dataMigrations run in order; append only.
var dataMigrations = []dataMigration{
	{name: migrationCompressObjectPayloads, apply: compressObjectPayloads},
	{name: migrationLowercaseRefTargets, apply: lowercaseRefTargets},
}

// applyMigrations runs every data migration without a record and reports how
// many ran.
func applyMigrations(db *gorm.DB, zapLogger *zap.Logger) (int, error) {
	applied := 0
	for _, migration := range dataMigrations {
		done, err := migrationApplied(db, migration.name)
		if err != nil {
			return applied, err
		}
		if done {
			continue
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			record := migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}
			return tx.Create(&record).Error
		})
		if err != nil {
			zapLogger.Error("data migration failed", zap.String("migration", migration.name), zap.Error(err))
			return applied, err
		}
		zapLogger.Info("data migration applied", zap.String("migration", migration.name))
		applied++
	}
	return applied, nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var record migrationRecord
	err := db.Where("name = ?", name).Take(&record).Error
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, err
	}
}

// compressObjectPayloads deflates objects stored before payloads were compressed.
func compressObjectPayloads(tx *gorm.DB) error {
	var records []objectRecord
	if err := tx.Where("compressed = ?", false).Find(&records).Error; err != nil {
		return err
	}
	for _, record := range records {
		payload, err := compress(record.Payload)
		if err != nil {
			return err
		}
		err = tx.Model(&objectRecord{}).
			Where("id = ?", record.ID).
			Updates(map[string]any{"payload": payload, "compressed": true}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// lowercaseRefTargets normalizes ref targets so conditional updates compare
// against the canonical hex form.
func lowercaseRefTargets(tx *gorm.DB) error {
	var records []refRecord
	if err := tx.Find(&records).Error; err != nil {
		return err
	}
	for _, record := range records {
		target := strings.ToLower(record.Target)
		if target == record.Target {
			continue
		}
		err := tx.Model(&refRecord{}).Where("name = ?", record.Name).Update("target", target).Error
		if err != nil {
			return err
		}
	}
	return nil
}
