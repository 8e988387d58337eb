package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/boardready/internal/devices"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillCreationHistory = "2025-01-15_backfill_creation_history"

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
		{name: migrationBackfillCreationHistory, apply: backfillCreationHistory},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillCreationHistory records the implicit creation entry for devices that
// were imported without any status history. Devices imported past draft also get
// an entry moving them to their current status, so each entry's previous status
// matches the one before it.
func backfillCreationHistory(tx *gorm.DB) error {
	var orphans []devices.Device
	err := tx.Where("NOT EXISTS (SELECT 1 FROM device_status_history h WHERE h.device_id = devices.id)").
		Order("created_at ASC").
		Find(&orphans).Error
	if err != nil {
		return err
	}
	ledger := devices.NewHistoryLedger(tx, devices.NewUUIDProvider())
	for _, device := range orphans {
		created := devices.StatusHistory{
			DeviceID:  device.ID,
			NewStatus: devices.StatusDraft,
			ChangedBy: device.CreatedBy,
			ChangedAt: device.CreatedAt,
			Notes:     "Device created",
		}
		if err := ledger.Append(tx, &created); err != nil {
			return err
		}
		if device.Status == devices.StatusDraft {
			continue
		}
		previous := devices.StatusDraft
		importedAt := device.UpdatedAt
		if importedAt.Before(device.CreatedAt) {
			importedAt = device.CreatedAt
		}
		imported := devices.StatusHistory{
			DeviceID:       device.ID,
			PreviousStatus: &previous,
			NewStatus:      device.Status,
			ChangedBy:      device.CreatedBy,
			ChangedAt:      importedAt,
			Notes:          fmt.Sprintf("Imported in status %s", device.Status),
		}
		if err := ledger.Append(tx, &imported); err != nil {
			return err
		}
	}
	return nil
}
