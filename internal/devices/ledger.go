package devices

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var errMissingDeviceID = errors.New("device id is required")

// HistoryLedger is the append-only status audit trail. Entries are never
// updated or deleted; each device's entries carry a gap-free sequence so that
// two writers can never record a change from the same prior entry.
type HistoryLedger struct {
	db         *gorm.DB
	idProvider IDProvider
}

// NewHistoryLedger binds a ledger to the database handle.
func NewHistoryLedger(db *gorm.DB, idProvider IDProvider) *HistoryLedger {
	return &HistoryLedger{db: db, idProvider: idProvider}
}

// Append stores the entry inside the caller's transaction, assigning its id and
// the next sequence number for the device.
func (l *HistoryLedger) Append(transaction *gorm.DB, entry *StatusHistory) error {
	if entry.DeviceID == "" {
		return errMissingDeviceID
	}
	if entry.ID == "" {
		id, err := l.idProvider.NewID()
		if err != nil {
			return err
		}
		entry.ID = id
	}

	var lastSequence int64
	if err := transaction.Model(&StatusHistory{}).
		Select("COALESCE(MAX(sequence), 0)").
		Where(queryDeviceID, entry.DeviceID).
		Scan(&lastSequence).Error; err != nil {
		return err
	}
	entry.Sequence = lastSequence + 1
	return transaction.Create(entry).Error
}

// ListFor returns a device's entries, oldest first.
func (l *HistoryLedger) ListFor(ctx context.Context, deviceID string) ([]StatusHistory, error) {
	return l.listFor(l.db.WithContext(ctx), deviceID)
}

func (l *HistoryLedger) listFor(db *gorm.DB, deviceID string) ([]StatusHistory, error) {
	var entries []StatusHistory
	if err := db.
		Where(queryDeviceID, deviceID).
		Order("changed_at ASC").
		Order("sequence ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
