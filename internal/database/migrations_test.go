package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/boardready/internal/devices"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsCreationHistory(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(append(devices.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	createdAt := time.Date(2023, 3, 1, 9, 0, 0, 0, time.UTC)
	imported := devices.Device{
		ID:             "0190c3b4-0000-7000-8000-000000000001",
		OrganizationID: "org-1",
		Name:           "Legacy Board",
		Version:        "1.0.0",
		Status:         devices.StatusDraft,
		CreatedBy:      "user-1",
		Revision:       1,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	if err := database.Create(&imported).Error; err != nil {
		testContext.Fatalf("failed to insert device: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	ledger := devices.NewHistoryLedger(database, devices.NewUUIDProvider())
	entries, err := ledger.ListFor(context.Background(), imported.ID)
	if err != nil {
		testContext.Fatalf("failed to list history: %v", err)
	}
	if len(entries) != 1 {
		testContext.Fatalf("expected one backfilled entry, got %d", len(entries))
	}
	if entries[0].PreviousStatus != nil || entries[0].ChangedBy != "user-1" || !entries[0].ChangedAt.Equal(createdAt) {
		testContext.Fatalf("unexpected backfilled entry %#v", entries[0])
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillCreationHistory).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second run failed: %v", err)
	}
	entries, err = ledger.ListFor(context.Background(), imported.ID)
	if err != nil {
		testContext.Fatalf("failed to list history: %v", err)
	}
	if len(entries) != 1 {
		testContext.Fatalf("migration must run once, got %d entries", len(entries))
	}
}

func TestBackfillChainsImportedStatus(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "imported.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(append(devices.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	createdAt := time.Date(2023, 3, 1, 9, 0, 0, 0, time.UTC)
	updatedAt := createdAt.Add(48 * time.Hour)
	imported := devices.Device{
		ID:             "0190c3b4-0000-7000-8000-000000000002",
		OrganizationID: "org-1",
		Name:           "Submitted Board",
		Version:        "2.1.0",
		Status:         devices.StatusSubmitted,
		CreatedBy:      "user-1",
		Revision:       3,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}
	if err := database.Create(&imported).Error; err != nil {
		testContext.Fatalf("failed to insert device: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	entries, err := devices.NewHistoryLedger(database, devices.NewUUIDProvider()).ListFor(context.Background(), imported.ID)
	if err != nil {
		testContext.Fatalf("failed to list history: %v", err)
	}
	if len(entries) != 2 {
		testContext.Fatalf("expected creation and import entries, got %d", len(entries))
	}
	if entries[0].PreviousStatus != nil || entries[0].NewStatus != devices.StatusDraft {
		testContext.Fatalf("unexpected creation entry %#v", entries[0])
	}
	second := entries[1]
	if second.PreviousStatus == nil || *second.PreviousStatus != entries[0].NewStatus {
		testContext.Fatalf("import entry does not chain from creation: %#v", second)
	}
	if second.NewStatus != imported.Status || !second.ChangedAt.Equal(updatedAt) {
		testContext.Fatalf("unexpected import entry %#v", second)
	}
}

func TestOpenSQLiteMigratesSchema(testContext *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	database, err := Open(Config{Driver: DriverSQLite, Path: filepath.Join(testContext.TempDir(), "open.db")}, zap.New(core))
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("sql db: %v", err)
	}
	testContext.Cleanup(func() { _ = sqlDB.Close() })

	for _, table := range []string{"devices", "device_files", "device_status_history", "manufacturing_packages", "user_identities", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	if logs.FilterMessage("database initialized").Len() != 1 {
		testContext.Fatalf("expected initialization log")
	}
	if logs.FilterMessage("database migration applied").Len() != 1 {
		testContext.Fatalf("expected migration log")
	}
}

func TestOpenRejectsIncompleteConfig(testContext *testing.T) {
	testCases := []Config{
		{Driver: DriverSQLite},
		{Driver: DriverPostgres},
		{Driver: "mysql", Path: "x"},
	}
	for _, cfg := range testCases {
		if _, err := Open(cfg, nil); err == nil {
			testContext.Fatalf("expected error for %#v", cfg)
		}
	}
}
