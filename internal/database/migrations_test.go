package database

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/feltworks/routesync/internal/credentials"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newMigrationTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:database_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&credentials.Profile{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestClearStaleTemporaryPasswords(t *testing.T) {
	db := newMigrationTestDatabase(t)

	stale := credentials.Profile{
		IdentityID:            "id-stale",
		Email:                 "stale@rota.example",
		PasswordHash:          "$2a$10$somethinghashed",
		TemporaryPassword:     "temporario",
		MandatoryResetPending: true,
	}
	fresh := credentials.Profile{
		IdentityID:            "id-fresh",
		Email:                 "fresh@rota.example",
		TemporaryPassword:     "temporario",
		MandatoryResetPending: true,
	}
	if err := db.Create(&stale).Error; err != nil {
		t.Fatalf("failed to seed stale profile: %v", err)
	}
	if err := db.Create(&fresh).Error; err != nil {
		t.Fatalf("failed to seed fresh profile: %v", err)
	}

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}

	var repaired credentials.Profile
	if err := db.Where("identity_id = ?", "id-stale").Take(&repaired).Error; err != nil {
		t.Fatalf("failed to load repaired profile: %v", err)
	}
	if repaired.TemporaryPassword != "" || repaired.MandatoryResetPending {
		t.Fatalf("expected stale credential state cleared, got %#v", repaired)
	}

	var untouched credentials.Profile
	if err := db.Where("identity_id = ?", "id-fresh").Take(&untouched).Error; err != nil {
		t.Fatalf("failed to load fresh profile: %v", err)
	}
	if untouched.TemporaryPassword != "temporario" || !untouched.MandatoryResetPending {
		t.Fatalf("expected profile without permanent hash untouched, got %#v", untouched)
	}
}

func TestMigrationsApplyOnce(t *testing.T) {
	db := newMigrationTestDatabase(t)

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}
	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("unexpected repeat migration error: %v", err)
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count migration records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected each migration recorded once, got %d rows", count)
	}
}

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routesync.db")

	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"sync_operations", "credential_profiles", "entity_documents", "session_state", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %q to exist", table)
		}
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatalf("expected missing path rejection")
	}
}
