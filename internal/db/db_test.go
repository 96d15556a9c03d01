package db

import (
	"testing"

	"github.com/friendsincode/cadence/internal/config"
	"github.com/friendsincode/cadence/internal/models"
)

func TestOpenSQLiteAndMigrate(t *testing.T) {
	database, err := Open(config.StorageSQLite, "file::memory:", false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer Close(database)

	if err := Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !database.Migrator().HasTable(&models.KVEntry{}) {
		t.Fatal("kv_entries table missing after migrate")
	}

	UpdateConnectionMetrics(database)
}

func TestOpenRejectsNonSQLBackend(t *testing.T) {
	if _, err := Open(config.StorageRedis, "", false); err == nil {
		t.Fatal("expected error for redis backend")
	}
}
