package testutil

import (
	"testing"

	"stackup/internal/db"
)

// SetupTestDB creates a migrated in-memory database for testing
func SetupTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.New(db.DefaultConfig(db.MemoryDSN))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		t.Fatalf("Failed to migrate database: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}
