package db

import (
	"context"
	"fmt"
)

// GetCurrentVersion returns the current migration version and whether the
// last migration was left dirty
func (db *DB) GetCurrentVersion(ctx context.Context) (uint, bool, error) {
	var row struct {
		Version uint `db:"version"`
		Dirty   bool `db:"dirty"`
	}
	query := `SELECT version, dirty FROM schema_migrations ORDER BY version DESC LIMIT 1`

	if err := db.GetContext(ctx, &row, query); err != nil {
		return 0, false, fmt.Errorf("failed to get current version: %w", err)
	}

	return row.Version, row.Dirty, nil
}
