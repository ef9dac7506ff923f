package db

import (
	"context"
	"database/sql"

	"stackup/internal/backend"
	"stackup/internal/errors"
)

// AppliedRepository stores the fingerprint of every service a backend has
// applied. It implements backend.StateStore.
type AppliedRepository struct {
	db *DB
}

var _ backend.StateStore = (*AppliedRepository)(nil)

// NewAppliedRepository creates a new applied-service repository
func NewAppliedRepository(db *DB) *AppliedRepository {
	return &AppliedRepository{db: db}
}

// GetApplied implements backend.StateStore
func (r *AppliedRepository) GetApplied(ctx context.Context, backendName, serviceID string) (*backend.AppliedService, error) {
	var applied backend.AppliedService
	err := r.db.GetContext(ctx, &applied, `
		SELECT service_id, backend, fingerprint, descriptor, applied_at
		FROM applied_services
		WHERE backend = ? AND service_id = ?`, backendName, serviceID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.DatabaseQueryError("get applied service", err)
	}
	return &applied, nil
}

// ListApplied implements backend.StateStore
func (r *AppliedRepository) ListApplied(ctx context.Context, backendName string) ([]*backend.AppliedService, error) {
	var applied []*backend.AppliedService
	err := r.db.SelectContext(ctx, &applied, `
		SELECT service_id, backend, fingerprint, descriptor, applied_at
		FROM applied_services
		WHERE backend = ?
		ORDER BY service_id ASC`, backendName)
	if err != nil {
		return nil, errors.DatabaseQueryError("list applied services", err)
	}
	return applied, nil
}

// RecordApplied implements backend.StateStore
func (r *AppliedRepository) RecordApplied(ctx context.Context, applied *backend.AppliedService) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO applied_services (backend, service_id, fingerprint, descriptor, applied_at)
		VALUES (:backend, :service_id, :fingerprint, :descriptor, :applied_at)
		ON CONFLICT (backend, service_id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			descriptor = excluded.descriptor,
			applied_at = excluded.applied_at`, applied)
	if err != nil {
		return errors.DatabaseQueryError("record applied service", err)
	}
	return nil
}
