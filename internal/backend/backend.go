// Package backend applies service descriptors to a target OS.
package backend

import (
	"context"
	"fmt"
	"time"

	"stackup/internal/config"
	"stackup/internal/descriptor"
)

// Backend installs and starts services on one kind of target
type Backend interface {
	// Name identifies the backend in reports and the state store
	Name() string
	// IsCurrent reports whether svc is already applied with the same
	// fingerprint and its unit is running. Current services are not touched.
	IsCurrent(ctx context.Context, svc *descriptor.Service) (bool, error)
	// Apply materializes config, runs install actions and starts the unit.
	// Batching backends only stage the service here.
	Apply(ctx context.Context, svc *descriptor.Service) error
	// IsActive reports whether the named unit is running
	IsActive(ctx context.Context, unit string) (bool, error)
}

// Converger is implemented by backends that stage services and realize them
// all at once. Converge is called once per run after every service has been
// staged; a failure applies to the whole batch.
type Converger interface {
	Converge(ctx context.Context) error
}

// AppliedService is the record of a successfully applied descriptor
type AppliedService struct {
	ServiceID   string    `db:"service_id" json:"service_id"`
	Backend     string    `db:"backend" json:"backend"`
	Fingerprint string    `db:"fingerprint" json:"fingerprint"`
	Descriptor  string    `db:"descriptor" json:"descriptor"`
	AppliedAt   time.Time `db:"applied_at" json:"applied_at"`
}

// StateStore persists applied-service records across runs
type StateStore interface {
	// GetApplied returns nil without error when serviceID was never applied
	GetApplied(ctx context.Context, backend, serviceID string) (*AppliedService, error)
	ListApplied(ctx context.Context, backend string) ([]*AppliedService, error)
	RecordApplied(ctx context.Context, applied *AppliedService) error
}

// Options bundles the collaborators shared by all backends
type Options struct {
	Config   config.BackendConfig
	Store    StateStore
	Executor CommandExecutor
	Actions  *ActionRunner
}

// New creates the backend named kind
func New(kind string, opts Options) (Backend, error) {
	if opts.Executor == nil {
		opts.Executor = &DefaultCommandExecutor{}
	}
	switch kind {
	case config.BackendAptSystemd:
		return NewAptSystemd(opts), nil
	case config.BackendNixDeclarative:
		return NewNixDeclarative(opts), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", kind)
	}
}

// isRecorded compares the stored fingerprint with the descriptor's
func isRecorded(ctx context.Context, store StateStore, backend string, svc *descriptor.Service) (bool, error) {
	if store == nil {
		return false, nil
	}
	applied, err := store.GetApplied(ctx, backend, svc.ID)
	if err != nil {
		return false, err
	}
	return applied != nil && applied.Fingerprint == svc.Fingerprint(), nil
}

func newAppliedService(backend string, svc *descriptor.Service) (*AppliedService, error) {
	data, err := marshalDescriptor(svc)
	if err != nil {
		return nil, err
	}
	return &AppliedService{
		ServiceID:   svc.ID,
		Backend:     backend,
		Fingerprint: svc.Fingerprint(),
		Descriptor:  data,
		AppliedAt:   time.Now().UTC(),
	}, nil
}
