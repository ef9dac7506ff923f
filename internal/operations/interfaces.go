package operations

import (
	"context"

	"stackup/internal/backend"
	"stackup/internal/probe"
)

// Prober inspects the target host
type Prober interface {
	Probe(ctx context.Context) (*probe.TargetInfo, error)
}

// BackendFactory creates the installer backend named kind
type BackendFactory func(kind string, opts backend.Options) (backend.Backend, error)
