package testutil

import (
	"context"
	"sync"

	"stackup/internal/descriptor"
)

// MockBackend is an in-memory backend.Backend for testing. A service is
// current once applied with the same fingerprint; applied units are active
// unless marked otherwise.
type MockBackend struct {
	mu       sync.RWMutex
	name     string
	calls    map[string][]interface{}
	errors   map[string]error
	applied  map[string]string
	inactive map[string]bool

	// ApplyFn, when set, runs before Apply records the service
	ApplyFn func(ctx context.Context, svc *descriptor.Service) error
	// IsActiveFn, when set, replaces the active-unit lookup
	IsActiveFn func(ctx context.Context, unit string) (bool, error)
}

// NewMockBackend creates a new mock backend
func NewMockBackend() *MockBackend {
	return &MockBackend{
		name:     "mock",
		calls:    make(map[string][]interface{}),
		errors:   make(map[string]error),
		applied:  make(map[string]string),
		inactive: make(map[string]bool),
	}
}

// SetError sets an error returned by method. Apply errors may also be keyed
// as "Apply:<service id>".
func (m *MockBackend) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// SetInactive makes IsActive report unit as stopped
func (m *MockBackend) SetInactive(unit string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inactive[unit] = true
}

// GetCalls returns the recorded arguments of method
func (m *MockBackend) GetCalls(method string) []interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]interface{}(nil), m.calls[method]...)
}

// AppliedIDs returns the service ids passed to Apply, in order
func (m *MockBackend) AppliedIDs() []string {
	var ids []string
	for _, c := range m.GetCalls("Apply") {
		ids = append(ids, c.(string))
	}
	return ids
}

func (m *MockBackend) recordCall(method string, arg interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[method] = append(m.calls[method], arg)
}

func (m *MockBackend) checkError(keys ...string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range keys {
		if err := m.errors[k]; err != nil {
			return err
		}
	}
	return nil
}

// Name implements backend.Backend
func (m *MockBackend) Name() string { return m.name }

// IsCurrent implements backend.Backend
func (m *MockBackend) IsCurrent(ctx context.Context, svc *descriptor.Service) (bool, error) {
	m.recordCall("IsCurrent", svc.ID)
	if err := m.checkError("IsCurrent"); err != nil {
		return false, err
	}
	m.mu.RLock()
	fingerprint, ok := m.applied[svc.ID]
	m.mu.RUnlock()
	if !ok || fingerprint != svc.Fingerprint() {
		return false, nil
	}
	return m.IsActive(ctx, svc.UnitName())
}

// Apply implements backend.Backend
func (m *MockBackend) Apply(ctx context.Context, svc *descriptor.Service) error {
	m.recordCall("Apply", svc.ID)
	if m.ApplyFn != nil {
		if err := m.ApplyFn(ctx, svc); err != nil {
			return err
		}
	}
	if err := m.checkError("Apply", "Apply:"+svc.ID); err != nil {
		return err
	}
	m.mu.Lock()
	m.applied[svc.ID] = svc.Fingerprint()
	m.mu.Unlock()
	return nil
}

// IsActive implements backend.Backend
func (m *MockBackend) IsActive(ctx context.Context, unit string) (bool, error) {
	if m.IsActiveFn != nil {
		return m.IsActiveFn(ctx, unit)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.inactive[unit], nil
}

// MockConverger is a MockBackend that batches applies like a declarative
// backend. Staged services only count as applied after Converge.
type MockConverger struct {
	*MockBackend
	staged []*descriptor.Service
}

// NewMockConverger creates a new batching mock backend
func NewMockConverger() *MockConverger {
	b := NewMockBackend()
	b.name = "mock-declarative"
	return &MockConverger{MockBackend: b}
}

// Apply stages svc
func (m *MockConverger) Apply(ctx context.Context, svc *descriptor.Service) error {
	m.recordCall("Apply", svc.ID)
	if err := m.checkError("Apply", "Apply:"+svc.ID); err != nil {
		return err
	}
	m.staged = append(m.staged, svc)
	return nil
}

// Converge implements backend.Converger
func (m *MockConverger) Converge(ctx context.Context) error {
	m.recordCall("Converge", len(m.staged))
	staged := m.staged
	m.staged = nil
	if err := m.checkError("Converge"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, svc := range staged {
		m.applied[svc.ID] = svc.Fingerprint()
	}
	return nil
}
