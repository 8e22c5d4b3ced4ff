// ABOUTME: In-memory mock implementation of the Store interface for tests.
// ABOUTME: Supports injected failures to exercise best-effort persistence paths.

package store

import (
	"context"
	"sync"
)

// MockStore is an in-memory Store for tests. Error fields, when set,
// are returned by the corresponding method.
type MockStore struct {
	mu        sync.Mutex
	snapshots map[string]*DomainSnapshot

	SaveErr   error
	LoadErr   error
	DeleteErr error

	saveCalls int
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{snapshots: make(map[string]*DomainSnapshot)}
}

// SaveSnapshot stores a copy of the snapshot.
func (m *MockStore) SaveSnapshot(_ context.Context, snap *DomainSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saveCalls++
	if m.SaveErr != nil {
		return m.SaveErr
	}

	cp := *snap
	cp.Tools = append(cp.Tools[:0:0], snap.Tools...)
	m.snapshots[snap.Domain] = &cp
	return nil
}

// LoadSnapshots returns all stored snapshots.
func (m *MockStore) LoadSnapshots(_ context.Context) ([]*DomainSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LoadErr != nil {
		return nil, m.LoadErr
	}

	snaps := make([]*DomainSnapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		snaps = append(snaps, s)
	}
	return snaps, nil
}

// DeleteSnapshot removes a stored snapshot.
func (m *MockStore) DeleteSnapshot(_ context.Context, domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.snapshots, domain)
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

// SetSaveErr sets the injected SaveSnapshot failure. Safe to call while
// background saves are in flight.
func (m *MockStore) SetSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveErr = err
}

// Snapshot returns the stored snapshot for a domain, or nil.
func (m *MockStore) Snapshot(domain string) *DomainSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[domain]
}

// SaveCalls returns how many times SaveSnapshot was invoked,
// including failed attempts.
func (m *MockStore) SaveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCalls
}
