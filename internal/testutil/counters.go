// counters.go
//
// Mock quota counter and audit recorder.
package testutil

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MGallo-Code/tollgate/internal/store"
)

// MockCounter implements quota.Counter with the same increment-then-compare
// semantics as store.RedisCounter, serialized by a mutex.
type MockCounter struct {
	IncrementErr error
	CountErr     error

	Counts map[string]int64
	TTLs   map[string]time.Duration // set only on the first increment of a key

	Calls int

	mu sync.Mutex
}

// NewMockCounter returns an empty MockCounter.
func NewMockCounter() *MockCounter {
	return &MockCounter{
		Counts: make(map[string]int64),
		TTLs:   make(map[string]time.Duration),
	}
}

func (m *MockCounter) IncrementWithin(_ context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.IncrementErr != nil {
		return 0, false, m.IncrementErr
	}
	if m.Counts == nil {
		m.Counts = make(map[string]int64)
		m.TTLs = make(map[string]time.Duration)
	}
	n := m.Counts[key] + 1
	if n == 1 {
		m.TTLs[key] = ttl
	}
	if n > limit {
		return n - 1, false, nil
	}
	m.Counts[key] = n
	return n, true, nil
}

func (m *MockCounter) Count(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CountErr != nil {
		return 0, m.CountErr
	}
	return m.Counts[key], nil
}

// Get returns the stored value for key.
func (m *MockCounter) Get(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counts[key]
}

// MockRecorder implements quota.Recorder; keeps every submitted entry.
type MockRecorder struct {
	SubmitErr error
	Entries   []store.AuditEntry

	mu sync.Mutex
}

func (m *MockRecorder) Submit(e store.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return m.SubmitErr
	}
	m.Entries = append(m.Entries, e)
	return nil
}

// Submitted returns a snapshot of recorded entries.
func (m *MockRecorder) Submitted() []store.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.Entries)
}
