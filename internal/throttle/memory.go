package throttle

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps GCRA state in process memory
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
	checks  int
}

type memoryEntry struct {
	tat     int64
	expires int64
}

const memorySweepEvery = 1024

// NewMemoryStore creates a new in-process store
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates a store that reads time from now
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     now,
	}
}

// Throttle implements Store
func (m *MemoryStore) Throttle(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixNano()
	entry, ok := m.entries[req.Key]
	if ok && entry.expires <= now {
		ok = false
	}

	out := evaluate(req, now, entry.tat, ok)
	if out.store {
		m.entries[req.Key] = memoryEntry{tat: out.newTAT, expires: out.newTAT}
	}

	m.checks++
	if m.checks%memorySweepEvery == 0 {
		m.sweepLocked(now)
	}
	return out.result, nil
}

func (m *MemoryStore) sweepLocked(now int64) {
	for k, e := range m.entries {
		if e.expires <= now {
			delete(m.entries, k)
		}
	}
}

// Len returns the number of live keys
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.now().UnixNano())
	return len(m.entries)
}

// Name implements Store
func (m *MemoryStore) Name() string { return "memory" }

// Close implements Store
func (m *MemoryStore) Close() error { return nil }
