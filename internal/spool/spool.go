// Package spool persists queued messages so they survive a restart.
package spool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/busybox42/egressd/internal/message"
)

// ErrNotFound is returned for unknown message ids
var ErrNotFound = errors.New("message not found in spool")

// Spool stores message envelopes, state and bodies
type Spool interface {
	// Save writes the envelope and state. The body is written when the
	// handle still holds it; otherwise the stored body is kept.
	Save(ctx context.Context, msg *message.Message) error
	Remove(ctx context.Context, id string) error
	LoadData(ctx context.Context, id string) ([]byte, error)
	// Enumerate calls fn with a body-less handle for every stored message
	Enumerate(ctx context.Context, fn func(*message.Message) error) error
	Close() error
}

// Config selects and configures the spool backend
type Config struct {
	Driver   string `toml:"driver"` // memory, sqlite, mysql or postgres
	DSN      string `toml:"dsn"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Database string `toml:"database"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Table    string `toml:"table"`
}

// Open creates the spool described by cfg
func Open(ctx context.Context, cfg Config) (Spool, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case DriverSQLite, DriverMySQL, DriverPostgres:
		return OpenSQL(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported spool driver %q", cfg.Driver)
	}
}

type memoryEntry struct {
	record message.Record
	data   []byte
}

// Memory is a process-local spool; it is what tests and single-shot runs
// use
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

var _ Spool = (*Memory)(nil)

// NewMemory creates an empty memory spool
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memoryEntry)}
}

func (m *Memory) Save(_ context.Context, msg *message.Message) error {
	rec := msg.Record()
	data, ok := msg.Data()

	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.entries[rec.ID]
	if !exists {
		e = &memoryEntry{}
		m.entries[rec.ID] = e
	}
	e.record = rec
	if ok {
		e.data = append([]byte(nil), data...)
	}
	return nil
}

func (m *Memory) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *Memory) LoadData(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok || e.data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]byte(nil), e.data...), nil
}

func (m *Memory) Enumerate(ctx context.Context, fn func(*message.Message) error) error {
	m.mu.RLock()
	records := make([]message.Record, 0, len(m.entries))
	for _, e := range m.entries {
		records = append(records, e.record)
	}
	m.mu.RUnlock()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(message.FromRecord(rec)); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored messages
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Contains reports whether id is stored
func (m *Memory) Contains(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[id]
	return ok
}

func (m *Memory) Close() error { return nil }
