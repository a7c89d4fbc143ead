package policy

import (
	"sync"
	"sync/atomic"
)

// Epoch identifies a published configuration generation
type Epoch uint64

// Versioned pairs a configuration value with the epoch it was published at
type Versioned[T any] struct {
	Epoch Epoch
	Value T
}

// Snapshot holds the current configuration generation. Readers get an
// immutable view; writers publish a whole new value.
type Snapshot[T any] struct {
	current atomic.Pointer[Versioned[T]]
	mu      sync.Mutex
	subs    []chan Epoch
}

// NewSnapshot publishes initial at epoch 1
func NewSnapshot[T any](initial T) *Snapshot[T] {
	s := &Snapshot[T]{}
	s.current.Store(&Versioned[T]{Epoch: 1, Value: initial})
	return s
}

// Load returns the current generation
func (s *Snapshot[T]) Load() *Versioned[T] {
	return s.current.Load()
}

// Epoch returns the current epoch
func (s *Snapshot[T]) Epoch() Epoch {
	return s.current.Load().Epoch
}

// Publish installs v as a new generation and notifies subscribers
func (s *Snapshot[T]) Publish(v T) Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().Epoch + 1
	s.current.Store(&Versioned[T]{Epoch: next, Value: v})
	for _, ch := range s.subs {
		select {
		case ch <- next:
		default:
		}
	}
	return next
}

// Subscribe returns a channel that receives the epoch of each publish.
// Slow receivers miss intermediate epochs but always see a later one.
func (s *Snapshot[T]) Subscribe() <-chan Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Epoch, 1)
	s.subs = append(s.subs, ch)
	return ch
}
