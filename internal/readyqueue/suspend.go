package readyqueue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Suspension holds delivery for one ready queue until it expires
type Suspension struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Reason  string    `json:"reason"`
	Expires time.Time `json:"expires"`
}

// SuspendedError reports that TryPromote refused a message because its
// ready queue is suspended
type SuspendedError struct {
	Name       string
	Reason     string
	RetryAfter time.Duration
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("ready queue %s is suspended: %s", e.Name, e.Reason)
}

// Suspensions is the registry of ready queue suspensions, keyed by the
// exact "source->site" queue name
type Suspensions struct {
	mu     sync.Mutex
	now    func() time.Time
	byName map[string]Suspension
}

// NewSuspensions creates an empty registry; a nil now means time.Now
func NewSuspensions(now func() time.Time) *Suspensions {
	if now == nil {
		now = time.Now
	}
	return &Suspensions{now: now, byName: make(map[string]Suspension)}
}

// Add suspends the named queue for d, replacing an earlier suspension of
// the same queue
func (s *Suspensions) Add(name, reason string, d time.Duration) Suspension {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := Suspension{ID: uuid.New(), Name: name, Reason: reason, Expires: s.now().Add(d)}
	s.byName[name] = e
	return e
}

// For returns the live suspension of the named queue
func (s *Suspensions) For(name string) (Suspension, bool) {
	if s == nil {
		return Suspension{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byName[name]
	if !ok {
		return Suspension{}, false
	}
	if !e.Expires.After(s.now()) {
		delete(s.byName, name)
		return Suspension{}, false
	}
	return e, true
}

// List returns the live suspensions ordered by queue name
func (s *Suspensions) List() []Suspension {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]Suspension, 0, len(s.byName))
	for name, e := range s.byName {
		if !e.Expires.After(now) {
			delete(s.byName, name)
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Remove deletes the suspension with id and returns it
func (s *Suspensions) Remove(id uuid.UUID) (Suspension, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, e := range s.byName {
		if e.ID == id {
			delete(s.byName, name)
			return e, true
		}
	}
	return Suspension{}, false
}

// remaining is the time left on e, at least one second
func (e Suspension) remaining(now time.Time) time.Duration {
	return max(e.Expires.Sub(now), time.Second)
}
