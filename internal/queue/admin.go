package queue

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/egressd/internal/message"
)

// Criteria selects scheduled queues by name components. An empty field
// matches anything; a set field matches only queues with that value.
type Criteria struct {
	Campaign      string `json:"campaign,omitempty"`
	Tenant        string `json:"tenant,omitempty"`
	Domain        string `json:"domain,omitempty"`
	RoutingDomain string `json:"routing_domain,omitempty"`
}

// Matches reports whether the queue name satisfies every set field
func (c Criteria) Matches(name message.QueueName) bool {
	return matchPart(c.Campaign, name.Campaign) &&
		matchPart(c.Tenant, name.Tenant) &&
		matchPart(c.Domain, name.Domain) &&
		matchPart(c.RoutingDomain, name.RoutingDomain)
}

// MatchesName parses name and applies Matches
func (c Criteria) MatchesName(name string) bool {
	return c.Matches(message.ParseQueueName(name))
}

func matchPart(wanted, have string) bool {
	return wanted == "" || wanted == have
}

// BounceEntry bounces every message of matching queues until it expires
type BounceEntry struct {
	ID       uuid.UUID `json:"id"`
	Criteria `json:"criteria"`
	Reason   string    `json:"reason"`
	Expires  time.Time `json:"expires"`

	mu      sync.Mutex
	bounced map[string]int
}

// NewBounceEntry creates an entry valid for d
func NewBounceEntry(c Criteria, reason string, d time.Duration) *BounceEntry {
	return &BounceEntry{
		ID:       uuid.New(),
		Criteria: c,
		Reason:   reason,
		Expires:  time.Now().Add(d),
		bounced:  make(map[string]int),
	}
}

func (e *BounceEntry) record(queue string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bounced == nil {
		e.bounced = make(map[string]int)
	}
	e.bounced[queue]++
}

// Bounced returns the number of messages bounced per queue
func (e *BounceEntry) Bounced() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.bounced))
	for k, v := range e.bounced {
		out[k] = v
	}
	return out
}

// TotalBounced sums Bounced
func (e *BounceEntry) TotalBounced() int {
	total := 0
	for _, n := range e.Bounced() {
		total += n
	}
	return total
}

// SuspendEntry holds matching queues back from promotion until it expires
type SuspendEntry struct {
	ID       uuid.UUID `json:"id"`
	Criteria `json:"criteria"`
	Reason   string    `json:"reason"`
	Expires  time.Time `json:"expires"`
}

// NewSuspendEntry creates an entry valid for d
func NewSuspendEntry(c Criteria, reason string, d time.Duration) *SuspendEntry {
	return &SuspendEntry{ID: uuid.New(), Criteria: c, Reason: reason, Expires: time.Now().Add(d)}
}

// RebindRequest moves the messages of matching queues after rewriting
// their metadata
type RebindRequest struct {
	Criteria
	Data            map[string]string `json:"data"`
	Reason          string            `json:"reason"`
	AlwaysFlush     bool              `json:"always_flush"`
	SuppressLogging bool              `json:"suppress_logging"`
}

// Admin holds the active bounce and suspension entries
type Admin struct {
	mu       sync.Mutex
	now      func() time.Time
	bounces  []*BounceEntry
	suspends []*SuspendEntry
}

// NewAdmin creates an empty registry
func NewAdmin() *Admin {
	return &Admin{now: time.Now}
}

// AddBounce installs e, replacing an entry with identical criteria
func (a *Admin) AddBounce(e *BounceEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	a.bounces = slices.DeleteFunc(a.bounces, func(have *BounceEntry) bool {
		return !have.Expires.After(now) || have.Criteria == e.Criteria
	})
	a.bounces = append(a.bounces, e)
}

// Bounces returns the unexpired bounce entries
func (a *Admin) Bounces() []*BounceEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	a.bounces = slices.DeleteFunc(a.bounces, func(e *BounceEntry) bool { return !e.Expires.After(now) })
	return slices.Clone(a.bounces)
}

// RemoveBounce deletes the entry with id
func (a *Admin) RemoveBounce(id uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.bounces)
	a.bounces = slices.DeleteFunc(a.bounces, func(e *BounceEntry) bool { return e.ID == id })
	return len(a.bounces) != n
}

// BounceFor returns the most recent entry matching the queue name
func (a *Admin) BounceFor(queue string) *BounceEntry {
	name := message.ParseQueueName(queue)
	entries := a.Bounces()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Matches(name) {
			return entries[i]
		}
	}
	return nil
}

// AddSuspend installs e, replacing an entry with identical criteria
func (a *Admin) AddSuspend(e *SuspendEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	a.suspends = slices.DeleteFunc(a.suspends, func(have *SuspendEntry) bool {
		return !have.Expires.After(now) || have.Criteria == e.Criteria
	})
	a.suspends = append(a.suspends, e)
}

// Suspends returns the unexpired suspensions
func (a *Admin) Suspends() []*SuspendEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	a.suspends = slices.DeleteFunc(a.suspends, func(e *SuspendEntry) bool { return !e.Expires.After(now) })
	return slices.Clone(a.suspends)
}

// RemoveSuspend deletes the suspension with id
func (a *Admin) RemoveSuspend(id uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.suspends)
	a.suspends = slices.DeleteFunc(a.suspends, func(e *SuspendEntry) bool { return e.ID == id })
	return len(a.suspends) != n
}

// SuspendFor returns the most recent suspension matching the queue name
func (a *Admin) SuspendFor(queue string) *SuspendEntry {
	name := message.ParseQueueName(queue)
	entries := a.Suspends()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Matches(name) {
			return entries[i]
		}
	}
	return nil
}
