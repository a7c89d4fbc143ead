package egress

import (
	"sync"
	"time"
)

const cursorIdleTimeout = 10 * time.Minute

type weighted struct {
	name   string
	weight uint32
}

// RoundRobin implements the LVS interleaved weighted round-robin
// scheduler. It is not safe for concurrent use.
type RoundRobin struct {
	entries []weighted
	gcd     uint32
	max     uint32
	index   int
	current uint32
}

// NewRoundRobin builds a scheduler over the pool's usable members
func NewRoundRobin(p *Pool) *RoundRobin {
	return newRoundRobin(p.weights())
}

func newRoundRobin(entries []weighted) *RoundRobin {
	rr := &RoundRobin{entries: entries, index: -1}
	for _, e := range entries {
		rr.gcd = gcd(rr.gcd, e.weight)
		rr.max = max(rr.max, e.weight)
	}
	return rr
}

// Next returns the next source name
func (rr *RoundRobin) Next() (string, bool) {
	switch len(rr.entries) {
	case 0:
		return "", false
	case 1:
		return rr.entries[0].name, true
	}

	for {
		rr.index = (rr.index + 1) % len(rr.entries)
		if rr.index == 0 {
			if rr.current <= rr.gcd {
				rr.current = rr.max
			} else {
				rr.current -= rr.gcd
			}
		}
		if e := rr.entries[rr.index]; e.weight >= rr.current {
			return e.name, true
		}
	}
}

func gcd(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

type cursorKey struct {
	pool  string
	queue string
}

type cursor struct {
	mu       sync.Mutex
	members  []weighted
	rr       *RoundRobin
	lastUsed time.Time
}

// Cursors holds one round-robin position per (pool, queue). Idle cursors
// are evicted by Sweep.
type Cursors struct {
	mu      sync.Mutex
	now     func() time.Time
	cursors map[cursorKey]*cursor
}

// NewCursors creates an empty arena
func NewCursors() *Cursors {
	return &Cursors{now: time.Now, cursors: make(map[cursorKey]*cursor)}
}

// Next advances the cursor for (pool, queue). The cursor is rebuilt when
// the pool's members or weights changed since the last call.
func (c *Cursors) Next(p *Pool, queue string) (string, bool) {
	key := cursorKey{pool: p.Name, queue: queue}
	now := c.now()

	c.mu.Lock()
	cur, ok := c.cursors[key]
	if !ok {
		cur = &cursor{}
		c.cursors[key] = cur
	}
	c.mu.Unlock()

	cur.mu.Lock()
	defer cur.mu.Unlock()
	members := p.weights()
	if cur.rr == nil || !sameMembers(cur.members, members) {
		cur.members = members
		cur.rr = newRoundRobin(members)
	}
	cur.lastUsed = now
	return cur.rr.Next()
}

// Sweep evicts cursors unused for ten minutes and returns how many were
// removed
func (c *Cursors) Sweep() int {
	cutoff := c.now().Add(-cursorIdleTimeout)

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, cur := range c.cursors {
		cur.mu.Lock()
		idle := cur.lastUsed.Before(cutoff)
		cur.mu.Unlock()
		if idle {
			delete(c.cursors, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live cursors
func (c *Cursors) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cursors)
}
