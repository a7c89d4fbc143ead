package egress

import (
	"errors"
	"fmt"
	"slices"

	"github.com/busybox42/egressd/internal/policy"
)

// ErrInvalidPool is wrapped by pool validation failures
var ErrInvalidPool = errors.New("invalid egress pool")

// PoolEntry is a member source and its selection weight. A nil weight
// means 1; zero removes the source from rotation.
type PoolEntry struct {
	Name   string  `toml:"name" json:"name"`
	Weight *uint32 `toml:"weight" json:"weight,omitempty"`
}

// EffectiveWeight returns the configured weight or the default of 1
func (e PoolEntry) EffectiveWeight() uint32 {
	if e.Weight == nil {
		return 1
	}
	return *e.Weight
}

// Pool is a named, weighted set of sources
type Pool struct {
	Name    string          `toml:"name" json:"name"`
	Entries []PoolEntry     `toml:"entries" json:"entries"`
	TTL     policy.Duration `toml:"ttl" json:"ttl,omitempty"`
}

// DefaultPool returns the built-in unspecified pool
func DefaultPool() Pool {
	return Pool{
		Name:    Unspecified,
		Entries: []PoolEntry{{Name: Unspecified}},
		TTL:     defaultDefinitionTTL,
	}
}

// Validate checks that the pool has at least one usable member and no
// duplicates
func (p *Pool) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidPool)
	}
	seen := make(map[string]bool, len(p.Entries))
	usable := 0
	for _, e := range p.Entries {
		if e.Name == "" {
			return fmt.Errorf("%w: %s: entry without a source name", ErrInvalidPool, p.Name)
		}
		if seen[e.Name] {
			return fmt.Errorf("%w: %s: source %s listed twice", ErrInvalidPool, p.Name, e.Name)
		}
		seen[e.Name] = true
		if e.EffectiveWeight() > 0 {
			usable++
		}
	}
	if usable == 0 {
		return fmt.Errorf("%w: %s: no source with a non-zero weight", ErrInvalidPool, p.Name)
	}
	return nil
}

// weights returns the members with non-zero weight in declaration order
func (p *Pool) weights() []weighted {
	out := make([]weighted, 0, len(p.Entries))
	for _, e := range p.Entries {
		if w := e.EffectiveWeight(); w > 0 {
			out = append(out, weighted{name: e.Name, weight: w})
		}
	}
	return out
}

// sameMembers reports whether two pools would rotate identically
func sameMembers(a, b []weighted) bool {
	return slices.Equal(a, b)
}
