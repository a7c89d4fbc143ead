package egress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/busybox42/egressd/internal/cache"
	"github.com/busybox42/egressd/internal/policy"
)

// ErrUndefined is returned when no handler defines the requested pool or
// source
var ErrUndefined = errors.New("not defined")

// Resolver answers pool, source and path configuration questions from the
// policy handler chains, caching each answer
type Resolver struct {
	// Pools, Sources and Paths are consulted on cache misses
	Pools   policy.Chain[string, Pool]
	Sources policy.Chain[string, Source]
	Paths   policy.Chain[PathKey, PathConfig]

	logger  *slog.Logger
	pools   *cache.TTL[string, *Pool]
	sources *cache.TTL[string, *Source]
	paths   *cache.TTL[PathKey, *PathConfig]
	group   singleflight.Group
	cursors *Cursors
}

// NewResolver creates a resolver; path configurations are cached for
// pathTTL
func NewResolver(pathTTL time.Duration) *Resolver {
	if pathTTL <= 0 {
		pathTTL = time.Minute
	}
	return &Resolver{
		logger:  slog.Default().With("component", "egress-resolver"),
		pools:   cache.New[string, *Pool](defaultDefinitionTTL.Std()),
		sources: cache.New[string, *Source](defaultDefinitionTTL.Std()),
		paths:   cache.New[PathKey, *PathConfig](pathTTL),
		cursors: NewCursors(),
	}
}

// ResolvePool returns the named pool with every member source validated.
// An empty name means the unspecified pool.
func (r *Resolver) ResolvePool(ctx context.Context, name string) (*Pool, error) {
	if name == "" {
		name = Unspecified
	}
	if p, ok := r.pools.Get(name); ok {
		return p, nil
	}

	v, err, _ := r.group.Do("pool:"+name, func() (interface{}, error) {
		pool, err := r.Pools.Resolve(ctx, name)
		switch {
		case errors.Is(err, policy.ErrNoOpinion) && name == Unspecified:
			pool = DefaultPool()
		case errors.Is(err, policy.ErrNoOpinion):
			return nil, fmt.Errorf("egress pool %q: %w", name, ErrUndefined)
		case err != nil:
			return nil, fmt.Errorf("egress pool %q: %w", name, err)
		}
		if pool.Name == "" {
			pool.Name = name
		}
		if err := pool.Validate(); err != nil {
			return nil, err
		}
		for _, e := range pool.Entries {
			if _, err := r.ResolveSource(ctx, e.Name); err != nil {
				return nil, fmt.Errorf("egress pool %q: %w", name, err)
			}
		}
		r.pools.SetWithTTL(name, &pool, ttlOrDefault(pool.TTL))
		return &pool, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pool), nil
}

// ResolveSource returns the named source. An empty name means the
// unspecified source.
func (r *Resolver) ResolveSource(ctx context.Context, name string) (*Source, error) {
	if name == "" {
		name = Unspecified
	}
	if s, ok := r.sources.Get(name); ok {
		return s, nil
	}

	v, err, _ := r.group.Do("source:"+name, func() (interface{}, error) {
		src, err := r.Sources.Resolve(ctx, name)
		switch {
		case errors.Is(err, policy.ErrNoOpinion) && name == Unspecified:
			src = DefaultSource()
		case errors.Is(err, policy.ErrNoOpinion):
			return nil, fmt.Errorf("egress source %q: %w", name, ErrUndefined)
		case err != nil:
			return nil, fmt.Errorf("egress source %q: %w", name, err)
		}
		if src.Name == "" {
			src.Name = name
		}
		if err := src.Validate(); err != nil {
			return nil, err
		}
		r.sources.SetWithTTL(name, &src, ttlOrDefault(src.TTL))
		return &src, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Source), nil
}

// ResolvePathConfig returns the configuration for key. When no handler has
// an opinion the defaults apply.
func (r *Resolver) ResolvePathConfig(ctx context.Context, key PathKey) (*PathConfig, error) {
	if c, ok := r.paths.Get(key); ok {
		return c, nil
	}

	flightKey := "path:" + key.Domain + "\x00" + key.Source + "\x00" + key.Site
	v, err, _ := r.group.Do(flightKey, func() (interface{}, error) {
		cfg, err := r.Paths.Resolve(ctx, key)
		switch {
		case errors.Is(err, policy.ErrNoOpinion):
			cfg = DefaultPathConfig()
		case err != nil:
			return nil, fmt.Errorf("path config for %s: %w", key.ReadyQueueName(), err)
		}
		warnings, err := cfg.Validate()
		if err != nil {
			return nil, fmt.Errorf("path config for %s: %w", key.ReadyQueueName(), err)
		}
		for _, w := range warnings {
			r.logger.Warn("Path configuration warning", "path", key.ReadyQueueName(), "warning", w)
		}
		r.paths.Set(key, &cfg)
		return &cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PathConfig), nil
}

// SelectSource picks the next source of poolName for queue using the
// weighted round-robin cursor of that pair
func (r *Resolver) SelectSource(ctx context.Context, poolName, queue string) (*Source, error) {
	pool, err := r.ResolvePool(ctx, poolName)
	if err != nil {
		return nil, err
	}
	name, ok := r.cursors.Next(pool, queue)
	if !ok {
		return nil, fmt.Errorf("egress pool %q: no usable source", pool.Name)
	}
	return r.ResolveSource(ctx, name)
}

// Invalidate drops every cached answer, typically after a configuration
// reload
func (r *Resolver) Invalidate() {
	r.pools.Flush()
	r.sources.Flush()
	r.paths.Flush()
}

// Maintain evicts idle cursors and expired cache entries
func (r *Resolver) Maintain() {
	cursors := r.cursors.Sweep()
	expired := r.pools.DeleteExpired() + r.sources.DeleteExpired() + r.paths.DeleteExpired()
	if cursors > 0 || expired > 0 {
		r.logger.Debug("Egress resolver maintenance", "cursors_evicted", cursors, "cache_expired", expired)
	}
}

func ttlOrDefault(d policy.Duration) time.Duration {
	if d <= 0 {
		return defaultDefinitionTTL.Std()
	}
	return d.Std()
}
