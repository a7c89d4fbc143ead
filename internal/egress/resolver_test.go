package egress

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/egressd/internal/delivery"
	"github.com/busybox42/egressd/internal/policy"
)

func TestResolverBuiltInDefaults(t *testing.T) {
	r := NewResolver(0)
	ctx := context.Background()

	pool, err := r.ResolvePool(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Unspecified, pool.Name)

	src, err := r.ResolveSource(ctx, Unspecified)
	require.NoError(t, err)
	assert.Equal(t, Unspecified, src.Name)

	cfg, err := r.ResolvePathConfig(ctx, PathKey{Domain: "example.com", Source: Unspecified, Site: "mx.example.com"})
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.ConnectionLimit)
	assert.Equal(t, delivery.TLSOpportunistic, cfg.EnableTLS)
}

func TestResolverUndefinedPool(t *testing.T) {
	r := NewResolver(0)
	_, err := r.ResolvePool(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUndefined)
}

func TestResolverValidatesPoolMembers(t *testing.T) {
	r := NewResolver(0)
	r.Pools.Register(func(ctx context.Context, name string) (policy.Decision[Pool], error) {
		return policy.Definitive(Pool{Name: name, Entries: []PoolEntry{{Name: "ip-1"}, {Name: "ghost"}}}), nil
	})
	r.Sources.Register(func(ctx context.Context, name string) (policy.Decision[Source], error) {
		if name == "ip-1" {
			return policy.Definitive(Source{Name: name, SourceAddress: "192.0.2.1"}), nil
		}
		return policy.NoOpinion[Source](), nil
	})

	_, err := r.ResolvePool(context.Background(), "bulk")
	assert.ErrorIs(t, err, ErrUndefined)
}

func TestResolverCachesAnswers(t *testing.T) {
	var calls atomic.Int32
	r := NewResolver(0)
	r.Paths.Register(func(ctx context.Context, key PathKey) (policy.Decision[PathConfig], error) {
		calls.Add(1)
		cfg := DefaultPathConfig()
		cfg.ConnectionLimit = 4
		return policy.Definitive(cfg), nil
	})

	key := PathKey{Domain: "example.com", Source: "ip-1", Site: "mx.example.com"}
	for i := 0; i < 3; i++ {
		cfg, err := r.ResolvePathConfig(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.ConnectionLimit)
	}
	assert.Equal(t, int32(1), calls.Load())

	r.Invalidate()
	_, err := r.ResolvePathConfig(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResolverCoalescesConcurrentMisses(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	r := NewResolver(0)
	r.Paths.Register(func(ctx context.Context, key PathKey) (policy.Decision[PathConfig], error) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		cfg := DefaultPathConfig()
		cfg.ConnectionLimit = 7
		return policy.Definitive(cfg), nil
	})

	const callers = 8
	key := PathKey{Domain: "example.com", Source: "ip-1", Site: "mx.example.com"}
	results := make([]*PathConfig, callers)
	var ready, wg sync.WaitGroup
	ready.Add(callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ready.Done()
			cfg, err := r.ResolvePathConfig(context.Background(), key)
			assert.NoError(t, err)
			results[i] = cfg
		}()
	}

	ready.Wait()
	<-entered
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, cfg := range results {
		require.NotNil(t, cfg)
		assert.Same(t, results[0], cfg)
		assert.Equal(t, 7, cfg.ConnectionLimit)
	}
}

func TestResolverPathConfigErrors(t *testing.T) {
	r := NewResolver(0)
	r.Paths.Register(func(ctx context.Context, key PathKey) (policy.Decision[PathConfig], error) {
		if key.Site == "bad" {
			cfg := DefaultPathConfig()
			cfg.ConnectionLimit = 0
			return policy.Definitive(cfg), nil
		}
		return policy.Decision[PathConfig]{}, errors.New("lookup failed")
	})

	_, err := r.ResolvePathConfig(context.Background(), PathKey{Site: "bad"})
	assert.ErrorContains(t, err, "connection_limit")

	_, err = r.ResolvePathConfig(context.Background(), PathKey{Site: "other"})
	assert.ErrorContains(t, err, "lookup failed")
}

func TestResolverSelectSource(t *testing.T) {
	r := NewResolver(0)
	r.Pools.Register(func(ctx context.Context, name string) (policy.Decision[Pool], error) {
		return policy.Definitive(Pool{Name: name, Entries: []PoolEntry{
			{Name: "ip-1", Weight: weight(2)},
			{Name: "ip-2", Weight: weight(1)},
		}}), nil
	})
	r.Sources.Register(func(ctx context.Context, name string) (policy.Decision[Source], error) {
		return policy.Definitive(Source{Name: name}), nil
	})

	counts := map[string]int{}
	for i := 0; i < 30; i++ {
		src, err := r.SelectSource(context.Background(), "bulk", "example.com")
		require.NoError(t, err)
		counts[src.Name]++
	}
	assert.Equal(t, map[string]int{"ip-1": 20, "ip-2": 10}, counts)
}

func TestPathConfigHostMatching(t *testing.T) {
	cfg := DefaultPathConfig()
	cfg.SkipHosts = []HostMatch{MustParseHostMatch("192.0.2.0/24")}

	assert.True(t, cfg.Prohibits(mustAddr("127.0.0.5")))
	assert.True(t, cfg.Prohibits(mustAddr("::1")))
	assert.True(t, cfg.Prohibits(mustAddr("::ffff:127.0.0.1")))
	assert.False(t, cfg.Prohibits(mustAddr("192.0.2.1")))
	assert.True(t, cfg.Skips(mustAddr("192.0.2.200")))

	var m HostMatch
	require.NoError(t, m.UnmarshalText([]byte("10.1.2.3")))
	assert.Equal(t, "10.1.2.3/32", m.String())
	assert.Error(t, m.UnmarshalText([]byte("nonsense")))
}

func TestPathConfigValidate(t *testing.T) {
	cfg := DefaultPathConfig()
	warnings, err := cfg.Validate()
	require.NoError(t, err)
	assert.Empty(t, warnings)

	cfg.EnableDANE = true
	warnings, err = cfg.Validate()
	require.NoError(t, err)
	assert.Len(t, warnings, 1)

	cfg.MaxReady = 0
	_, err = cfg.Validate()
	assert.Error(t, err)
}
