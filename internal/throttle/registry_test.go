package throttle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingStore struct {
	*MemoryStore
	keys []string
}

func (r *recordingStore) Throttle(ctx context.Context, req Request) (Result, error) {
	r.keys = append(r.keys, req.Key)
	return r.MemoryStore.Throttle(ctx, req)
}

func (r *recordingStore) Name() string { return "recording" }

func TestBurstThenThrottled(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(NewMemoryStoreWithClock(clock.Now), nil)
	spec := MustParseSpec("10/s")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := reg.Check(ctx, "burst", spec)
		require.NoError(t, err)
		assert.False(t, res.Throttled, "unit %d", i)
		assert.Equal(t, uint64(9-i), res.Remaining)
		assert.Equal(t, uint64(10), res.Limit)
	}

	res, err := reg.Check(ctx, "burst", spec)
	require.NoError(t, err)
	assert.True(t, res.Throttled)
	assert.Equal(t, 100*time.Millisecond, res.RetryAfter)
	assert.Equal(t, time.Second, res.ResetAfter)
}

func TestRetryAfterIsSufficient(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(NewMemoryStoreWithClock(clock.Now), nil)
	spec := MustParseSpec("10/s")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := reg.Check(ctx, "retry", spec)
		require.NoError(t, err)
	}

	for i := 0; i < 25; i++ {
		res, err := reg.Check(ctx, "retry", spec)
		require.NoError(t, err)
		require.True(t, res.Throttled)
		assert.GreaterOrEqual(t, res.RetryAfter, time.Duration(0))

		clock.Advance(res.RetryAfter)
		res, err = reg.Check(ctx, "retry", spec)
		require.NoError(t, err)
		assert.False(t, res.Throttled, "retrying after retry_after must be admitted")
	}
}

func TestSustainedDemandRate(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	reg := NewRegistry(NewMemoryStoreWithClock(clock.Now), nil)
	spec := MustParseSpec("10/s")
	ctx := context.Background()

	var admitted []time.Duration
	for step := 0; step < 400; step++ {
		for {
			res, err := reg.Check(ctx, "sustained", spec)
			require.NoError(t, err)
			if res.Throttled {
				break
			}
			admitted = append(admitted, clock.Now().Sub(start))
		}
		clock.Advance(10 * time.Millisecond)
	}

	count := func(from time.Duration) int {
		n := 0
		for _, at := range admitted {
			if at >= from && at < from+time.Second {
				n++
			}
		}
		return n
	}

	// The initial burst is spent at t=0; every later one-second window
	// sees exactly the configured rate.
	for _, from := range []time.Duration{
		time.Second,
		1500 * time.Millisecond,
		1550 * time.Millisecond,
		2 * time.Second,
		2990 * time.Millisecond,
	} {
		assert.Equal(t, 10, count(from), "window starting at %v", from)
	}
}

func TestMaxBurst(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(NewMemoryStoreWithClock(clock.Now), nil)
	spec := MustParseSpec("10/s,max_burst=2")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := reg.Check(ctx, "mb", spec)
		require.NoError(t, err)
		assert.False(t, res.Throttled)
	}
	res, err := reg.Check(ctx, "mb", spec)
	require.NoError(t, err)
	assert.True(t, res.Throttled)
	assert.Equal(t, uint64(2), res.Limit)
}

func TestSpecsDoNotShareState(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(NewMemoryStoreWithClock(clock.Now), nil)
	ctx := context.Background()

	one := MustParseSpec("1/min")
	res, err := reg.Check(ctx, "shared-name", one)
	require.NoError(t, err)
	assert.False(t, res.Throttled)

	res, err = reg.Check(ctx, "shared-name", one)
	require.NoError(t, err)
	assert.True(t, res.Throttled)

	res, err = reg.Check(ctx, "shared-name", MustParseSpec("2/min"))
	require.NoError(t, err)
	assert.False(t, res.Throttled)
}

func TestLocalSpecUsesLocalStore(t *testing.T) {
	local := &recordingStore{MemoryStore: NewMemoryStore()}
	shared := &recordingStore{MemoryStore: NewMemoryStore()}
	reg := NewRegistry(local, shared)
	ctx := context.Background()

	_, err := reg.Check(ctx, "a", MustParseSpec("local:5/s"))
	require.NoError(t, err)
	_, err = reg.Check(ctx, "b", MustParseSpec("5/s"))
	require.NoError(t, err)

	assert.Equal(t, []string{"a:5:5:1"}, local.keys)
	assert.Equal(t, []string{"b:5:5:1"}, shared.keys)
}

func TestWaitUpTo(t *testing.T) {
	reg := NewRegistry(NewMemoryStore(), nil)
	spec := MustParseSpec("20/s")
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := reg.Check(ctx, "wait", spec)
		require.NoError(t, err)
	}

	res, err := reg.WaitUpTo(ctx, "wait", spec, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.Throttled, "retry_after beyond the bound returns immediately")

	start := time.Now()
	res, err = reg.WaitUpTo(ctx, "wait", spec, time.Second)
	require.NoError(t, err)
	assert.False(t, res.Throttled)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitHonoursContext(t *testing.T) {
	reg := NewRegistry(NewMemoryStore(), nil)
	spec := MustParseSpec("1/h")
	ctx := context.Background()

	require.NoError(t, reg.Wait(ctx, "ctx", spec))

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := reg.Wait(ctx, "ctx", spec)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryStoreExpiresKeys(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStoreWithClock(clock.Now)
	reg := NewRegistry(store, nil)

	_, err := reg.Check(context.Background(), "expire", MustParseSpec("10/s"))
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	clock.Advance(time.Second)
	assert.Equal(t, 0, store.Len())
}
