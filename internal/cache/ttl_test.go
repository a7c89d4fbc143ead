package cache

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTTLGetSet(t *testing.T) {
	clock := &testClock{now: time.Unix(0, 0)}
	c := New[string, int](time.Minute).WithClock(clock.Now)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	clock.Advance(59 * time.Second)
	_, ok = c.Get("a")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry must expire at its TTL")
}

func TestTTLNoExpiry(t *testing.T) {
	clock := &testClock{now: time.Unix(0, 0)}
	c := New[string, string](time.Second).WithClock(clock.Now)

	c.SetWithTTL("forever", "x", 0)
	clock.Advance(24 * time.Hour)

	v, ok := c.Get("forever")
	assert.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestTTLDeleteExpiredAndKeys(t *testing.T) {
	clock := &testClock{now: time.Unix(0, 0)}
	c := New[int, string](time.Second).WithClock(clock.Now)

	c.Set(1, "one")
	c.SetWithTTL(2, "two", time.Hour)
	c.Set(3, "three")

	clock.Advance(2 * time.Second)
	assert.Equal(t, []int{2}, c.Keys())
	assert.Equal(t, 2, c.DeleteExpired())
	assert.Equal(t, 1, c.Len())

	c.Delete(2)
	assert.Equal(t, 0, c.Len())
}

func TestTTLFlush(t *testing.T) {
	c := New[string, int](time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	keys := c.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"a", "b"}, keys)

	c.Flush()
	assert.Equal(t, 0, c.Len())
}

func TestTTLJanitor(t *testing.T) {
	c := New[string, int](5 * time.Millisecond)
	c.StartJanitor(5 * time.Millisecond)
	defer c.Close()

	c.Set("a", 1)
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	c.Close()
	c.Close()
}

func TestTTLConcurrentAccess(t *testing.T) {
	c := New[int, int](time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set(n*1000+j, j)
				c.Get(n*1000 + j)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 800, c.Len())
}
