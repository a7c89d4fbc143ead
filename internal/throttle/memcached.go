package throttle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// ErrContention is returned when a compare-and-swap loop keeps losing
var ErrContention = errors.New("throttle state contention")

const maxCASAttempts = 16

// MemcachedStore shares GCRA state between nodes through memcached.
// The TAT is computed from the local clock, so nodes must keep their
// clocks synchronized.
type MemcachedStore struct {
	client *memcache.Client
	now    func() time.Time
}

// NewMemcachedStore connects to the given servers
func NewMemcachedStore(servers ...string) (*MemcachedStore, error) {
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	client.Timeout = 2 * time.Second

	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	return &MemcachedStore{client: client, now: time.Now}, nil
}

// Throttle implements Store
func (m *MemcachedStore) Throttle(ctx context.Context, req Request) (Result, error) {
	key := memcacheKey(req.Key)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		item, err := m.client.Get(key)
		if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return Result{}, fmt.Errorf("memcached get %s: %w", req.Key, err)
		}

		var stored int64
		hasTAT := false
		if item != nil {
			if v, perr := strconv.ParseInt(string(item.Value), 10, 64); perr == nil {
				stored, hasTAT = v, true
			}
		}

		now := m.now().UnixNano()
		out := evaluate(req, now, stored, hasTAT)
		if !out.store {
			return out.result, nil
		}

		value := []byte(strconv.FormatInt(out.newTAT, 10))
		expiration := int32((out.result.ResetAfter + time.Second - 1) / time.Second)
		if expiration < 1 {
			expiration = 1
		}

		if item == nil {
			err = m.client.Add(&memcache.Item{Key: key, Value: value, Expiration: expiration})
		} else {
			item.Value = value
			item.Expiration = expiration
			err = m.client.CompareAndSwap(item)
		}
		switch {
		case err == nil:
			return out.result, nil
		case errors.Is(err, memcache.ErrNotStored), errors.Is(err, memcache.ErrCASConflict):
			continue
		default:
			return Result{}, fmt.Errorf("memcached store %s: %w", req.Key, err)
		}
	}
	return Result{}, fmt.Errorf("%w: %s", ErrContention, req.Key)
}

// memcacheKey maps key onto the memcached key alphabet and length limit
func memcacheKey(key string) string {
	if len(key) <= 200 && validMemcacheKey(key) {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return "egressd:throttle:" + hex.EncodeToString(sum[:])
}

func validMemcacheKey(key string) bool {
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return false
		}
	}
	return true
}

// Name implements Store
func (m *MemcachedStore) Name() string { return "memcached" }

// Close implements Store; the client holds only idle connections
func (m *MemcachedStore) Close() error { return nil }
