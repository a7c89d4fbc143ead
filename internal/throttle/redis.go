package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// gcraScript evaluates one request atomically on the server clock in
// integer microseconds. Returns {throttled, remaining, reset_after_ms,
// retry_after_ms}.
const gcraScript = `
pcall(redis.replicate_commands)
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local period = tonumber(ARGV[2])
local max_burst = tonumber(ARGV[3])
local quantity = tonumber(ARGV[4])

local interval = math.floor(period / limit)
if interval < 1 then
  interval = 1
end
local increment = interval * quantity
local burst_offset = interval * max_burst

local t = redis.call("TIME")
local now = tonumber(t[1]) * 1000000 + tonumber(t[2])

local tat = tonumber(redis.call("GET", key) or now)
tat = math.max(tat, now)

local new_tat = tat + increment
local allow_at = new_tat - burst_offset
local diff = now - allow_at
local remaining = math.floor(diff / interval)

local throttled = 0
local reset_after = 0
local retry_after = 0

if remaining < 0 then
  throttled = 1
  remaining = math.floor((now - (tat - burst_offset)) / interval)
  reset_after = tat - now
  retry_after = -diff
elseif remaining == 0 and increment <= 0 then
  throttled = 1
  reset_after = tat - now
else
  reset_after = new_tat - now
  redis.call("SET", key, string.format("%.0f", new_tat), "PX", math.max(1, math.ceil(reset_after / 1000)))
end

if remaining < 0 then
  remaining = 0
end

return {throttled, remaining, math.ceil(reset_after / 1000), math.ceil(retry_after / 1000)}
`

// RedisConfig configures a RedisStore
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore shares GCRA state between nodes through Redis
type RedisStore struct {
	client *redis.Client
	script *redis.Script
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreFromClient(client), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		script: redis.NewScript(gcraScript),
	}
}

// Throttle implements Store
func (r *RedisStore) Throttle(ctx context.Context, req Request) (Result, error) {
	vals, err := r.script.Run(ctx, r.client, []string{req.Key},
		req.Limit, req.Period.Microseconds(), req.MaxBurst, req.Quantity).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis throttle %s: %w", req.Key, err)
	}
	return scriptResult(req, vals)
}

// Name implements Store
func (r *RedisStore) Name() string { return "redis" }

// Close implements Store
func (r *RedisStore) Close() error { return r.client.Close() }

func scriptResult(req Request, vals []int64) (Result, error) {
	if len(vals) != 4 {
		return Result{}, fmt.Errorf("throttle script for %s returned %d values", req.Key, len(vals))
	}
	return Result{
		Throttled:  vals[0] == 1,
		Limit:      req.MaxBurst,
		Remaining:  clampRemaining(vals[1]),
		ResetAfter: time.Duration(vals[2]) * time.Millisecond,
		RetryAfter: time.Duration(vals[3]) * time.Millisecond,
	}, nil
}
