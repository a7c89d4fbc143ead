package throttle

import (
	"context"
	"time"
)

// Result is the outcome of a single throttle check
type Result struct {
	Throttled  bool
	Limit      uint64
	Remaining  uint64
	ResetAfter time.Duration
	// RetryAfter is zero for admitted requests
	RetryAfter time.Duration
}

// Request is the store-level form of a check against an already keyed spec
type Request struct {
	Key      string
	Limit    uint64
	Period   time.Duration
	MaxBurst uint64
	Quantity uint64
}

func newRequest(key string, spec Spec, quantity uint64) Request {
	return Request{
		Key:      spec.Key(key),
		Limit:    spec.Limit,
		Period:   spec.Period,
		MaxBurst: spec.Burst(),
		Quantity: quantity,
	}
}

// Store holds GCRA state. Implementations must apply the check atomically
// per key.
type Store interface {
	Throttle(ctx context.Context, req Request) (Result, error)
	Name() string
	Close() error
}

// gcraOutcome is the result of evaluating one request against a stored
// theoretical arrival time (TAT), both in nanoseconds
type gcraOutcome struct {
	result Result
	store  bool
	newTAT int64
}

func evaluate(req Request, now, storedTAT int64, hasTAT bool) gcraOutcome {
	interval := int64(req.Period) / int64(req.Limit)
	if interval <= 0 {
		interval = 1
	}
	increment := interval * int64(req.Quantity)
	burstOffset := interval * int64(req.MaxBurst)

	tat := now
	if hasTAT && storedTAT > now {
		tat = storedTAT
	}

	newTAT := tat + increment
	allowAt := newTAT - burstOffset
	diff := now - allowAt
	remaining := floorDiv(diff, interval)

	out := gcraOutcome{result: Result{Limit: req.MaxBurst}}
	switch {
	case remaining < 0:
		out.result.Throttled = true
		out.result.Remaining = clampRemaining(floorDiv(now-(tat-burstOffset), interval))
		out.result.ResetAfter = time.Duration(tat - now)
		out.result.RetryAfter = time.Duration(-diff)
	case remaining == 0 && increment <= 0:
		out.result.Throttled = true
		out.result.ResetAfter = time.Duration(tat - now)
	default:
		out.result.Remaining = uint64(remaining)
		out.result.ResetAfter = time.Duration(newTAT - now)
		out.store = true
		out.newTAT = newTAT
	}
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func clampRemaining(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
