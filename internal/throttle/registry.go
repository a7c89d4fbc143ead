package throttle

import (
	"context"
	"log/slog"
	"time"

	"github.com/busybox42/egressd/internal/metrics"
)

// minWait bounds the sleep between retries of a throttled Wait
const minWait = 10 * time.Millisecond

// Registry routes throttle checks to the local or shared store. All
// admission decisions for a key go through the store's atomic check.
type Registry struct {
	local  Store
	shared Store
	logger *slog.Logger
}

// NewRegistry creates a registry. shared may be nil, in which case every
// throttle is process-local.
func NewRegistry(local, shared Store) *Registry {
	if local == nil {
		local = NewMemoryStore()
	}
	return &Registry{
		local:  local,
		shared: shared,
		logger: slog.Default().With("component", "throttle"),
	}
}

func (r *Registry) storeFor(spec Spec) Store {
	if spec.Local || r.shared == nil {
		return r.local
	}
	return r.shared
}

// Check consumes one unit of key under spec without blocking
func (r *Registry) Check(ctx context.Context, key string, spec Spec) (Result, error) {
	return r.CheckQuantity(ctx, key, spec, 1)
}

// CheckQuantity consumes quantity units of key under spec without blocking
func (r *Registry) CheckQuantity(ctx context.Context, key string, spec Spec, quantity uint64) (Result, error) {
	store := r.storeFor(spec)
	res, err := store.Throttle(ctx, newRequest(key, spec, quantity))
	if err != nil {
		metrics.Get().ThrottleChecks.WithLabelValues(store.Name(), "error").Inc()
		r.logger.Warn("Throttle check failed", "key", key, "spec", spec.String(), "store", store.Name(), "error", err)
		return Result{}, err
	}

	outcome := "admitted"
	if res.Throttled {
		outcome = "throttled"
	}
	metrics.Get().ThrottleChecks.WithLabelValues(store.Name(), outcome).Inc()
	return res, nil
}

// Wait blocks until key is admitted under spec or ctx is done
func (r *Registry) Wait(ctx context.Context, key string, spec Spec) error {
	_, err := r.WaitUpTo(ctx, key, spec, 0)
	return err
}

// WaitUpTo blocks while the throttle's retry_after is below maxWait.
// A positive maxWait bounds a single sleep: when a check reports a
// retry_after at or beyond it, the throttled result is returned so the
// caller can reschedule instead. A zero maxWait waits indefinitely.
func (r *Registry) WaitUpTo(ctx context.Context, key string, spec Spec, maxWait time.Duration) (Result, error) {
	var waited time.Duration
	for {
		res, err := r.Check(ctx, key, spec)
		if err != nil {
			return Result{}, err
		}
		if !res.Throttled {
			if waited > 0 {
				metrics.Get().ThrottleDelay.WithLabelValues("wait").Observe(waited.Seconds())
			}
			return res, nil
		}
		if maxWait > 0 && res.RetryAfter >= maxWait {
			return res, nil
		}

		delay := res.RetryAfter
		if delay < minWait {
			delay = minWait
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, ctx.Err()
		case <-timer.C:
		}
		waited += delay
	}
}

// Close releases both stores
func (r *Registry) Close() error {
	var err error
	if r.shared != nil {
		err = r.shared.Close()
	}
	if lerr := r.local.Close(); lerr != nil && err == nil {
		err = lerr
	}
	return err
}
