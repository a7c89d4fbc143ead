// Package readyqueue holds messages that are due for delivery over one
// egress path and runs the dispatchers that deliver them.
package readyqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/busybox42/egressd/internal/delivery"
	"github.com/busybox42/egressd/internal/egress"
	"github.com/busybox42/egressd/internal/logging"
	"github.com/busybox42/egressd/internal/message"
	"github.com/busybox42/egressd/internal/metrics"
	"github.com/busybox42/egressd/internal/reason"
	"github.com/busybox42/egressd/internal/throttle"
)

var (
	// ErrReadyQueueFull is returned by TryPromote when max_ready is reached
	ErrReadyQueueFull = errors.New("ready queue is full")
	// ErrClosed is returned by TryPromote after Shutdown
	ErrClosed = errors.New("ready queue is shutting down")
)

const (
	breakerOpenTimeout = time.Minute
	reapIdle           = 10 * time.Minute
)

// ThrottledError reports that a message rate throttle refused admission
type ThrottledError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled by %s, retry after %s", e.Name, e.RetryAfter)
}

// Requeue describes how a message goes back to scheduling
type Requeue struct {
	Increment bool
	// Delay overrides the computed delay when set
	Delay    *time.Duration
	Reason   reason.Context
	Response *delivery.Response
}

// Requeuer returns messages to their scheduled queue
type Requeuer interface {
	Requeue(ctx context.Context, msg *message.Message, r Requeue)
}

// Store is the part of the spool used by dispatchers
type Store interface {
	Remove(ctx context.Context, id string) error
	LoadData(ctx context.Context, id string) ([]byte, error)
}

// AddressResolver turns an MX result into candidate hosts
type AddressResolver interface {
	Addresses(ctx context.Context, mx *delivery.MXResult) ([]delivery.Host, error)
}

// PolicyLookup fetches MTA-STS policies; a nil policy means none
type PolicyLookup interface {
	Get(ctx context.Context, domain string) (*delivery.MTASTSPolicy, error)
}

// Deps are the collaborators shared by every ready queue
type Deps struct {
	Throttles  *throttle.Registry
	Addresses  AddressResolver
	MTASTS     PolicyLookup
	Transports delivery.TransportFactory
	Store      Store
	Requeuer   Requeuer
	Log        *logging.DispositionLogger
	// Suspensions holds ready queues back from delivery; nil means none
	Suspensions *Suspensions
	// Now is the queue clock; nil means time.Now
	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// IdealConnectionCount is the number of dispatchers worth running for a
// queue of size messages: ceil(limit·(1−e^(−0.023·size)))
func IdealConnectionCount(size, limit int) int {
	if size <= 0 || limit <= 0 {
		return 0
	}
	ideal := float64(limit) * (1 - math.Exp(-0.023*float64(size)))
	return min(limit, int(math.Ceil(ideal)))
}

// Queue is a FIFO of due messages for one egress path
type Queue struct {
	name   string
	key    egress.PathKey
	deps   *Deps
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	stop    chan struct{}
	breaker *gobreaker.CircuitBreaker
	wg      sync.WaitGroup

	mu         sync.Mutex
	cfg        *egress.PathConfig
	source     *egress.Source
	mx         *delivery.MXResult
	items      []*message.Message
	wake       chan struct{}
	active     int
	closing    bool
	lastChange time.Time
	refreshed  time.Time
}

func newQueue(parent context.Context, key egress.PathKey, source *egress.Source, mx *delivery.MXResult, cfg *egress.PathConfig, deps *Deps) *Queue {
	ctx, cancel := context.WithCancel(parent)
	now := deps.now()
	q := &Queue{
		name:       key.ReadyQueueName(),
		key:        key,
		deps:       deps,
		ctx:        ctx,
		cancel:     cancel,
		stop:       make(chan struct{}),
		cfg:        cfg,
		source:     source,
		mx:         mx,
		wake:       make(chan struct{}),
		lastChange: now,
		refreshed:  now,
	}
	q.logger = slog.Default().With("component", "ready-queue", "queue", q.name)

	threshold := cfg.ConsecutiveFailuresBeforeDelay
	q.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        q.name,
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			q.logger.Info("Connection breaker state changed", "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				metrics.Get().BreakerTrips.WithLabelValues(name).Inc()
			}
		},
	})
	return q
}

// Name returns the "source->site" queue name
func (q *Queue) Name() string { return q.name }

// Key returns the egress path of the queue
func (q *Queue) Key() egress.PathKey { return q.key }

// Len returns the number of queued messages
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Active returns the number of running dispatchers
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Config returns the current path configuration
func (q *Queue) Config() *egress.PathConfig {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// BreakerState reports the connection breaker state
func (q *Queue) BreakerState() string {
	return q.breaker.State().String()
}

// TryPromote admits msg. A suspended queue yields *SuspendedError and a
// throttled message yields *ThrottledError; neither is admitted.
func (q *Queue) TryPromote(ctx context.Context, msg *message.Message) error {
	q.mu.Lock()
	cfg := q.cfg
	closing := q.closing
	full := len(q.items) >= cfg.MaxReady
	q.mu.Unlock()

	if closing {
		return ErrClosed
	}
	if s, ok := q.deps.Suspensions.For(q.name); ok {
		return &SuspendedError{Name: q.name, Reason: s.Reason, RetryAfter: s.remaining(q.deps.now())}
	}
	if full {
		return ErrReadyQueueFull
	}

	for name, spec := range cfg.AdditionalMessageRates {
		res, err := q.deps.Throttles.Check(ctx, name, spec)
		if err != nil {
			q.logger.Warn("Ignoring failed throttle check", "throttle", name, "error", err)
			continue
		}
		if res.Throttled {
			return &ThrottledError{Name: name, RetryAfter: res.RetryAfter}
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return ErrClosed
	}
	if len(q.items) >= q.cfg.MaxReady {
		return ErrReadyQueueFull
	}
	q.items = append(q.items, msg)
	q.lastChange = q.deps.now()
	q.notifyLocked()
	q.spawnLocked()
	return nil
}

func (q *Queue) notifyLocked() {
	metrics.Get().ReadyQueueSize.WithLabelValues(q.name).Set(float64(len(q.items)))
	close(q.wake)
	q.wake = make(chan struct{})
}

// spawnLocked starts dispatchers until the ideal count is reached
func (q *Queue) spawnLocked() {
	if q.closing {
		return
	}
	ideal := IdealConnectionCount(len(q.items), q.cfg.ConnectionLimit)
	for q.active < ideal {
		q.active++
		q.wg.Add(1)
		go q.runDispatcher()
	}
}

// take pops the head message, waiting up to idle for one
func (q *Queue) take(idle time.Duration) (*message.Message, bool) {
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if q.closing {
			q.mu.Unlock()
			return nil, false
		}
		if msg, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return msg, true
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return nil, false
		case <-q.stop:
			return nil, false
		}
	}
}

// tryTake pops the head message without waiting
func (q *Queue) tryTake() (*message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return nil, false
	}
	return q.popLocked()
}

func (q *Queue) popLocked() (*message.Message, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.lastChange = q.deps.now()
	metrics.Get().ReadyQueueSize.WithLabelValues(q.name).Set(float64(len(q.items)))
	return msg, true
}

// pushFront returns msg to the head of the queue
func (q *Queue) pushFront(msg *message.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		go q.requeue(msg, Requeue{Reason: reason.New(reason.DispatcherDrop)})
		return
	}
	q.items = append([]*message.Message{msg}, q.items...)
	q.lastChange = q.deps.now()
	q.notifyLocked()
}

// drain removes and returns every queued message
func (q *Queue) drain() []*message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.lastChange = q.deps.now()
	metrics.Get().ReadyQueueSize.WithLabelValues(q.name).Set(0)
	return items
}

// Extract removes the queued messages for which match returns true
func (q *Queue) Extract(match func(*message.Message) bool) []*message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*message.Message
	kept := q.items[:0]
	for _, msg := range q.items {
		if match(msg) {
			out = append(out, msg)
		} else {
			kept = append(kept, msg)
		}
	}
	clear(q.items[len(kept):])
	q.items = kept
	if len(out) > 0 {
		q.lastChange = q.deps.now()
		metrics.Get().ReadyQueueSize.WithLabelValues(q.name).Set(float64(len(q.items)))
	}
	return out
}

// UpdateConfig installs a refreshed path configuration. Messages beyond a
// reduced max_ready go back to scheduling.
func (q *Queue) UpdateConfig(cfg *egress.PathConfig) {
	q.mu.Lock()
	q.cfg = cfg
	q.refreshed = q.deps.now()
	var excess []*message.Message
	if len(q.items) > cfg.MaxReady {
		excess = append(excess, q.items[cfg.MaxReady:]...)
		clear(q.items[cfg.MaxReady:])
		q.items = q.items[:cfg.MaxReady]
		metrics.Get().ReadyQueueSize.WithLabelValues(q.name).Set(float64(len(q.items)))
	}
	q.spawnLocked()
	q.mu.Unlock()

	for _, msg := range excess {
		q.requeue(msg, Requeue{Reason: reason.New(reason.MaxReadyWasReducedByConfigUpdate)})
	}
}

// NeedsRefresh reports whether the path configuration is older than its
// refresh interval
func (q *Queue) NeedsRefresh(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return now.Sub(q.refreshed) >= q.cfg.RefreshInterval.Std()
}

// Reapable reports whether the queue has been empty and without
// dispatchers for ten minutes
func (q *Queue) Reapable(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0 && q.active == 0 && now.Sub(q.lastChange) >= reapIdle
}

// Shutdown stops admission, returns queued messages to scheduling and
// waits for in-flight deliveries until ctx is done, then aborts them
func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if !q.closing {
		q.closing = true
		close(q.stop)
	}
	items := q.items
	q.items = nil
	q.mu.Unlock()
	metrics.Get().ReadyQueueSize.DeleteLabelValues(q.name)

	for _, msg := range items {
		q.requeue(msg, Requeue{Reason: reason.New(reason.DispatcherDrop)})
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.logger.Warn("Aborting in-flight deliveries after shutdown grace period")
		q.cancel()
		<-done
	}
	q.cancel()
}

// failAll fails every queued message transiently without a connection
// attempt
func (q *Queue) failAll(resp delivery.Response, why reason.Reason) {
	items := q.drain()
	if len(items) == 0 {
		return
	}
	q.logger.Warn("Failing all queued messages", "count", len(items), "response", resp.String(), "reason", why.String())
	for _, msg := range items {
		q.transientFailure(msg, resp, "", reason.New(why))
	}
}

// bounceAll permanently fails msg and every queued message
func (q *Queue) bounceAll(first *message.Message, resp delivery.Response, why reason.Reason) {
	items := q.drain()
	if first != nil {
		items = append([]*message.Message{first}, items...)
	}
	for _, msg := range items {
		q.bounce(msg, resp, "", why.String())
	}
}

// requeueAll sends msg and every queued message back with delay
func (q *Queue) requeueAll(first *message.Message, delay time.Duration, why reason.Reason) {
	items := q.drain()
	if first != nil {
		items = append([]*message.Message{first}, items...)
	}
	q.logger.Debug("Delaying all queued messages", "count", len(items), "delay", delay, "reason", why.String())
	for _, msg := range items {
		d := delay
		q.requeue(msg, Requeue{Delay: &d, Reason: reason.New(why)})
	}
}

func (q *Queue) requeue(msg *message.Message, r Requeue) {
	q.deps.Requeuer.Requeue(context.WithoutCancel(q.ctx), msg, r)
}

func (q *Queue) disposition(t logging.RecordType, msg *message.Message, resp delivery.Response, peer string, why string) logging.Disposition {
	queueName, _ := msg.QueueName()
	q.mu.Lock()
	site := q.mx.Site
	q.mu.Unlock()
	return logging.Disposition{
		Type:     t,
		Message:  msg,
		Queue:    queueName,
		Site:     site,
		Egress:   q.key.Source,
		Peer:     peer,
		Response: resp,
		Reason:   why,
	}
}

func (q *Queue) transientFailure(msg *message.Message, resp delivery.Response, peer string, rctx reason.Context) {
	rctx.Note(reason.LoggedTransientFailure)
	q.deps.Log.Log(q.disposition(logging.TransientFailure, msg, resp, peer, rctx.String()))
	metrics.Get().TransientFailure.WithLabelValues(q.name).Inc()
	r := resp
	q.requeue(msg, Requeue{Increment: true, Reason: rctx, Response: &r})
}

func (q *Queue) bounce(msg *message.Message, resp delivery.Response, peer string, why string) {
	q.deps.Log.Log(q.disposition(logging.Bounce, msg, resp, peer, why))
	metrics.Get().Failed.WithLabelValues(q.name).Inc()
	q.remove(msg)
}

func (q *Queue) delivered(msg *message.Message, resp delivery.Response, peer string, tls bool) {
	rec := q.disposition(logging.Delivery, msg, resp, peer, "")
	rec.TLS = tls
	q.deps.Log.Log(rec)
	metrics.Get().Delivered.WithLabelValues(q.name).Inc()
	q.remove(msg)
}

func (q *Queue) remove(msg *message.Message) {
	if err := q.deps.Store.Remove(context.WithoutCancel(q.ctx), msg.ID()); err != nil {
		q.logger.Error("Failed to remove message from spool", "message_id", msg.ID(), "error", err)
	}
}
