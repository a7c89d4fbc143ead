package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/busybox42/egressd/internal/delivery"
	"github.com/busybox42/egressd/internal/logging"
	"github.com/busybox42/egressd/internal/message"
	"github.com/busybox42/egressd/internal/metrics"
	"github.com/busybox42/egressd/internal/policy"
	"github.com/busybox42/egressd/internal/readyqueue"
	"github.com/busybox42/egressd/internal/reason"
)

// insert places msg into q, promoting it when already due
func (m *Manager) insert(ctx context.Context, q *Queue, msg *message.Message, rctx reason.Context) {
	q.touch()

	if e := m.admin.BounceFor(q.name); e != nil {
		m.adminBounce(ctx, q.name, msg, e)
		return
	}
	if m.stopping.Load() {
		m.persist(ctx, msg)
		return
	}

	if msg.Due().After(m.now()) {
		m.didInsertDelayed(ctx, q, msg, rctx)
		for !q.push(msg) {
			next, err := m.Resolve(ctx, q.name)
			if err != nil {
				m.logger.Error("Failed to resolve scheduled queue", "queue", q.name, "message_id", msg.ID(), "error", err)
				return
			}
			q = next
		}
		return
	}

	m.promote(ctx, q, msg, rctx)
}

func (m *Manager) didInsertDelayed(ctx context.Context, q *Queue, msg *message.Message, rctx reason.Context) {
	if rctx.Contains(reason.Received) && !msg.Scheduling().IsZero() {
		rctx.Note(reason.ScheduledForLater)
	}
	if !rctx.Only(reason.Enumerated) && !rctx.Contains(reason.LoggedTransientFailure) {
		m.opts.Log.Log(logging.Disposition{
			Type:    logging.Delayed,
			Message: msg,
			Queue:   q.name,
			Reason:  rctx.String(),
			NextDue: msg.Due(),
		})
	}
	if rctx.Only(reason.Enumerated) {
		msg.Shrink()
		return
	}
	m.persist(ctx, msg)
}

// promote moves a due message towards its ready queue. Every path either
// hands ownership to a ready queue or puts the message back into
// scheduling.
func (m *Manager) promote(ctx context.Context, q *Queue, msg *message.Message, rctx reason.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic while promoting message", "queue", q.name, "message_id", msg.ID(), "panic", r)
			msg.SetDue(m.now().Add(randomDelay()))
			if !q.push(msg) {
				m.persist(ctx, msg)
			}
		}
	}()

	if e := m.admin.BounceFor(q.name); e != nil {
		m.adminBounce(ctx, q.name, msg, e)
		return
	}

	if s := m.admin.SuspendFor(q.name); s != nil {
		resp := delivery.NewResponse(451, "4.4.4", "scheduled queue is suspended: "+s.Reason)
		m.transientFailure(ctx, q.name, msg, resp, rctx)
		return
	}

	cfg := q.Config()
	if cfg.MaxMessageRate != nil {
		res, err := m.opts.Throttles.Check(ctx, "schedq-"+q.name+"-message-rate", *cfg.MaxMessageRate)
		switch {
		case err != nil:
			m.logger.Warn("Message rate throttle unavailable", "queue", q.name, "error", err)
		case res.Throttled:
			m.delayPromotion(ctx, msg, res.RetryAfter, rctx.Add(reason.MessageRateThrottle),
				fmt.Sprintf("scheduled queue %s throttled message rate, delay=%s", q.name, res.RetryAfter))
			return
		}
	}

	if m.ThrottleInsertReadyQueue.Len() > 0 {
		due, err := m.ThrottleInsertReadyQueue.Resolve(ctx, msg)
		now := m.now()
		switch {
		case err == nil && due.After(now):
			delay := due.Sub(now)
			m.delayPromotion(ctx, msg, delay, rctx.Add(reason.ThrottledByThrottleInsertReadyQueue),
				fmt.Sprintf("throttle_insert_ready_queue delayed promotion, delay=%s", delay))
			return
		case err != nil && !errors.Is(err, policy.ErrNoOpinion):
			m.logger.Error("throttle_insert_ready_queue failed", "queue", q.name, "message_id", msg.ID(), "error", err)
		}
	}

	err := m.tryPromote(ctx, q, msg)
	var throttled *readyqueue.ThrottledError
	var suspended *readyqueue.SuspendedError
	switch {
	case err == nil:
	case errors.As(err, &suspended):
		m.delayPromotion(ctx, msg, suspended.RetryAfter, rctx.Add(reason.ReadyQueueWasSuspended),
			"ready queue is suspended: "+suspended.Reason)
	case errors.As(err, &throttled):
		m.delayPromotion(ctx, msg, throttled.RetryAfter, rctx.Add(reason.MessageRateThrottle),
			fmt.Sprintf("ready queue message rate %s throttled, delay=%s", throttled.Name, throttled.RetryAfter))
	case errors.Is(err, readyqueue.ErrReadyQueueFull):
		m.forceIntoDelayed(ctx, q, msg, rctx.Add(reason.ReadyQueueWasFull))
	case errors.Is(err, readyqueue.ErrClosed):
		m.forceIntoDelayed(ctx, q, msg, rctx.Add(reason.ReadyQueueWasReaped))
	default:
		resp := delivery.NewResponse(451, "4.4.4", err.Error())
		m.transientFailure(ctx, q.name, msg, resp, rctx.Add(reason.FailedToInsertIntoReadyQueue))
	}
}

func (m *Manager) tryPromote(ctx context.Context, q *Queue, msg *message.Message) error {
	if m.opts.Egress == nil || m.opts.Ready == nil {
		return errors.New("no ready queue resolver configured")
	}
	src, err := m.opts.Egress.SelectSource(ctx, q.Config().EgressPool, q.name)
	if err != nil {
		return fmt.Errorf("select egress source: %w", err)
	}
	ready, err := m.opts.Ready(ctx, q.key.SiteDomain(), src.Name)
	if err != nil {
		return fmt.Errorf("resolve ready queue: %w", err)
	}
	return ready.TryPromote(ctx, msg)
}

// forceIntoDelayed schedules msg a random interval of up to a minute
// into the future, without counting an attempt
func (m *Manager) forceIntoDelayed(ctx context.Context, q *Queue, msg *message.Message, rctx reason.Context) {
	now := m.now()
	due := now.Add(randomDelay())
	for !due.After(now) {
		due = now.Add(randomDelay())
	}
	msg.SetDue(due)
	m.insert(ctx, q, msg, rctx)
}

// randomDelay returns a delay in (0, 60s]
func randomDelay() time.Duration {
	return time.Duration(rand.Int64N(int64(maxJitter))) + 1
}

func (m *Manager) transientFailure(ctx context.Context, queue string, msg *message.Message, resp delivery.Response, rctx reason.Context) {
	rctx.Note(reason.LoggedTransientFailure)
	m.opts.Log.Log(logging.Disposition{
		Type:     logging.TransientFailure,
		Message:  msg,
		Queue:    queue,
		Response: resp,
		Reason:   rctx.String(),
	})
	metrics.Get().TransientFailure.WithLabelValues(queue).Inc()
	m.Requeue(ctx, msg, readyqueue.Requeue{Increment: true, Reason: rctx, Response: &resp})
}

// delayPromotion reschedules msg after delay without counting an attempt.
// The requeue hooks see it like any other requeue.
func (m *Manager) delayPromotion(ctx context.Context, msg *message.Message, delay time.Duration, rctx reason.Context, content string) {
	resp := delivery.NewResponse(451, "4.4.4", content)
	m.Requeue(ctx, msg, readyqueue.Requeue{Delay: &delay, Reason: rctx, Response: &resp})
}

func (m *Manager) adminBounce(ctx context.Context, queue string, msg *message.Message, e *BounceEntry) {
	m.opts.Log.Log(logging.Disposition{
		Type:     logging.AdminBounce,
		Message:  msg,
		Queue:    queue,
		Response: delivery.NewResponse(551, "5.7.1", "Administrator bounced with reason: "+e.Reason),
		Reason:   e.Reason,
	})
	metrics.Get().Failed.WithLabelValues(queue).Inc()
	e.record(queue)
	m.remove(ctx, msg)
}
