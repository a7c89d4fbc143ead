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

var _ readyqueue.Requeuer = (*Manager)(nil)

// RequeueRequest is the argument of the requeue hooks
type RequeueRequest struct {
	Message *message.Message
	// Response is the failure that caused the requeue, if any
	Response *delivery.Response
	// Attempts is the count before this failure is recorded
	Attempts uint16
	Reason   reason.Context
}

// RequeueDecision rewrites a message before it is rescheduled
type RequeueDecision struct {
	// Meta is merged into the message metadata; an empty value deletes
	// the key
	Meta            map[string]string
	ClearScheduling bool
}

func (d RequeueDecision) apply(msg *message.Message) {
	for k, v := range d.Meta {
		msg.SetMeta(k, v)
	}
	if d.ClearScheduling {
		msg.ClearScheduling()
	}
}

// Requeue returns a message from a ready queue to scheduling
func (m *Manager) Requeue(ctx context.Context, msg *message.Message, r readyqueue.Requeue) {
	before, _ := msg.QueueName()

	if m.RequeueHooks.Len() > 0 {
		decision, err := m.RequeueHooks.Resolve(ctx, RequeueRequest{
			Message:  msg,
			Response: r.Response,
			Attempts: msg.Attempts(),
			Reason:   r.Reason,
		})
		switch {
		case err == nil:
			decision.apply(msg)
		case errors.Is(err, policy.ErrNoOpinion):
		case errors.Is(err, policy.ErrReject):
			m.reject(ctx, before, msg, err)
			return
		default:
			m.logger.Error("Requeue hook failed, keeping current queue", "queue", before, "message_id", msg.ID(), "error", err)
		}
	}

	after, err := msg.QueueName()
	if err != nil {
		m.logger.Error("Cannot determine queue of requeued message", "message_id", msg.ID(), "reason", reason.MessageGetQueueNameFailed.String(), "error", err)
		m.persist(ctx, msg)
		return
	}
	if after != before {
		if r.Increment {
			msg.IncrementAttempts()
		}
		msg.SetDue(m.now())
		if err := m.Insert(ctx, msg, r.Reason); err != nil {
			m.logger.Error("Failed to insert requeued message", "queue", after, "message_id", msg.ID(), "error", err)
			m.persist(ctx, msg)
		}
		return
	}

	m.requeueInternal(ctx, msg, r.Increment, r.Delay, r.Reason)
}

func (m *Manager) reject(ctx context.Context, queue string, msg *message.Message, err error) {
	m.opts.Log.Log(logging.Disposition{
		Type:     logging.Bounce,
		Message:  msg,
		Queue:    queue,
		Response: delivery.NewResponse(550, "5.7.1", err.Error()),
		Reason:   "requeue hook rejected message",
	})
	metrics.Get().Failed.WithLabelValues(queue).Inc()
	m.remove(ctx, msg)
}

// requeueInternal computes the next due time of msg and inserts it into
// its scheduled queue, or expires it
func (m *Manager) requeueInternal(ctx context.Context, msg *message.Message, increment bool, delay *time.Duration, rctx reason.Context) {
	name, err := msg.QueueName()
	if err != nil {
		m.logger.Error("Cannot determine queue of requeued message", "message_id", msg.ID(), "reason", reason.MessageGetQueueNameFailed.String(), "error", err)
		m.persist(ctx, msg)
		return
	}
	q, err := m.Resolve(ctx, name)
	if err != nil {
		m.logger.Error("Failed to resolve scheduled queue", "queue", name, "message_id", msg.ID(), "error", err)
		m.persist(ctx, msg)
		return
	}

	if increment {
		if !m.incrementAttemptsAndUpdateDelay(ctx, q, msg) {
			return
		}
	} else {
		d := randomDelay()
		if delay != nil {
			d = max(*delay, 0)
		}
		due := m.now().Add(d)
		msg.SetDue(due)
		if exp, ok := msg.Expires(); ok && due.After(exp) {
			m.expire(ctx, q, msg, due)
			return
		}
		if msg.Age(due) >= q.Config().MaxAge.Std() {
			m.expire(ctx, q, msg, due)
			return
		}
	}
	m.insert(ctx, q, msg, rctx)
}

// incrementAttemptsAndUpdateDelay applies the exponential backoff. It
// returns false when the message expired instead.
func (m *Manager) incrementAttemptsAndUpdateDelay(ctx context.Context, q *Queue, msg *message.Message) bool {
	cfg := q.Config()
	delay := cfg.DelayForAttempt(msg.Attempts())
	if mag := cfg.JitterMagnitude(); mag > 0 && delay < maxDelay-mag {
		delay += time.Duration(rand.Int64N(int64(mag))) - mag/2
	}
	delay = max(delay, 0)
	msg.IncrementAttempts()

	now := m.now()
	due := now.Add(delay)
	if exp, ok := msg.Expires(); ok && due.After(exp) {
		m.expire(ctx, q, msg, due)
		return false
	}
	if delay > cfg.MaxAge.Std()-msg.Age(now) {
		m.expire(ctx, q, msg, due)
		return false
	}
	msg.SetDue(due)
	return true
}

func (m *Manager) expire(ctx context.Context, q *Queue, msg *message.Message, nextDue time.Time) {
	content := fmt.Sprintf("Next delivery time %s would exceed the configured max_age of %s",
		nextDue.UTC().Format(time.RFC3339), q.Config().MaxAge)
	if exp, ok := msg.Expires(); ok && nextDue.After(exp) {
		content = fmt.Sprintf("Next delivery time %s would exceed the message expiry of %s",
			nextDue.UTC().Format(time.RFC3339), exp.UTC().Format(time.RFC3339))
	}
	m.opts.Log.Log(logging.Disposition{
		Type:     logging.Expiration,
		Message:  msg,
		Queue:    q.name,
		Response: delivery.NewResponse(551, "5.4.7", content),
	})
	metrics.Get().Expired.Inc()
	m.remove(ctx, msg)
}
