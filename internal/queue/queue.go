// Package queue implements scheduled queues: time-ordered holding areas
// for messages that are not yet due, keyed by queue name, and the requeue
// path that returns messages to them after a delivery attempt.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/busybox42/egressd/internal/message"
	"github.com/busybox42/egressd/internal/metrics"
	"github.com/busybox42/egressd/internal/policy"
	"github.com/busybox42/egressd/internal/reason"
)

// Queue is a scheduled queue. A maintainer goroutine pops messages as
// they become due and promotes them towards a ready queue.
type Queue struct {
	name   string
	key    message.QueueName
	mgr    *Manager
	logger *slog.Logger
	notify chan struct{}
	done   chan struct{}

	mu         sync.Mutex
	heap       timeHeap
	cfg        *QueueConfig
	epoch      policy.Epoch
	refreshed  time.Time
	lastChange time.Time
	reaped     bool
}

func newQueue(name string, cfg *QueueConfig, epoch policy.Epoch, mgr *Manager) *Queue {
	now := mgr.now()
	return &Queue{
		name:       name,
		key:        message.ParseQueueName(name),
		mgr:        mgr,
		logger:     slog.Default().With("component", "scheduled-queue", "queue", name),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		cfg:        cfg,
		epoch:      epoch,
		refreshed:  now,
		lastChange: now,
	}
}

// Name returns the queue name
func (q *Queue) Name() string { return q.name }

// Key returns the parsed queue name
func (q *Queue) Key() message.QueueName { return q.key }

// Len returns the number of scheduled messages
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Config returns the current queue configuration
func (q *Queue) Config() *QueueConfig {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// NextDue returns the earliest due time, if any message is scheduled
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.next()
}

func (q *Queue) touch() {
	q.mu.Lock()
	q.lastChange = q.mgr.now()
	q.mu.Unlock()
}

// push schedules msg. It returns false when the queue was reaped and the
// caller must resolve the queue again.
func (q *Queue) push(msg *message.Message) bool {
	q.mu.Lock()
	if q.reaped {
		q.mu.Unlock()
		return false
	}
	earliest := q.heap.Len() == 0 || msg.Due().Before(q.heap[0].due)
	q.heap.push(msg)
	q.lastChange = q.mgr.now()
	size := q.heap.Len()
	q.mu.Unlock()

	metrics.Get().ScheduledQueueSize.WithLabelValues(q.name).Set(float64(size))
	if earliest {
		q.wake()
	}
	return true
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain removes every scheduled message
func (q *Queue) drain() []*message.Message {
	q.mu.Lock()
	out := make([]*message.Message, 0, q.heap.Len())
	for _, e := range q.heap {
		out = append(out, e.msg)
	}
	q.heap = nil
	q.lastChange = q.mgr.now()
	q.mu.Unlock()
	metrics.Get().ScheduledQueueSize.WithLabelValues(q.name).Set(0)
	return out
}

// Extract removes the scheduled messages for which match returns true
func (q *Queue) Extract(match func(*message.Message) bool) []*message.Message {
	q.mu.Lock()
	var out []*message.Message
	kept := q.heap[:0]
	for _, e := range q.heap {
		if match(e.msg) {
			out = append(out, e.msg)
		} else {
			kept = append(kept, e)
		}
	}
	clear(q.heap[len(kept):])
	q.heap = kept
	heap.Init(&q.heap)
	size := q.heap.Len()
	if len(out) > 0 {
		q.lastChange = q.mgr.now()
	}
	q.mu.Unlock()
	metrics.Get().ScheduledQueueSize.WithLabelValues(q.name).Set(float64(size))
	return out
}

func (q *Queue) popDue(now time.Time) []*message.Message {
	q.mu.Lock()
	out := q.heap.popDue(now)
	size := q.heap.Len()
	if len(out) > 0 {
		q.lastChange = now
	}
	q.mu.Unlock()
	if len(out) > 0 {
		metrics.Get().ScheduledQueueSize.WithLabelValues(q.name).Set(float64(size))
	}
	return out
}

// run is the maintainer loop
func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due := q.popDue(q.mgr.now())
		for i, msg := range due {
			if ctx.Err() != nil {
				q.putBack(ctx, due[i:])
				return
			}
			q.mgr.promote(ctx, q, msg, reason.New(reason.DueTimeWasReached))
		}

		wait := time.Hour
		if next, ok := q.NextDue(); ok {
			wait = max(next.Sub(q.mgr.now()), 0)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-timer.C:
		}
	}
}

// putBack reschedules popped messages that were not promoted
func (q *Queue) putBack(ctx context.Context, msgs []*message.Message) {
	for _, msg := range msgs {
		if !q.push(msg) {
			q.mgr.persist(ctx, msg)
		}
	}
}

// reapable reports whether the queue has been empty for reap_interval
func (q *Queue) reapable(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len() == 0 && now.Sub(q.lastChange) >= q.cfg.ReapInterval.Std()
}

// markReaped closes the queue to further pushes when it is still empty
func (q *Queue) markReaped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() > 0 {
		return false
	}
	q.reaped = true
	return true
}

func (q *Queue) needsRefresh(now time.Time, epoch policy.Epoch) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch != epoch || now.Sub(q.refreshed) >= q.cfg.RefreshInterval.Std()
}

func (q *Queue) setConfig(cfg *QueueConfig, epoch policy.Epoch, now time.Time) {
	q.mu.Lock()
	q.cfg = cfg
	q.epoch = epoch
	q.refreshed = now
	q.mu.Unlock()
}
