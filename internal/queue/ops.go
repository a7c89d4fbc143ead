package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/egressd/internal/delivery"
	"github.com/busybox42/egressd/internal/logging"
	"github.com/busybox42/egressd/internal/message"
	"github.com/busybox42/egressd/internal/reason"
)

// QueueInfo summarizes one scheduled queue for the admin API
type QueueInfo struct {
	Name    string      `json:"name"`
	Size    int         `json:"size"`
	NextDue *time.Time  `json:"next_due,omitempty"`
	Config  QueueConfig `json:"config"`
}

// Info returns a summary of every scheduled queue
func (m *Manager) Info() []QueueInfo {
	queues := m.Queues()
	out := make([]QueueInfo, 0, len(queues))
	for _, q := range queues {
		info := QueueInfo{Name: q.name, Size: q.Len(), Config: *q.Config()}
		if next, ok := q.NextDue(); ok {
			info.NextDue = &next
		}
		out = append(out, info)
	}
	return out
}

// BounceAll installs e and bounces the currently queued messages it
// matches, in scheduled and ready queues. Messages arriving later are
// bounced until e expires.
func (m *Manager) BounceAll(ctx context.Context, e *BounceEntry) int {
	m.admin.AddBounce(e)

	count := 0
	for _, q := range m.Queues() {
		if !e.MatchesName(q.name) {
			continue
		}
		for _, msg := range q.drain() {
			m.adminBounce(ctx, q.name, msg, e)
			count++
		}
	}

	if m.opts.ExtractReady != nil {
		extracted := m.opts.ExtractReady(func(msg *message.Message) bool {
			name, err := msg.QueueName()
			return err == nil && e.MatchesName(name)
		})
		for _, msg := range extracted {
			name, _ := msg.QueueName()
			m.adminBounce(ctx, name, msg, e)
			count++
		}
	}

	m.logger.Info("Administrative bounce", "id", e.ID, "reason", e.Reason, "bounced", count)
	return count
}

// Suspend installs e; matching queues stop promoting until it expires
func (m *Manager) Suspend(e *SuspendEntry) {
	m.admin.AddSuspend(e)
	m.logger.Info("Scheduled queues suspended", "id", e.ID, "reason", e.Reason, "expires", e.Expires)
}

// Resume removes a suspension and wakes the queues it held back
func (m *Manager) Resume(id uuid.UUID) bool {
	var entry *SuspendEntry
	for _, e := range m.admin.Suspends() {
		if e.ID == id {
			entry = e
		}
	}
	if entry == nil || !m.admin.RemoveSuspend(id) {
		return false
	}
	for _, q := range m.Queues() {
		if entry.MatchesName(q.name) {
			q.wake()
		}
	}
	return true
}

// Rebind rewrites the metadata of the messages in matching queues and
// reinserts them, possibly into different queues. Attempts are never
// incremented.
func (m *Manager) Rebind(ctx context.Context, req RebindRequest) int {
	type drained struct {
		from string
		msgs []*message.Message
	}
	var batches []drained
	count := 0
	for _, q := range m.Queues() {
		if req.MatchesName(q.name) {
			msgs := q.drain()
			batches = append(batches, drained{from: q.name, msgs: msgs})
			count += len(msgs)
		}
	}
	for _, b := range batches {
		for _, msg := range b.msgs {
			m.rebind(ctx, b.from, msg, req)
		}
	}
	m.logger.Info("Administrative rebind", "reason", req.Reason, "rebound", count)
	return count
}

func (m *Manager) rebind(ctx context.Context, from string, msg *message.Message, req RebindRequest) {
	for k, v := range req.Data {
		msg.SetMeta(k, v)
	}
	to, err := msg.QueueName()
	if err != nil {
		m.logger.Error("Rebound message has no queue, restoring", "queue", from, "message_id", msg.ID(), "error", err)
		to = from
		msg.SetMeta(message.MetaQueue, from)
	}
	if to != from || req.AlwaysFlush {
		msg.SetDue(m.now())
	}
	if !req.SuppressLogging {
		m.opts.Log.Log(logging.Disposition{
			Type:     logging.AdminRebind,
			Message:  msg,
			Queue:    to,
			Response: delivery.NewResponse(250, "", fmt.Sprintf("Rebound from %s to %s: %s", from, to, req.Reason)),
			Reason:   req.Reason,
		})
	}
	if err := m.Insert(ctx, msg, reason.New(reason.AdminRebind)); err != nil {
		m.logger.Error("Failed to reinsert rebound message", "queue", to, "message_id", msg.ID(), "error", err)
		m.persist(ctx, msg)
	}
}
