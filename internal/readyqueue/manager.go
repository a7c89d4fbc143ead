package readyqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/busybox42/egressd/internal/delivery"
	"github.com/busybox42/egressd/internal/egress"
	"github.com/busybox42/egressd/internal/message"
	"github.com/busybox42/egressd/internal/metrics"
	"github.com/busybox42/egressd/internal/reason"
)

const maintenanceInterval = time.Minute

// MXLookup resolves the exchanger set of a domain
type MXLookup interface {
	Resolve(ctx context.Context, domain string) (*delivery.MXResult, error)
}

// Manager owns every ready queue of the process, keyed by
// "source->site". Domains that share a site share a queue.
type Manager struct {
	egress *egress.Resolver
	mx     MXLookup
	deps   *Deps
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool
}

// NewManager creates a manager. Dispatchers run under ctx.
func NewManager(ctx context.Context, resolver *egress.Resolver, mx MXLookup, deps *Deps) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	if deps.Suspensions == nil {
		deps.Suspensions = NewSuspensions(deps.Now)
	}
	return &Manager{
		egress: resolver,
		mx:     mx,
		deps:   deps,
		logger: slog.Default().With("component", "ready-queue-manager"),
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string]*Queue),
	}
}

// Resolve returns the ready queue for delivering mail for domain through
// the named egress source, creating it when needed
func (m *Manager) Resolve(ctx context.Context, domain, sourceName string) (*Queue, error) {
	mx, err := m.mx.Resolve(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("resolve MX for %s: %w", domain, err)
	}
	source, err := m.egress.ResolveSource(ctx, sourceName)
	if err != nil {
		return nil, err
	}

	key := egress.PathKey{Domain: domain, Source: source.Name, Site: mx.Site}
	name := key.ReadyQueueName()
	if q := m.Get(name); q != nil {
		return q, nil
	}

	cfg, err := m.egress.ResolvePathConfig(ctx, key)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if q, ok := m.queues[name]; ok {
		return q, nil
	}
	q := newQueue(m.ctx, key, source, mx, cfg, m.deps)
	m.queues[name] = q
	metrics.Get().ReadyQueues.Set(float64(len(m.queues)))
	m.logger.Debug("Created ready queue", "queue", name, "domain", domain)
	return q, nil
}

// Get returns the named queue, or nil
func (m *Manager) Get(name string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[name]
}

// Queues returns a snapshot of all queues ordered by name
func (m *Manager) Queues() []*Queue {
	m.mu.Lock()
	out := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Extract removes matching messages from every queue
func (m *Manager) Extract(match func(*message.Message) bool) []*message.Message {
	var out []*message.Message
	for _, q := range m.Queues() {
		out = append(out, q.Extract(match)...)
	}
	return out
}

// Suspend holds the named ready queue back from delivery for d. Its
// queued messages return to scheduling until the suspension expires.
func (m *Manager) Suspend(name, why string, d time.Duration) Suspension {
	s := m.deps.Suspensions.Add(name, why, d)
	if q := m.Get(name); q != nil {
		q.requeueAll(nil, s.remaining(m.deps.now()), reason.ReadyQueueWasSuspended)
	}
	m.logger.Info("Ready queue suspended", "id", s.ID, "queue", name, "reason", why, "expires", s.Expires)
	return s
}

// Suspensions returns the live ready queue suspensions
func (m *Manager) Suspensions() []Suspension {
	return m.deps.Suspensions.List()
}

// Resume lifts the suspension with id. Messages already sent back to
// scheduling keep their due time.
func (m *Manager) Resume(id uuid.UUID) bool {
	s, ok := m.deps.Suspensions.Remove(id)
	if ok {
		m.logger.Info("Ready queue resumed", "id", id, "queue", s.Name)
	}
	return ok
}

// Run performs periodic maintenance until ctx is done
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Maintain(ctx, m.deps.now())
		}
	}
}

// Maintain reaps idle queues and refreshes stale path configuration
func (m *Manager) Maintain(ctx context.Context, now time.Time) {
	m.egress.Maintain()
	for _, q := range m.Queues() {
		if q.Reapable(now) {
			m.reap(q, now)
			continue
		}
		if q.NeedsRefresh(now) {
			m.refresh(ctx, q)
		}
	}
}

// Refresh reloads the path configuration of every queue after a policy
// change
func (m *Manager) Refresh(ctx context.Context) {
	m.egress.Invalidate()
	for _, q := range m.Queues() {
		m.refresh(ctx, q)
	}
}

func (m *Manager) refresh(ctx context.Context, q *Queue) {
	cfg, err := m.egress.ResolvePathConfig(ctx, q.Key())
	if err != nil {
		m.logger.Warn("Keeping previous path configuration", "queue", q.Name(), "error", err)
		// retry at the next interval rather than on every tick
		q.UpdateConfig(q.Config())
		return
	}
	if mx, err := m.mx.Resolve(ctx, q.Key().Domain); err == nil && mx.Site == q.Key().Site {
		q.mu.Lock()
		q.mx = mx
		q.mu.Unlock()
	}
	q.UpdateConfig(cfg)
}

func (m *Manager) reap(q *Queue, now time.Time) {
	m.mu.Lock()
	if m.queues[q.Name()] != q || !q.Reapable(now) {
		m.mu.Unlock()
		return
	}
	delete(m.queues, q.Name())
	metrics.Get().ReadyQueues.Set(float64(len(m.queues)))
	m.mu.Unlock()

	m.logger.Debug("Reaping idle ready queue", "queue", q.Name())
	q.Shutdown(context.Background())
}

// Shutdown stops every queue, returning queued messages to scheduling and
// aborting deliveries still in flight when ctx is done
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var g errgroup.Group
	for _, q := range m.Queues() {
		g.Go(func() error {
			q.Shutdown(ctx)
			return nil
		})
	}
	_ = g.Wait()
	m.cancel()
}
