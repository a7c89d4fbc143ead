package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/busybox42/egressd/internal/egress"
	"github.com/busybox42/egressd/internal/logging"
	"github.com/busybox42/egressd/internal/message"
	"github.com/busybox42/egressd/internal/metrics"
	"github.com/busybox42/egressd/internal/policy"
	"github.com/busybox42/egressd/internal/reason"
	"github.com/busybox42/egressd/internal/spool"
	"github.com/busybox42/egressd/internal/throttle"
)

const maintenanceInterval = 10 * time.Second

// ReadyQueue is the admission side of a ready queue
type ReadyQueue interface {
	Name() string
	TryPromote(ctx context.Context, msg *message.Message) error
}

// ReadyResolver returns the ready queue delivering mail for domain
// through the named egress source
type ReadyResolver func(ctx context.Context, domain, source string) (ReadyQueue, error)

// Options are the collaborators of a Manager
type Options struct {
	Spool     spool.Spool
	Egress    *egress.Resolver
	Ready     ReadyResolver
	Throttles *throttle.Registry
	Log       *logging.DispositionLogger
	// ExtractReady removes matching messages from the ready queues; it
	// is used by admin bounces
	ExtractReady func(match func(*message.Message) bool) []*message.Message
	// Epoch reports the current policy generation; nil means constant
	Epoch func() policy.Epoch
	// Now is the scheduling clock; nil means time.Now
	Now func() time.Time
}

// Manager owns the scheduled queues of the process
type Manager struct {
	// QueueConfigs resolves the configuration of a queue by name
	QueueConfigs policy.Chain[string, QueueConfig]
	// ThrottleInsertReadyQueue may move a message's due time into the
	// future right before promotion
	ThrottleInsertReadyQueue policy.Chain[*message.Message, time.Time]
	// RequeueHooks may rewrite or reject messages on their way back
	RequeueHooks policy.Chain[RequeueRequest, RequeueDecision]

	opts   Options
	admin  *Admin
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopping atomic.Bool

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewManager creates a manager; maintainer goroutines run under ctx
func NewManager(ctx context.Context, opts Options) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	if opts.Log == nil {
		opts.Log = logging.NewDispositionLogger(nil)
	}
	if opts.Throttles == nil {
		opts.Throttles = throttle.NewRegistry(nil, nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:   opts,
		admin:  NewAdmin(),
		logger: slog.Default().With("component", "queue-manager"),
		now:    opts.Now,
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string]*Queue),
	}
}

// Admin returns the bounce and suspension registry
func (m *Manager) Admin() *Admin { return m.admin }

func (m *Manager) epoch() policy.Epoch {
	if m.opts.Epoch == nil {
		return 0
	}
	return m.opts.Epoch()
}

// Insert places msg into the scheduled queue named by its metadata and
// recipient. A message that is already due is promoted immediately.
func (m *Manager) Insert(ctx context.Context, msg *message.Message, rctx reason.Context) error {
	name, err := msg.QueueName()
	if err != nil {
		return fmt.Errorf("message %s: %w", msg.ID(), err)
	}
	q, err := m.Resolve(ctx, name)
	if err != nil {
		return err
	}
	m.insert(ctx, q, msg, rctx)
	return nil
}

// Resolve returns the named queue, creating it and starting its maintainer
func (m *Manager) Resolve(ctx context.Context, name string) (*Queue, error) {
	if name == "" {
		return nil, errors.New("empty queue name")
	}
	m.mu.Lock()
	q, ok := m.queues[name]
	m.mu.Unlock()
	if ok {
		return q, nil
	}

	epoch := m.epoch()
	cfg := m.resolveConfig(ctx, name)

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q, nil
	}
	q = newQueue(name, cfg, epoch, m)
	m.queues[name] = q
	metrics.Get().ScheduledQueues.Set(float64(len(m.queues)))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		q.run(m.ctx)
	}()
	return q, nil
}

// resolveConfig consults QueueConfigs; failures fall back to defaults
func (m *Manager) resolveConfig(ctx context.Context, name string) *QueueConfig {
	v, _, _ := m.group.Do("config:"+name, func() (interface{}, error) {
		cfg, err := m.QueueConfigs.Resolve(ctx, name)
		switch {
		case errors.Is(err, policy.ErrNoOpinion):
			cfg = DefaultQueueConfig()
		case err != nil:
			m.logger.Error("Queue configuration failed, using defaults", "queue", name, "error", err)
			cfg = DefaultQueueConfig()
		}
		if err := cfg.Validate(); err != nil {
			m.logger.Error("Invalid queue configuration, using defaults", "queue", name, "error", err)
			cfg = DefaultQueueConfig()
		}
		return &cfg, nil
	})
	return v.(*QueueConfig)
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
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// LoadSpool inserts every spooled message. Messages without an attempt
// count get one inferred from their age.
func (m *Manager) LoadSpool(ctx context.Context) (int, error) {
	if m.opts.Spool == nil {
		return 0, nil
	}
	count := 0
	err := m.opts.Spool.Enumerate(ctx, func(msg *message.Message) error {
		name, err := msg.QueueName()
		if err != nil {
			m.logger.Error("Skipping spooled message without a queue", "message_id", msg.ID(), "error", err)
			return nil
		}
		q, err := m.Resolve(ctx, name)
		if err != nil {
			return err
		}
		if msg.Attempts() == 0 {
			if age := msg.Age(m.now()); age > 0 {
				msg.SetAttempts(q.Config().InferNumAttempts(age))
			}
		}
		m.insert(ctx, q, msg, reason.New(reason.Enumerated))
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("enumerate spool: %w", err)
	}
	m.logger.Info("Loaded spooled messages", "count", count)
	return count, nil
}

// Run performs periodic maintenance until ctx is done. updates delivers
// policy epochs; a new epoch refreshes every queue immediately.
func (m *Manager) Run(ctx context.Context, updates <-chan policy.Epoch) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
			m.Maintain(ctx)
		case <-ticker.C:
			m.Maintain(ctx)
		}
	}
}

// Maintain reaps idle queues and refreshes stale configuration
func (m *Manager) Maintain(ctx context.Context) {
	now := m.now()
	epoch := m.epoch()
	for _, q := range m.Queues() {
		if q.reapable(now) {
			m.reap(q)
			continue
		}
		if q.needsRefresh(now, epoch) {
			m.group.Forget("config:" + q.name)
			q.setConfig(m.resolveConfig(ctx, q.name), epoch, now)
		}
	}
}

func (m *Manager) reap(q *Queue) {
	m.mu.Lock()
	if m.queues[q.name] != q || !q.markReaped() {
		m.mu.Unlock()
		return
	}
	delete(m.queues, q.name)
	metrics.Get().ScheduledQueues.Set(float64(len(m.queues)))
	m.mu.Unlock()

	metrics.Get().ScheduledQueueSize.DeleteLabelValues(q.name)
	m.logger.Debug("Reaped idle scheduled queue", "queue", q.name)
}

// Shutdown stops promotion and the maintainers. Messages inserted
// afterwards are persisted and dropped from memory.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopping.Store(true)
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled queue maintainers: %w", ctx.Err())
	}
}

// ShuttingDown reports whether Shutdown was called
func (m *Manager) ShuttingDown() bool {
	return m.stopping.Load()
}

// persist saves msg and releases its body from memory
func (m *Manager) persist(ctx context.Context, msg *message.Message) {
	if m.opts.Spool == nil {
		return
	}
	if err := m.opts.Spool.Save(context.WithoutCancel(ctx), msg); err != nil {
		m.logger.Error("Failed to save message", "message_id", msg.ID(), "error", err)
		return
	}
	msg.Shrink()
}

func (m *Manager) remove(ctx context.Context, msg *message.Message) {
	if m.opts.Spool == nil {
		return
	}
	if err := m.opts.Spool.Remove(context.WithoutCancel(ctx), msg.ID()); err != nil && !errors.Is(err, spool.ErrNotFound) {
		m.logger.Error("Failed to remove message from spool", "message_id", msg.ID(), "error", err)
	}
}
