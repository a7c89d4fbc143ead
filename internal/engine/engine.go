// Package engine assembles the scheduled queues, ready queues, egress
// resolver, throttles and spool into a running delivery engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/busybox42/egressd/internal/api"
	"github.com/busybox42/egressd/internal/config"
	"github.com/busybox42/egressd/internal/delivery"
	"github.com/busybox42/egressd/internal/egress"
	"github.com/busybox42/egressd/internal/logging"
	"github.com/busybox42/egressd/internal/message"
	"github.com/busybox42/egressd/internal/metrics"
	"github.com/busybox42/egressd/internal/policy"
	"github.com/busybox42/egressd/internal/queue"
	"github.com/busybox42/egressd/internal/readyqueue"
	"github.com/busybox42/egressd/internal/reason"
	"github.com/busybox42/egressd/internal/spool"
	"github.com/busybox42/egressd/internal/throttle"
)

// Options override collaborators that are otherwise built from the
// configuration
type Options struct {
	// DNS is used for MX, address and MTA-STS lookups; nil means the
	// system resolver
	DNS delivery.DNSResolver
	// Transports creates delivery sessions; nil means SMTP
	Transports delivery.TransportFactory
	// Spool replaces the configured spool
	Spool spool.Spool
	// SharedThrottles replaces the configured shared throttle store
	SharedThrottles throttle.Store
	// HTTPClient fetches MTA-STS policies
	HTTPClient *http.Client
}

// Engine is a configured delivery engine
type Engine struct {
	Spool     spool.Spool
	Throttles *throttle.Registry
	Egress    *egress.Resolver
	MX        *delivery.MXResolver
	Ready     *readyqueue.Manager
	Queues    *queue.Manager
	Log       *logging.DispositionLogger

	cfg     atomic.Pointer[config.Config]
	loaded  chan struct{}
	rules   *policy.Snapshot[*config.Rules]
	api     *api.Server
	metrics *http.Server
	logger  *slog.Logger
}

// New builds an engine from cfg. Background work starts with Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	e := &Engine{
		Log:    logging.NewDispositionLogger(nil),
		Egress: egress.NewResolver(time.Minute),
		rules:  policy.NewSnapshot(config.NewRules(cfg)),
		logger: slog.Default().With("component", "engine"),
		loaded: make(chan struct{}),
	}
	e.cfg.Store(cfg)

	e.Spool = opts.Spool
	if e.Spool == nil {
		sp, err := spool.Open(ctx, cfg.Spool)
		if err != nil {
			return nil, fmt.Errorf("open spool: %w", err)
		}
		e.Spool = sp
	}

	shared := opts.SharedThrottles
	if shared == nil {
		s, err := OpenThrottleStore(cfg)
		if err != nil {
			e.Spool.Close()
			return nil, err
		}
		shared = s
	}
	e.Throttles = throttle.NewRegistry(throttle.NewMemoryStore(), shared)

	dns := opts.DNS
	if dns == nil {
		dns = net.DefaultResolver
	}
	e.MX = delivery.NewMXResolver(cfg.MXConfig(), dns)
	transports := opts.Transports
	if transports == nil {
		transports = delivery.SMTPTransportFactory()
	}

	deps := &readyqueue.Deps{
		Throttles:  e.Throttles,
		Addresses:  e.MX,
		MTASTS:     delivery.NewMTASTSResolver(dns, opts.HTTPClient),
		Transports: transports,
		Store:      e.Spool,
		Log:        e.Log,

		Suspensions: readyqueue.NewSuspensions(nil),
	}
	e.Ready = readyqueue.NewManager(ctx, e.Egress, e.MX, deps)

	e.Queues = queue.NewManager(ctx, queue.Options{
		Spool:        e.Spool,
		Egress:       e.Egress,
		Ready:        e.resolveReady,
		Throttles:    e.Throttles,
		Log:          e.Log,
		ExtractReady: e.Ready.Extract,
		Epoch:        e.rules.Epoch,
	})
	deps.Requeuer = e.Queues

	config.Bind(e.rules, &e.Queues.QueueConfigs, e.Egress)
	config.BindScheduling(e.rules, &e.Queues.RequeueHooks, &e.Queues.ThrottleInsertReadyQueue, e.Throttles)
	return e, nil
}

func (e *Engine) resolveReady(ctx context.Context, domain, source string) (queue.ReadyQueue, error) {
	q, err := e.Ready.Resolve(ctx, domain, source)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// OpenThrottleStore connects the configured shared throttle store. The
// memory backend has no shared store and returns nil.
func OpenThrottleStore(cfg *config.Config) (throttle.Store, error) {
	t := cfg.Throttle
	var (
		store throttle.Store
		err   error
	)
	switch t.Backend {
	case "", config.ThrottleMemory:
		return nil, nil
	case config.ThrottleRedis:
		store, err = throttle.NewRedisStore(throttle.RedisConfig{Addr: t.Addresses[0], Password: t.Password, DB: t.DB})
	case config.ThrottleValkey:
		store, err = throttle.NewValkeyStore(throttle.ValkeyConfig{Addrs: t.Addresses, Password: t.Password, DB: t.DB})
	case config.ThrottleMemcached:
		store, err = throttle.NewMemcachedStore(t.Addresses...)
	default:
		return nil, fmt.Errorf("unsupported throttle backend %q", t.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s throttle store: %w", t.Backend, err)
	}
	return store, nil
}

// Enqueue accepts a new message: it is spooled, logged as received and
// inserted into its scheduled queue. It waits for Run to finish loading
// the spool.
func (e *Engine) Enqueue(ctx context.Context, msg *message.Message) error {
	name, err := msg.QueueName()
	if err != nil {
		return fmt.Errorf("message %s: %w", msg.ID(), err)
	}
	select {
	case <-e.loaded:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := e.Spool.Save(ctx, msg); err != nil {
		return fmt.Errorf("spool message %s: %w", msg.ID(), err)
	}
	metrics.Get().Received.Inc()
	e.Log.Log(logging.Disposition{
		Type:    logging.Reception,
		Message: msg,
		Queue:   name,
	})
	return e.Queues.Insert(ctx, msg, reason.New(reason.Received))
}

// Reload publishes the rule tables of cfg. Queues pick the new
// configuration up immediately.
func (e *Engine) Reload(ctx context.Context, cfg *config.Config) error {
	if result := cfg.Validate(); !result.Valid {
		return fmt.Errorf("configuration has %d errors: %s", len(result.Errors), result.Errors[0].Error())
	}
	if level, err := logging.StringToLevel(cfg.Logging.Level); err == nil {
		logging.GetLevelManager().SetLevel(level)
	}
	epoch := e.rules.Publish(config.NewRules(cfg))
	e.Ready.Refresh(ctx)
	e.cfg.Store(cfg)
	e.logger.Info("Configuration reloaded", "epoch", epoch)
	return nil
}

// Run loads the spool, starts the listeners and maintainers and blocks
// until ctx is done. It then shuts down gracefully.
func (e *Engine) Run(ctx context.Context) error {
	cfg := e.cfg.Load()
	if _, err := e.Queues.LoadSpool(ctx); err != nil {
		return errors.Join(err, e.Shutdown(context.WithoutCancel(ctx)))
	}
	close(e.loaded)

	if addr := cfg.Server.AdminListen; addr != "" {
		apiCfg := cfg.API
		apiCfg.ListenAddr = addr
		e.api = api.NewServer(apiCfg, e.Queues, e.Ready, e.Throttles)
		if err := e.api.Start(); err != nil {
			e.api = nil
			return errors.Join(err, e.Shutdown(context.WithoutCancel(ctx)))
		}
	}
	if addr := cfg.Server.MetricsListen; addr != "" && addr != cfg.Server.AdminListen {
		e.metrics = metrics.StartServer(addr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.Queues.Run(gctx, e.rules.Subscribe())
		return nil
	})
	g.Go(func() error {
		e.Ready.Run(gctx)
		return nil
	})
	e.logger.Info("Engine started", "hostname", cfg.Server.Hostname)
	_ = g.Wait()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.ShutdownGrace()+5*time.Second)
	defer cancel()
	return e.Shutdown(ctx)
}

// ShutdownGrace is how long in-flight deliveries may continue after
// shutdown starts: the longest configured transaction, capped by
// shutdown.max_grace
func (e *Engine) ShutdownGrace() time.Duration {
	cfg := e.cfg.Load()
	grace := delivery.DefaultTimeouts().Total()
	for _, p := range cfg.Paths {
		grace = max(grace, p.Timeouts.Total())
	}
	return min(grace, cfg.Shutdown.MaxGrace.Std())
}

// Shutdown stops promotion, drains the ready queues back into
// scheduling and closes the stores
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info("Shutting down")
	var errs []error

	if err := e.Queues.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	graceCtx, cancel := context.WithTimeout(ctx, e.ShutdownGrace())
	e.Ready.Shutdown(graceCtx)
	cancel()

	if e.api != nil {
		if err := e.api.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop admin API: %w", err))
		}
	}
	if e.metrics != nil {
		if err := e.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}
	if err := e.Throttles.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close throttle store: %w", err))
	}
	if err := e.Spool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close spool: %w", err))
	}

	e.logger.Info("Shutdown complete")
	return errors.Join(errs...)
}
