package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/egressd/internal/delivery"
	"github.com/busybox42/egressd/internal/egress"
	"github.com/busybox42/egressd/internal/logging"
	"github.com/busybox42/egressd/internal/message"
	"github.com/busybox42/egressd/internal/policy"
	"github.com/busybox42/egressd/internal/readyqueue"
	"github.com/busybox42/egressd/internal/reason"
	"github.com/busybox42/egressd/internal/spool"
	"github.com/busybox42/egressd/internal/throttle"
)

type fakeReady struct {
	mu         sync.Mutex
	outcome    func(n int) error
	resolveErr error
	panics     bool
	calls      int
	promoted   []*message.Message
	domains    []string
}

func (f *fakeReady) Name() string { return "unspecified->mx.example.com" }

func (f *fakeReady) TryPromote(_ context.Context, msg *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("promotion exploded")
	}
	n := f.calls
	f.calls++
	if f.outcome != nil {
		if err := f.outcome(n); err != nil {
			return err
		}
	}
	f.promoted = append(f.promoted, msg)
	return nil
}

func (f *fakeReady) resolve(_ context.Context, domain, _ string) (ReadyQueue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	f.domains = append(f.domains, domain)
	return f, nil
}

func (f *fakeReady) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.promoted)
}

func (f *fakeReady) set(fn func(*fakeReady)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	m       *Manager
	spool   *spool.Memory
	ready   *fakeReady
	clock   *testClock
	records chan logging.Disposition
}

// newFixture builds a manager on a frozen clock. Maintainers only promote
// scheduled messages after the test advances it.
func newFixture(t *testing.T, cfg *QueueConfig) *fixture {
	t.Helper()
	f := &fixture{
		spool:   spool.NewMemory(),
		ready:   &fakeReady{},
		clock:   &testClock{t: time.Now()},
		records: make(chan logging.Disposition, 1000),
	}
	dlog := logging.NewDispositionLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	dlog.OnRecord(func(rec logging.Disposition) { f.records <- rec })

	f.m = NewManager(context.Background(), Options{
		Spool:     f.spool,
		Egress:    egress.NewResolver(time.Minute),
		Ready:     f.ready.resolve,
		Throttles: throttle.NewRegistry(nil, nil),
		Log:       dlog,
		Now:       f.clock.Now,
	})
	if cfg != nil {
		f.m.QueueConfigs.Register(func(_ context.Context, _ string) (policy.Decision[QueueConfig], error) {
			return policy.Definitive(*cfg), nil
		})
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.m.Shutdown(ctx)
	})
	return f
}

func (f *fixture) recordsOf(typ logging.RecordType) []logging.Disposition {
	var out []logging.Disposition
	for {
		select {
		case rec := <-f.records:
			if rec.Type == typ {
				out = append(out, rec)
			}
		default:
			return out
		}
	}
}

func (f *fixture) scheduled(t *testing.T, name string) []*message.Message {
	t.Helper()
	q := f.m.Get(name)
	require.NotNil(t, q, "queue %s", name)
	msgs := q.Extract(func(*message.Message) bool { return true })
	for _, msg := range msgs {
		require.True(t, q.push(msg))
	}
	return msgs
}

func newMessage(domain string) *message.Message {
	return message.New("sender@example.net", []string{"user@" + domain}, []byte("Subject: hi\r\n\r\nhello\r\n"))
}

func (f *fixture) delayed(domain string, d time.Duration) *message.Message {
	msg := newMessage(domain)
	msg.SetDue(f.clock.Now().Add(d))
	return msg
}

func TestInsertPromotesDueMessage(t *testing.T) {
	f := newFixture(t, nil)
	msg := newMessage("example.com")

	require.NoError(t, f.m.Insert(context.Background(), msg, reason.New(reason.Received)))

	assert.Equal(t, 1, f.ready.count())
	assert.Equal(t, []string{"example.com"}, f.ready.domains)
	assert.Equal(t, 0, f.m.Get("example.com").Len())
	assert.Empty(t, f.recordsOf(logging.Delayed))
}

func TestInsertDelayedLogsAndPersists(t *testing.T) {
	f := newFixture(t, nil)
	msg := f.delayed("example.com", 30*time.Minute)

	require.NoError(t, f.m.Insert(context.Background(), msg, reason.New(reason.Received)))

	assert.Equal(t, 0, f.ready.count())
	assert.Equal(t, 1, f.m.Get("example.com").Len())
	assert.True(t, f.spool.Contains(msg.ID()))
	_, loaded := msg.Data()
	assert.False(t, loaded)

	delayed := f.recordsOf(logging.Delayed)
	require.Len(t, delayed, 1)
	assert.Equal(t, "Received", delayed[0].Reason)
	assert.Equal(t, msg.Due(), delayed[0].NextDue)
}

func TestInsertWithSchedulingNotesScheduledForLater(t *testing.T) {
	f := newFixture(t, nil)
	msg := newMessage("example.com")
	first := f.clock.Now().Add(time.Hour)
	msg.SetScheduling(message.Scheduling{FirstAttempt: &first})

	require.NoError(t, f.m.Insert(context.Background(), msg, reason.New(reason.Received)))

	delayed := f.recordsOf(logging.Delayed)
	require.Len(t, delayed, 1)
	assert.Equal(t, "Received, ScheduledForLater", delayed[0].Reason)
}

func TestQueueMaintainerPromotesWhenDue(t *testing.T) {
	f := newFixture(t, nil)
	f.m.now = time.Now
	msg := newMessage("example.com")
	msg.SetDue(time.Now().Add(50 * time.Millisecond))

	require.NoError(t, f.m.Insert(context.Background(), msg, reason.New(reason.Received)))
	assert.Equal(t, 0, f.ready.count())

	assert.Eventually(t, func() bool { return f.ready.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.m.Get("example.com").Len())
}

func TestQueueMaintainerFollowsClock(t *testing.T) {
	f := newFixture(t, nil)
	msg := f.delayed("example.com", 10*time.Minute)

	require.NoError(t, f.m.Insert(context.Background(), msg, reason.New(reason.Received)))
	q := f.m.Get("example.com")
	q.wake()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.ready.count())

	f.clock.Advance(10 * time.Minute)
	q.wake()
	assert.Eventually(t, func() bool { return f.ready.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, q.Len())
}

func TestQueueMaintainerKeepsBatchOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.ready.set(func(r *fakeReady) {
		r.outcome = func(int) error {
			f.m.cancel()
			return nil
		}
	})
	ctx := context.Background()

	for range 3 {
		require.NoError(t, f.m.Insert(ctx, f.delayed("example.com", time.Minute), reason.New(reason.Received)))
	}
	q := f.m.Get("example.com")
	require.Equal(t, 3, q.Len())

	f.clock.Advance(time.Minute)
	q.wake()
	select {
	case <-q.done:
	case <-time.After(2 * time.Second):
		t.Fatal("maintainer did not stop")
	}

	assert.Equal(t, 1, f.ready.count())
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 3, f.spool.Len())
}

func TestRequeueBackoffWithJitter(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.RetryInterval = policy.Duration(time.Minute)
	cfg.MaxRetryInterval = durationPtr(5 * time.Minute)
	f := newFixture(t, &cfg)

	msg := newMessage("example.com")
	msg.SetAttempts(4)
	f.m.Requeue(context.Background(), msg, readyqueue.Requeue{
		Increment: true,
		Reason:    reason.New(reason.LoggedTransientFailure),
	})

	assert.Equal(t, uint16(5), msg.Attempts())
	delay := msg.Due().Sub(f.clock.Now())
	assert.GreaterOrEqual(t, delay, 5*time.Minute-1500*time.Millisecond)
	assert.Less(t, delay, 5*time.Minute+1500*time.Millisecond)
	assert.Equal(t, 1, f.m.Get("example.com").Len())
	assert.True(t, f.spool.Contains(msg.ID()))
	assert.Empty(t, f.recordsOf(logging.Delayed))
}

func TestRequeueBackoffGrows(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.RetryInterval = policy.Duration(time.Minute)
	f := newFixture(t, &cfg)

	msg := newMessage("example.com")
	var prev time.Duration
	for attempt := 0; attempt < 5; attempt++ {
		f.m.Requeue(context.Background(), msg, readyqueue.Requeue{Increment: true, Reason: reason.New(reason.LoggedTransientFailure)})
		delay := msg.Due().Sub(f.clock.Now())
		assert.Greater(t, delay, prev, "attempt %d", attempt)
		prev = delay
		f.m.Get("example.com").Extract(func(*message.Message) bool { return true })
	}
	assert.Equal(t, uint16(5), msg.Attempts())
}

func TestRequeueExpiresPastMaxAge(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.MaxAge = policy.Duration(2 * time.Hour)

	oldMessage := func(f *fixture, age time.Duration) *message.Message {
		now := f.clock.Now()
		msg := message.FromRecord(message.Record{
			ID:         uuid.NewString(),
			Sender:     "sender@example.net",
			Recipients: []string{"user@example.com"},
			Created:    now.Add(-age),
			Due:        now,
		})
		require.NoError(t, f.spool.Save(context.Background(), msg))
		return msg
	}

	t.Run("backoff", func(t *testing.T) {
		f := newFixture(t, &cfg)
		msg := oldMessage(f, 110*time.Minute)

		f.m.Requeue(context.Background(), msg, readyqueue.Requeue{Increment: true})

		expired := f.recordsOf(logging.Expiration)
		require.Len(t, expired, 1)
		assert.Equal(t, 551, expired[0].Response.Code)
		assert.Equal(t, "5.4.7", expired[0].Response.Enhanced)
		assert.False(t, f.spool.Contains(msg.ID()))
		assert.Equal(t, 0, f.m.Get("example.com").Len())
	})

	t.Run("explicit delay", func(t *testing.T) {
		f := newFixture(t, &cfg)
		msg := oldMessage(f, 110*time.Minute)
		delay := 15 * time.Minute

		f.m.Requeue(context.Background(), msg, readyqueue.Requeue{Delay: &delay})

		assert.Len(t, f.recordsOf(logging.Expiration), 1)
		assert.False(t, f.spool.Contains(msg.ID()))
	})

	t.Run("within max age", func(t *testing.T) {
		f := newFixture(t, &cfg)
		msg := oldMessage(f, 10*time.Minute)

		f.m.Requeue(context.Background(), msg, readyqueue.Requeue{Increment: true})

		assert.Empty(t, f.recordsOf(logging.Expiration))
		assert.Equal(t, 1, f.m.Get("example.com").Len())
	})

	t.Run("message expiry", func(t *testing.T) {
		f := newFixture(t, &cfg)
		msg := oldMessage(f, time.Minute)
		expires := f.clock.Now().Add(10 * time.Minute)
		msg.SetScheduling(message.Scheduling{Expires: &expires})

		f.m.Requeue(context.Background(), msg, readyqueue.Requeue{Increment: true})

		expired := f.recordsOf(logging.Expiration)
		require.Len(t, expired, 1)
		assert.Contains(t, expired[0].Response.Content, "message expiry")
	})
}

func TestReadyQueueFullForcesDelay(t *testing.T) {
	f := newFixture(t, nil)
	f.ready.set(func(r *fakeReady) {
		r.outcome = func(int) error { return readyqueue.ErrReadyQueueFull }
	})
	msg := newMessage("example.com")
	now := f.clock.Now()

	require.NoError(t, f.m.Insert(context.Background(), msg, reason.New(reason.Received)))

	assert.True(t, msg.Due().After(now))
	assert.False(t, msg.Due().After(now.Add(time.Minute)))
	assert.Equal(t, uint16(0), msg.Attempts())
	assert.Equal(t, 1, f.m.Get("example.com").Len())
	assert.True(t, f.spool.Contains(msg.ID()))

	delayed := f.recordsOf(logging.Delayed)
	require.Len(t, delayed, 1)
	assert.Equal(t, "Received, ReadyQueueWasFull", delayed[0].Reason)
}

func TestReadyResolveFailureIsTransient(t *testing.T) {
	f := newFixture(t, nil)
	f.ready.set(func(r *fakeReady) { r.resolveErr = errors.New("no route to site") })
	msg := newMessage("example.com")

	require.NoError(t, f.m.Insert(context.Background(), msg, reason.New(reason.Received)))

	failures := f.recordsOf(logging.TransientFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, 451, failures[0].Response.Code)
	assert.Equal(t, "4.4.4", failures[0].Response.Enhanced)
	assert.Contains(t, failures[0].Reason, "FailedToInsertIntoReadyQueue")
	assert.Equal(t, uint16(1), msg.Attempts())
	assert.Equal(t, 1, f.m.Get("example.com").Len())
}

func TestPanicDuringPromotionReschedules(t *testing.T) {
	f := newFixture(t, nil)
	f.ready.set(func(r *fakeReady) { r.panics = true })
	msg := newMessage("example.com")
	now := f.clock.Now()

	require.NoError(t, f.m.Insert(context.Background(), msg, reason.New(reason.Received)))

	assert.Equal(t, 1, f.m.Get("example.com").Len())
	assert.True(t, msg.Due().After(now))
	assert.Equal(t, uint16(0), msg.Attempts())
}

func TestMessageRateThrottleDelaysPromotion(t *testing.T) {
	cfg := DefaultQueueConfig()
	spec := throttle.MustParseSpec("1/h")
	cfg.MaxMessageRate = &spec
	f := newFixture(t, &cfg)
	ctx := context.Background()

	first := newMessage("example.com")
	second := newMessage("example.com")
	require.NoError(t, f.m.Insert(ctx, first, reason.New(reason.Received)))
	require.NoError(t, f.m.Insert(ctx, second, reason.New(reason.Received)))

	assert.Equal(t, 1, f.ready.count())
	assert.Equal(t, uint16(0), second.Attempts())
	delay := second.Due().Sub(f.clock.Now())
	assert.Greater(t, delay, 50*time.Minute)
	assert.LessOrEqual(t, delay, time.Hour)

	delayed := f.recordsOf(logging.Delayed)
	require.Len(t, delayed, 1)
	assert.Contains(t, delayed[0].Reason, "MessageRateThrottle")
}

func TestThrottleInsertReadyQueueHook(t *testing.T) {
	f := newFixture(t, nil)
	f.m.ThrottleInsertReadyQueue.Register(func(_ context.Context, msg *message.Message) (policy.Decision[time.Time], error) {
		if msg.Recipients()[0] == "user@example.org" {
			return policy.NoOpinion[time.Time](), nil
		}
		return policy.Definitive(f.clock.Now().Add(10 * time.Minute)), nil
	})
	ctx := context.Background()

	held := newMessage("example.com")
	require.NoError(t, f.m.Insert(ctx, held, reason.New(reason.Received)))
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), held.Due())
	assert.Equal(t, uint16(0), held.Attempts())

	passed := newMessage("example.org")
	require.NoError(t, f.m.Insert(ctx, passed, reason.New(reason.Received)))
	assert.Equal(t, 1, f.ready.count())

	delayed := f.recordsOf(logging.Delayed)
	require.Len(t, delayed, 1)
	assert.Contains(t, delayed[0].Reason, "ThrottledByThrottleInsertReadyQueue")
}

func TestPromotionRequeuesConsultHooks(t *testing.T) {
	type call struct {
		attempts uint16
		reason   reason.Context
		response *delivery.Response
	}
	watch := func(f *fixture) *[]call {
		var mu sync.Mutex
		calls := &[]call{}
		f.m.RequeueHooks.Register(func(_ context.Context, req RequeueRequest) (policy.Decision[RequeueDecision], error) {
			mu.Lock()
			defer mu.Unlock()
			*calls = append(*calls, call{attempts: req.Attempts, reason: req.Reason, response: req.Response})
			return policy.NoOpinion[RequeueDecision](), nil
		})
		return calls
	}
	ctx := context.Background()

	t.Run("suspended queue", func(t *testing.T) {
		f := newFixture(t, nil)
		calls := watch(f)
		f.m.Suspend(NewSuspendEntry(Criteria{Domain: "example.com"}, "maintenance", time.Hour))
		msg := newMessage("example.com")

		require.NoError(t, f.m.Insert(ctx, msg, reason.New(reason.Received)))

		require.Len(t, *calls, 1)
		c := (*calls)[0]
		assert.Equal(t, uint16(0), c.attempts)
		assert.True(t, c.reason.Contains(reason.LoggedTransientFailure))
		require.NotNil(t, c.response)
		assert.Equal(t, 451, c.response.Code)
		assert.Equal(t, uint16(1), msg.Attempts())
	})

	t.Run("message rate", func(t *testing.T) {
		cfg := DefaultQueueConfig()
		spec := throttle.MustParseSpec("1/h")
		cfg.MaxMessageRate = &spec
		f := newFixture(t, &cfg)
		calls := watch(f)

		require.NoError(t, f.m.Insert(ctx, newMessage("example.com"), reason.New(reason.Received)))
		second := newMessage("example.com")
		require.NoError(t, f.m.Insert(ctx, second, reason.New(reason.Received)))

		require.Len(t, *calls, 1)
		assert.True(t, (*calls)[0].reason.Contains(reason.MessageRateThrottle))
		assert.Contains(t, (*calls)[0].response.Content, "throttled message rate")
		assert.Equal(t, uint16(0), second.Attempts())
	})

	t.Run("throttle insert", func(t *testing.T) {
		f := newFixture(t, nil)
		calls := watch(f)
		f.m.ThrottleInsertReadyQueue.Register(func(context.Context, *message.Message) (policy.Decision[time.Time], error) {
			return policy.Definitive(f.clock.Now().Add(10 * time.Minute)), nil
		})
		msg := newMessage("example.com")

		require.NoError(t, f.m.Insert(ctx, msg, reason.New(reason.Received)))

		require.Len(t, *calls, 1)
		assert.True(t, (*calls)[0].reason.Contains(reason.ThrottledByThrottleInsertReadyQueue))
		assert.Equal(t, f.clock.Now().Add(10*time.Minute), msg.Due())
	})

	t.Run("ready queue throttled", func(t *testing.T) {
		f := newFixture(t, nil)
		calls := watch(f)
		f.ready.set(func(r *fakeReady) {
			r.outcome = func(int) error {
				return &readyqueue.ThrottledError{Name: "tenant-rate", RetryAfter: 5 * time.Minute}
			}
		})
		msg := newMessage("example.com")

		require.NoError(t, f.m.Insert(ctx, msg, reason.New(reason.Received)))

		require.Len(t, *calls, 1)
		assert.True(t, (*calls)[0].reason.Contains(reason.MessageRateThrottle))
		assert.Contains(t, (*calls)[0].response.Content, "tenant-rate")
		assert.Equal(t, f.clock.Now().Add(5*time.Minute), msg.Due())
		assert.Equal(t, uint16(0), msg.Attempts())
	})

	t.Run("ready queue suspended", func(t *testing.T) {
		f := newFixture(t, nil)
		calls := watch(f)
		f.ready.set(func(r *fakeReady) {
			r.outcome = func(int) error {
				return &readyqueue.SuspendedError{Name: "unspecified->mx.example.com", Reason: "remote maintenance", RetryAfter: 20 * time.Minute}
			}
		})
		msg := newMessage("example.com")

		require.NoError(t, f.m.Insert(ctx, msg, reason.New(reason.Received)))

		require.Len(t, *calls, 1)
		assert.True(t, (*calls)[0].reason.Contains(reason.ReadyQueueWasSuspended))
		assert.Equal(t, "ready queue is suspended: remote maintenance", (*calls)[0].response.Content)
		assert.Equal(t, f.clock.Now().Add(20*time.Minute), msg.Due())
		assert.Equal(t, uint16(0), msg.Attempts())
		assert.Equal(t, 1, f.m.Get("example.com").Len())
	})

	t.Run("failed insert", func(t *testing.T) {
		f := newFixture(t, nil)
		calls := watch(f)
		f.ready.set(func(r *fakeReady) { r.resolveErr = errors.New("no route to site") })
		msg := newMessage("example.com")

		require.NoError(t, f.m.Insert(ctx, msg, reason.New(reason.Received)))

		require.Len(t, *calls, 1)
		assert.True(t, (*calls)[0].reason.Contains(reason.FailedToInsertIntoReadyQueue))
		assert.Equal(t, uint16(1), msg.Attempts())
	})
}

func TestThrottledPromotionCanBeRehomed(t *testing.T) {
	cfg := DefaultQueueConfig()
	spec := throttle.MustParseSpec("1/h")
	cfg.MaxMessageRate = &spec
	f := newFixture(t, &cfg)
	f.m.RequeueHooks.Register(func(_ context.Context, req RequeueRequest) (policy.Decision[RequeueDecision], error) {
		if !req.Reason.Contains(reason.MessageRateThrottle) {
			return policy.NoOpinion[RequeueDecision](), nil
		}
		return policy.Definitive(RequeueDecision{Meta: map[string]string{message.MetaRoutingDomain: "relay.example.net"}}), nil
	})
	ctx := context.Background()

	require.NoError(t, f.m.Insert(ctx, newMessage("example.com"), reason.New(reason.Received)))
	second := newMessage("example.com")
	require.NoError(t, f.m.Insert(ctx, second, reason.New(reason.Received)))

	assert.Equal(t, 2, f.ready.count())
	assert.Equal(t, []string{"example.com", "relay.example.net"}, f.ready.domains)
	assert.Equal(t, uint16(0), second.Attempts())
	assert.Equal(t, 0, f.m.Get("example.com").Len())
}

func TestRequeueHooks(t *testing.T) {
	t.Run("queue change promotes immediately", func(t *testing.T) {
		f := newFixture(t, nil)
		f.m.RequeueHooks.Register(func(_ context.Context, req RequeueRequest) (policy.Decision[RequeueDecision], error) {
			assert.Equal(t, uint16(0), req.Attempts)
			return policy.Definitive(RequeueDecision{Meta: map[string]string{message.MetaRoutingDomain: "relay.example.net"}}), nil
		})
		msg := newMessage("example.com")
		resp := delivery.NewResponse(421, "4.7.0", "try later")

		f.m.Requeue(context.Background(), msg, readyqueue.Requeue{Increment: true, Response: &resp})

		assert.Equal(t, uint16(1), msg.Attempts())
		assert.Equal(t, 1, f.ready.count())
		assert.Equal(t, []string{"relay.example.net"}, f.ready.domains)
		assert.NotNil(t, f.m.Get("example.com!relay.example.net"))
	})

	t.Run("reject bounces", func(t *testing.T) {
		f := newFixture(t, nil)
		f.m.RequeueHooks.Register(func(context.Context, RequeueRequest) (policy.Decision[RequeueDecision], error) {
			return policy.NoOpinion[RequeueDecision](), policy.Reject(errors.New("too many attempts for this tenant"))
		})
		msg := newMessage("example.com")
		require.NoError(t, f.spool.Save(context.Background(), msg))

		f.m.Requeue(context.Background(), msg, readyqueue.Requeue{Increment: true})

		bounces := f.recordsOf(logging.Bounce)
		require.Len(t, bounces, 1)
		assert.Equal(t, "too many attempts for this tenant", bounces[0].Response.Content)
		assert.False(t, f.spool.Contains(msg.ID()))
	})

	t.Run("error keeps queue", func(t *testing.T) {
		f := newFixture(t, nil)
		f.m.RequeueHooks.Register(func(context.Context, RequeueRequest) (policy.Decision[RequeueDecision], error) {
			return policy.NoOpinion[RequeueDecision](), errors.New("lookup failed")
		})
		msg := newMessage("example.com")

		f.m.Requeue(context.Background(), msg, readyqueue.Requeue{Increment: true})

		assert.Equal(t, uint16(1), msg.Attempts())
		assert.Equal(t, 1, f.m.Get("example.com").Len())
	})
}

func TestBounceAll(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var bounced []*message.Message
	for range 3 {
		msg := f.delayed("example.com", time.Hour)
		require.NoError(t, f.m.Insert(ctx, msg, reason.New(reason.Received)))
		bounced = append(bounced, msg)
	}
	kept := f.delayed("example.org", time.Hour)
	require.NoError(t, f.m.Insert(ctx, kept, reason.New(reason.Received)))

	inReady := newMessage("example.com")
	f.m.opts.ExtractReady = func(match func(*message.Message) bool) []*message.Message {
		if match(inReady) {
			return []*message.Message{inReady}
		}
		return nil
	}

	entry := NewBounceEntry(Criteria{Domain: "example.com"}, "spam run", time.Hour)
	assert.Equal(t, 4, f.m.BounceAll(ctx, entry))

	records := f.recordsOf(logging.AdminBounce)
	require.Len(t, records, 4)
	assert.Equal(t, 551, records[0].Response.Code)
	assert.Equal(t, "Administrator bounced with reason: spam run", records[0].Response.Content)
	for _, msg := range bounced {
		assert.False(t, f.spool.Contains(msg.ID()))
	}
	assert.Equal(t, 0, f.m.Get("example.com").Len())
	assert.Equal(t, 1, f.m.Get("example.org").Len())

	late := newMessage("example.com")
	require.NoError(t, f.m.Insert(ctx, late, reason.New(reason.Received)))
	assert.Equal(t, 0, f.ready.count())
	assert.Len(t, f.recordsOf(logging.AdminBounce), 1)
	assert.Equal(t, 5, entry.TotalBounced())
}

func TestSuspendHoldsPromotion(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	entry := NewSuspendEntry(Criteria{Domain: "example.com"}, "maintenance", time.Hour)
	f.m.Suspend(entry)

	msg := newMessage("example.com")
	require.NoError(t, f.m.Insert(ctx, msg, reason.New(reason.Received)))

	assert.Equal(t, 0, f.ready.count())
	failures := f.recordsOf(logging.TransientFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, "scheduled queue is suspended: maintenance", failures[0].Response.Content)
	assert.Equal(t, 451, failures[0].Response.Code)
	assert.Equal(t, uint16(1), msg.Attempts())
	assert.Equal(t, 1, f.m.Get("example.com").Len())

	other := newMessage("example.org")
	require.NoError(t, f.m.Insert(ctx, other, reason.New(reason.Received)))
	assert.Equal(t, 1, f.ready.count())

	assert.True(t, f.m.Resume(entry.ID))
	assert.False(t, f.m.Resume(entry.ID))
}

func TestRebind(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var msgs []*message.Message
	for range 2 {
		msg := f.delayed("example.com", time.Hour)
		msg.SetAttempts(3)
		require.NoError(t, f.m.Insert(ctx, msg, reason.New(reason.Received)))
		msgs = append(msgs, msg)
	}

	n := f.m.Rebind(ctx, RebindRequest{
		Criteria: Criteria{Domain: "example.com"},
		Data:     map[string]string{message.MetaTenant: "acme"},
		Reason:   "tenant migration",
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, f.ready.count())
	for _, msg := range msgs {
		assert.Equal(t, uint16(3), msg.Attempts())
	}

	records := f.recordsOf(logging.AdminRebind)
	require.Len(t, records, 2)
	assert.Equal(t, "Rebound from example.com to acme@example.com: tenant migration", records[0].Response.Content)
	assert.Equal(t, 250, records[0].Response.Code)
}

func TestRebindSameQueue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	msg := f.delayed("example.com", time.Hour)
	require.NoError(t, f.m.Insert(ctx, msg, reason.New(reason.Received)))

	f.m.Rebind(ctx, RebindRequest{Criteria: Criteria{Domain: "example.com"}, SuppressLogging: true})
	assert.Equal(t, 0, f.ready.count())
	assert.Equal(t, 1, f.m.Get("example.com").Len())
	assert.Empty(t, f.recordsOf(logging.AdminRebind))

	f.m.Rebind(ctx, RebindRequest{Criteria: Criteria{Domain: "example.com"}, AlwaysFlush: true, Reason: "flush"})
	assert.Equal(t, 1, f.ready.count())
	assert.Equal(t, 0, f.m.Get("example.com").Len())
}

func TestLoadSpool(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := f.clock.Now()

	future := message.FromRecord(message.Record{
		ID:         uuid.NewString(),
		Sender:     "sender@example.net",
		Recipients: []string{"user@example.com"},
		Created:    now.Add(-time.Hour),
		Due:        now.Add(time.Hour),
	})
	due := message.FromRecord(message.Record{
		ID:         uuid.NewString(),
		Sender:     "sender@example.net",
		Recipients: []string{"user@example.org"},
		Attempts:   1,
		Created:    now.Add(-time.Hour),
		Due:        now.Add(-time.Minute),
	})
	require.NoError(t, f.spool.Save(ctx, future))
	require.NoError(t, f.spool.Save(ctx, due))

	n, err := f.m.LoadSpool(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	scheduled := f.scheduled(t, "example.com")
	require.Len(t, scheduled, 1)
	assert.Equal(t, future.ID(), scheduled[0].ID())
	assert.Equal(t, uint16(2), scheduled[0].Attempts())

	require.Equal(t, 1, f.ready.count())
	assert.Equal(t, uint16(1), f.ready.promoted[0].Attempts())
	assert.Empty(t, f.recordsOf(logging.Delayed))
}

func TestMaintainReapsAndRefreshes(t *testing.T) {
	var resolved int
	var mu sync.Mutex
	f := newFixture(t, nil)
	f.m.QueueConfigs.Register(func(context.Context, string) (policy.Decision[QueueConfig], error) {
		mu.Lock()
		resolved++
		mu.Unlock()
		return policy.Definitive(DefaultQueueConfig()), nil
	})
	epoch := policy.Epoch(1)
	f.m.opts.Epoch = func() policy.Epoch { return epoch }
	ctx := context.Background()

	_, err := f.m.Resolve(ctx, "example.org")
	require.NoError(t, err)
	busy := f.delayed("example.net", 2*time.Hour)
	require.NoError(t, f.m.Insert(ctx, busy, reason.New(reason.Received)))

	calls := func() int {
		mu.Lock()
		defer mu.Unlock()
		return resolved
	}
	assert.Equal(t, 2, calls())

	f.clock.Advance(30 * time.Second)
	f.m.Maintain(ctx)
	assert.Equal(t, 2, calls())

	epoch = 2
	f.m.Maintain(ctx)
	assert.Equal(t, 4, calls())

	f.clock.Advance(11 * time.Minute)
	f.m.Maintain(ctx)
	assert.Nil(t, f.m.Get("example.org"))
	assert.NotNil(t, f.m.Get("example.net"))
	assert.Equal(t, 5, calls())
}

func TestShutdownPersistsLateInserts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.m.Shutdown(ctx))
	assert.True(t, f.m.ShuttingDown())

	msg := newMessage("example.com")
	require.NoError(t, f.m.Insert(ctx, msg, reason.New(reason.Received)))

	assert.Equal(t, 0, f.ready.count())
	assert.True(t, f.spool.Contains(msg.ID()))
	assert.Equal(t, 0, f.m.Get("example.com").Len())
}

func TestPromotionAccountsForEveryMessage(t *testing.T) {
	f := newFixture(t, nil)
	f.ready.set(func(r *fakeReady) {
		r.outcome = func(n int) error {
			switch n % 3 {
			case 1:
				return readyqueue.ErrReadyQueueFull
			case 2:
				return errors.New("ready queue resolution failed")
			}
			return nil
		}
	})
	ctx := context.Background()

	const total = 60
	for range total {
		require.NoError(t, f.m.Insert(ctx, newMessage("example.com"), reason.New(reason.Received)))
	}

	scheduled := f.m.Get("example.com").Len()
	assert.Equal(t, total/3, f.ready.count())
	assert.Equal(t, total, f.ready.count()+scheduled)
	assert.Equal(t, scheduled, f.spool.Len())
}
