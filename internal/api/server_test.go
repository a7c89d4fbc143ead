package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/egressd/internal/logging"
	"github.com/busybox42/egressd/internal/queue"
	"github.com/busybox42/egressd/internal/readyqueue"
	"github.com/busybox42/egressd/internal/throttle"
)

type fakeScheduler struct {
	admin    *queue.Admin
	info     []queue.QueueInfo
	matched  int
	rebinds  []queue.RebindRequest
	stopping bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{admin: queue.NewAdmin()}
}

func (f *fakeScheduler) Admin() *queue.Admin     { return f.admin }
func (f *fakeScheduler) Info() []queue.QueueInfo { return f.info }
func (f *fakeScheduler) ShuttingDown() bool      { return f.stopping }

func (f *fakeScheduler) BounceAll(_ context.Context, e *queue.BounceEntry) int {
	f.admin.AddBounce(e)
	return f.matched
}

func (f *fakeScheduler) Suspend(e *queue.SuspendEntry) { f.admin.AddSuspend(e) }

func (f *fakeScheduler) Resume(id uuid.UUID) bool { return f.admin.RemoveSuspend(id) }

func (f *fakeScheduler) Rebind(_ context.Context, req queue.RebindRequest) int {
	f.rebinds = append(f.rebinds, req)
	return f.matched
}

type fakeReadyQueues struct {
	suspensions *readyqueue.Suspensions
}

func (f *fakeReadyQueues) Queues() []*readyqueue.Queue { return nil }

func (f *fakeReadyQueues) Suspend(name, reason string, d time.Duration) readyqueue.Suspension {
	return f.suspensions.Add(name, reason, d)
}

func (f *fakeReadyQueues) Suspensions() []readyqueue.Suspension { return f.suspensions.List() }

func (f *fakeReadyQueues) Resume(id uuid.UUID) bool {
	_, ok := f.suspensions.Remove(id)
	return ok
}

func newTestServer(t *testing.T) (*Server, *fakeScheduler, http.Handler) {
	t.Helper()
	sched := newFakeScheduler()
	s := NewServer(Config{}, sched, nil, throttle.NewRegistry(nil, nil))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, sched, s.Router()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestNewServerDefaults(t *testing.T) {
	s := NewServer(Config{}, newFakeScheduler(), nil, nil)
	assert.Equal(t, "127.0.0.1:8025", s.Addr())
	assert.False(t, s.rateLimiter.enabled)
}

func TestBounceEndpoints(t *testing.T) {
	_, sched, h := newTestServer(t)
	sched.matched = 3

	rr := do(t, h, http.MethodPost, "/api/admin/bounce", map[string]interface{}{
		"domain":   "example.com",
		"reason":   "purge",
		"duration": "1h",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var created BounceView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, "example.com", created.Domain)
	assert.Equal(t, "purge", created.Reason)
	assert.WithinDuration(t, time.Now().Add(time.Hour), created.Expires, time.Minute)
	assert.NotNil(t, sched.admin.BounceFor("example.com"))

	rr = do(t, h, http.MethodGet, "/api/admin/bounce", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var listed []BounceView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0].ID)

	rr = do(t, h, http.MethodDelete, "/api/admin/bounce/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Nil(t, sched.admin.BounceFor("example.com"))

	rr = do(t, h, http.MethodDelete, "/api/admin/bounce/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodDelete, "/api/admin/bounce/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBounceRequestValidation(t *testing.T) {
	_, _, h := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing reason", `{"domain":"example.com"}`},
		{"unknown field", `{"domian":"example.com","reason":"x"}`},
		{"bad duration", `{"reason":"x","duration":"soon"}`},
		{"not json", `reason=x`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/api/admin/bounce", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		})
	}
}

func TestSuspendEndpoints(t *testing.T) {
	_, sched, h := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/api/admin/suspend", EntryRequest{
		Criteria: queue.Criteria{Tenant: "acme"},
		Reason:   "maintenance",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created SuspendView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.WithinDuration(t, time.Now().Add(defaultEntryDuration), created.Expires, time.Minute)
	assert.NotNil(t, sched.admin.SuspendFor("acme@example.com"))

	rr = do(t, h, http.MethodGet, "/api/admin/suspend", nil)
	var listed []SuspendView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "acme", listed[0].Tenant)

	rr = do(t, h, http.MethodDelete, "/api/admin/suspend/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Nil(t, sched.admin.SuspendFor("acme@example.com"))

	rr = do(t, h, http.MethodDelete, "/api/admin/suspend/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestReadySuspendEndpoints(t *testing.T) {
	ready := &fakeReadyQueues{suspensions: readyqueue.NewSuspensions(nil)}
	s := NewServer(Config{}, newFakeScheduler(), ready, nil)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	h := s.Router()

	rr := do(t, h, http.MethodPost, "/api/admin/suspend-ready-q", map[string]interface{}{
		"name":     "unspecified->mx.example.com",
		"reason":   "remote maintenance",
		"duration": "1h",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created readyqueue.Suspension
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, "unspecified->mx.example.com", created.Name)
	assert.WithinDuration(t, time.Now().Add(time.Hour), created.Expires, time.Minute)

	rr = do(t, h, http.MethodGet, "/api/admin/suspend-ready-q", nil)
	var listed []readyqueue.Suspension
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0].ID)

	rr = do(t, h, http.MethodDelete, "/api/admin/suspend-ready-q/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, ready.Suspensions())

	rr = do(t, h, http.MethodDelete, "/api/admin/suspend-ready-q/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/admin/suspend-ready-q", `{"reason":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReadySuspendUnavailable(t *testing.T) {
	_, _, h := newTestServer(t)
	rr := do(t, h, http.MethodPost, "/api/admin/suspend-ready-q", `{"name":"a->b","reason":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRebindEndpoint(t *testing.T) {
	_, sched, h := newTestServer(t)
	sched.matched = 7

	rr := do(t, h, http.MethodPost, "/api/admin/rebind", map[string]interface{}{
		"domain":       "example.com",
		"data":         map[string]string{"routing_domain": "relay.example.net"},
		"reason":       "relay outage",
		"always_flush": true,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp RebindResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 7, resp.Rebound)
	require.Len(t, sched.rebinds, 1)
	assert.Equal(t, "example.com", sched.rebinds[0].Domain)
	assert.True(t, sched.rebinds[0].AlwaysFlush)
	assert.Equal(t, "relay.example.net", sched.rebinds[0].Data["routing_domain"])

	rr = do(t, h, http.MethodPost, "/api/admin/rebind", `{"domain":"example.com","reason":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestQueuesAndHealth(t *testing.T) {
	_, sched, h := newTestServer(t)
	sched.info = []queue.QueueInfo{
		{Name: "example.com", Size: 4, Config: queue.DefaultQueueConfig()},
		{Name: "acme@example.org", Size: 1, Config: queue.DefaultQueueConfig()},
	}

	rr := do(t, h, http.MethodGet, "/api/queues", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var queues QueuesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &queues))
	assert.Len(t, queues.Scheduled, 2)
	assert.Empty(t, queues.Ready)

	rr = do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var health HealthStats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 2, health.ScheduledQueues)
	assert.Equal(t, 5, health.Scheduled)

	sched.stopping = true
	rr = do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestLogLevelEndpoints(t *testing.T) {
	_, _, h := newTestServer(t)
	lm := logging.GetLevelManager()
	original := lm.GetLevel()
	t.Cleanup(func() { lm.SetLevel(original) })
	lm.SetLevel(slog.LevelInfo)

	rr := do(t, h, http.MethodGet, "/api/logging/level", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp LogLevelResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "INFO", resp.CurrentLevel)

	rr = do(t, h, http.MethodPut, "/api/logging/level", LogLevelRequest{Level: "debug"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, slog.LevelDebug, lm.GetLevel())

	rr = do(t, h, http.MethodPut, "/api/logging/level", LogLevelRequest{Level: "verbose"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, slog.LevelDebug, lm.GetLevel())

	rr = do(t, h, http.MethodDelete, "/api/logging/level", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestThrottleCheckEndpoint(t *testing.T) {
	_, _, h := newTestServer(t)
	key := "api-test-" + uuid.NewString()

	for i := 0; i < 2; i++ {
		rr := do(t, h, http.MethodPost, "/api/throttle/check", ThrottleCheckRequest{Key: key, Spec: "2/min"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var resp ThrottleCheckResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.False(t, resp.Throttled, "request %d", i)
		assert.Equal(t, "2/min", resp.Spec)
	}

	rr := do(t, h, http.MethodPost, "/api/throttle/check", ThrottleCheckRequest{Key: key, Spec: "2/min"})
	var resp ThrottleCheckResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Throttled)
	assert.Greater(t, resp.RetryAfter, 0.0)

	rr = do(t, h, http.MethodPost, "/api/throttle/check", ThrottleCheckRequest{Key: key, Spec: "fast"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/throttle/check", ThrottleCheckRequest{Spec: "1/s"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestThrottleCheckUnavailable(t *testing.T) {
	s := NewServer(Config{}, newFakeScheduler(), nil, nil)
	rr := do(t, s.Router(), http.MethodPost, "/api/throttle/check", ThrottleCheckRequest{Key: "k", Spec: "1/s"})
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, h := newTestServer(t)
	rr := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "go_goroutines"))
}

func TestStartAndStop(t *testing.T) {
	s := NewServer(Config{ListenAddr: "127.0.0.1:0"}, newFakeScheduler(), nil, nil)
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
