package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/busybox42/egressd/internal/metrics"
	"github.com/busybox42/egressd/internal/queue"
	"github.com/busybox42/egressd/internal/readyqueue"
	"github.com/busybox42/egressd/internal/throttle"
)

// maxBodySize bounds admin request bodies
const maxBodySize = 1 << 20

// Scheduler is the part of the scheduled queue manager the admin API
// drives
type Scheduler interface {
	Admin() *queue.Admin
	Info() []queue.QueueInfo
	BounceAll(ctx context.Context, e *queue.BounceEntry) int
	Suspend(e *queue.SuspendEntry)
	Resume(id uuid.UUID) bool
	Rebind(ctx context.Context, req queue.RebindRequest) int
	ShuttingDown() bool
}

// ReadyQueues lists the live ready queues and manages their suspensions
type ReadyQueues interface {
	Queues() []*readyqueue.Queue
	Suspend(name, reason string, d time.Duration) readyqueue.Suspension
	Suspensions() []readyqueue.Suspension
	Resume(id uuid.UUID) bool
}

// Throttler evaluates a throttle spec against a key
type Throttler interface {
	CheckQuantity(ctx context.Context, key string, spec throttle.Spec, quantity uint64) (throttle.Result, error)
}

// Config represents admin API configuration
type Config struct {
	ListenAddr string          `toml:"-" json:"listen_addr"`
	RateLimit  RateLimitConfig `toml:"rate_limit" json:"rate_limit"`
	CORS       CORSConfig      `toml:"cors" json:"cors"`
}

// Server is the admin HTTP API
type Server struct {
	config     Config
	scheduler  Scheduler
	ready      ReadyQueues
	throttles  Throttler
	httpServer *http.Server
	listener   net.Listener

	rateLimiter    *RateLimitMiddleware
	corsMiddleware *CORSMiddleware
	logger         *slog.Logger
	started        time.Time
}

// NewServer creates the admin API. ready and throttles may be nil, which
// disables the parts of the API that need them.
func NewServer(config Config, scheduler Scheduler, ready ReadyQueues, throttles Throttler) *Server {
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:8025"
	}
	return &Server{
		config:         config,
		scheduler:      scheduler,
		ready:          ready,
		throttles:      throttles,
		rateLimiter:    NewRateLimitMiddleware(config.RateLimit),
		corsMiddleware: NewCORSMiddleware(config.CORS),
		logger:         slog.Default().With("component", "admin-api"),
		started:        time.Now(),
	}
}

// Router builds the route table
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware.Handler)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(s.rateLimiter.Limit)

	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/queues", s.handleQueues).Methods("GET")
	api.HandleFunc("/logging/level", s.HandleGetLogLevel).Methods("GET")
	api.HandleFunc("/logging/level", s.HandleSetLogLevel).Methods("POST", "PUT")
	api.HandleFunc("/throttle/check", s.handleThrottleCheck).Methods("POST")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/bounce", s.handleCreateBounce).Methods("POST")
	admin.HandleFunc("/bounce", s.handleListBounces).Methods("GET")
	admin.HandleFunc("/bounce/{id}", s.handleDeleteBounce).Methods("DELETE")
	admin.HandleFunc("/suspend", s.handleCreateSuspend).Methods("POST")
	admin.HandleFunc("/suspend", s.handleListSuspends).Methods("GET")
	admin.HandleFunc("/suspend/{id}", s.handleDeleteSuspend).Methods("DELETE")
	admin.HandleFunc("/rebind", s.handleRebind).Methods("POST")
	admin.HandleFunc("/suspend-ready-q", s.handleCreateReadySuspend).Methods("POST")
	admin.HandleFunc("/suspend-ready-q", s.handleListReadySuspends).Methods("GET")
	admin.HandleFunc("/suspend-ready-q/{id}", s.handleDeleteReadySuspend).Methods("DELETE")

	return r
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("admin API listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	go func() {
		s.logger.Info("Starting admin API", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.ListenAddr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting for active requests until ctx ends
func (s *Server) Stop(ctx context.Context) error {
	s.rateLimiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message, details string) {
	body := map[string]interface{}{
		"error":  message,
		"status": status,
	}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

// decodeBody decodes a JSON request body, rejecting unknown fields
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return false
	}
	return true
}
