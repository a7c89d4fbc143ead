// Package metrics exposes the Prometheus instruments of the dispatch engine.
package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// Queue metrics
	ScheduledQueueSize *prometheus.GaugeVec
	ReadyQueueSize     *prometheus.GaugeVec
	ScheduledQueues    prometheus.Gauge
	ReadyQueues        prometheus.Gauge

	// Connection metrics
	ConnectionsActive  *prometheus.GaugeVec
	ConnectionAttempts *prometheus.CounterVec
	ConnectionFailures *prometheus.CounterVec
	BreakerTrips       *prometheus.CounterVec

	// Disposition metrics
	Received         prometheus.Counter
	Delivered        *prometheus.CounterVec
	TransientFailure *prometheus.CounterVec
	Failed           *prometheus.CounterVec
	Expired          prometheus.Counter
	DeliveryDuration *prometheus.HistogramVec

	// Throttle metrics
	ThrottleChecks *prometheus.CounterVec
	ThrottleDelay  *prometheus.HistogramVec
}

// Get returns the singleton metrics instance
func Get() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	return &Metrics{
		Received: promauto.NewCounter(prometheus.CounterOpts{
			Name: "egressd_received_total",
			Help: "Messages accepted for delivery",
		}),
		ScheduledQueueSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "egressd_scheduled_queue_size",
			Help: "Number of messages in a scheduled queue",
		}, []string{"queue"}),
		ReadyQueueSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "egressd_ready_queue_size",
			Help: "Number of messages in a ready queue",
		}, []string{"path"}),
		ScheduledQueues: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "egressd_scheduled_queues",
			Help: "Number of live scheduled queues",
		}),
		ReadyQueues: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "egressd_ready_queues",
			Help: "Number of live ready queues",
		}),

		ConnectionsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "egressd_connections_active",
			Help: "Number of active dispatcher connections per egress path",
		}, []string{"path"}),
		ConnectionAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "egressd_connection_attempts_total",
			Help: "Total number of outbound connection attempts",
		}, []string{"path"}),
		ConnectionFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "egressd_connection_failures_total",
			Help: "Total number of connection cycles that exhausted every host",
		}, []string{"path"}),
		BreakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "egressd_breaker_trips_total",
			Help: "Total number of times a ready queue was delayed after consecutive connection failures",
		}, []string{"path"}),

		Delivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "egressd_messages_delivered_total",
			Help: "Total number of messages delivered",
		}, []string{"path"}),
		TransientFailure: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "egressd_messages_transient_failure_total",
			Help: "Total number of transient delivery failures",
		}, []string{"path"}),
		Failed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "egressd_messages_failed_total",
			Help: "Total number of messages permanently failed",
		}, []string{"path"}),
		Expired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "egressd_messages_expired_total",
			Help: "Total number of messages expired",
		}),
		DeliveryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "egressd_delivery_duration_seconds",
			Help:    "Duration of a single message transaction",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),

		ThrottleChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "egressd_throttle_checks_total",
			Help: "Total number of throttle checks by store and outcome",
		}, []string{"store", "outcome"}),
		ThrottleDelay: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "egressd_throttle_delay_seconds",
			Help:    "Delay imposed by throttles",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 3600},
		}, []string{"kind"}),
	}
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer serves /metrics on a dedicated listener
func StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Default().With("component", "metrics").Error("Metrics server error", "error", err)
		}
	}()

	return server
}
