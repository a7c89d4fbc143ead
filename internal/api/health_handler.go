package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/busybox42/egressd/internal/queue"
)

// HealthStats is the /health response
type HealthStats struct {
	Status          string `json:"status"`
	Uptime          string `json:"uptime"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	ScheduledQueues int    `json:"scheduled_queues"`
	Scheduled       int    `json:"scheduled_messages"`
	ReadyQueues     int    `json:"ready_queues"`
	Ready           int    `json:"ready_messages"`
	Goroutines      int    `json:"goroutines"`
}

// ReadyQueueInfo summarizes one ready queue
type ReadyQueueInfo struct {
	Name        string `json:"name"`
	Domain      string `json:"domain"`
	Source      string `json:"source"`
	Site        string `json:"site"`
	Size        int    `json:"size"`
	Connections int    `json:"connections"`
	Limit       int    `json:"connection_limit"`
	Breaker     string `json:"breaker"`
}

// QueuesResponse is the /api/queues response
type QueuesResponse struct {
	Scheduled []queue.QueueInfo `json:"scheduled"`
	Ready     []ReadyQueueInfo  `json:"ready"`
}

func (s *Server) readyInfo() []ReadyQueueInfo {
	out := []ReadyQueueInfo{}
	if s.ready == nil {
		return out
	}
	for _, q := range s.ready.Queues() {
		key := q.Key()
		out = append(out, ReadyQueueInfo{
			Name:        q.Name(),
			Domain:      key.Domain,
			Source:      key.Source,
			Site:        key.Site,
			Size:        q.Len(),
			Connections: q.Active(),
			Limit:       q.Config().ConnectionLimit,
			Breaker:     q.BreakerState(),
		})
	}
	return out
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	scheduled := s.scheduler.Info()
	if scheduled == nil {
		scheduled = []queue.QueueInfo{}
	}
	writeJSON(w, http.StatusOK, QueuesResponse{Scheduled: scheduled, Ready: s.readyInfo()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.started)
	stats := HealthStats{
		Status:        "ok",
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}
	for _, q := range s.scheduler.Info() {
		stats.ScheduledQueues++
		stats.Scheduled += q.Size
	}
	for _, q := range s.readyInfo() {
		stats.ReadyQueues++
		stats.Ready += q.Size
	}

	status := http.StatusOK
	if s.scheduler.ShuttingDown() {
		stats.Status = "shutting_down"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, stats)
}
