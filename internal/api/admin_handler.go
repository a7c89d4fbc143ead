package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/busybox42/egressd/internal/policy"
	"github.com/busybox42/egressd/internal/queue"
	"github.com/busybox42/egressd/internal/readyqueue"
)

// defaultEntryDuration applies to bounce and suspend entries created
// without a duration
const defaultEntryDuration = 5 * time.Minute

// EntryRequest creates a bounce or suspend entry
type EntryRequest struct {
	queue.Criteria
	Reason   string           `json:"reason"`
	Duration *policy.Duration `json:"duration,omitempty"`
}

func (req *EntryRequest) duration() time.Duration {
	if req.Duration == nil || *req.Duration <= 0 {
		return defaultEntryDuration
	}
	return req.Duration.Std()
}

// BounceView is the JSON form of an active bounce entry
type BounceView struct {
	ID uuid.UUID `json:"id"`
	queue.Criteria
	Reason       string         `json:"reason"`
	Expires      time.Time      `json:"expires"`
	Bounced      map[string]int `json:"bounced"`
	TotalBounced int            `json:"total_bounced"`
}

func newBounceView(e *queue.BounceEntry) BounceView {
	return BounceView{
		ID:           e.ID,
		Criteria:     e.Criteria,
		Reason:       e.Reason,
		Expires:      e.Expires,
		Bounced:      e.Bounced(),
		TotalBounced: e.TotalBounced(),
	}
}

// SuspendView is the JSON form of an active suspension
type SuspendView struct {
	ID uuid.UUID `json:"id"`
	queue.Criteria
	Reason  string    `json:"reason"`
	Expires time.Time `json:"expires"`
}

func (s *Server) handleCreateBounce(w http.ResponseWriter, r *http.Request) {
	var req EntryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required", "")
		return
	}

	e := queue.NewBounceEntry(req.Criteria, req.Reason, req.duration())
	n := s.scheduler.BounceAll(r.Context(), e)
	s.logger.Info("Admin bounce installed", "id", e.ID, "reason", e.Reason, "bounced", n)
	writeJSON(w, http.StatusCreated, newBounceView(e))
}

func (s *Server) handleListBounces(w http.ResponseWriter, r *http.Request) {
	entries := s.scheduler.Admin().Bounces()
	out := make([]BounceView, 0, len(entries))
	for _, e := range entries {
		out = append(out, newBounceView(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteBounce(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(w, r)
	if !ok {
		return
	}
	if !s.scheduler.Admin().RemoveBounce(id) {
		writeError(w, http.StatusNotFound, "bounce entry not found", id.String())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateSuspend(w http.ResponseWriter, r *http.Request) {
	var req EntryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required", "")
		return
	}

	e := queue.NewSuspendEntry(req.Criteria, req.Reason, req.duration())
	s.scheduler.Suspend(e)
	s.logger.Info("Admin suspension installed", "id", e.ID, "reason", e.Reason, "expires", e.Expires)
	writeJSON(w, http.StatusCreated, SuspendView{ID: e.ID, Criteria: e.Criteria, Reason: e.Reason, Expires: e.Expires})
}

func (s *Server) handleListSuspends(w http.ResponseWriter, r *http.Request) {
	entries := s.scheduler.Admin().Suspends()
	out := make([]SuspendView, 0, len(entries))
	for _, e := range entries {
		out = append(out, SuspendView{ID: e.ID, Criteria: e.Criteria, Reason: e.Reason, Expires: e.Expires})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSuspend(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(w, r)
	if !ok {
		return
	}
	if !s.scheduler.Resume(id) {
		writeError(w, http.StatusNotFound, "suspension not found", id.String())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReadySuspendRequest suspends one ready queue, named "source->site"
type ReadySuspendRequest struct {
	Name     string           `json:"name"`
	Reason   string           `json:"reason"`
	Duration *policy.Duration `json:"duration,omitempty"`
}

func (s *Server) handleCreateReadySuspend(w http.ResponseWriter, r *http.Request) {
	if s.ready == nil {
		writeError(w, http.StatusServiceUnavailable, "ready queues unavailable", "")
		return
	}
	var req ReadySuspendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch {
	case req.Name == "":
		writeError(w, http.StatusBadRequest, "name is required", "")
		return
	case req.Reason == "":
		writeError(w, http.StatusBadRequest, "reason is required", "")
		return
	}
	d := defaultEntryDuration
	if req.Duration != nil && *req.Duration > 0 {
		d = req.Duration.Std()
	}

	e := s.ready.Suspend(req.Name, req.Reason, d)
	s.logger.Info("Ready queue suspension installed", "id", e.ID, "queue", e.Name, "reason", e.Reason, "expires", e.Expires)
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleListReadySuspends(w http.ResponseWriter, r *http.Request) {
	if s.ready == nil {
		writeJSON(w, http.StatusOK, []readyqueue.Suspension{})
		return
	}
	writeJSON(w, http.StatusOK, s.ready.Suspensions())
}

func (s *Server) handleDeleteReadySuspend(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(w, r)
	if !ok {
		return
	}
	if s.ready == nil || !s.ready.Resume(id) {
		writeError(w, http.StatusNotFound, "ready queue suspension not found", id.String())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RebindResponse reports how many messages were moved
type RebindResponse struct {
	Rebound int `json:"rebound"`
}

func (s *Server) handleRebind(w http.ResponseWriter, r *http.Request) {
	var req queue.RebindRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "data is required", "")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required", "")
		return
	}

	n := s.scheduler.Rebind(r.Context(), req)
	s.logger.Info("Admin rebind", "reason", req.Reason, "rebound", n)
	writeJSON(w, http.StatusOK, RebindResponse{Rebound: n})
}

func entryID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entry id", err.Error())
		return uuid.UUID{}, false
	}
	return id, true
}
