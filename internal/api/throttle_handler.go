package api

import (
	"net/http"

	"github.com/busybox42/egressd/internal/throttle"
)

// ThrottleCheckRequest consumes Quantity units of Key under Spec; zero
// means one
type ThrottleCheckRequest struct {
	Key      string `json:"key"`
	Spec     string `json:"spec"`
	Quantity uint64 `json:"quantity,omitempty"`
}

// ThrottleCheckResponse reports the admission decision
type ThrottleCheckResponse struct {
	Key        string  `json:"key"`
	Spec       string  `json:"spec"`
	Throttled  bool    `json:"throttled"`
	Limit      uint64  `json:"limit"`
	Remaining  uint64  `json:"remaining"`
	ResetAfter float64 `json:"reset_after_seconds"`
	RetryAfter float64 `json:"retry_after_seconds"`
}

func (s *Server) handleThrottleCheck(w http.ResponseWriter, r *http.Request) {
	if s.throttles == nil {
		writeError(w, http.StatusNotImplemented, "throttle checks are not available", "")
		return
	}

	var req ThrottleCheckRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required", "")
		return
	}
	spec, err := throttle.ParseSpec(req.Spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid throttle spec", err.Error())
		return
	}

	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	res, err := s.throttles.CheckQuantity(r.Context(), req.Key, spec, quantity)
	if err != nil {
		writeError(w, http.StatusBadGateway, "throttle store error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ThrottleCheckResponse{
		Key:        req.Key,
		Spec:       spec.String(),
		Throttled:  res.Throttled,
		Limit:      res.Limit,
		Remaining:  res.Remaining,
		ResetAfter: res.ResetAfter.Seconds(),
		RetryAfter: res.RetryAfter.Seconds(),
	})
}
