package api

import (
	"net/http"

	"github.com/busybox42/egressd/internal/logging"
)

// LogLevelRequest represents a log level change request
type LogLevelRequest struct {
	Level string `json:"level"`
}

// LogLevelResponse represents a log level response
type LogLevelResponse struct {
	CurrentLevel string `json:"current_level"`
	Message      string `json:"message,omitempty"`
}

// HandleGetLogLevel returns the current log level
func (s *Server) HandleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	level := logging.GetLevelManager().GetLevel()
	writeJSON(w, http.StatusOK, LogLevelResponse{CurrentLevel: logging.LevelToString(level)})
}

// HandleSetLogLevel changes the log level at runtime
func (s *Server) HandleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Level == "" {
		writeError(w, http.StatusBadRequest, "level is required", "")
		return
	}

	level, err := logging.StringToLevel(req.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid log level. Valid levels: DEBUG, INFO, WARN, ERROR", req.Level)
		return
	}
	logging.GetLevelManager().SetLevel(level)
	s.logger.Info("Log level changed", "level", logging.LevelToString(level))

	writeJSON(w, http.StatusOK, LogLevelResponse{
		CurrentLevel: logging.LevelToString(level),
		Message:      "Log level updated successfully",
	})
}
