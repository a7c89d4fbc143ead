package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/busybox42/egressd/internal/delivery"
	"github.com/busybox42/egressd/internal/message"
)

// RecordType classifies a disposition record
type RecordType string

const (
	Reception        RecordType = "Reception"
	Delivery         RecordType = "Delivery"
	Bounce           RecordType = "Bounce"
	TransientFailure RecordType = "TransientFailure"
	Expiration       RecordType = "Expiration"
	AdminBounce      RecordType = "AdminBounce"
	AdminRebind      RecordType = "AdminRebind"
	Delayed          RecordType = "Delayed"
)

// Disposition describes one lifecycle event of a message
type Disposition struct {
	Type     RecordType
	Message  *message.Message
	Queue    string
	Site     string
	Egress   string
	Peer     string
	Response delivery.Response
	Reason   string
	NextDue  time.Time
	TLS      bool
}

// DispositionLogger writes one structured record per lifecycle event and
// forwards it to registered observers
type DispositionLogger struct {
	logger    *slog.Logger
	now       func() time.Time
	mu        sync.RWMutex
	observers []func(Disposition)
}

// NewDispositionLogger creates a logger writing to logger; nil means the
// default logger
func NewDispositionLogger(logger *slog.Logger) *DispositionLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &DispositionLogger{
		logger: logger.With("component", "disposition"),
		now:    time.Now,
	}
}

// OnRecord registers fn to receive every record after it is logged
func (d *DispositionLogger) OnRecord(fn func(Disposition)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// Log emits rec
func (d *DispositionLogger) Log(rec Disposition) {
	now := d.now()
	level := slog.LevelInfo
	switch rec.Type {
	case Bounce, Expiration, AdminBounce:
		level = slog.LevelWarn
	case TransientFailure:
		if rec.Response.IsPermanent() {
			level = slog.LevelWarn
		}
	}

	attrs := []any{
		"event_type", string(rec.Type),
		"queue", rec.Queue,
	}
	if m := rec.Message; m != nil {
		attrs = append(attrs,
			"message_id", m.ID(),
			"from", m.Sender(),
			"to", m.Recipients(),
			"recipient_count", len(m.Recipients()),
			"num_attempts", m.Attempts(),
			"age_ms", m.Age(now).Milliseconds(),
		)
	}
	if rec.Site != "" {
		attrs = append(attrs, "site", rec.Site)
	}
	if rec.Egress != "" {
		attrs = append(attrs, "egress_source", rec.Egress)
	}
	if rec.Peer != "" {
		attrs = append(attrs, "peer_address", rec.Peer, "tls", rec.TLS)
	}
	if rec.Response.Code != 0 {
		attrs = append(attrs,
			"response_code", rec.Response.Code,
			"response_enhanced", rec.Response.Enhanced,
			"response_content", sanitize(rec.Response.Content),
		)
		if rec.Response.Command != "" {
			attrs = append(attrs, "response_command", rec.Response.Command)
		}
	}
	if rec.Reason != "" {
		attrs = append(attrs, "reason", rec.Reason)
	}
	if !rec.NextDue.IsZero() {
		attrs = append(attrs,
			"next_due", rec.NextDue.UTC().Format(time.RFC3339),
			"next_due_in_seconds", int(rec.NextDue.Sub(now).Seconds()),
		)
	}

	d.logger.Log(context.Background(), level, "message_"+string(rec.Type), attrs...)

	d.mu.RLock()
	observers := d.observers
	d.mu.RUnlock()
	for _, fn := range observers {
		fn(rec)
	}
}
