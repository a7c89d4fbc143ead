// Package message provides the message handle moved between queues
package message

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known metadata keys
const (
	MetaQueue         = "queue"
	MetaTenant        = "tenant"
	MetaCampaign      = "campaign"
	MetaRoutingDomain = "routing_domain"
)

// ErrNoRecipients is returned when a queue name is requested for a message
// without recipients
var ErrNoRecipients = errors.New("message has no recipients")

// Scheduling holds per-message overrides of the queue's retry schedule
type Scheduling struct {
	FirstAttempt *time.Time `json:"first_attempt,omitempty"`
	Expires      *time.Time `json:"expires,omitempty"`
}

// IsZero reports whether no override is set
func (s Scheduling) IsZero() bool {
	return s.FirstAttempt == nil && s.Expires == nil
}

// DataLoader reloads a message body that was released from memory
type DataLoader interface {
	LoadData(ctx context.Context, id string) ([]byte, error)
}

// Message is the handle for one queued message. A handle is owned by
// exactly one queue at a time; all fields are guarded by its mutex.
type Message struct {
	mu         sync.Mutex
	id         string
	sender     string
	recipients []string
	meta       map[string]string
	attempts   uint16
	created    time.Time
	due        time.Time
	scheduling Scheduling
	data       []byte
}

// New creates a message due now
func New(sender string, recipients []string, data []byte) *Message {
	now := time.Now()
	return &Message{
		id:         uuid.New().String(),
		sender:     sender,
		recipients: append([]string(nil), recipients...),
		meta:       make(map[string]string),
		created:    now,
		due:        now,
		data:       data,
	}
}

// Record is the persisted form of a message's envelope and state
type Record struct {
	ID         string            `json:"id"`
	Sender     string            `json:"sender"`
	Recipients []string          `json:"recipients"`
	Meta       map[string]string `json:"meta,omitempty"`
	Attempts   uint16            `json:"attempts"`
	Created    time.Time         `json:"created"`
	Due        time.Time         `json:"due"`
	Scheduling Scheduling        `json:"scheduling,omitempty"`
}

// FromRecord restores a handle without its body
func FromRecord(rec Record) *Message {
	meta := make(map[string]string, len(rec.Meta))
	maps.Copy(meta, rec.Meta)
	return &Message{
		id:         rec.ID,
		sender:     rec.Sender,
		recipients: append([]string(nil), rec.Recipients...),
		meta:       meta,
		attempts:   rec.Attempts,
		created:    rec.Created,
		due:        rec.Due,
		scheduling: rec.Scheduling,
	}
}

// Record returns the persisted form of the message
func (m *Message) Record() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Record{
		ID:         m.id,
		Sender:     m.sender,
		Recipients: append([]string(nil), m.recipients...),
		Meta:       maps.Clone(m.meta),
		Attempts:   m.attempts,
		Created:    m.created,
		Due:        m.due,
		Scheduling: m.scheduling,
	}
}

// ID returns the message id
func (m *Message) ID() string { return m.id }

// Sender returns the envelope sender
func (m *Message) Sender() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sender
}

// Recipients returns a copy of the envelope recipients
func (m *Message) Recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.recipients...)
}

// Meta returns a metadata value
func (m *Message) Meta(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.meta[key]
	return v, ok
}

// SetMeta sets a metadata value; an empty value deletes the key
func (m *Message) SetMeta(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == "" {
		delete(m.meta, key)
		return
	}
	m.meta[key] = value
}

// MetaSnapshot returns a copy of all metadata
func (m *Message) MetaSnapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.meta)
}

// Attempts returns the number of failed delivery attempts so far
func (m *Message) Attempts() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// IncrementAttempts adds one attempt, saturating at the type's maximum
func (m *Message) IncrementAttempts() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts < ^uint16(0) {
		m.attempts++
	}
	return m.attempts
}

// SetAttempts replaces the attempt counter
func (m *Message) SetAttempts(n uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = n
}

// Created returns the creation time
func (m *Message) Created() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

// Age returns how long ago the message was created, as of now
func (m *Message) Age(now time.Time) time.Duration {
	return now.Sub(m.Created())
}

// Due returns the next attempt time
func (m *Message) Due() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.due
}

// SetDue replaces the next attempt time
func (m *Message) SetDue(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.due = t
}

// Scheduling returns the scheduling overrides
func (m *Message) Scheduling() Scheduling {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduling
}

// SetScheduling installs scheduling overrides. A first attempt time moves
// the due time forward.
func (m *Message) SetScheduling(s Scheduling) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduling = s
	if s.FirstAttempt != nil && s.FirstAttempt.After(m.due) {
		m.due = *s.FirstAttempt
	}
}

// ClearScheduling removes all scheduling overrides
func (m *Message) ClearScheduling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduling = Scheduling{}
}

// Expires returns the per-message expiry, if any
func (m *Message) Expires() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scheduling.Expires == nil {
		return time.Time{}, false
	}
	return *m.scheduling.Expires, true
}

// Data returns the in-memory body, if loaded
func (m *Message) Data() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data, m.data != nil
}

// SetData replaces the body
func (m *Message) SetData(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
}

// Shrink releases the in-memory body; it must already be persisted
func (m *Message) Shrink() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
}

// LoadData returns the body, reloading it through loader when released
func (m *Message) LoadData(ctx context.Context, loader DataLoader) ([]byte, error) {
	if data, ok := m.Data(); ok {
		return data, nil
	}
	if loader == nil {
		return nil, fmt.Errorf("message %s: body not loaded", m.id)
	}
	data, err := loader.LoadData(ctx, m.id)
	if err != nil {
		return nil, fmt.Errorf("message %s: load body: %w", m.id, err)
	}
	m.SetData(data)
	return data, nil
}

// RecipientDomain returns the domain part of the first recipient
func (m *Message) RecipientDomain() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.recipients) == 0 {
		return "", ErrNoRecipients
	}
	rcpt := m.recipients[0]
	at := strings.LastIndexByte(rcpt, '@')
	if at < 0 || at == len(rcpt)-1 {
		return "", fmt.Errorf("recipient %q has no domain", rcpt)
	}
	return rcpt[at+1:], nil
}

// QueueName returns the scheduled queue this message belongs to. The
// "queue" metadata key overrides the computed name verbatim.
func (m *Message) QueueName() (string, error) {
	if q, ok := m.Meta(MetaQueue); ok {
		return q, nil
	}
	key, err := m.queueKey()
	if err != nil {
		return "", err
	}
	return key.String(), nil
}

// QueueKey returns the components of the message's queue name
func (m *Message) QueueKey() (QueueName, error) {
	if q, ok := m.Meta(MetaQueue); ok {
		return ParseQueueName(q), nil
	}
	return m.queueKey()
}

func (m *Message) queueKey() (QueueName, error) {
	domain, err := m.RecipientDomain()
	if err != nil {
		return QueueName{}, err
	}
	meta := m.MetaSnapshot()
	return NewQueueName(meta[MetaCampaign], meta[MetaTenant], domain, meta[MetaRoutingDomain])
}
