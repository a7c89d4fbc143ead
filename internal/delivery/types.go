package delivery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/busybox42/egressd/internal/policy"
)

// Phase names one step of an SMTP transaction
type Phase string

const (
	PhaseConnect  Phase = "connect"
	PhaseEHLO     Phase = "ehlo"
	PhaseSTARTTLS Phase = "starttls"
	PhaseMailFrom Phase = "mail_from"
	PhaseRcptTo   Phase = "rcpt_to"
	PhaseData     Phase = "data"
	PhaseDataDot  Phase = "data_dot"
	PhaseRset     Phase = "rset"
	PhaseQuit     Phase = "quit"
)

// Response is an SMTP reply, or a synthesized one for local decisions
type Response struct {
	Code     int    `json:"code"`
	Enhanced string `json:"enhanced_code,omitempty"`
	Content  string `json:"content"`
	Command  string `json:"command,omitempty"`
}

// NewResponse builds a response from its parts
func NewResponse(code int, enhanced, content string) Response {
	return Response{Code: code, Enhanced: enhanced, Content: content}
}

// IsSuccess reports a 2xx reply
func (r Response) IsSuccess() bool { return r.Code >= 200 && r.Code < 300 }

// IsTransient reports a 4xx reply
func (r Response) IsTransient() bool { return r.Code >= 400 && r.Code < 500 }

// IsPermanent reports a 5xx reply
func (r Response) IsPermanent() bool { return r.Code >= 500 && r.Code < 600 }

func (r Response) String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(r.Code))
	if r.Enhanced != "" {
		b.WriteByte(' ')
		b.WriteString(r.Enhanced)
	}
	if r.Content != "" {
		b.WriteByte(' ')
		b.WriteString(r.Content)
	}
	return b.String()
}

// ResponseError is a non-success SMTP reply returned as an error
type ResponseError struct {
	Response Response
}

func (e *ResponseError) Error() string { return e.Response.String() }

// Transient reports whether the reply is a 4xx
func (e *ResponseError) Transient() bool { return e.Response.IsTransient() }

// Permanent reports whether the reply is a 5xx
func (e *ResponseError) Permanent() bool { return e.Response.IsPermanent() }

// ConnectionError is a connection-level failure: network errors, timeouts,
// TLS failures and unusable hosts. The session cannot be reused.
type ConnectionError struct {
	Phase Phase
	Host  string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Host, e.Phase, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Host is one candidate address of a destination site
type Host struct {
	Name string     `json:"name"`
	Addr netip.Addr `json:"addr"`
}

// Address returns host:port for dialing
func (h Host) Address(port uint16) string {
	return net.JoinHostPort(h.Addr.String(), strconv.Itoa(int(port)))
}

func (h Host) String() string {
	if h.Name == "" {
		return h.Addr.String()
	}
	return h.Name + "/" + h.Addr.String()
}

// Envelope is what a transport needs to send one message
type Envelope struct {
	ID         string
	Sender     string
	Recipients []string
	Data       []byte
}

// Dialer opens outbound connections; egress sources implement it
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ConnectParams describes one connection attempt
type ConnectParams struct {
	Host       Host
	Port       uint16
	Dialer     Dialer
	EHLODomain string
	TLS        TLSMode
	// TLSServerName overrides the name verified during STARTTLS
	TLSServerName string
	Timeouts      Timeouts
}

// BatchResult is the outcome of one envelope of a batch
type BatchResult struct {
	Response Response
	Err      error
}

// Transport delivers messages over one connection
type Transport interface {
	Connect(ctx context.Context, p ConnectParams) error
	SendOne(ctx context.Context, env Envelope) (Response, error)
	SendBatch(ctx context.Context, envs []Envelope) ([]BatchResult, error)
	Close() error
}

// TransportFactory creates an unconnected transport
type TransportFactory func() Transport

// Timeouts bounds each phase of a transaction
type Timeouts struct {
	Connect  policy.Duration `toml:"connect_timeout" json:"connect_timeout"`
	EHLO     policy.Duration `toml:"ehlo_timeout" json:"ehlo_timeout"`
	MailFrom policy.Duration `toml:"mail_from_timeout" json:"mail_from_timeout"`
	RcptTo   policy.Duration `toml:"rcpt_to_timeout" json:"rcpt_to_timeout"`
	Data     policy.Duration `toml:"data_timeout" json:"data_timeout"`
	DataDot  policy.Duration `toml:"data_dot_timeout" json:"data_dot_timeout"`
	Rset     policy.Duration `toml:"rset_timeout" json:"rset_timeout"`
	Idle     policy.Duration `toml:"idle_timeout" json:"idle_timeout"`
	STARTTLS policy.Duration `toml:"starttls_timeout" json:"starttls_timeout"`
	Auth     policy.Duration `toml:"auth_timeout" json:"auth_timeout"`
}

// DefaultTimeouts returns the standard phase timeouts
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:  policy.Duration(60 * time.Second),
		EHLO:     policy.Duration(300 * time.Second),
		MailFrom: policy.Duration(300 * time.Second),
		RcptTo:   policy.Duration(300 * time.Second),
		Data:     policy.Duration(300 * time.Second),
		DataDot:  policy.Duration(300 * time.Second),
		Rset:     policy.Duration(5 * time.Second),
		Idle:     policy.Duration(5 * time.Second),
		STARTTLS: policy.Duration(5 * time.Second),
		Auth:     policy.Duration(60 * time.Second),
	}
}

// Total is the sum of all phase timeouts
func (t Timeouts) Total() time.Duration {
	return t.Connect.Std() + t.EHLO.Std() + t.MailFrom.Std() + t.RcptTo.Std() +
		t.Data.Std() + t.DataDot.Std() + t.Rset.Std() + t.Idle.Std() +
		t.STARTTLS.Std() + t.Auth.Std()
}

// TLSMode is the STARTTLS policy for a path
type TLSMode string

const (
	TLSOpportunistic         TLSMode = "Opportunistic"
	TLSOpportunisticInsecure TLSMode = "OpportunisticInsecure"
	TLSRequired              TLSMode = "Required"
	TLSRequiredInsecure      TLSMode = "RequiredInsecure"
	TLSDisabled              TLSMode = "Disabled"
)

// IsRequired reports whether a host without STARTTLS is unusable
func (m TLSMode) IsRequired() bool {
	return m == TLSRequired || m == TLSRequiredInsecure
}

// IsInsecure reports whether certificate verification is skipped
func (m TLSMode) IsInsecure() bool {
	return m == TLSOpportunisticInsecure || m == TLSRequiredInsecure
}

// Enabled reports whether STARTTLS is attempted at all
func (m TLSMode) Enabled() bool {
	return m != TLSDisabled
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *TLSMode) UnmarshalText(text []byte) error {
	switch v := TLSMode(text); v {
	case TLSOpportunistic, TLSOpportunisticInsecure, TLSRequired, TLSRequiredInsecure, TLSDisabled:
		*m = v
		return nil
	case "":
		*m = TLSOpportunistic
		return nil
	default:
		return fmt.Errorf("invalid enable_tls value %q", string(text))
	}
}
