package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
)

var (
	// ErrNotConnected is returned when sending on a closed transport
	ErrNotConnected = errors.New("transport is not connected")

	// ErrSTARTTLSUnavailable marks a host that does not offer STARTTLS
	// while the path requires it
	ErrSTARTTLSUnavailable = errors.New("STARTTLS required but not advertised")
)

// SMTPTransport delivers over a single SMTP session
type SMTPTransport struct {
	logger   *slog.Logger
	conn     net.Conn
	client   *smtp.Client
	host     Host
	timeouts Timeouts
	tls      bool
}

// NewSMTPTransport creates an unconnected SMTP transport
func NewSMTPTransport() *SMTPTransport {
	return &SMTPTransport{
		logger: slog.Default().With("component", "smtp-transport"),
	}
}

// SMTPTransportFactory returns a factory of SMTP transports
func SMTPTransportFactory() TransportFactory {
	return func() Transport { return NewSMTPTransport() }
}

// Connect dials the host, reads the banner, sends EHLO and negotiates
// STARTTLS according to the TLS mode. Opportunistic modes fall back to a
// plaintext session when STARTTLS is missing or fails.
func (t *SMTPTransport) Connect(ctx context.Context, p ConnectParams) error {
	if t.client != nil {
		t.Close()
	}
	if p.Dialer == nil {
		p.Dialer = &net.Dialer{}
	}
	if p.EHLODomain == "" {
		p.EHLODomain = "localhost"
	}

	if p.TLS.Enabled() {
		err := t.connectStartTLS(ctx, p)
		if err == nil {
			return nil
		}
		var connErr *ConnectionError
		if p.TLS.IsRequired() || ctx.Err() != nil ||
			(errors.As(err, &connErr) && connErr.Phase == PhaseConnect) {
			return err
		}
		t.logger.Debug("STARTTLS unavailable, retrying in plaintext",
			"host", p.Host.String(),
			"error", err)
	}
	return t.connectPlain(ctx, p)
}

func (t *SMTPTransport) dial(ctx context.Context, p ConnectParams) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.Timeouts.Connect.Std())
	defer cancel()
	conn, err := p.Dialer.DialContext(dialCtx, "tcp", p.Host.Address(p.Port))
	if err != nil {
		return nil, &ConnectionError{Phase: PhaseConnect, Host: p.Host.String(), Err: err}
	}
	return conn, nil
}

func (t *SMTPTransport) connectPlain(ctx context.Context, p ConnectParams) error {
	conn, err := t.dial(ctx, p)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	client := smtp.NewClient(conn)
	client.CommandTimeout = p.Timeouts.EHLO.Std()
	if err := client.Hello(p.EHLODomain); err != nil {
		client.Close()
		return &ConnectionError{Phase: PhaseEHLO, Host: p.Host.String(), Err: err}
	}
	t.attach(conn, client, p, false)
	return nil
}

// connectStartTLS greets the host, upgrades the session and repeats EHLO
// under TLS. The client library sends the first EHLO itself, so the whole
// exchange is bounded by closing the connection at the deadline.
func (t *SMTPTransport) connectStartTLS(ctx context.Context, p ConnectParams) error {
	conn, err := t.dial(ctx, p)
	if err != nil {
		return err
	}
	hostLabel := p.Host.String()

	hsCtx, cancel := context.WithTimeout(ctx, p.Timeouts.EHLO.Std()+p.Timeouts.STARTTLS.Std())
	defer cancel()
	stop := context.AfterFunc(hsCtx, func() { conn.Close() })

	serverName := p.TLSServerName
	if serverName == "" {
		serverName = strings.TrimSuffix(p.Host.Name, ".")
	}
	client, err := smtp.NewClientStartTLS(conn, &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: p.TLS.IsInsecure(),
		MinVersion:         tls.VersionTLS12,
	})
	if err != nil {
		stop()
		conn.Close()
		if strings.Contains(err.Error(), "doesn't support STARTTLS") {
			err = ErrSTARTTLSUnavailable
		}
		return &ConnectionError{Phase: PhaseSTARTTLS, Host: hostLabel, Err: err}
	}

	// the handshake runs with the first command sent over TLS
	client.CommandTimeout = p.Timeouts.EHLO.Std()
	if err := client.Hello(p.EHLODomain); err != nil {
		stop()
		client.Close()
		phase := PhaseSTARTTLS
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			phase = PhaseEHLO
		}
		return &ConnectionError{Phase: phase, Host: hostLabel, Err: err}
	}
	if !stop() {
		client.Close()
		return &ConnectionError{Phase: PhaseSTARTTLS, Host: hostLabel, Err: hsCtx.Err()}
	}

	_, usingTLS := client.TLSConnectionState()
	t.attach(conn, client, p, usingTLS)
	return nil
}

func (t *SMTPTransport) attach(conn net.Conn, client *smtp.Client, p ConnectParams, usingTLS bool) {
	t.conn = conn
	t.client = client
	t.host = p.Host
	t.timeouts = p.Timeouts
	t.tls = usingTLS

	t.logger.Debug("Connected",
		"host", p.Host.String(),
		"tls", usingTLS,
		"ehlo", p.EHLODomain)
}

// SendOne runs one MAIL/RCPT/DATA transaction. A returned error means the
// session is unusable; otherwise the response carries the outcome.
func (t *SMTPTransport) SendOne(ctx context.Context, env Envelope) (Response, error) {
	if t.client == nil {
		return Response{}, &ConnectionError{Phase: PhaseMailFrom, Host: t.host.String(), Err: ErrNotConnected}
	}

	stop := context.AfterFunc(ctx, func() { t.conn.SetDeadline(time.Now()) })
	defer stop()

	c := t.client
	c.CommandTimeout = t.timeouts.MailFrom.Std()
	if err := c.Mail(env.Sender, nil); err != nil {
		return t.fail(PhaseMailFrom, err)
	}

	c.CommandTimeout = t.timeouts.RcptTo.Std()
	for _, rcpt := range env.Recipients {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return t.fail(PhaseRcptTo, err)
		}
	}

	c.CommandTimeout = t.timeouts.Data.Std()
	w, err := c.Data()
	if err != nil {
		return t.fail(PhaseData, err)
	}
	t.conn.SetDeadline(time.Now().Add(t.timeouts.Data.Std()))
	if _, err := w.Write(env.Data); err != nil {
		t.drop()
		return Response{}, &ConnectionError{Phase: PhaseData, Host: t.host.String(), Err: err}
	}

	c.SubmissionTimeout = t.timeouts.DataDot.Std()
	if err := w.Close(); err != nil {
		return t.fail(PhaseDataDot, err)
	}

	return Response{Code: 250, Content: "OK", Command: string(PhaseDataDot)}, nil
}

// SendBatch sends envelopes in order over the session. It stops at the
// first connection-level error; the remaining envelopes carry that error.
func (t *SMTPTransport) SendBatch(ctx context.Context, envs []Envelope) ([]BatchResult, error) {
	results := make([]BatchResult, len(envs))
	for i, env := range envs {
		resp, err := t.SendOne(ctx, env)
		if err != nil {
			for j := i; j < len(envs); j++ {
				results[j].Err = err
			}
			return results, err
		}
		results[i].Response = resp
	}
	return results, nil
}

// Close sends QUIT and closes the connection
func (t *SMTPTransport) Close() error {
	if t.client == nil {
		return nil
	}
	t.client.CommandTimeout = t.timeouts.Rset.Std()
	err := t.client.Quit()
	if err != nil {
		t.client.Close()
	}
	t.client = nil
	t.conn = nil
	return err
}

// TLS reports whether the current session is encrypted
func (t *SMTPTransport) TLS() bool { return t.tls }

// fail classifies err from phase. Protocol replies become a Response and
// the session is reset for reuse; anything else drops the session.
func (t *SMTPTransport) fail(phase Phase, err error) (Response, error) {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		t.drop()
		return Response{}, &ConnectionError{Phase: phase, Host: t.host.String(), Err: err}
	}

	resp := responseFromSMTPError(smtpErr, phase)
	if resp.Code == 421 {
		t.drop()
		return resp, nil
	}

	if phase == PhaseMailFrom || phase == PhaseRcptTo {
		t.client.CommandTimeout = t.timeouts.Rset.Std()
		if rerr := t.client.Reset(); rerr != nil {
			t.logger.Debug("RSET failed", "host", t.host.String(), "error", rerr)
			t.drop()
		}
	}
	return resp, nil
}

func (t *SMTPTransport) drop() {
	if t.client != nil {
		t.client.Close()
	}
	t.client = nil
	t.conn = nil
}

// Connected reports whether the session can carry another transaction
func (t *SMTPTransport) Connected() bool { return t.client != nil }

func responseFromSMTPError(e *smtp.SMTPError, phase Phase) Response {
	resp := Response{
		Code:    e.Code,
		Content: e.Message,
		Command: string(phase),
	}
	if e.EnhancedCode[0] > 0 {
		resp.Enhanced = fmt.Sprintf("%d.%d.%d", e.EnhancedCode[0], e.EnhancedCode[1], e.EnhancedCode[2])
	}
	return resp
}
