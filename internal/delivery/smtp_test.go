package delivery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/egressd/internal/delivery/smtptest"
)

const testBody = "Subject: test\r\n\r\nhello\r\n"

func connectTo(t *testing.T, srv *smtptest.Server, mode TLSMode) (*SMTPTransport, error) {
	t.Helper()
	tr := NewSMTPTransport()
	err := tr.Connect(context.Background(), ConnectParams{
		Host:       Host{Name: "mx.test", Addr: srv.Addr.Addr()},
		Port:       srv.Port(),
		EHLODomain: "egress.test",
		TLS:        mode,
		Timeouts:   DefaultTimeouts(),
	})
	return tr, err
}

func TestSMTPTransportDelivers(t *testing.T) {
	srv := smtptest.Start(t)
	tr, err := connectTo(t, srv, TLSOpportunistic)
	require.NoError(t, err)
	defer tr.Close()

	assert.False(t, tr.TLS(), "the test server does not offer STARTTLS")

	resp, err := tr.SendOne(context.Background(), Envelope{
		ID:         "m1",
		Sender:     "sender@example.net",
		Recipients: []string{"a@example.com", "b@example.com"},
		Data:       []byte(testBody),
	})
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "sender@example.net", msgs[0].From)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, msgs[0].To)
	assert.Equal(t, testBody, string(msgs[0].Data))
}

func TestSMTPTransportTransientRcptKeepsSession(t *testing.T) {
	srv := smtptest.Start(t)
	srv.OnRcpt(func(to string) error {
		if to == "busy@example.com" {
			return &smtp.SMTPError{Code: 450, EnhancedCode: smtp.EnhancedCode{4, 2, 0}, Message: "mailbox busy"}
		}
		return nil
	})

	tr, err := connectTo(t, srv, TLSDisabled)
	require.NoError(t, err)
	defer tr.Close()

	resp, err := tr.SendOne(context.Background(), Envelope{
		Sender: "s@example.net", Recipients: []string{"busy@example.com"}, Data: []byte(testBody),
	})
	require.NoError(t, err)
	assert.True(t, resp.IsTransient())
	assert.Equal(t, "4.2.0", resp.Enhanced)
	assert.Equal(t, "450 4.2.0 mailbox busy", resp.String())
	assert.True(t, tr.Connected())

	resp, err = tr.SendOne(context.Background(), Envelope{
		Sender: "s@example.net", Recipients: []string{"ok@example.com"}, Data: []byte(testBody),
	})
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Len(t, srv.Messages(), 1)
	assert.Equal(t, int64(1), srv.Sessions(), "the session is reused")
}

func TestSMTPTransportPermanentData(t *testing.T) {
	srv := smtptest.Start(t)
	srv.OnData(func([]byte) error {
		return &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: "rejected"}
	})

	tr, err := connectTo(t, srv, TLSOpportunistic)
	require.NoError(t, err)
	defer tr.Close()

	resp, err := tr.SendOne(context.Background(), Envelope{
		Sender: "s@example.net", Recipients: []string{"r@example.com"}, Data: []byte(testBody),
	})
	require.NoError(t, err)
	assert.True(t, resp.IsPermanent())
	assert.Equal(t, 554, resp.Code)
	assert.Equal(t, string(PhaseDataDot), resp.Command)
}

func TestSMTPTransportRequiredTLS(t *testing.T) {
	srv := smtptest.Start(t)
	_, err := connectTo(t, srv, TLSRequired)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, PhaseSTARTTLS, connErr.Phase)
	assert.ErrorIs(t, err, ErrSTARTTLSUnavailable)
}

func TestSMTPTransportOpportunisticFallsBackToPlaintext(t *testing.T) {
	srv := smtptest.Start(t)
	tr, err := connectTo(t, srv, TLSOpportunistic)
	require.NoError(t, err)
	defer tr.Close()

	assert.False(t, tr.TLS())
	assert.Equal(t, int64(2), srv.Sessions(), "one session probing STARTTLS, one in plaintext")

	resp, err := tr.SendOne(context.Background(), Envelope{
		Sender: "s@example.net", Recipients: []string{"r@example.com"}, Data: []byte(testBody),
	})
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Len(t, srv.Messages(), 1)
}

func TestSMTPTransportStartTLS(t *testing.T) {
	srv := smtptest.StartTLS(t)
	tr, err := connectTo(t, srv, TLSOpportunisticInsecure)
	require.NoError(t, err)
	defer tr.Close()

	assert.True(t, tr.TLS())
	resp, err := tr.SendOne(context.Background(), Envelope{
		Sender: "s@example.net", Recipients: []string{"r@example.com"}, Data: []byte(testBody),
	})
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Len(t, srv.Messages(), 1)
}

func TestSMTPTransportUntrustedCertificate(t *testing.T) {
	srv := smtptest.StartTLS(t)

	_, err := connectTo(t, srv, TLSRequired)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, PhaseSTARTTLS, connErr.Phase)
	assert.NotErrorIs(t, err, ErrSTARTTLSUnavailable)

	tr, err := connectTo(t, srv, TLSOpportunistic)
	require.NoError(t, err)
	defer tr.Close()
	assert.False(t, tr.TLS(), "verification failure falls back to plaintext")
}

func TestSMTPTransportRequiredInsecureTLS(t *testing.T) {
	srv := smtptest.StartTLS(t)
	tr, err := connectTo(t, srv, TLSRequiredInsecure)
	require.NoError(t, err)
	defer tr.Close()
	assert.True(t, tr.TLS())
}

func TestSMTPTransportDisabledTLS(t *testing.T) {
	srv := smtptest.Start(t)
	tr, err := connectTo(t, srv, TLSDisabled)
	require.NoError(t, err)
	assert.False(t, tr.TLS())
	assert.NoError(t, tr.Close())
}

func TestSMTPTransportConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := netip.MustParseAddrPort(ln.Addr().String()).Port()
	ln.Close()

	tr := NewSMTPTransport()
	timeouts := DefaultTimeouts()
	err = tr.Connect(context.Background(), ConnectParams{
		Host:     Host{Addr: netip.MustParseAddr("127.0.0.1")},
		Port:     port,
		Timeouts: timeouts,
	})

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, PhaseConnect, connErr.Phase)
}

func TestSMTPTransportNotConnected(t *testing.T) {
	tr := NewSMTPTransport()
	_, err := tr.SendOne(context.Background(), Envelope{})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, tr.Close())
}

func TestSMTPTransportSendBatch(t *testing.T) {
	srv := smtptest.Start(t)
	srv.OnMail(func(from string) error {
		if from == "bounce@example.net" {
			return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 0}, Message: "sender rejected"}
		}
		return nil
	})

	tr, err := connectTo(t, srv, TLSOpportunistic)
	require.NoError(t, err)
	defer tr.Close()

	results, err := tr.SendBatch(context.Background(), []Envelope{
		{Sender: "a@example.net", Recipients: []string{"r@example.com"}, Data: []byte(testBody)},
		{Sender: "bounce@example.net", Recipients: []string{"r@example.com"}, Data: []byte(testBody)},
		{Sender: "c@example.net", Recipients: []string{"r@example.com"}, Data: []byte(testBody)},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Response.IsSuccess())
	assert.True(t, results[1].Response.IsPermanent())
	assert.True(t, results[2].Response.IsSuccess())
	assert.Len(t, srv.Messages(), 2)
}

func TestTimeoutsTotal(t *testing.T) {
	assert.Equal(t, 1635*time.Second, DefaultTimeouts().Total())
}

func TestResponseClassification(t *testing.T) {
	assert.True(t, NewResponse(250, "", "ok").IsSuccess())
	assert.True(t, NewResponse(451, "4.4.1", "later").IsTransient())
	assert.True(t, NewResponse(550, "5.4.4", "no").IsPermanent())

	err := error(&ResponseError{Response: NewResponse(451, "4.4.1", "No answer")})
	var respErr *ResponseError
	require.True(t, errors.As(err, &respErr))
	assert.True(t, respErr.Transient())
	assert.False(t, respErr.Permanent())
	assert.Equal(t, "451 4.4.1 No answer", err.Error())
}

func TestTLSModeText(t *testing.T) {
	var m TLSMode
	require.NoError(t, m.UnmarshalText([]byte("RequiredInsecure")))
	assert.True(t, m.IsRequired())
	assert.True(t, m.IsInsecure())

	require.NoError(t, m.UnmarshalText(nil))
	assert.Equal(t, TLSOpportunistic, m)
	assert.False(t, m.IsRequired())

	assert.Error(t, m.UnmarshalText([]byte("Sometimes")))
}
