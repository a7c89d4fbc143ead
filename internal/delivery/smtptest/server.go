// Package smtptest runs an in-process SMTP server that plays the remote MX
// in tests.
package smtptest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
)

// Message is one accepted transaction
type Message struct {
	From string
	To   []string
	Data []byte
}

// Server records accepted messages. Hooks may return *smtp.SMTPError to
// reject a command.
type Server struct {
	Addr netip.AddrPort

	mu       sync.Mutex
	messages []Message
	mailHook func(from string) error
	rcptHook func(to string) error
	dataHook func(data []byte) error

	sessions atomic.Int64
	server   *smtp.Server
	listener net.Listener
}

// Start listens on a loopback port; the server stops when the test ends
func Start(t testing.TB) *Server {
	t.Helper()
	return start(t, nil)
}

// StartTLS is Start with STARTTLS advertised, using a self-signed
// certificate for "mx.test"
func StartTLS(t testing.TB) *Server {
	t.Helper()
	cert, err := selfSigned("mx.test")
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	return start(t, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
}

func start(t testing.TB, tlsConfig *tls.Config) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{listener: ln}
	s.Addr = netip.MustParseAddrPort(ln.Addr().String())

	srv := smtp.NewServer(&backend{server: s})
	srv.Domain = "mx.test"
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.MaxMessageBytes = 10 * 1024 * 1024
	srv.MaxRecipients = 100
	srv.TLSConfig = tlsConfig
	s.server = srv

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return s
}

// Port returns the listening port
func (s *Server) Port() uint16 { return s.Addr.Port() }

// Host returns the listening address as "host:port"
func (s *Server) Host() string {
	return net.JoinHostPort(s.Addr.Addr().String(), strconv.Itoa(int(s.Addr.Port())))
}

// Messages returns a copy of the accepted messages
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Sessions returns the number of sessions opened so far
func (s *Server) Sessions() int64 { return s.sessions.Load() }

// OnMail installs a MAIL FROM hook
func (s *Server) OnMail(fn func(from string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailHook = fn
}

// OnRcpt installs a RCPT TO hook
func (s *Server) OnRcpt(fn func(to string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rcptHook = fn
}

// OnData installs a hook run after the body is read
func (s *Server) OnData(fn func(data []byte) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataHook = fn
}

// Close stops accepting connections
func (s *Server) Close() error { return s.server.Close() }

func selfSigned(name string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

type backend struct {
	server *Server
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	b.server.sessions.Add(1)
	return &session{server: b.server}, nil
}

type session struct {
	server *Server
	from   string
	to     []string
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.server.mu.Lock()
	hook := s.server.mailHook
	s.server.mu.Unlock()
	if hook != nil {
		if err := hook(from); err != nil {
			return err
		}
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.server.mu.Lock()
	hook := s.server.rcptHook
	s.server.mu.Unlock()
	if hook != nil {
		if err := hook(to); err != nil {
			return err
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.server.mu.Lock()
	hook := s.server.dataHook
	s.server.mu.Unlock()
	if hook != nil {
		if err := hook(data); err != nil {
			return err
		}
	}

	s.server.mu.Lock()
	s.server.messages = append(s.server.messages, Message{From: s.from, To: append([]string(nil), s.to...), Data: data})
	s.server.mu.Unlock()
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error { return nil }
