// Package egress models where outbound connections originate: sources,
// weighted pools of sources, and the per-destination path configuration.
package egress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/pires/go-proxyproto"
	"golang.org/x/net/proxy"

	"github.com/busybox42/egressd/internal/delivery"
	"github.com/busybox42/egressd/internal/policy"
)

// Unspecified names the built-in pool and source used when nothing is
// configured
const Unspecified = "unspecified"

const defaultDefinitionTTL = policy.Duration(60 * time.Second)

// ErrInvalidSource is wrapped by source validation failures
var ErrInvalidSource = errors.New("invalid egress source")

// Source is a named origin for outbound connections
type Source struct {
	Name                     string          `toml:"name" json:"name"`
	SourceAddress            string          `toml:"source_address" json:"source_address,omitempty"`
	RemotePort               uint16          `toml:"remote_port" json:"remote_port,omitempty"`
	HAProxyServer            string          `toml:"ha_proxy_server" json:"ha_proxy_server,omitempty"`
	HAProxySourceAddress     string          `toml:"ha_proxy_source_address" json:"ha_proxy_source_address,omitempty"`
	SOCKS5ProxyServer        string          `toml:"socks5_proxy_server" json:"socks5_proxy_server,omitempty"`
	SOCKS5ProxySourceAddress string          `toml:"socks5_proxy_source_address" json:"socks5_proxy_source_address,omitempty"`
	EHLODomain               string          `toml:"ehlo_domain" json:"ehlo_domain,omitempty"`
	TTL                      policy.Duration `toml:"ttl" json:"ttl,omitempty"`
}

// DefaultSource returns the built-in unspecified source
func DefaultSource() Source {
	return Source{Name: Unspecified, TTL: defaultDefinitionTTL}
}

// Validate checks addresses and the proxy combination
func (s *Source) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidSource)
	}
	if s.HAProxyServer != "" && s.SOCKS5ProxyServer != "" {
		return fmt.Errorf("%w: %s: ha_proxy_server and socks5_proxy_server are exclusive", ErrInvalidSource, s.Name)
	}
	for field, value := range map[string]string{
		"source_address":              s.SourceAddress,
		"ha_proxy_source_address":     s.HAProxySourceAddress,
		"socks5_proxy_source_address": s.SOCKS5ProxySourceAddress,
	} {
		if value == "" {
			continue
		}
		if _, err := netip.ParseAddr(value); err != nil {
			return fmt.Errorf("%w: %s: %s: %v", ErrInvalidSource, s.Name, field, err)
		}
	}
	for field, value := range map[string]string{
		"ha_proxy_server":     s.HAProxyServer,
		"socks5_proxy_server": s.SOCKS5ProxyServer,
	} {
		if value == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(value); err != nil {
			return fmt.Errorf("%w: %s: %s: %v", ErrInvalidSource, s.Name, field, err)
		}
	}
	if s.HAProxyServer != "" && s.HAProxySourceAddress == "" {
		return fmt.Errorf("%w: %s: ha_proxy_server requires ha_proxy_source_address", ErrInvalidSource, s.Name)
	}
	return nil
}

// Port returns the remote port to use, falling back to def
func (s *Source) Port(def uint16) uint16 {
	if s.RemotePort != 0 {
		return s.RemotePort
	}
	return def
}

// Dialer returns a dialer that originates connections from this source
func (s *Source) Dialer(timeout time.Duration) (delivery.Dialer, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	switch {
	case s.HAProxyServer != "":
		src, _ := netip.ParseAddr(s.HAProxySourceAddress)
		return &haproxyDialer{
			server: s.HAProxyServer,
			source: src,
			dialer: &net.Dialer{Timeout: timeout},
		}, nil

	case s.SOCKS5ProxyServer != "":
		forward := &net.Dialer{Timeout: timeout}
		if s.SOCKS5ProxySourceAddress != "" {
			addr, _ := netip.ParseAddr(s.SOCKS5ProxySourceAddress)
			forward.LocalAddr = net.TCPAddrFromAddrPort(netip.AddrPortFrom(addr, 0))
		}
		d, err := proxy.SOCKS5("tcp", s.SOCKS5ProxyServer, nil, forward)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer for %s: %w", s.Name, err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", s.Name)
		}
		return cd, nil

	default:
		d := &net.Dialer{Timeout: timeout}
		if s.SourceAddress != "" {
			addr, _ := netip.ParseAddr(s.SourceAddress)
			d.LocalAddr = net.TCPAddrFromAddrPort(netip.AddrPortFrom(addr, 0))
		}
		return d, nil
	}
}

// haproxyDialer connects to an HAProxy server and announces the real
// destination with a PROXY protocol v2 header
type haproxyDialer struct {
	server string
	source netip.Addr
	dialer *net.Dialer
}

func (h *haproxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	dstIP, err := netip.ParseAddr(host)
	if err != nil {
		return nil, fmt.Errorf("haproxy destination must be an IP address: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	conn, err := h.dialer.DialContext(ctx, network, h.server)
	if err != nil {
		return nil, fmt.Errorf("connect to haproxy %s: %w", h.server, err)
	}

	header := proxyproto.HeaderProxyFromAddrs(2,
		net.TCPAddrFromAddrPort(netip.AddrPortFrom(h.source, 0)),
		net.TCPAddrFromAddrPort(netip.AddrPortFrom(dstIP, uint16(port))),
	)
	if _, err := header.WriteTo(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write proxy header: %w", err)
	}
	return conn, nil
}
