package egress

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/busybox42/egressd/internal/delivery"
	"github.com/busybox42/egressd/internal/policy"
	"github.com/busybox42/egressd/internal/throttle"
)

// PathKey identifies the configuration for one destination site reached
// through one source
type PathKey struct {
	Domain string
	Source string
	Site   string
}

// ReadyQueueName returns the "source->site" name of the ready queue
func (k PathKey) ReadyQueueName() string {
	return k.Source + "->" + k.Site
}

// PathConfig controls delivery over one egress path
type PathConfig struct {
	ConnectionLimit                int                      `toml:"connection_limit" json:"connection_limit"`
	MaxReady                       int                      `toml:"max_ready" json:"max_ready"`
	MaxDeliveriesPerConnection     int                      `toml:"max_deliveries_per_connection" json:"max_deliveries_per_connection"`
	MaxMessageBatch                int                      `toml:"max_message_batch" json:"max_message_batch"`
	MaxConnectionRate              *throttle.Spec           `toml:"max_connection_rate" json:"max_connection_rate,omitempty"`
	MaxMessageRate                 *throttle.Spec           `toml:"max_message_rate" json:"max_message_rate,omitempty"`
	AdditionalMessageRates         map[string]throttle.Spec `toml:"additional_message_rate_throttles" json:"additional_message_rate_throttles,omitempty"`
	ConsecutiveFailuresBeforeDelay uint32                   `toml:"consecutive_connection_failures_before_delay" json:"consecutive_connection_failures_before_delay"`
	EnableTLS                      delivery.TLSMode         `toml:"enable_tls" json:"enable_tls"`
	EnableMTASTS                   bool                     `toml:"enable_mta_sts" json:"enable_mta_sts"`
	EnableDANE                     bool                     `toml:"enable_dane" json:"enable_dane"`
	ProhibitedHosts                []HostMatch              `toml:"prohibited_hosts" json:"prohibited_hosts,omitempty"`
	SkipHosts                      []HostMatch              `toml:"skip_hosts" json:"skip_hosts,omitempty"`
	SMTPPort                       uint16                   `toml:"smtp_port" json:"smtp_port"`
	EHLODomain                     string                   `toml:"ehlo_domain" json:"ehlo_domain,omitempty"`
	Timeouts                       delivery.Timeouts        `toml:"timeouts" json:"timeouts"`
	RefreshInterval                policy.Duration          `toml:"refresh_interval" json:"refresh_interval"`
}

// DefaultPathConfig returns the settings used when no rule matches
func DefaultPathConfig() PathConfig {
	return PathConfig{
		ConnectionLimit:                32,
		MaxReady:                       1024,
		MaxDeliveriesPerConnection:     1024,
		MaxMessageBatch:                1,
		ConsecutiveFailuresBeforeDelay: 100,
		EnableTLS:                      delivery.TLSOpportunistic,
		EnableMTASTS:                   true,
		ProhibitedHosts:                []HostMatch{MustParseHostMatch("127.0.0.0/8"), MustParseHostMatch("::1")},
		SMTPPort:                       25,
		Timeouts:                       delivery.DefaultTimeouts(),
		RefreshInterval:                policy.Duration(time.Minute),
	}
}

// Validate checks limits; DANE produces a warning only
func (c *PathConfig) Validate() (warnings []string, err error) {
	switch {
	case c.ConnectionLimit <= 0:
		return nil, fmt.Errorf("connection_limit must be positive")
	case c.MaxReady <= 0:
		return nil, fmt.Errorf("max_ready must be positive")
	case c.MaxDeliveriesPerConnection <= 0:
		return nil, fmt.Errorf("max_deliveries_per_connection must be positive")
	case c.MaxMessageBatch <= 0:
		return nil, fmt.Errorf("max_message_batch must be positive")
	case c.ConsecutiveFailuresBeforeDelay == 0:
		return nil, fmt.Errorf("consecutive_connection_failures_before_delay must be positive")
	}
	if c.EnableDANE {
		warnings = append(warnings, "enable_dane is accepted but DANE lookups are not performed")
	}
	return warnings, nil
}

// Prohibits reports whether addr is in prohibited_hosts
func (c *PathConfig) Prohibits(addr netip.Addr) bool {
	return matchAny(c.ProhibitedHosts, addr)
}

// Skips reports whether addr is in skip_hosts
func (c *PathConfig) Skips(addr netip.Addr) bool {
	return matchAny(c.SkipHosts, addr)
}

// IdleTimeout is how long a dispatcher waits for work before exiting
func (c *PathConfig) IdleTimeout() time.Duration {
	return c.Timeouts.Idle.Std()
}

func matchAny(set []HostMatch, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, m := range set {
		if m.Prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// HostMatch is a CIDR block; a bare address matches only itself
type HostMatch struct {
	netip.Prefix
}

// ParseHostMatch parses "192.0.2.0/24", "2001:db8::/32" or a bare address
func ParseHostMatch(s string) (HostMatch, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return HostMatch{}, err
		}
		return HostMatch{Prefix: p.Masked()}, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return HostMatch{}, err
	}
	addr = addr.Unmap()
	return HostMatch{Prefix: netip.PrefixFrom(addr, addr.BitLen())}, nil
}

// MustParseHostMatch is ParseHostMatch that panics on error
func MustParseHostMatch(s string) HostMatch {
	m, err := ParseHostMatch(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m HostMatch) MarshalText() ([]byte, error) {
	return []byte(m.Prefix.String()), nil
}

func (m *HostMatch) UnmarshalText(text []byte) error {
	parsed, err := ParseHostMatch(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
