package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/busybox42/egressd/internal/cache"
)

// ErrNoAddresses is returned when no MX host resolved to an address
var ErrNoAddresses = errors.New("MX hosts resolved to zero addresses")

// DNSResolver is the subset of *net.Resolver used for MX resolution
type DNSResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// MXHost is one exchanger of a domain
type MXHost struct {
	Name       string `json:"name"`
	Preference uint16 `json:"preference"`
}

// MXResult is the resolved exchanger set of a domain
type MXResult struct {
	Domain string   `json:"domain"`
	Site   string   `json:"site"`
	Hosts  []MXHost `json:"hosts"`
	// NullMX is set when the domain publishes "MX 0 ." and accepts no mail
	NullMX bool `json:"null_mx"`
	// Literal is set for "[addr]" domains, which bypass DNS
	Literal netip.Addr `json:"literal,omitempty"`
}

// MXConfig configures an MXResolver
type MXConfig struct {
	CacheTTL time.Duration
	Timeout  time.Duration
	Retries  int
}

// DefaultMXConfig returns the standard resolver settings
func DefaultMXConfig() MXConfig {
	return MXConfig{
		CacheTTL: 5 * time.Minute,
		Timeout:  10 * time.Second,
		Retries:  3,
	}
}

// MXResolver resolves and caches MX records and host addresses
type MXResolver struct {
	config   MXConfig
	resolver DNSResolver
	logger   *slog.Logger
	mx       *cache.TTL[string, *MXResult]
	addrs    *cache.TTL[string, []netip.Addr]
	group    singleflight.Group
}

// NewMXResolver creates a resolver; a nil resolver uses net.DefaultResolver
func NewMXResolver(config MXConfig, resolver DNSResolver) *MXResolver {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if config.Retries <= 0 {
		config.Retries = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &MXResolver{
		config:   config,
		resolver: resolver,
		logger:   slog.Default().With("component", "mx-resolver"),
		mx:       cache.New[string, *MXResult](config.CacheTTL),
		addrs:    cache.New[string, []netip.Addr](config.CacheTTL),
	}
}

// Resolve returns the exchangers for domain
func (r *MXResolver) Resolve(ctx context.Context, domain string) (*MXResult, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	if strings.HasPrefix(domain, "[") && strings.HasSuffix(domain, "]") {
		return literalResult(domain)
	}

	if res, ok := r.mx.Get(domain); ok {
		return res, nil
	}

	v, err, _ := r.group.Do("mx:"+domain, func() (interface{}, error) {
		res, err := r.lookupMX(ctx, domain)
		if err != nil {
			return nil, err
		}
		r.mx.Set(domain, res)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*MXResult), nil
}

func literalResult(domain string) (*MXResult, error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(domain, "["), "]")
	if v6, ok := strings.CutPrefix(strings.ToLower(inner), "ipv6:"); ok {
		inner = v6
	}
	addr, err := netip.ParseAddr(inner)
	if err != nil {
		return nil, fmt.Errorf("invalid address literal %q: %w", domain, err)
	}
	return &MXResult{
		Domain:  domain,
		Site:    domain,
		Hosts:   []MXHost{{Name: domain}},
		Literal: addr,
	}, nil
}

func (r *MXResolver) lookupMX(ctx context.Context, domain string) (*MXResult, error) {
	start := time.Now()
	var records []*net.MX
	var err error

	for attempt := 0; attempt < r.config.Retries; attempt++ {
		lookupCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
		records, err = r.resolver.LookupMX(lookupCtx, domain)
		cancel()

		if err == nil || isNotFound(err) {
			break
		}

		r.logger.Debug("MX lookup attempt failed",
			"domain", domain,
			"attempt", attempt+1,
			"error", err)

		if attempt < r.config.Retries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
			}
		}
	}

	res := &MXResult{Domain: domain}
	switch {
	case err != nil && isNotFound(err):
		// No MX: the domain itself is the implicit exchanger
		res.Hosts = []MXHost{{Name: domain}}
	case err != nil:
		return nil, fmt.Errorf("MX lookup for %s: %w", domain, err)
	case len(records) == 1 && (records[0].Host == "." || records[0].Host == ""):
		res.NullMX = true
	case len(records) == 0:
		res.Hosts = []MXHost{{Name: domain}}
	default:
		for _, mx := range records {
			name := strings.ToLower(strings.TrimSuffix(mx.Host, "."))
			if name == "" {
				continue
			}
			res.Hosts = append(res.Hosts, MXHost{Name: name, Preference: mx.Pref})
		}
		sort.SliceStable(res.Hosts, func(i, j int) bool {
			if res.Hosts[i].Preference != res.Hosts[j].Preference {
				return res.Hosts[i].Preference < res.Hosts[j].Preference
			}
			return res.Hosts[i].Name < res.Hosts[j].Name
		})
	}
	res.Site = SiteName(res.Hosts)

	r.logger.Debug("MX lookup completed",
		"domain", domain,
		"site", res.Site,
		"records", len(res.Hosts),
		"null_mx", res.NullMX,
		"latency", time.Since(start))
	return res, nil
}

// SiteName is the canonical identity of a set of exchangers: the sorted,
// de-duplicated host names joined as "(a|b)", or the host itself when
// there is only one.
func SiteName(hosts []MXHost) string {
	names := make([]string, 0, len(hosts))
	for _, h := range hosts {
		names = append(names, strings.ToLower(strings.TrimSuffix(h.Name, ".")))
	}
	sort.Strings(names)
	names = slices.Compact(names)
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	default:
		return "(" + strings.Join(names, "|") + ")"
	}
}

// Addresses resolves every exchanger to candidate hosts, in preference
// order, without duplicates
func (r *MXResolver) Addresses(ctx context.Context, mx *MXResult) ([]Host, error) {
	if mx.NullMX {
		return nil, nil
	}
	if mx.Literal.IsValid() {
		return []Host{{Name: mx.Domain, Addr: mx.Literal}}, nil
	}

	var hosts []Host
	seen := make(map[netip.Addr]bool)
	var lastErr error
	for _, h := range mx.Hosts {
		addrs, err := r.lookupHost(ctx, h.Name)
		if err != nil {
			lastErr = err
			r.logger.Debug("Address lookup failed", "host", h.Name, "error", err)
			continue
		}
		for _, a := range addrs {
			a = a.Unmap()
			if seen[a] {
				continue
			}
			seen[a] = true
			hosts = append(hosts, Host{Name: h.Name, Addr: a})
		}
	}
	if len(hosts) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoAddresses, lastErr)
		}
		return nil, ErrNoAddresses
	}
	return hosts, nil
}

func (r *MXResolver) lookupHost(ctx context.Context, name string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(name); err == nil {
		return []netip.Addr{addr}, nil
	}
	if addrs, ok := r.addrs.Get(name); ok {
		return addrs, nil
	}

	v, err, _ := r.group.Do("ip:"+name, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
		addrs, err := r.resolver.LookupNetIP(lookupCtx, "ip", name)
		if err != nil {
			return nil, err
		}
		r.addrs.Set(name, addrs)
		return addrs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]netip.Addr), nil
}

// LookupTXT resolves TXT records without caching
func (r *MXResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()
	return r.resolver.LookupTXT(lookupCtx, name)
}

// Forget drops cached results for domain
func (r *MXResolver) Forget(domain string) {
	r.mx.Delete(strings.ToLower(strings.TrimSuffix(domain, ".")))
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
