package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/busybox42/egressd/internal/cache"
)

// MTASTSMode is the mode of an MTA-STS policy
type MTASTSMode string

const (
	MTASTSEnforce MTASTSMode = "enforce"
	MTASTSTesting MTASTSMode = "testing"
	MTASTSNone    MTASTSMode = "none"
)

// ErrMTASTSSyntax is wrapped by policy parse failures
var ErrMTASTSSyntax = errors.New("mta-sts policy syntax error")

const (
	mtastsMaxPolicySize = 64 * 1024
	mtastsMaxAge        = 365 * 24 * time.Hour
	mtastsNegativeTTL   = time.Hour
)

// MTASTSPolicy is a parsed policy as served at
// https://mta-sts.<domain>/.well-known/mta-sts.txt
type MTASTSPolicy struct {
	Mode   MTASTSMode    `json:"mode"`
	MX     []string      `json:"mx"`
	MaxAge time.Duration `json:"max_age"`
}

// ParseMTASTSPolicy parses a policy document
func ParseMTASTSPolicy(text string) (*MTASTSPolicy, error) {
	p := &MTASTSPolicy{}
	version := ""
	haveMaxAge := false

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: malformed line %q", ErrMTASTSSyntax, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "version":
			version = value
		case "mode":
			switch MTASTSMode(value) {
			case MTASTSEnforce, MTASTSTesting, MTASTSNone:
				p.Mode = MTASTSMode(value)
			default:
				return nil, fmt.Errorf("%w: unknown mode %q", ErrMTASTSSyntax, value)
			}
		case "max_age":
			secs, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid max_age %q", ErrMTASTSSyntax, value)
			}
			p.MaxAge = min(time.Duration(secs)*time.Second, mtastsMaxAge)
			haveMaxAge = true
		case "mx":
			p.MX = append(p.MX, strings.ToLower(strings.TrimSuffix(value, ".")))
		}
	}

	switch {
	case version != "STSv1":
		return nil, fmt.Errorf("%w: version must be STSv1", ErrMTASTSSyntax)
	case p.Mode == "":
		return nil, fmt.Errorf("%w: missing mode", ErrMTASTSSyntax)
	case !haveMaxAge:
		return nil, fmt.Errorf("%w: missing max_age", ErrMTASTSSyntax)
	case p.Mode != MTASTSNone && len(p.MX) == 0:
		return nil, fmt.Errorf("%w: missing mx", ErrMTASTSSyntax)
	}
	return p, nil
}

// Matches reports whether host is allowed by the policy's mx patterns. A
// "*." pattern matches exactly one leftmost label.
func (p *MTASTSPolicy) Matches(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, pattern := range p.MX {
		if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
			if _, rest, found := strings.Cut(host, "."); found && rest == suffix {
				return true
			}
		} else if host == pattern {
			return true
		}
	}
	return false
}

// ApplyMTASTS combines the path TLS mode with a domain policy. It returns
// the mode to use for host and false when the policy forbids the host.
func ApplyMTASTS(mode TLSMode, policy *MTASTSPolicy, host string) (TLSMode, bool) {
	if policy == nil || policy.Mode != MTASTSEnforce {
		return mode, true
	}
	if !policy.Matches(host) {
		return mode, false
	}
	return TLSRequired, true
}

// MTASTSResolver fetches and caches MTA-STS policies
type MTASTSResolver struct {
	dns    DNSResolver
	client *http.Client
	logger *slog.Logger
	cache  *cache.TTL[string, *MTASTSPolicy]
	group  singleflight.Group
	// policyURL builds the policy location for a domain
	policyURL func(domain string) string
}

// NewMTASTSResolver creates a resolver; a nil client uses a client with a
// one minute timeout
func NewMTASTSResolver(dns DNSResolver, client *http.Client) *MTASTSResolver {
	if client == nil {
		client = &http.Client{
			Timeout: time.Minute,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &MTASTSResolver{
		dns:    dns,
		client: client,
		logger: slog.Default().With("component", "mta-sts"),
		cache:  cache.New[string, *MTASTSPolicy](mtastsNegativeTTL),
		policyURL: func(domain string) string {
			return "https://mta-sts." + domain + "/.well-known/mta-sts.txt"
		},
	}
}

// Get returns the policy for domain, or nil when the domain publishes none
// or its policy cannot be retrieved
func (r *MTASTSResolver) Get(ctx context.Context, domain string) (*MTASTSPolicy, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if p, ok := r.cache.Get(domain); ok {
		return p, nil
	}

	v, err, _ := r.group.Do(domain, func() (interface{}, error) {
		p, err := r.fetch(ctx, domain)
		if err != nil {
			r.logger.Debug("MTA-STS policy unavailable", "domain", domain, "error", err)
			r.cache.SetWithTTL(domain, nil, mtastsNegativeTTL)
			return (*MTASTSPolicy)(nil), nil
		}
		if p == nil {
			r.cache.SetWithTTL(domain, nil, mtastsNegativeTTL)
			return p, nil
		}
		r.cache.SetWithTTL(domain, p, p.MaxAge)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*MTASTSPolicy), nil
}

func (r *MTASTSResolver) fetch(ctx context.Context, domain string) (*MTASTSPolicy, error) {
	txts, err := r.dns.LookupTXT(ctx, "_mta-sts."+domain)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	found := false
	for _, txt := range txts {
		if strings.HasPrefix(strings.TrimSpace(txt), "v=STSv1") {
			found = true
			break
		}
	}
	if !found {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.policyURL(domain), nil)
	if err != nil {
		return nil, err
	}
	req.Close = true

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch policy: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch policy: http status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, mtastsMaxPolicySize))
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return ParseMTASTSPolicy(string(body))
}
