package message

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// QueueName identifies a scheduled queue. Its canonical string form is
// "campaign:tenant@domain!routing_domain" with empty parts omitted.
type QueueName struct {
	Campaign      string
	Tenant        string
	Domain        string
	RoutingDomain string
}

// NewQueueName builds a queue name with the domains normalized
func NewQueueName(campaign, tenant, domain, routingDomain string) (QueueName, error) {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return QueueName{}, err
	}
	r := ""
	if routingDomain != "" {
		if r, err = NormalizeDomain(routingDomain); err != nil {
			return QueueName{}, err
		}
	}
	return QueueName{Campaign: campaign, Tenant: tenant, Domain: d, RoutingDomain: r}, nil
}

// NormalizeDomain lower-cases domain and converts it to its ASCII form.
// Address literals such as "[10.0.0.1]" are only lower-cased.
func NormalizeDomain(domain string) (string, error) {
	d := strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if d == "" {
		return "", fmt.Errorf("empty domain")
	}
	if strings.HasPrefix(d, "[") {
		return strings.ToLower(d), nil
	}
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", fmt.Errorf("invalid domain %q: %w", domain, err)
	}
	return strings.ToLower(ascii), nil
}

func (q QueueName) String() string {
	var b strings.Builder
	switch {
	case q.Campaign != "":
		b.WriteString(q.Campaign)
		b.WriteByte(':')
		b.WriteString(q.Tenant)
		b.WriteByte('@')
	case q.Tenant != "":
		b.WriteString(q.Tenant)
		b.WriteByte('@')
	}
	b.WriteString(q.Domain)
	if q.RoutingDomain != "" {
		b.WriteByte('!')
		b.WriteString(q.RoutingDomain)
	}
	return b.String()
}

// ParseQueueName splits a queue name into its components
func ParseQueueName(s string) QueueName {
	var q QueueName
	rest := s
	if i := strings.LastIndexByte(rest, '!'); i >= 0 {
		q.RoutingDomain = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.LastIndexByte(rest, '@'); i >= 0 {
		prefix := rest[:i]
		rest = rest[i+1:]
		if campaign, tenant, ok := strings.Cut(prefix, ":"); ok {
			q.Campaign = campaign
			q.Tenant = tenant
		} else {
			q.Tenant = prefix
		}
	}
	q.Domain = rest
	return q
}

// SiteDomain returns the domain used for MX resolution
func (q QueueName) SiteDomain() string {
	if q.RoutingDomain != "" {
		return q.RoutingDomain
	}
	return q.Domain
}
