package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"strings"
	"time"

	"github.com/busybox42/egressd/internal/egress"
	"github.com/busybox42/egressd/internal/message"
	"github.com/busybox42/egressd/internal/policy"
	"github.com/busybox42/egressd/internal/queue"
	"github.com/busybox42/egressd/internal/throttle"
)

// Rules answers policy callbacks from the static rule tables of a Config.
// A Rules value is immutable once built.
type Rules struct {
	queues  []QueueRule
	pools   map[string]egress.Pool
	sources map[string]egress.Source
	paths   []PathRule

	requeue        []RequeueRule
	throttleInsert []ThrottleInsertRule
}

// NewRules indexes the rule tables of cfg
func NewRules(cfg *Config) *Rules {
	r := &Rules{
		queues:  append([]QueueRule(nil), cfg.Queues...),
		pools:   make(map[string]egress.Pool, len(cfg.Pools)),
		sources: make(map[string]egress.Source, len(cfg.Sources)),
		paths:   append([]PathRule(nil), cfg.Paths...),

		requeue:        append([]RequeueRule(nil), cfg.Requeue...),
		throttleInsert: append([]ThrottleInsertRule(nil), cfg.ThrottleInsert...),
	}
	for _, p := range cfg.Pools {
		r.pools[p.Name] = p
	}
	for _, s := range cfg.Sources {
		r.sources[s.Name] = s
	}
	return r
}

// QueueConfig returns the first queue rule matching name
func (r *Rules) QueueConfig(_ context.Context, name string) (policy.Decision[queue.QueueConfig], error) {
	parsed := message.ParseQueueName(name)
	for _, rule := range r.queues {
		if rule.QueueMatch.matches(name, parsed) {
			return policy.Definitive(rule.QueueConfig), nil
		}
	}
	return policy.NoOpinion[queue.QueueConfig](), nil
}

// Pool returns the named pool definition
func (r *Rules) Pool(_ context.Context, name string) (policy.Decision[egress.Pool], error) {
	if p, ok := r.pools[name]; ok {
		return policy.Definitive(p), nil
	}
	return policy.NoOpinion[egress.Pool](), nil
}

// Source returns the named source definition
func (r *Rules) Source(_ context.Context, name string) (policy.Decision[egress.Source], error) {
	if s, ok := r.sources[name]; ok {
		return policy.Definitive(s), nil
	}
	return policy.NoOpinion[egress.Source](), nil
}

// PathConfig returns the first path rule matching key
func (r *Rules) PathConfig(_ context.Context, key egress.PathKey) (policy.Decision[egress.PathConfig], error) {
	for _, rule := range r.paths {
		if rule.PathMatch.matches(key) {
			return policy.Definitive(rule.PathConfig), nil
		}
	}
	return policy.NoOpinion[egress.PathConfig](), nil
}

// Requeue applies the first requeue rule matching the queue and attempt
// count of req
func (r *Rules) Requeue(_ context.Context, req queue.RequeueRequest) (policy.Decision[queue.RequeueDecision], error) {
	name, err := req.Message.QueueName()
	if err != nil {
		return policy.NoOpinion[queue.RequeueDecision](), nil
	}
	parsed := message.ParseQueueName(name)
	for _, rule := range r.requeue {
		if req.Attempts < rule.MinAttempts || !rule.QueueMatch.matches(name, parsed) {
			continue
		}
		if rule.Reject != "" {
			return policy.NoOpinion[queue.RequeueDecision](), policy.Reject(errors.New(rule.Reject))
		}
		return policy.Definitive(queue.RequeueDecision{
			Meta:            maps.Clone(rule.Set),
			ClearScheduling: rule.ClearScheduling,
		}), nil
	}
	return policy.NoOpinion[queue.RequeueDecision](), nil
}

// ThrottleInsert consumes one unit from every throttle_insert rule matching
// the queue of msg, stopping at the first exhausted one. A throttled
// message is due again once that throttle has capacity.
func (r *Rules) ThrottleInsert(ctx context.Context, throttles *throttle.Registry, msg *message.Message) (policy.Decision[time.Time], error) {
	name, err := msg.QueueName()
	if err != nil {
		return policy.NoOpinion[time.Time](), nil
	}
	parsed := message.ParseQueueName(name)
	for _, rule := range r.throttleInsert {
		if !rule.QueueMatch.matches(name, parsed) {
			continue
		}
		res, err := throttles.Check(ctx, rule.key(name), rule.Rate)
		if err != nil {
			return policy.NoOpinion[time.Time](), fmt.Errorf("throttle_insert %s: %w", rule.Name, err)
		}
		if res.Throttled {
			return policy.Definitive(time.Now().Add(res.RetryAfter)), nil
		}
	}
	return policy.NoOpinion[time.Time](), nil
}

func (rule ThrottleInsertRule) key(queueName string) string {
	if rule.PerQueue {
		return "throttle_insert:" + rule.Name + ":" + queueName
	}
	return "throttle_insert:" + rule.Name
}

func (m QueueMatch) matches(name string, q message.QueueName) bool {
	return glob(m.Queue, name) &&
		glob(m.Campaign, q.Campaign) &&
		glob(m.Tenant, q.Tenant) &&
		glob(m.Domain, q.Domain) &&
		glob(m.RoutingDomain, q.RoutingDomain)
}

func (m PathMatch) matches(key egress.PathKey) bool {
	return glob(m.Domain, key.Domain) &&
		glob(m.Site, key.Site) &&
		(m.Source == "" || m.Source == key.Source)
}

// glob matches case-insensitively; an empty pattern matches anything
func glob(pattern, s string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(s))
	return err == nil && ok
}

// Bind registers handlers that consult the current generation of snap.
// Publishing a new Rules value takes effect on the next cache miss.
func Bind(snap *policy.Snapshot[*Rules], queueConfigs *policy.Chain[string, queue.QueueConfig], resolver *egress.Resolver) {
	queueConfigs.Register(func(ctx context.Context, name string) (policy.Decision[queue.QueueConfig], error) {
		return snap.Load().Value.QueueConfig(ctx, name)
	})
	resolver.Pools.Register(func(ctx context.Context, name string) (policy.Decision[egress.Pool], error) {
		return snap.Load().Value.Pool(ctx, name)
	})
	resolver.Sources.Register(func(ctx context.Context, name string) (policy.Decision[egress.Source], error) {
		return snap.Load().Value.Source(ctx, name)
	})
	resolver.Paths.Register(func(ctx context.Context, key egress.PathKey) (policy.Decision[egress.PathConfig], error) {
		return snap.Load().Value.PathConfig(ctx, key)
	})
}

// BindScheduling registers the requeue and throttle_insert rules of the
// current generation of snap
func BindScheduling(snap *policy.Snapshot[*Rules], requeue *policy.Chain[queue.RequeueRequest, queue.RequeueDecision], insert *policy.Chain[*message.Message, time.Time], throttles *throttle.Registry) {
	requeue.Register(func(ctx context.Context, req queue.RequeueRequest) (policy.Decision[queue.RequeueDecision], error) {
		return snap.Load().Value.Requeue(ctx, req)
	})
	insert.Register(func(ctx context.Context, msg *message.Message) (policy.Decision[time.Time], error) {
		return snap.Load().Value.ThrottleInsert(ctx, throttles, msg)
	})
}
