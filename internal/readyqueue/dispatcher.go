package readyqueue

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/busybox42/egressd/internal/delivery"
	"github.com/busybox42/egressd/internal/egress"
	"github.com/busybox42/egressd/internal/message"
	"github.com/busybox42/egressd/internal/metrics"
	"github.com/busybox42/egressd/internal/reason"
)

var (
	responseNoAnswer   = delivery.NewResponse(451, "4.4.1", "No answer from any hosts listed in MX")
	responseNullMX     = delivery.NewResponse(556, "5.1.10", "Recipient address has a null MX")
	responseProhibited = delivery.NewResponse(550, "5.4.4", "MX host is on the prohibited_hosts list")
	responseSkipped    = delivery.NewResponse(550, "5.4.4", "MX consisted solely of hosts on the skip_hosts list")
	responseNoHosts    = delivery.NewResponse(451, "4.4.4", "MX didn't resolve to any hosts")
	responseMTASTS     = delivery.NewResponse(451, "4.7.5", "No MX host matches the MTA-STS policy")
	responseAborted    = delivery.NewResponse(451, "4.4.2", "Delivery aborted by shutdown")
	responseLost       = delivery.NewResponse(451, "4.4.2", "Connection lost during the transaction")
	responseNoBody     = delivery.NewResponse(451, "4.3.0", "Message body could not be loaded from the spool")
)

type candidate struct {
	host delivery.Host
	tls  delivery.TLSMode
}

// outcome of a connection attempt for the message in hand
type outcome int

const (
	connected outcome = iota
	// handled: the message was failed, bounced or requeued
	handled
	// yield: the message went back to the head and the dispatcher exits
	yield
)

// dispatcher owns at most one connection and delivers messages over it,
// up to max_message_batch per round trip
type dispatcher struct {
	q          *Queue
	transport  delivery.Transport
	peer       delivery.Host
	candidates []candidate
	delivered  int
	lastLost   string
	noRespawn  bool
}

func (q *Queue) runDispatcher() {
	d := &dispatcher{q: q}
	defer q.dispatcherExit(d)

	for {
		cfg := q.Config()
		msg, ok := q.take(cfg.IdleTimeout())
		if !ok {
			return
		}

		if s, ok := q.deps.Suspensions.For(q.name); ok {
			d.noRespawn = true
			q.requeueAll(msg, s.remaining(q.deps.now()), reason.ReadyQueueWasSuspended)
			return
		}

		if d.transport != nil && d.delivered >= cfg.MaxDeliveriesPerConnection {
			q.pushFront(msg)
			return
		}

		if d.transport == nil {
			switch d.connect(msg, cfg) {
			case handled:
				continue
			case yield:
				return
			}
		}

		if !d.deliver(msg, cfg) {
			return
		}
	}
}

func (q *Queue) dispatcherExit(d *dispatcher) {
	d.closeTransport()

	q.mu.Lock()
	q.active--
	q.lastChange = q.deps.now()
	if !d.noRespawn {
		q.spawnLocked()
	}
	q.mu.Unlock()
	q.wg.Done()
}

func (d *dispatcher) closeTransport() {
	if d.transport == nil {
		return
	}
	if err := d.transport.Close(); err != nil {
		d.q.logger.Debug("Error closing connection", "peer", d.peer.String(), "error", err)
	}
	d.transport = nil
	metrics.Get().ConnectionsActive.WithLabelValues(d.q.name).Dec()
}

// connect establishes a session for msg. Anything other than connected
// means msg has been dealt with.
func (d *dispatcher) connect(msg *message.Message, cfg *egress.PathConfig) outcome {
	q := d.q

	if spec := cfg.MaxConnectionRate; spec != nil {
		res, err := q.deps.Throttles.WaitUpTo(q.ctx, "path-connection-rate:"+q.name, *spec, cfg.IdleTimeout())
		switch {
		case q.ctx.Err() != nil:
			q.requeue(msg, Requeue{Reason: reason.New(reason.DispatcherDrop)})
			return handled
		case err != nil:
			q.logger.Warn("Ignoring failed connection rate check", "error", err)
		case res.Throttled:
			q.requeueAll(msg, res.RetryAfter, reason.ConnectionRateThrottle)
			return handled
		}
	}

	if len(d.candidates) == 0 {
		cands, ok := d.resolveCandidates(msg, cfg)
		if !ok {
			return handled
		}
		d.candidates = cands
	}

	var lastErr error
	_, err := q.breaker.Execute(func() (interface{}, error) {
		lastErr = d.connectCycle(cfg)
		return nil, lastErr
	})

	switch {
	case err == nil:
		return connected

	case errors.Is(err, gobreaker.ErrTooManyRequests):
		// another dispatcher is probing the half-open breaker
		d.noRespawn = true
		q.pushFront(msg)
		return yield

	case q.ctx.Err() != nil:
		q.requeue(msg, Requeue{Reason: reason.New(reason.DispatcherDrop)})
		return handled

	case errors.Is(err, gobreaker.ErrOpenState):
		q.transientFailure(msg, responseNoAnswer, "", reason.New(reason.TooManyConnectionFailures))
		q.failAll(responseNoAnswer, reason.TooManyConnectionFailures)
		return handled
	}

	metrics.Get().ConnectionFailures.WithLabelValues(q.name).Inc()
	q.logger.Debug("Connection cycle failed", "error", lastErr)
	q.transientFailure(msg, responseNoAnswer, "", reason.Context{})
	if q.breaker.State() == gobreaker.StateOpen {
		q.failAll(responseNoAnswer, reason.TooManyConnectionFailures)
	}
	return handled
}

// connectCycle tries the remaining candidates in order until one accepts
func (d *dispatcher) connectCycle(cfg *egress.PathConfig) error {
	q := d.q
	q.mu.Lock()
	source := q.source
	q.mu.Unlock()

	ehlo := source.EHLODomain
	if ehlo == "" {
		ehlo = cfg.EHLODomain
	}

	var lastErr error
	for len(d.candidates) > 0 {
		c := d.candidates[0]
		d.candidates = d.candidates[1:]

		dialer, err := source.Dialer(cfg.Timeouts.Connect.Std())
		if err != nil {
			return err
		}

		metrics.Get().ConnectionAttempts.WithLabelValues(q.name).Inc()
		t := q.deps.Transports()
		err = t.Connect(q.ctx, delivery.ConnectParams{
			Host:       c.host,
			Port:       source.Port(cfg.SMTPPort),
			Dialer:     dialer,
			EHLODomain: ehlo,
			TLS:        c.tls,
			Timeouts:   cfg.Timeouts,
		})
		if err != nil {
			lastErr = err
			q.logger.Debug("Connection attempt failed", "peer", c.host.String(), "error", err)
			if q.ctx.Err() != nil {
				return err
			}
			continue
		}

		d.transport = t
		d.peer = c.host
		d.delivered = 0
		metrics.Get().ConnectionsActive.WithLabelValues(q.name).Inc()
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no candidate hosts")
	}
	return lastErr
}

// resolveCandidates applies host policy to the site's addresses. When it
// returns false msg (and possibly the whole queue) has been dealt with.
func (d *dispatcher) resolveCandidates(msg *message.Message, cfg *egress.PathConfig) ([]candidate, bool) {
	q := d.q
	q.mu.Lock()
	mx := q.mx
	q.mu.Unlock()

	if mx.NullMX {
		q.bounceAll(msg, responseNullMX, reason.FailedDueToNullMx)
		return nil, false
	}

	hosts, err := q.deps.Addresses.Addresses(q.ctx, mx)
	if err != nil || len(hosts) == 0 {
		q.logger.Debug("MX resolved to zero hosts", "site", mx.Site, "error", err)
		q.transientFailure(msg, responseNoHosts, "", reason.New(reason.MxResolvedToZeroHosts))
		return nil, false
	}

	usable := hosts[:0:0]
	for _, h := range hosts {
		if cfg.Prohibits(h.Addr) {
			q.bounceAll(msg, responseProhibited, reason.MxWasProhibited)
			return nil, false
		}
		if !cfg.Skips(h.Addr) {
			usable = append(usable, h)
		}
	}
	if len(usable) == 0 {
		q.bounceAll(msg, responseSkipped, reason.MxWasSkipped)
		return nil, false
	}

	var policy *delivery.MTASTSPolicy
	if cfg.EnableMTASTS && q.deps.MTASTS != nil && !mx.Literal.IsValid() {
		policy, err = q.deps.MTASTS.Get(q.ctx, q.key.Domain)
		if err != nil {
			q.logger.Debug("MTA-STS lookup failed", "domain", q.key.Domain, "error", err)
		}
	}

	cands := make([]candidate, 0, len(usable))
	for _, h := range usable {
		mode, ok := delivery.ApplyMTASTS(cfg.EnableTLS, policy, h.Name)
		if !ok {
			q.logger.Debug("Host excluded by MTA-STS policy", "peer", h.String())
			continue
		}
		cands = append(cands, candidate{host: h, tls: mode})
	}
	if len(cands) == 0 {
		q.transientFailure(msg, responseMTASTS, "", reason.Context{})
		return nil, false
	}
	return cands, true
}

// deliver sends msg, together with already queued messages up to
// max_message_batch, over the open session. It returns false when the
// dispatcher should exit.
func (d *dispatcher) deliver(msg *message.Message, cfg *egress.PathConfig) bool {
	q := d.q

	if spec := cfg.MaxMessageRate; spec != nil {
		res, err := q.deps.Throttles.WaitUpTo(q.ctx, "path-message-rate:"+q.name, *spec, cfg.IdleTimeout())
		switch {
		case q.ctx.Err() != nil:
			q.requeue(msg, Requeue{Reason: reason.New(reason.DispatcherDrop)})
			return false
		case err != nil:
			q.logger.Warn("Ignoring failed message rate check", "error", err)
		case res.Throttled:
			q.requeueAll(msg, res.RetryAfter, reason.MessageRateThrottle)
			return true
		}
	}

	var msgs []*message.Message
	var envs []delivery.Envelope
	for _, m := range append([]*message.Message{msg}, d.gather(cfg)...) {
		data, err := m.LoadData(q.ctx, q.deps.Store)
		if err != nil {
			q.logger.Error("Failed to load message body", "message_id", m.ID(), "error", err)
			q.transientFailure(m, responseNoBody, "", reason.Context{})
			continue
		}
		msgs = append(msgs, m)
		envs = append(envs, delivery.Envelope{
			ID:         m.ID(),
			Sender:     m.Sender(),
			Recipients: m.Recipients(),
			Data:       data,
		})
	}
	if len(msgs) == 0 {
		return true
	}

	started := time.Now()
	results := d.send(envs)
	metrics.Get().DeliveryDuration.WithLabelValues(q.name).Observe(time.Since(started).Seconds())
	peer := d.peer.String()
	tls := transportTLS(d.transport)

	for i, m := range msgs {
		if err := results[i].Err; err != nil {
			return d.lost(msgs[i:], peer, err)
		}
		d.delivered++
		resp := results[i].Response
		switch {
		case resp.IsSuccess():
			q.delivered(m, resp, peer, tls)
		case resp.IsPermanent():
			q.bounce(m, resp, peer, "")
		case resp.Code == 452 && resp.Command == string(delivery.PhaseRcptTo):
			q.transientFailure(m, resp, peer, reason.New(reason.TooManyRecipients))
		default:
			q.transientFailure(m, resp, peer, reason.Context{})
		}
	}

	if c, ok := d.transport.(interface{ Connected() bool }); ok && !c.Connected() {
		d.closeTransport()
	}
	return true
}

// gather takes further queued messages for the current round trip without
// waiting, within max_message_batch and the per-connection budget
func (d *dispatcher) gather(cfg *egress.PathConfig) []*message.Message {
	q := d.q
	n := min(max(cfg.MaxMessageBatch, 1), cfg.MaxDeliveriesPerConnection-d.delivered) - 1
	var out []*message.Message
	for len(out) < n {
		next, ok := q.tryTake()
		if !ok {
			break
		}
		if spec := cfg.MaxMessageRate; spec != nil {
			res, err := q.deps.Throttles.Check(q.ctx, "path-message-rate:"+q.name, *spec)
			if err == nil && res.Throttled {
				q.pushFront(next)
				break
			}
		}
		out = append(out, next)
	}
	return out
}

// send delivers envs and returns one result per envelope
func (d *dispatcher) send(envs []delivery.Envelope) []delivery.BatchResult {
	if len(envs) == 1 {
		resp, err := d.transport.SendOne(d.q.ctx, envs[0])
		return []delivery.BatchResult{{Response: resp, Err: err}}
	}
	results, err := d.transport.SendBatch(d.q.ctx, envs)
	if len(results) < len(envs) {
		if err == nil {
			err = errors.New("short batch result")
		}
		for range len(envs) - len(results) {
			results = append(results, delivery.BatchResult{Err: err})
		}
	}
	return results
}

// lost handles a session that failed before rest could be delivered.
// The head message goes back to the queue once; losing it twice in a row
// counts as a transient failure.
func (d *dispatcher) lost(rest []*message.Message, peer string, err error) bool {
	q := d.q
	d.closeTransport()
	first := rest[0]
	switch {
	case q.ctx.Err() != nil:
		for _, m := range rest {
			q.transientFailure(m, responseAborted, peer, reason.New(reason.DispatcherDrop))
		}
		return false
	case d.lastLost == first.ID():
		q.transientFailure(first, responseLost, peer, reason.New(reason.PeerClosedConnection))
		rest = rest[1:]
	default:
		q.logger.Debug("Connection lost, returning message to the queue", "peer", peer, "message_id", first.ID(), "error", err)
		d.lastLost = first.ID()
	}
	for i := len(rest) - 1; i >= 0; i-- {
		q.pushFront(rest[i])
	}
	return true
}

func transportTLS(t delivery.Transport) bool {
	if v, ok := t.(interface{ TLS() bool }); ok {
		return v.TLS()
	}
	return false
}
