// Package router moves OCPP envelopes between connections and this node:
// inbound dispatch to registered handlers, correlation of originated
// requests with their replies, and the filtered relaying of envelopes
// addressed to other nodes.
package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"ocppmesh/internal/action"
	"ocppmesh/internal/correlate"
	"ocppmesh/internal/debuglog"
	"ocppmesh/internal/metrics"
	"ocppmesh/internal/proto"
	"ocppmesh/internal/signature"
)

var logger = debuglog.Logger("router")

const (
	sendTimeout    = 10 * time.Second
	noisyLogEvery  = 10 * time.Second
	defaultTimeout = 30 * time.Second
	filteredReason = "Filtered"
)

// Identity answers which node ids this node accepts as its own.
type Identity interface {
	Self() proto.NodeID
	IsLocal(id proto.NodeID) bool
}

// SignaturePolicy signs outgoing payloads and verifies incoming ones.
type SignaturePolicy interface {
	Sign(ctx context.Context, action string, payload json.RawMessage) (json.RawMessage, error)
	Verify(ctx context.Context, action string, payload json.RawMessage) signature.Verification
}

type Options struct {
	Identity   Identity
	Registry   *action.Registry
	Signatures SignaturePolicy
	Routes     *Routes
	Clock      clock.Clock
	Metrics    *metrics.Metrics

	// DefaultResult applies to forwarded requests no filter decided on.
	DefaultResult Result
	// MaxHops bounds relayed paths; zero means proto.DefaultMaxHops.
	MaxHops int
	// RequestTimeout applies to sent requests without their own timeout.
	RequestTimeout time.Duration

	Filters   []FilterRule
	Observers []Observer

	NewRequestID func() string
}

// Router is safe for concurrent use once constructed. Filters and
// observers are fixed at construction.
type Router struct {
	self     Identity
	registry *action.Registry
	policy   SignaturePolicy
	pending  *correlate.Table
	relayed  *relayedRequests
	routes   *Routes
	clock    clock.Clock
	metrics  *metrics.Metrics

	defaultResult Result
	maxHops       int
	timeout       time.Duration
	filters       map[string][]Filter
	wildcard      []Filter
	observers     []Observer
	newID         func() string

	wg sync.WaitGroup
}

func New(opts Options) (*Router, error) {
	if opts.Identity == nil {
		return nil, errors.NotValidf("router without identity")
	}
	if opts.Registry == nil {
		return nil, errors.NotValidf("router without action registry")
	}
	switch opts.DefaultResult {
	case Forward, Reject:
	default:
		return nil, errors.NotValidf("default forwarding result %s", opts.DefaultResult)
	}
	r := &Router{
		self:          opts.Identity,
		registry:      opts.Registry,
		policy:        opts.Signatures,
		routes:        opts.Routes,
		clock:         opts.Clock,
		metrics:       opts.Metrics,
		defaultResult: opts.DefaultResult,
		maxHops:       opts.MaxHops,
		timeout:       opts.RequestTimeout,
		filters:       make(map[string][]Filter),
		observers:     append([]Observer(nil), opts.Observers...),
		newID:         opts.NewRequestID,
	}
	if r.policy == nil {
		r.policy = (*signature.Policy)(nil)
	}
	if r.routes == nil {
		r.routes = NewRoutes()
	}
	if r.clock == nil {
		r.clock = clock.WallClock
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	if r.maxHops <= 0 {
		r.maxHops = proto.DefaultMaxHops
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	for _, fr := range opts.Filters {
		if fr.Filter == nil {
			return nil, errors.NotValidf("nil filter for action %q", fr.Action)
		}
		if fr.Action == "" || fr.Action == Wildcard {
			r.wildcard = append(r.wildcard, fr.Filter)
			continue
		}
		r.filters[fr.Action] = append(r.filters[fr.Action], fr.Filter)
	}
	r.relayed = newRelayedRequests(r.clock)
	r.pending = correlate.NewTable(correlate.Options{
		Clock:       r.clock,
		OnResolved:  r.onResolved,
		OnUnmatched: r.onUnmatched,
	})
	return r, nil
}

func (r *Router) Pending() *correlate.Table { return r.pending }
func (r *Router) Routes() *Routes           { return r.routes }
func (r *Router) Metrics() *metrics.Metrics { return r.metrics }

// ConnectionOpened makes conn routable.
func (r *Router) ConnectionOpened(conn Conn) {
	r.routes.Add(conn)
	r.metrics.AddCurrentConns(1)
	logger.Infof("connection %s open (local=%s peer=%s multihop=%v)", conn.ID(), conn.LocalID(), conn.PeerID(), conn.Multihop())
}

// ConnectionClosed drops conn's routes and resolves every request that
// left on it.
func (r *Router) ConnectionClosed(conn Conn) {
	r.routes.Remove(conn)
	r.metrics.AddCurrentConns(-1)
	r.relayed.forgetConn(conn.ID())
	n := r.pending.CloseConn(conn.ID())
	logger.Infof("connection %s closed, %d pending requests failed", conn.ID(), n)
}

// HandleFrame decodes one frame read from conn and routes it. Transports
// call it sequentially per connection; dispatch and relaying continue on
// their own goroutines.
func (r *Router) HandleFrame(ctx context.Context, conn Conn, frame []byte, binary bool) {
	r.metrics.IncFrameReceived()
	env, err := proto.CodecFor(binary).Decode(frame)
	if err != nil {
		r.metrics.IncDecodeError()
		r.metrics.IncDropByReason("decode")
		debuglog.RateLimitedf(logger, "decode:"+conn.ID(), noisyLogEvery, "dropping frame from %s: %v", conn.ID(), err)
		return
	}
	r.metrics.IncRecvByType(env.Type.String())
	r.resolveDestination(conn, &env)
	if src := env.Path.Source(); src != r.self.Self() {
		r.routes.Learn(src, conn, env.Path.Len())
	}
	if logger.IsTraceEnabled() {
		logger.Tracef("recv %s on %s", env, conn.ID())
	}

	local := r.self.IsLocal(env.Destination)
	switch {
	case env.Type == proto.TypeRequest && local:
		r.async(func() { r.dispatch(ctx, conn, env, binary) })
	case env.Type == proto.TypeRequest:
		r.async(func() { r.forwardRequest(ctx, conn, env, binary) })
	case local:
		r.correlateReply(ctx, conn, env)
	default:
		r.async(func() { r.forwardReply(ctx, conn, env) })
	}
}

// Wait blocks until every dispatch and relay started so far has finished.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Shutdown waits for in-flight work and fails whatever is still pending.
func (r *Router) Shutdown() {
	r.wg.Wait()
	if n := r.pending.CloseAll(); n > 0 {
		logger.Infof("shutdown failed %d pending requests", n)
	}
}

// resolveDestination fills in the implicit addressing of envelopes that
// carry none: they came from the peer, and requests are for whoever this
// node is on the connection. A reply goes to whoever sent the request it
// answers on this connection: this node for its own requests, the
// originator for relayed ones.
func (r *Router) resolveDestination(conn Conn, env *proto.Envelope) {
	if !env.Destination.IsZero() {
		return
	}
	env.Destination = r.implicitDestination(conn, *env)
	if peer := conn.PeerID(); !peer.IsZero() && env.Path.Last() != peer {
		env.Path = env.Path.Append(peer)
	}
}

func (r *Router) implicitDestination(conn Conn, env proto.Envelope) proto.NodeID {
	if env.Type != proto.TypeRequest {
		if req, ok := r.pending.Lookup(env.RequestID); ok && req.Conn == conn.ID() {
			return r.self.Self()
		}
		if origin, ok := r.relayed.take(conn.ID(), env.RequestID); ok {
			return origin
		}
	}
	if local := conn.LocalID(); !local.IsZero() {
		return local
	}
	return r.self.Self()
}

func (r *Router) async(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// sendContext detaches a transmission from the lifetime of the connection
// that triggered it.
func (r *Router) sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
}

// sendEnvelope encodes env the way conn expects and writes it.
func (r *Router) sendEnvelope(ctx context.Context, conn Conn, env proto.Envelope, binary bool) error {
	if conn.Multihop() {
		env.Mode = proto.Multihop
	} else {
		env.Mode = proto.Standard
		env.Destination = proto.Zero
		env.Path = nil
	}
	frame, err := proto.CodecFor(binary).Encode(env)
	if err != nil {
		return errors.Annotatef(err, "encoding %s", env)
	}
	if err := conn.SendFrame(ctx, frame, binary); err != nil {
		r.metrics.IncSendError()
		return errors.Annotatef(err, "sending %s on %s", env, conn.ID())
	}
	r.metrics.IncFrameSent()
	if logger.IsTraceEnabled() {
		logger.Tracef("sent %s on %s", env, conn.ID())
	}
	return nil
}

func (r *Router) onResolved(req correlate.Request, out correlate.Outcome) {
	r.metrics.ObserveOutcome(req.Action, out.Kind, r.clock.Now().Sub(req.Sent))
	if out.Kind != correlate.Response {
		logger.Debugf("request %s %s to %s: %s: %v", req.Action, req.RequestID, req.Destination, out.Kind, out.AsError())
	}
}

func (r *Router) onUnmatched(reply proto.Envelope) {
	r.metrics.IncUnmatched()
	debuglog.RateLimitedf(logger, "unmatched", noisyLogEvery, "discarding unmatched %s", reply)
}
