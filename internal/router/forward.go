package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"

	"ocppmesh/internal/action"
	"ocppmesh/internal/debuglog"
	"ocppmesh/internal/proto"
	"ocppmesh/internal/signature"
)

// Wildcard is the action of filters that see every forwarded request.
const Wildcard = "*"

// Result is what happens to a forwarded request.
type Result int

const (
	Forward Result = iota
	Replace
	Reject
	Drop
)

func (r Result) String() string {
	switch r {
	case Forward:
		return "forward"
	case Replace:
		return "replace"
	case Reject:
		return "reject"
	case Drop:
		return "drop"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// ParseResult reads a result name as written in configuration.
func ParseResult(s string) (Result, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "forward":
		return Forward, nil
	case "reject":
		return Reject, nil
	case "drop":
		return Drop, nil
	}
	return 0, errors.NotValidf("forwarding result %q", s)
}

// Decision is a filter's verdict on one forwarded request.
type Decision struct {
	Result Result
	// Request replaces the payload on Replace: a typed request of the
	// action or raw JSON.
	Request any
	// Response, when set on Reject, is sent back instead of the action
	// codec's rejection.
	Response any
	// Reason is passed to the codec's Rejected on Reject.
	Reason string
}

func DecideForward() *Decision            { return &Decision{Result: Forward} }
func DecideReplace(req any) *Decision     { return &Decision{Result: Replace, Request: req} }
func DecideReject(response any) *Decision { return &Decision{Result: Reject, Response: response} }
func DecideDrop() *Decision               { return &Decision{Result: Drop} }

// ForwardRequest is what filters and observers see of a request passing
// through this node.
type ForwardRequest struct {
	Envelope proto.Envelope
	// Request is the parsed payload, nil when the action is unknown here.
	Request      any
	Known        bool
	Verification signature.Verification
}

// Filter decides on a forwarded request. Returning nil means no opinion.
type Filter func(ctx context.Context, req *ForwardRequest, from Conn) *Decision

// FilterRule attaches a filter to one action, or to every action when
// Action is empty or Wildcard.
type FilterRule struct {
	Action string
	Filter Filter
}

// Static returns a filter that always decides result.
func Static(result Result, reason string) Filter {
	return func(context.Context, *ForwardRequest, Conn) *Decision {
		return &Decision{Result: result, Reason: reason}
	}
}

// Observer follows forwarded requests. Calls are synchronous on the
// forwarding goroutine.
type Observer interface {
	OnReceived(req *ForwardRequest, from Conn)
	OnDecision(req *ForwardRequest, from Conn, d Decision)
	OnSent(req *ForwardRequest, to Conn, err error)
}

func (r *Router) decide(ctx context.Context, req *ForwardRequest, from Conn) *Decision {
	for _, f := range r.filters[req.Envelope.Action] {
		if d := f(ctx, req, from); d != nil {
			return d
		}
	}
	for _, f := range r.wildcard {
		if d := f(ctx, req, from); d != nil {
			return d
		}
	}
	return &Decision{Result: r.defaultResult}
}

// forwardRequest runs a request addressed to another node through the
// filter pipeline and relays, rewrites, rejects or drops it.
func (r *Router) forwardRequest(ctx context.Context, from Conn, env proto.Envelope, binary bool) {
	self := r.self.Self()
	r.metrics.IncForwardReceived()
	fr := &ForwardRequest{Envelope: env}
	reject := func(code proto.ErrorCode, desc string) {
		reply := proto.NewRequestError(env.RequestID, env.Action, code, desc, emptyObject).ReplyTo(env, self)
		if err := r.Reply(ctx, from, reply, binary); err != nil {
			logger.Warningf("rejecting %s: %v", env, err)
		}
	}
	// refuse rejects before the filters had a say.
	refuse := func(code proto.ErrorCode, desc string) {
		d := Decision{Result: Reject, Reason: string(code)}
		for _, o := range r.observers {
			o.OnDecision(fr, from, d)
		}
		reject(code, desc)
	}

	if err := env.Path.CheckRelay(self, r.maxHops); err != nil {
		r.metrics.IncHopLimit()
		r.metrics.IncDropByReason(pathReason(err))
		refuse(proto.ProtocolError, err.Error())
		return
	}

	entry, known := r.registry.Lookup(env.Action)
	fr.Known = known
	if known {
		parsed, err := entry.Codec().ParseRequest(env.Payload, action.RequestContext{
			RequestID:   env.RequestID,
			Destination: env.Destination,
			Path:        env.Path,
		})
		if err != nil {
			refuse(proto.FormationViolation, err.Error())
			return
		}
		fr.Request = parsed
	}
	fr.Verification = r.policy.Verify(ctx, env.Action, env.Payload)
	if fr.Verification.Err != nil {
		r.metrics.IncSignatureFail()
		refuse(proto.SecurityError, fr.Verification.Err.Error())
		return
	}

	for _, o := range r.observers {
		o.OnReceived(fr, from)
	}
	d := r.decide(ctx, fr, from)
	for _, o := range r.observers {
		o.OnDecision(fr, from, *d)
	}
	logger.Debugf("%s from %s: %s", env, from.ID(), d.Result)

	switch d.Result {
	case Drop:
		return
	case Reject:
		if !known {
			reject(proto.NotImplemented, fmt.Sprintf("action %q not implemented", env.Action))
			return
		}
		r.rejectWithResponse(ctx, from, env, entry, d, binary)
		return
	case Forward, Replace:
	default:
		logger.Errorf("filter returned unknown result %s for %s", d.Result, env)
		reject(proto.InternalError, "invalid forwarding decision")
		return
	}

	out := env
	if d.Result == Replace {
		payload, err := r.encodeRequest(env.Action, d.Request)
		if err != nil {
			logger.Errorf("replacement for %s: %v", env, err)
			reject(proto.InternalError, "invalid replacement request")
			return
		}
		out.Payload = payload
	}
	out.Path = env.Path.Append(self)
	sent := func(to Conn, err error) {
		for _, o := range r.observers {
			o.OnSent(fr, to, err)
		}
	}
	var err error
	if to, ok := r.routes.Lookup(out.Destination); ok {
		err = r.relayOn(ctx, to, out, r.rememberOrigin(to, out, sent))
	} else {
		err = r.Relay(ctx, out, sent)
	}
	switch {
	case errors.Is(err, ErrNoRoute):
		r.metrics.IncNoRoute()
		reject(proto.GenericError, "destination unreachable")
	case err != nil:
		logger.Warningf("relaying %s: %v", out, err)
		reject(proto.GenericError, "relay failed")
	}
}

// rememberOrigin records the originator of a request about to leave on a
// Standard connection, where the reply will come back without addressing.
// The returned callback forgets the record again if the send fails.
func (r *Router) rememberOrigin(to Conn, env proto.Envelope, sent func(Conn, error)) func(Conn, error) {
	if to.Multihop() {
		return sent
	}
	ttl := r.timeout
	if !env.Deadline.IsZero() {
		ttl = env.Deadline.Sub(r.clock.Now())
	}
	if ttl <= 0 {
		return sent
	}
	r.relayed.remember(to.ID(), env.RequestID, env.Path.Source(), ttl)
	return func(conn Conn, err error) {
		if err != nil {
			r.relayed.take(to.ID(), env.RequestID)
		}
		sent(conn, err)
	}
}

func (r *Router) rejectWithResponse(ctx context.Context, from Conn, env proto.Envelope, entry *action.Entry, d *Decision, binary bool) {
	resp := d.Response
	if resp == nil {
		reason := d.Reason
		if reason == "" {
			reason = filteredReason
		}
		resp = entry.Codec().Rejected(reason)
	}
	self := r.self.Self()
	payload, err := entry.Codec().EncodeResponse(resp)
	if err == nil {
		payload, err = r.policy.Sign(ctx, env.Action, payload)
	}
	var reply proto.Envelope
	if err != nil {
		logger.Errorf("rejection for %s: %v", env, err)
		reply = proto.NewResponseError(env.RequestID, proto.InternalError, "invalid rejection response", emptyObject)
	} else {
		reply = proto.NewResponse(env.RequestID, payload)
	}
	if err := r.Reply(ctx, from, reply.ReplyTo(env, self), binary); err != nil {
		logger.Warningf("rejecting %s: %v", env, err)
	}
}

// forwardReply relays a reply addressed to another node. Replies that
// cannot travel further are dropped.
func (r *Router) forwardReply(ctx context.Context, from Conn, env proto.Envelope) {
	if err := env.Path.CheckRelay(r.self.Self(), r.maxHops); err != nil {
		r.metrics.IncHopLimit()
		r.metrics.IncDropByReason(pathReason(err))
		logger.Debugf("dropping %s from %s: %v", env, from.ID(), err)
		return
	}
	out := env
	out.Path = env.Path.Append(r.self.Self())
	if err := r.Relay(ctx, out, nil); err != nil {
		if errors.Is(err, ErrNoRoute) {
			r.metrics.IncNoRoute()
		}
		r.metrics.IncDropByReason("reply_undeliverable")
		debuglog.RateLimitedf(logger, "reply:"+string(env.Destination), noisyLogEvery, "dropping %s: %v", env, err)
		return
	}
	r.metrics.IncReplyRelayed()
}

func pathReason(err error) string {
	if errors.Is(err, proto.ErrPathCycle) {
		return "path_cycle"
	}
	return "hop_limit"
}
