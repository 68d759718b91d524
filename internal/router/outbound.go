package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"

	"ocppmesh/internal/correlate"
	"ocppmesh/internal/proto"
)

// ErrNoRoute means no connection leads to the destination.
const ErrNoRoute = errors.ConstError("no route to destination")

// Request is a request this node originates.
type Request struct {
	Action      string
	Destination proto.NodeID
	// Payload is the typed request of a registered action, or raw JSON.
	Payload any
	// RequestID defaults to a fresh UUID.
	RequestID       string
	EventTrackingID string
	// Timeout defaults to the router's request timeout.
	Timeout time.Duration
}

// Send signs, registers and transmits req. The returned Pending always
// resolves, also when nothing could be sent.
func (r *Router) Send(ctx context.Context, req Request) *correlate.Pending {
	id := req.RequestID
	if id == "" {
		id = r.newID()
	}
	now := r.clock.Now()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	tracked := correlate.Request{
		RequestID:   id,
		Action:      req.Action,
		Destination: req.Destination,
		Path:        proto.NetworkPath{r.self.Self()},
		Deadline:    now.Add(timeout),
		Sent:        now,
	}
	fail := func(kind correlate.Kind, err error) *correlate.Pending {
		r.metrics.ObserveOutcome(req.Action, kind, 0)
		logger.Debugf("request %s %s to %s not sent: %v", req.Action, id, req.Destination, err)
		return correlate.Resolved(tracked, correlate.Outcome{Kind: kind, Err: err})
	}

	payload, err := r.encodeRequest(req.Action, req.Payload)
	if err != nil {
		return fail(correlate.SendFailed, err)
	}
	payload, err = r.policy.Sign(ctx, req.Action, payload)
	if err != nil {
		return fail(correlate.SignatureError, err)
	}
	conn, ok := r.routes.Lookup(req.Destination)
	if !ok {
		return fail(correlate.SendFailed, errors.Annotatef(ErrNoRoute, "%s", req.Destination))
	}
	tracked.Conn = conn.ID()
	pending, err := r.pending.Track(tracked)
	if err != nil {
		return fail(correlate.SendFailed, err)
	}

	env := proto.NewRequest(id, req.Action, payload)
	env.Destination = req.Destination
	env.Path = tracked.Path
	env.Timestamp = now.UTC()
	env.Deadline = tracked.Deadline.UTC()
	env.EventTrackingID = req.EventTrackingID
	if env.EventTrackingID == "" {
		env.EventTrackingID = r.newID()
	}
	r.metrics.IncRequestSent()
	sctx, cancel := r.sendContext(ctx)
	defer cancel()
	if err := r.sendEnvelope(sctx, conn, env, conn.Binary()); err != nil {
		r.pending.Fail(id, correlate.SendFailed, err)
	}
	return pending
}

// Call sends req, waits for its resolution and parses the response with
// the action's codec. Error replies and local failures come back as errors.
func (r *Router) Call(ctx context.Context, req Request) (any, error) {
	out, err := r.Send(ctx, req).Wait(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !out.OK() {
		return nil, out.AsError()
	}
	entry, ok := r.registry.Lookup(req.Action)
	if !ok {
		return out.Reply.Payload, nil
	}
	return entry.Codec().ParseResponse(out.Reply.Payload)
}

// Reply transmits a locally produced reply on the connection the request
// arrived on.
func (r *Router) Reply(ctx context.Context, conn Conn, reply proto.Envelope, binary bool) error {
	if reply.Timestamp.IsZero() {
		reply.Timestamp = r.clock.Now().UTC()
	}
	sctx, cancel := r.sendContext(ctx)
	defer cancel()
	return r.sendEnvelope(sctx, conn, reply, binary)
}

// Relay transmits env towards its destination. sent, when given, learns
// where it went and how the transmission ended.
func (r *Router) Relay(ctx context.Context, env proto.Envelope, sent func(to Conn, err error)) error {
	conn, ok := r.routes.Lookup(env.Destination)
	if !ok {
		err := errors.Annotatef(ErrNoRoute, "%s", env.Destination)
		if sent != nil {
			sent(nil, err)
		}
		return err
	}
	return r.relayOn(ctx, conn, env, sent)
}

func (r *Router) relayOn(ctx context.Context, conn Conn, env proto.Envelope, sent func(to Conn, err error)) error {
	sctx, cancel := r.sendContext(ctx)
	defer cancel()
	err := r.sendEnvelope(sctx, conn, env, conn.Binary())
	if sent != nil {
		sent(conn, err)
	}
	return err
}

// correlateReply settles the pending request a reply answers. A response
// failing a required signature check resolves to SignatureError instead.
// A multihop reply must come back on the connection the request left on
// or name the request's destination as its source; anything else is
// treated as unmatched.
func (r *Router) correlateReply(ctx context.Context, conn Conn, reply proto.Envelope) {
	req, ok := r.pending.Lookup(reply.RequestID)
	if !ok {
		r.pending.Resolve(reply)
		return
	}
	if reply.Mode == proto.Multihop && req.Conn != conn.ID() && reply.Path.Source() != req.Destination {
		logger.Warningf("reply %s on %s does not answer %s %s to %s", reply, conn.ID(), req.Action, req.RequestID, req.Destination)
		r.onUnmatched(reply)
		return
	}
	if reply.Type == proto.TypeResponse {
		if v := r.policy.Verify(ctx, req.Action, reply.Payload); v.Err != nil {
			r.pending.Fail(reply.RequestID, correlate.SignatureError, v.Err)
			return
		}
	}
	r.pending.Resolve(reply)
}

func (r *Router) encodeRequest(actionName string, payload any) (json.RawMessage, error) {
	if entry, ok := r.registry.Lookup(actionName); ok {
		return entry.Codec().EncodeRequest(payload)
	}
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	return nil, errors.NotFoundf("codec for action %q", actionName)
}
