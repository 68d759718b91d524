package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/juju/errors"

	"ocppmesh/internal/action"
	"ocppmesh/internal/proto"
)

var emptyObject = json.RawMessage(`{}`)

// dispatch answers a request addressed to this node on the connection it
// arrived on.
func (r *Router) dispatch(ctx context.Context, conn Conn, req proto.Envelope, binary bool) {
	r.metrics.IncDispatched()
	reply := r.answer(ctx, req).ReplyTo(req, r.self.Self())
	if err := r.Reply(ctx, conn, reply, binary); err != nil {
		logger.Warningf("replying to %s: %v", req, err)
	}
}

// answer runs the request through its action entry and always produces a
// reply envelope; failures become error envelopes.
func (r *Router) answer(ctx context.Context, req proto.Envelope) proto.Envelope {
	entry, ok := r.registry.Lookup(req.Action)
	if !ok {
		r.metrics.IncNotImplemented()
		return proto.NewRequestError(req.RequestID, req.Action, proto.NotImplemented,
			fmt.Sprintf("action %q not implemented", req.Action), echo(req.Payload))
	}
	parsed, err := entry.Codec().ParseRequest(req.Payload, action.RequestContext{
		RequestID:   req.RequestID,
		Destination: req.Destination,
		Path:        req.Path,
	})
	if err != nil {
		return proto.NewRequestError(req.RequestID, req.Action, proto.FormationViolation, err.Error(), emptyObject)
	}
	if v := r.policy.Verify(ctx, req.Action, req.Payload); v.Err != nil {
		r.metrics.IncSignatureFail()
		return proto.NewRequestError(req.RequestID, req.Action, proto.SecurityError, v.Err.Error(), emptyObject)
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}
	result, err := entry.Invoke(ctx, &action.Call{
		Action:          req.Action,
		RequestID:       req.RequestID,
		Destination:     req.Destination,
		Path:            req.Path,
		EventTrackingID: req.EventTrackingID,
		Request:         parsed,
	})
	if err != nil {
		r.metrics.IncHandlerError()
		return handlerErrorReply(req, err)
	}
	payload, err := entry.Codec().EncodeResponse(result)
	if err != nil {
		r.metrics.IncHandlerError()
		return handlerErrorReply(req, errors.Annotate(err, "encoding response"))
	}
	payload, err = r.policy.Sign(ctx, req.Action, payload)
	if err != nil {
		logger.Errorf("signing response to %s: %v", req, err)
		return proto.NewResponseError(req.RequestID, proto.SecurityError, "response could not be signed", emptyObject)
	}
	r.metrics.IncAnswered()
	return proto.NewResponse(req.RequestID, payload)
}

// handlerErrorReply maps a handler failure onto the wire. A *CallError
// picks its own code; anything else is an internal error.
func handlerErrorReply(req proto.Envelope, err error) proto.Envelope {
	var ce *action.CallError
	if errors.As(err, &ce) {
		return proto.NewRequestError(req.RequestID, req.Action, ce.Code, ce.Description, ce.DetailsJSON())
	}
	if errors.Is(err, errors.NotImplemented) {
		return proto.NewRequestError(req.RequestID, req.Action, proto.NotImplemented, err.Error(), emptyObject)
	}
	var pe *action.PanicError
	if errors.As(err, &pe) {
		logger.Errorf("handler for %s panicked: %v\n%s", req, pe.Value, pe.Stack)
	} else {
		logger.Warningf("handler for %s failed: %v", req, err)
	}
	details, _ := json.Marshal(map[string]string{"error": err.Error()})
	return proto.NewResponseError(req.RequestID, proto.InternalError, "internal error", details)
}

func echo(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return emptyObject
	}
	return payload
}
