package action

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"ocppmesh/internal/proto"
)

// Call is a parsed inbound request addressed to this node.
type Call struct {
	Action          string
	RequestID       string
	Destination     proto.NodeID
	Path            proto.NetworkPath
	EventTrackingID string
	// Request is the value returned by the action codec's ParseRequest.
	Request any
}

// Handler answers a request. A nil result with a nil error means "no
// answer from me", letting another subscriber respond.
type Handler interface {
	Handle(ctx context.Context, call *Call) (any, error)
}

type HandlerFunc func(ctx context.Context, call *Call) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, call *Call) (any, error) {
	return f(ctx, call)
}

// Typed adapts a handler working on concrete request and response types.
// Returning a nil *Resp means "no answer".
func Typed[Req, Resp any](fn func(ctx context.Context, call *Call, req *Req) (*Resp, error)) Handler {
	return HandlerFunc(func(ctx context.Context, call *Call) (any, error) {
		req, ok := call.Request.(*Req)
		if !ok {
			var want *Req
			return nil, errors.NotValidf("request type %T (want %T)", call.Request, want)
		}
		resp, err := fn(ctx, call, req)
		if resp == nil {
			return nil, err
		}
		return resp, err
	})
}

// CallError lets a handler choose the OCPP error code sent back.
type CallError struct {
	Code        proto.ErrorCode
	Description string
	Details     any
}

func NewCallError(code proto.ErrorCode, description string, details any) *CallError {
	return &CallError{Code: code, Description: description, Details: details}
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// DetailsJSON renders Details for the wire, falling back to an empty object.
func (e *CallError) DetailsJSON() json.RawMessage {
	if e.Details == nil {
		return json.RawMessage(`{}`)
	}
	if raw, ok := e.Details.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(e.Details)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// PanicError is a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Invoke runs every handler of the entry concurrently, waits for all of
// them and returns the first non-nil result in subscription order. When no
// handler produced a result, the first error in subscription order is
// returned; when there is none either, the codec's Rejected("Failed")
// response stands in.
func (e *Entry) Invoke(ctx context.Context, call *Call) (any, error) {
	if len(e.handlers) == 0 {
		return nil, errors.NotImplementedf("action %q on this node", e.name)
	}
	results := make([]any, len(e.handlers))
	errs := make([]error, len(e.handlers))
	// Outcomes are kept per slot so ordering is by subscription; the group
	// only runs and awaits the handlers.
	var g errgroup.Group
	for i, h := range e.handlers {
		g.Go(func() error {
			results[i], errs[i] = safeHandle(ctx, h, call)
			return nil
		})
	}
	_ = g.Wait()
	for _, r := range results {
		if r != nil {
			return r, nil
		}
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return e.codec.Rejected("Failed"), nil
}

func safeHandle(ctx context.Context, h Handler, call *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.Handle(ctx, call)
}
