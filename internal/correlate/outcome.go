package correlate

import (
	"encoding/json"
	"fmt"

	"github.com/juju/errors"

	"ocppmesh/internal/proto"
)

// Kind is the terminal state a pending request resolved to.
type Kind int

const (
	// Response: a matching Response arrived.
	Response Kind = iota + 1
	// Error: a matching RequestError or ResponseError arrived.
	Error
	// Timeout: the deadline passed without a reply.
	Timeout
	// Closed: the originating connection went away.
	Closed
	// Cancelled: the caller gave up waiting.
	Cancelled
	// SendFailed: the request never made it onto the transport.
	SendFailed
	// SignatureError: signing or verification failed under a mandating policy.
	SignatureError
)

func (k Kind) String() string {
	switch k {
	case Response:
		return "response"
	case Error:
		return "error"
	case Timeout:
		return "timeout"
	case Closed:
		return "closed"
	case Cancelled:
		return "cancelled"
	case SendFailed:
		return "send-failed"
	case SignatureError:
		return "signature-error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

const (
	ErrTimeout      = errors.ConstError("request timed out")
	ErrConnClosed   = errors.ConstError("connection closed")
	ErrCancelled    = errors.ConstError("request cancelled")
	ErrDuplicateID  = errors.ConstError("request id already pending")
	ErrNotResponded = errors.ConstError("request not resolved")
)

// Outcome is how a pending request ended.
type Outcome struct {
	Kind Kind
	// Reply is the matching envelope for Response and Error outcomes.
	Reply proto.Envelope
	// Err explains every non-Response outcome.
	Err error
}

func (o Outcome) OK() bool {
	return o.Kind == Response
}

// Decode unmarshals the response payload into v.
func (o Outcome) Decode(v any) error {
	if o.Kind != Response {
		return errors.Annotatef(o.AsError(), "no response payload")
	}
	return errors.Trace(json.Unmarshal(o.Reply.Payload, v))
}

// AsError turns a non-Response outcome into an error value.
func (o Outcome) AsError() error {
	switch o.Kind {
	case Response:
		return nil
	case Error:
		return &ReplyError{
			Code:        o.Reply.ErrorCode,
			Description: o.Reply.ErrorDescription,
			Details:     o.Reply.ErrorDetails,
			Type:        o.Reply.Type,
		}
	case 0:
		return ErrNotResponded
	}
	if o.Err != nil {
		return o.Err
	}
	return errors.Errorf("request ended: %s", o.Kind)
}

// ReplyError is a RequestError or ResponseError received from the peer.
type ReplyError struct {
	Type        proto.MessageType
	Code        proto.ErrorCode
	Description string
	Details     json.RawMessage
}

func (e *ReplyError) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return e.Description + " (" + string(e.Code) + ")"
}

// ErrorCode mirrors the accessor juju's rpc errors expose.
func (e *ReplyError) ErrorCode() string {
	return string(e.Code)
}
