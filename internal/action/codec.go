package action

import (
	"encoding/json"

	"github.com/juju/errors"

	"ocppmesh/internal/proto"
)

// RequestContext is what a payload parser may know about a request
// besides its bytes.
type RequestContext struct {
	RequestID   string
	Destination proto.NodeID
	Path        proto.NetworkPath
}

// Codec converts one action's payloads between wire JSON and typed values.
type Codec interface {
	ParseRequest(payload json.RawMessage, rc RequestContext) (any, error)
	EncodeRequest(req any) (json.RawMessage, error)
	ParseResponse(payload json.RawMessage) (any, error)
	EncodeResponse(resp any) (json.RawMessage, error)
	// Rejected builds a well-typed negative response, used when a request
	// is filtered or no handler produced a result.
	Rejected(reason string) any
}

// JSONCodec is a Codec for request and response structs that round trip
// through encoding/json.
type JSONCodec[Req, Resp any] struct {
	reject func(reason string) Resp
}

// NewJSONCodec returns a codec whose rejection response comes from reject.
func NewJSONCodec[Req, Resp any](reject func(reason string) Resp) *JSONCodec[Req, Resp] {
	return &JSONCodec[Req, Resp]{reject: reject}
}

func (c *JSONCodec[Req, Resp]) ParseRequest(payload json.RawMessage, _ RequestContext) (any, error) {
	var req Req
	if err := unmarshalStrict(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *JSONCodec[Req, Resp]) EncodeRequest(req any) (json.RawMessage, error) {
	return marshalTyped[Req](req)
}

func (c *JSONCodec[Req, Resp]) ParseResponse(payload json.RawMessage) (any, error) {
	var resp Resp
	if err := unmarshalStrict(payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *JSONCodec[Req, Resp]) EncodeResponse(resp any) (json.RawMessage, error) {
	return marshalTyped[Resp](resp)
}

func (c *JSONCodec[Req, Resp]) Rejected(reason string) any {
	var resp Resp
	if c.reject != nil {
		resp = c.reject(reason)
	}
	return &resp
}

func unmarshalStrict(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return errors.NotValidf("empty payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.Annotate(err, "parse payload")
	}
	return nil
}

func marshalTyped[T any](v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case *T:
		if t == nil {
			return nil, errors.NotValidf("nil %T", v)
		}
		return json.Marshal(t)
	case T:
		return json.Marshal(t)
	case json.RawMessage:
		return t, nil
	default:
		var want *T
		return nil, errors.NotValidf("payload type %T (want %T)", v, want)
	}
}
