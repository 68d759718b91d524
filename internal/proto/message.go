package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the OCPP-J message type id placed first on the wire.
type MessageType int

const (
	TypeRequest       MessageType = 2
	TypeResponse      MessageType = 3
	TypeRequestError  MessageType = 4
	TypeResponseError MessageType = 5
)

func (t MessageType) Valid() bool {
	return t >= TypeRequest && t <= TypeResponseError
}

// IsReply reports whether the type answers an earlier request.
func (t MessageType) IsReply() bool {
	return t == TypeResponse || t == TypeRequestError || t == TypeResponseError
}

func (t MessageType) IsError() bool {
	return t == TypeRequestError || t == TypeResponseError
}

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "Request"
	case TypeResponse:
		return "Response"
	case TypeRequestError:
		return "RequestError"
	case TypeResponseError:
		return "ResponseError"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// NetworkingMode selects implicit single-hop or explicit multi-hop addressing.
type NetworkingMode uint8

const (
	Standard NetworkingMode = iota
	Multihop
)

func (m NetworkingMode) String() string {
	if m == Multihop {
		return "Multihop"
	}
	return "Standard"
}

// NodeID identifies a node. The zero value means "unset".
type NodeID string

const Zero NodeID = ""

func (id NodeID) IsZero() bool {
	return id == Zero
}

// Envelope is the single wire message shape. Type selects which of the
// variant-specific fields are meaningful:
//
//	Request        Action, Payload, Deadline
//	Response       Payload
//	RequestError   Action, ErrorCode, ErrorDescription, ErrorDetails
//	ResponseError  ErrorCode, ErrorDescription, ErrorDetails
type Envelope struct {
	Type            MessageType
	RequestID       string
	Action          string
	Destination     NodeID
	Path            NetworkPath
	Mode            NetworkingMode
	Payload         json.RawMessage
	Timestamp       time.Time
	EventTrackingID string

	// Deadline is the absolute request timeout.
	Deadline time.Time

	ErrorCode        ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

func NewRequest(requestID, action string, payload json.RawMessage) Envelope {
	return Envelope{
		Type:      TypeRequest,
		RequestID: requestID,
		Action:    action,
		Payload:   payload,
	}
}

func NewResponse(requestID string, payload json.RawMessage) Envelope {
	return Envelope{
		Type:      TypeResponse,
		RequestID: requestID,
		Payload:   payload,
	}
}

func NewRequestError(requestID, action string, code ErrorCode, description string, details json.RawMessage) Envelope {
	return Envelope{
		Type:             TypeRequestError,
		RequestID:        requestID,
		Action:           action,
		ErrorCode:        code,
		ErrorDescription: description,
		ErrorDetails:     details,
	}
}

func NewResponseError(requestID string, code ErrorCode, description string, details json.RawMessage) Envelope {
	return Envelope{
		Type:             TypeResponseError,
		RequestID:        requestID,
		ErrorCode:        code,
		ErrorDescription: description,
		ErrorDetails:     details,
	}
}

// ReplyTo addresses a reply envelope at the origin of req. In Multihop mode
// the reply travels back to the request path source with a fresh path
// starting at self; in Standard mode both stay implicit.
func (e Envelope) ReplyTo(req Envelope, self NodeID) Envelope {
	e.RequestID = req.RequestID
	e.Mode = req.Mode
	e.EventTrackingID = req.EventTrackingID
	if req.Mode == Multihop {
		e.Destination = req.Path.Source()
		e.Path = NetworkPath{self}
	}
	return e
}

func (e Envelope) String() string {
	if e.Type == TypeRequest || e.Type == TypeRequestError {
		return fmt.Sprintf("%s[%s %s dst=%s path=%s]", e.Type, e.RequestID, e.Action, e.Destination, e.Path)
	}
	return fmt.Sprintf("%s[%s dst=%s path=%s]", e.Type, e.RequestID, e.Destination, e.Path)
}
