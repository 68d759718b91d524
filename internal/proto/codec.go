package proto

import (
	"fmt"
)

// Codec converts envelopes to and from one wire encoding.
type Codec interface {
	Encode(env Envelope) ([]byte, error)
	Decode(frame []byte) (Envelope, error)
}

var (
	// Text is the OCPP-J JSON array encoding used on WebSocket text frames.
	Text Codec = textCodec{}
	// Binary is the length-prefixed field layout used on binary frames.
	Binary Codec = binaryCodec{}
)

// CodecFor picks the codec matching the transport frame type.
func CodecFor(binary bool) Codec {
	if binary {
		return Binary
	}
	return Text
}

// DecodeError reports a frame that could not be turned into an envelope.
// It never invalidates the connection the frame arrived on.
type DecodeError struct {
	Frame  []byte
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %d byte frame: %s: %v", len(e.Frame), e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %d byte frame: %s", len(e.Frame), e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeError(frame []byte, reason string, err error) *DecodeError {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	return &DecodeError{Frame: cp, Reason: reason, Err: err}
}
