package proto

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/juju/errors"
)

type textCodec struct{}

// multihopHeader is the trailing array element that carries explicit
// addressing in Multihop mode. Standard-mode frames omit it and stay
// byte-compatible with plain OCPP-J.
type multihopHeader struct {
	Destination     NodeID      `json:"destination,omitempty"`
	NetworkPath     NetworkPath `json:"networkPath,omitempty"`
	Timestamp       *time.Time  `json:"timestamp,omitempty"`
	EventTrackingID string      `json:"eventTrackingId,omitempty"`
	RequestTimeout  *time.Time  `json:"requestTimeout,omitempty"`
	Action          string      `json:"action,omitempty"`
}

var emptyObject = json.RawMessage(`{}`)

func (textCodec) Encode(env Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, errors.NotValidf("message type %d", int(env.Type))
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.WriteString(strconv.Itoa(int(env.Type)))
	writeString(&buf, env.RequestID)
	switch env.Type {
	case TypeRequest:
		writeString(&buf, env.Action)
		if err := writeRaw(&buf, env.Payload); err != nil {
			return nil, errors.Annotate(err, "payload")
		}
	case TypeResponse:
		if err := writeRaw(&buf, env.Payload); err != nil {
			return nil, errors.Annotate(err, "payload")
		}
	default:
		writeString(&buf, string(env.ErrorCode))
		writeString(&buf, env.ErrorDescription)
		if err := writeRaw(&buf, env.ErrorDetails); err != nil {
			return nil, errors.Annotate(err, "error details")
		}
	}
	if env.Mode == Multihop {
		hdr := multihopHeader{
			Destination:     env.Destination,
			NetworkPath:     env.Path,
			EventTrackingID: env.EventTrackingID,
		}
		if !env.Timestamp.IsZero() {
			ts := env.Timestamp.UTC()
			hdr.Timestamp = &ts
		}
		if env.Type == TypeRequest && !env.Deadline.IsZero() {
			dl := env.Deadline.UTC()
			hdr.RequestTimeout = &dl
		}
		if env.Type == TypeRequestError {
			// The action rides in the header because OCPP-J CALLERROR has no slot for it.
			hdr.Action = env.Action
		}
		data, err := json.Marshal(hdr)
		if err != nil {
			return nil, errors.Trace(err)
		}
		buf.WriteByte(',')
		buf.Write(data)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) {
	data, _ := json.Marshal(s)
	buf.WriteByte(',')
	buf.Write(data)
}

func writeRaw(buf *bytes.Buffer, raw json.RawMessage) error {
	buf.WriteByte(',')
	if len(raw) == 0 {
		buf.Write(emptyObject)
		return nil
	}
	if !json.Valid(raw) {
		return errors.NotValidf("json %q", previewBytes(raw, 32))
	}
	buf.Write(raw)
	return nil
}

func (textCodec) Decode(frame []byte) (Envelope, error) {
	if len(bytes.TrimSpace(frame)) == 0 {
		return Envelope{}, decodeError(frame, "empty frame", nil)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		return Envelope{}, decodeError(frame, "not a json array", err)
	}
	if len(parts) < 3 {
		return Envelope{}, decodeError(frame, "too few elements", nil)
	}
	var typ int
	if err := json.Unmarshal(parts[0], &typ); err != nil {
		return Envelope{}, decodeError(frame, "bad message type id", err)
	}
	env := Envelope{Type: MessageType(typ)}
	if !env.Type.Valid() {
		return Envelope{}, decodeError(frame, "unknown message type id "+strconv.Itoa(typ), nil)
	}
	if err := json.Unmarshal(parts[1], &env.RequestID); err != nil {
		return Envelope{}, decodeError(frame, "bad request id", err)
	}
	var fixed int
	switch env.Type {
	case TypeRequest:
		fixed = 4
	case TypeResponse:
		fixed = 3
	default:
		fixed = 5
	}
	if len(parts) != fixed && len(parts) != fixed+1 {
		return Envelope{}, decodeError(frame, "wrong element count for "+env.Type.String(), nil)
	}
	switch env.Type {
	case TypeRequest:
		if err := json.Unmarshal(parts[2], &env.Action); err != nil || env.Action == "" {
			return Envelope{}, decodeError(frame, "bad action", err)
		}
		env.Payload = parts[3]
	case TypeResponse:
		env.Payload = parts[2]
	default:
		var code string
		if err := json.Unmarshal(parts[2], &code); err != nil {
			return Envelope{}, decodeError(frame, "bad error code", err)
		}
		env.ErrorCode = ErrorCode(code)
		if err := json.Unmarshal(parts[3], &env.ErrorDescription); err != nil {
			return Envelope{}, decodeError(frame, "bad error description", err)
		}
		env.ErrorDetails = parts[4]
	}
	if len(parts) == fixed+1 {
		var hdr multihopHeader
		if err := json.Unmarshal(parts[fixed], &hdr); err != nil {
			return Envelope{}, decodeError(frame, "bad multihop header", err)
		}
		env.Mode = Multihop
		env.Destination = hdr.Destination
		if len(hdr.NetworkPath) > 0 {
			env.Path = hdr.NetworkPath
		}
		env.EventTrackingID = hdr.EventTrackingID
		if hdr.Timestamp != nil {
			env.Timestamp = *hdr.Timestamp
		}
		if hdr.RequestTimeout != nil && env.Type == TypeRequest {
			env.Deadline = *hdr.RequestTimeout
		}
		if env.Type == TypeRequestError {
			env.Action = hdr.Action
		}
	}
	return env, nil
}

func previewBytes(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
