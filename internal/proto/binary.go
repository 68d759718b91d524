package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"time"

	"github.com/juju/errors"
)

const binaryVersion = 1

// binaryCodec lays an envelope out as fixed-order fields, big-endian:
//
//	u8 version | u8 type | u8 mode
//	str requestId | str action | str destination
//	u8 hops, hops*str
//	i64 timestamp (unix ns, 0 unset) | str eventTrackingId | i64 requestTimeout
//	str errorCode | str errorDescription
//	blob errorDetails | blob payload
//
// where str is a u16 length followed by bytes and blob a u32 length
// followed by bytes. Every field is always present.
type binaryCodec struct{}

func (binaryCodec) Encode(env Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, errors.NotValidf("message type %d", int(env.Type))
	}
	if len(env.Path) > math.MaxUint8 {
		return nil, errors.Annotatef(ErrHopLimit, "%d hops", len(env.Path))
	}
	w := &binWriter{}
	w.u8(binaryVersion)
	w.u8(uint8(env.Type))
	w.u8(uint8(env.Mode))
	w.str(env.RequestID)
	w.str(env.Action)
	w.str(string(env.Destination))
	w.u8(uint8(len(env.Path)))
	for _, hop := range env.Path {
		w.str(string(hop))
	}
	w.time(env.Timestamp)
	w.str(env.EventTrackingID)
	w.time(env.Deadline)
	w.str(string(env.ErrorCode))
	w.str(env.ErrorDescription)
	w.blob(env.ErrorDetails)
	w.blob(env.Payload)
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

func (binaryCodec) Decode(frame []byte) (Envelope, error) {
	if len(frame) == 0 {
		return Envelope{}, decodeError(frame, "empty frame", nil)
	}
	r := &binReader{data: frame}
	if v := r.u8(); v != binaryVersion {
		return Envelope{}, decodeError(frame, "unsupported binary version", nil)
	}
	env := Envelope{Type: MessageType(r.u8())}
	if r.err == nil && !env.Type.Valid() {
		return Envelope{}, decodeError(frame, "unknown message type id", nil)
	}
	mode := r.u8()
	if mode > uint8(Multihop) {
		return Envelope{}, decodeError(frame, "unknown networking mode", nil)
	}
	env.Mode = NetworkingMode(mode)
	env.RequestID = r.str()
	env.Action = r.str()
	env.Destination = NodeID(r.str())
	if hops := int(r.u8()); hops > 0 {
		env.Path = make(NetworkPath, 0, hops)
		for i := 0; i < hops && r.err == nil; i++ {
			env.Path = append(env.Path, NodeID(r.str()))
		}
	}
	env.Timestamp = r.time()
	env.EventTrackingID = r.str()
	env.Deadline = r.time()
	env.ErrorCode = ErrorCode(r.str())
	env.ErrorDescription = r.str()
	env.ErrorDetails = r.blob()
	env.Payload = r.blob()
	if r.err != nil {
		return Envelope{}, decodeError(frame, "truncated field", r.err)
	}
	if r.off != len(frame) {
		return Envelope{}, decodeError(frame, "trailing bytes", nil)
	}
	if env.Type == TypeRequest && env.Action == "" {
		return Envelope{}, decodeError(frame, "bad action", nil)
	}
	return env, nil
}

type binWriter struct {
	buf bytes.Buffer
	err error
}

func (w *binWriter) u8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *binWriter) str(s string) {
	if len(s) > math.MaxUint16 {
		if w.err == nil {
			w.err = errors.NotValidf("%d byte string field", len(s))
		}
		return
	}
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(s)))
	w.buf.Write(tmp[:])
	w.buf.WriteString(s)
}

func (w *binWriter) blob(b json.RawMessage) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(b)))
	w.buf.Write(tmp[:])
	w.buf.Write(b)
}

func (w *binWriter) time(t time.Time) {
	var v int64
	if !t.IsZero() {
		v = t.UnixNano()
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	w.buf.Write(tmp[:])
}

type binReader struct {
	data []byte
	off  int
	err  error
}

const errTruncated = errors.ConstError("truncated")

func (r *binReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = errTruncated
		return nil
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out
}

func (r *binReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *binReader) str() string {
	b := r.take(2)
	if b == nil {
		return ""
	}
	return string(r.take(int(binary.BigEndian.Uint16(b))))
}

func (r *binReader) blob() json.RawMessage {
	b := r.take(4)
	if b == nil {
		return nil
	}
	n := binary.BigEndian.Uint32(b)
	if n == 0 {
		return nil
	}
	if n > MaxFrameSize {
		r.err = ErrFrameTooLarge
		return nil
	}
	raw := r.take(int(n))
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func (r *binReader) time() time.Time {
	b := r.take(8)
	if b == nil {
		return time.Time{}
	}
	v := int64(binary.BigEndian.Uint64(b))
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
