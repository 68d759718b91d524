package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ocppmesh/internal/correlate"
)

// DecisionRecord is one finalised forwarding decision kept in the recent
// ring for the status command.
type DecisionRecord struct {
	At          time.Time `json:"at"`
	RequestID   string    `json:"request_id"`
	Action      string    `json:"action"`
	From        string    `json:"from"`
	Destination string    `json:"destination"`
	Path        string    `json:"path"`
	Decision    string    `json:"decision"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Frames       FrameMetrics      `json:"frames"`
	Inbound      InboundMetrics    `json:"inbound"`
	Outbound     OutboundMetrics   `json:"outbound"`
	Forwarding   ForwardMetrics    `json:"forwarding"`
	RecvByType   map[string]uint64 `json:"recv_by_type"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	CurrentConns int64             `json:"current_conns"`
	Pending      int64             `json:"pending"`
	Recent       []DecisionRecord  `json:"recent"`
}

type FrameMetrics struct {
	Received     uint64 `json:"received"`
	DecodeErrors uint64 `json:"decode_errors"`
	Sent         uint64 `json:"sent"`
	SendErrors   uint64 `json:"send_errors"`
}

type InboundMetrics struct {
	Dispatched     uint64 `json:"dispatched"`
	Answered       uint64 `json:"answered"`
	HandlerErrors  uint64 `json:"handler_errors"`
	NotImplemented uint64 `json:"not_implemented"`
	SignatureFails uint64 `json:"signature_fails"`
}

type OutboundMetrics struct {
	Sent            uint64 `json:"sent"`
	Responses       uint64 `json:"responses"`
	Errors          uint64 `json:"errors"`
	Timeouts        uint64 `json:"timeouts"`
	Closed          uint64 `json:"closed"`
	Cancelled       uint64 `json:"cancelled"`
	SendFailed      uint64 `json:"send_failed"`
	SignatureErrors uint64 `json:"signature_errors"`
	Unmatched       uint64 `json:"unmatched"`
}

type ForwardMetrics struct {
	Received       uint64 `json:"received"`
	Forwarded      uint64 `json:"forwarded"`
	Replaced       uint64 `json:"replaced"`
	Rejected       uint64 `json:"rejected"`
	Dropped        uint64 `json:"dropped"`
	NoRoute        uint64 `json:"no_route"`
	HopLimit       uint64 `json:"hop_limit"`
	RepliesRelayed uint64 `json:"replies_relayed"`
}

type Metrics struct {
	framesReceived     atomic.Uint64
	framesDecodeErrors atomic.Uint64
	framesSent         atomic.Uint64
	framesSendErrors   atomic.Uint64

	inDispatched     atomic.Uint64
	inAnswered       atomic.Uint64
	inHandlerErrors  atomic.Uint64
	inNotImplemented atomic.Uint64
	inSignatureFails atomic.Uint64

	outSent       atomic.Uint64
	outUnmatched  atomic.Uint64
	outByOutcome  [correlate.SignatureError + 1]atomic.Uint64
	roundTrip     *prometheus.HistogramVec
	currentConns  atomic.Int64
	pendingGauge  atomic.Int64
	fwdReceived   atomic.Uint64
	fwdForwarded  atomic.Uint64
	fwdReplaced   atomic.Uint64
	fwdRejected   atomic.Uint64
	fwdDropped    atomic.Uint64
	fwdNoRoute    atomic.Uint64
	fwdHopLimit   atomic.Uint64
	fwdReplies    atomic.Uint64

	mapsMu       sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64

	recent *DecisionRing
}

func New() *Metrics {
	return &Metrics{
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewDecisionRing(64),
		roundTrip: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_round_trip_seconds",
			Help:      "Time from sending a request to its resolution.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"action", "outcome"}),
	}
}

func (m *Metrics) Recent() *DecisionRing {
	return m.recent
}

func (m *Metrics) IncFrameReceived()   { m.framesReceived.Add(1) }
func (m *Metrics) IncDecodeError()     { m.framesDecodeErrors.Add(1) }
func (m *Metrics) IncFrameSent()       { m.framesSent.Add(1) }
func (m *Metrics) IncSendError()       { m.framesSendErrors.Add(1) }
func (m *Metrics) IncDispatched()      { m.inDispatched.Add(1) }
func (m *Metrics) IncAnswered()        { m.inAnswered.Add(1) }
func (m *Metrics) IncHandlerError()    { m.inHandlerErrors.Add(1) }
func (m *Metrics) IncNotImplemented()  { m.inNotImplemented.Add(1) }
func (m *Metrics) IncSignatureFail()   { m.inSignatureFails.Add(1) }
func (m *Metrics) IncRequestSent()     { m.outSent.Add(1) }
func (m *Metrics) IncUnmatched()       { m.outUnmatched.Add(1) }
func (m *Metrics) IncForwardReceived() { m.fwdReceived.Add(1) }
func (m *Metrics) IncNoRoute()         { m.fwdNoRoute.Add(1) }
func (m *Metrics) IncHopLimit()        { m.fwdHopLimit.Add(1) }
func (m *Metrics) IncReplyRelayed()    { m.fwdReplies.Add(1) }

// IncDecision counts a finalised forwarding decision by its name.
func (m *Metrics) IncDecision(decision string) {
	switch decision {
	case "forward":
		m.fwdForwarded.Add(1)
	case "replace":
		m.fwdReplaced.Add(1)
	case "reject":
		m.fwdRejected.Add(1)
	case "drop":
		m.fwdDropped.Add(1)
	}
}

// ObserveOutcome counts how an originated request ended and records its
// round trip time.
func (m *Metrics) ObserveOutcome(action string, kind correlate.Kind, elapsed time.Duration) {
	if kind > 0 && int(kind) < len(m.outByOutcome) {
		m.outByOutcome[kind].Add(1)
	}
	if action == "" {
		action = "unknown"
	}
	m.roundTrip.WithLabelValues(action, kind.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) IncRecvByType(t string) {
	m.mapsMu.Lock()
	m.recvByType[t]++
	m.mapsMu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	m.mapsMu.Lock()
	m.dropByReason[reason]++
	m.mapsMu.Unlock()
}

func (m *Metrics) SetCurrentConns(n int64) { m.currentConns.Store(n) }
func (m *Metrics) AddCurrentConns(d int64) { m.currentConns.Add(d) }
func (m *Metrics) SetPending(n int64)      { m.pendingGauge.Store(n) }

func (m *Metrics) Snapshot() Snapshot {
	recent := []DecisionRecord{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	m.mapsMu.Lock()
	byType := make(map[string]uint64, len(m.recvByType))
	for k, v := range m.recvByType {
		byType[k] = v
	}
	byReason := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		byReason[k] = v
	}
	m.mapsMu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Frames: FrameMetrics{
			Received:     m.framesReceived.Load(),
			DecodeErrors: m.framesDecodeErrors.Load(),
			Sent:         m.framesSent.Load(),
			SendErrors:   m.framesSendErrors.Load(),
		},
		Inbound: InboundMetrics{
			Dispatched:     m.inDispatched.Load(),
			Answered:       m.inAnswered.Load(),
			HandlerErrors:  m.inHandlerErrors.Load(),
			NotImplemented: m.inNotImplemented.Load(),
			SignatureFails: m.inSignatureFails.Load(),
		},
		Outbound: OutboundMetrics{
			Sent:            m.outSent.Load(),
			Responses:       m.outByOutcome[correlate.Response].Load(),
			Errors:          m.outByOutcome[correlate.Error].Load(),
			Timeouts:        m.outByOutcome[correlate.Timeout].Load(),
			Closed:          m.outByOutcome[correlate.Closed].Load(),
			Cancelled:       m.outByOutcome[correlate.Cancelled].Load(),
			SendFailed:      m.outByOutcome[correlate.SendFailed].Load(),
			SignatureErrors: m.outByOutcome[correlate.SignatureError].Load(),
			Unmatched:       m.outUnmatched.Load(),
		},
		Forwarding: ForwardMetrics{
			Received:       m.fwdReceived.Load(),
			Forwarded:      m.fwdForwarded.Load(),
			Replaced:       m.fwdReplaced.Load(),
			Rejected:       m.fwdRejected.Load(),
			Dropped:        m.fwdDropped.Load(),
			NoRoute:        m.fwdNoRoute.Load(),
			HopLimit:       m.fwdHopLimit.Load(),
			RepliesRelayed: m.fwdReplies.Load(),
		},
		RecvByType:   byType,
		DropByReason: byReason,
		CurrentConns: m.currentConns.Load(),
		Pending:      m.pendingGauge.Load(),
		Recent:       recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadSnapshot loads a snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal(data, &snap)
	return snap, err
}

type DecisionRing struct {
	mu   sync.Mutex
	cap  int
	list []DecisionRecord
}

func NewDecisionRing(capacity int) *DecisionRing {
	if capacity <= 0 {
		capacity = 64
	}
	return &DecisionRing{cap: capacity}
}

func (r *DecisionRing) Add(rec DecisionRecord) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = rec
		return
	}
	r.list = append(r.list, rec)
}

func (r *DecisionRing) List() []DecisionRecord {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DecisionRecord, len(r.list))
	copy(out, r.list)
	return out
}
