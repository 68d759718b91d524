package metrics

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"ocppmesh/internal/correlate"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncFrameReceived()
	m.IncFrameReceived()
	m.IncDecodeError()
	m.IncDispatched()
	m.IncAnswered()
	m.IncRequestSent()
	m.ObserveOutcome("Heartbeat", correlate.Response, 20*time.Millisecond)
	m.ObserveOutcome("Heartbeat", correlate.Timeout, 30*time.Second)
	m.IncUnmatched()
	m.IncDecision("forward")
	m.IncDecision("reject")
	m.IncDecision("bogus")
	m.IncRecvByType("Request")
	m.IncRecvByType("Request")
	m.IncDropByReason("hop_limit")
	m.SetCurrentConns(3)
	m.SetPending(7)
	snap := m.Snapshot()
	if snap.Frames.Received != 2 || snap.Frames.DecodeErrors != 1 {
		t.Fatalf("unexpected frame counts: %+v", snap.Frames)
	}
	if snap.Outbound.Responses != 1 || snap.Outbound.Timeouts != 1 || snap.Outbound.Unmatched != 1 {
		t.Fatalf("unexpected outbound counts: %+v", snap.Outbound)
	}
	if snap.Forwarding.Forwarded != 1 || snap.Forwarding.Rejected != 1 || snap.Forwarding.Dropped != 0 {
		t.Fatalf("unexpected forwarding counts: %+v", snap.Forwarding)
	}
	if snap.RecvByType["Request"] != 2 {
		t.Fatalf("expected recv_by_type Request=2, got %d", snap.RecvByType["Request"])
	}
	if snap.DropByReason["hop_limit"] != 1 {
		t.Fatalf("expected drop_by_reason hop_limit=1, got %d", snap.DropByReason["hop_limit"])
	}
	if snap.CurrentConns != 3 || snap.Pending != 7 {
		t.Fatalf("expected conns/pending 3/7, got %d/%d", snap.CurrentConns, snap.Pending)
	}
}

func TestDecisionRingKeepsNewest(t *testing.T) {
	r := NewDecisionRing(2)
	for _, id := range []string{"1", "2", "3"} {
		r.Add(DecisionRecord{RequestID: id})
	}
	got := r.List()
	if len(got) != 2 || got[0].RequestID != "2" || got[1].RequestID != "3" {
		t.Fatalf("unexpected ring contents %+v", got)
	}
	var nilRing *DecisionRing
	nilRing.Add(DecisionRecord{})
	if nilRing.List() != nil {
		t.Fatalf("nil ring should list nothing")
	}
}

func TestWriteReadSnapshot(t *testing.T) {
	m := New()
	m.IncNoRoute()
	m.Recent().Add(DecisionRecord{RequestID: "7", Decision: "forward"})
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Forwarding.NoRoute != 1 || len(snap.Recent) != 1 || snap.Recent[0].RequestID != "7" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestCollector(t *testing.T) {
	m := New()
	m.IncDecision("drop")
	m.IncDecision("drop")
	m.SetCurrentConns(2)
	c := NewCollector(m)

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	expected := `
# HELP ocppmesh_forwarding_decisions_total Forwarding decisions by kind.
# TYPE ocppmesh_forwarding_decisions_total counter
ocppmesh_forwarding_decisions_total{decision="drop"} 2
ocppmesh_forwarding_decisions_total{decision="forward"} 0
ocppmesh_forwarding_decisions_total{decision="reject"} 0
ocppmesh_forwarding_decisions_total{decision="replace"} 0
# HELP ocppmesh_connections Open transport connections.
# TYPE ocppmesh_connections gauge
ocppmesh_connections 2
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"ocppmesh_forwarding_decisions_total", "ocppmesh_connections")
	if err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
}
