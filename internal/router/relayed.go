package router

import (
	"sync"
	"time"

	"github.com/juju/clock"

	"ocppmesh/internal/proto"
)

type relayKey struct {
	conn      string
	requestID string
}

type relayEntry struct {
	origin proto.NodeID
	timer  clock.Timer
}

// relayedRequests remembers who sent the requests relayed onto Standard
// connections. Replies on those connections carry no addressing, so this
// is the only way back to the originator.
type relayedRequests struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[relayKey]*relayEntry
}

func newRelayedRequests(clk clock.Clock) *relayedRequests {
	return &relayedRequests{clock: clk, entries: make(map[relayKey]*relayEntry)}
}

// remember records origin for requestID on conn until ttl passes. A later
// record for the same key replaces the earlier one.
func (t *relayedRequests) remember(conn, requestID string, origin proto.NodeID, ttl time.Duration) {
	key := relayKey{conn: conn, requestID: requestID}
	e := &relayEntry{origin: origin}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.entries[key]; ok {
		old.timer.Stop()
	}
	e.timer = t.clock.AfterFunc(ttl, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.entries[key] == e {
			delete(t.entries, key)
		}
	})
	t.entries[key] = e
}

// take returns and forgets the origin recorded for requestID on conn.
func (t *relayedRequests) take(conn, requestID string) (proto.NodeID, bool) {
	key := relayKey{conn: conn, requestID: requestID}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return proto.Zero, false
	}
	e.timer.Stop()
	delete(t.entries, key)
	return e.origin, true
}

// forgetConn drops every record for conn.
func (t *relayedRequests) forgetConn(conn string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.entries {
		if key.conn == conn {
			e.timer.Stop()
			delete(t.entries, key)
		}
	}
}

func (t *relayedRequests) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
