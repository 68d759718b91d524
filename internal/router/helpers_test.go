package router

import (
	"context"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock/testclock"

	"ocppmesh/internal/action"
	"ocppmesh/internal/node"
	"ocppmesh/internal/ocpp"
	"ocppmesh/internal/proto"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type sentFrame struct {
	data   []byte
	binary bool
}

// memConn records what the router writes and, once linked, hands every
// frame to the router on the other end.
type memConn struct {
	id       string
	local    proto.NodeID
	peer     proto.NodeID
	multihop bool
	binary   bool

	mu      sync.Mutex
	frames  []sentFrame
	sendErr error
	deliver func(frame []byte, binary bool)
}

func newConn(local, peer proto.NodeID, multihop bool) *memConn {
	return &memConn{id: string(local) + "->" + string(peer), local: local, peer: peer, multihop: multihop}
}

func (c *memConn) ID() string            { return c.id }
func (c *memConn) LocalID() proto.NodeID { return c.local }
func (c *memConn) PeerID() proto.NodeID  { return c.peer }
func (c *memConn) Multihop() bool        { return c.multihop }
func (c *memConn) Binary() bool          { return c.binary }

func (c *memConn) SendFrame(_ context.Context, frame []byte, binary bool) error {
	c.mu.Lock()
	if c.sendErr != nil {
		c.mu.Unlock()
		return c.sendErr
	}
	c.frames = append(c.frames, sentFrame{data: append([]byte(nil), frame...), binary: binary})
	deliver := c.deliver
	c.mu.Unlock()
	if deliver != nil {
		deliver(frame, binary)
	}
	return nil
}

func (c *memConn) raw() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		out[i] = string(f.data)
	}
	return out
}

func (c *memConn) sent(t testing.TB) []proto.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]proto.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		env, err := proto.CodecFor(f.binary).Decode(f.data)
		if err != nil {
			t.Fatalf("router wrote an undecodable frame %q: %v", f.data, err)
		}
		out = append(out, env)
	}
	return out
}

// link connects two routers with a pair of in-memory connections.
func link(a *Router, aID proto.NodeID, b *Router, bID proto.NodeID, multihop bool) (ab, ba *memConn) {
	ab = newConn(aID, bID, multihop)
	ba = newConn(bID, aID, multihop)
	ab.deliver = func(f []byte, bin bool) { b.HandleFrame(context.Background(), ba, f, bin) }
	ba.deliver = func(f []byte, bin bool) { a.HandleFrame(context.Background(), ab, f, bin) }
	a.ConnectionOpened(ab)
	b.ConnectionOpened(ba)
	return ab, ba
}

func newTestRouter(c *qt.C, id proto.NodeID, opts Options, subscribe func(*action.Builder) *action.Builder) *Router {
	c.Helper()
	b := ocpp.Register(action.NewBuilder())
	if subscribe != nil {
		subscribe(b)
	}
	opts.Identity = &node.Node{ID: id}
	opts.Registry = b.MustBuild()
	if opts.Clock == nil {
		opts.Clock = testclock.NewClock(epoch)
	}
	r, err := New(opts)
	c.Assert(err, qt.IsNil)
	return r
}

// inject feeds a text frame to r as if read from conn and waits for the
// router to finish with it.
func inject(r *Router, conn Conn, frame string) {
	r.HandleFrame(context.Background(), conn, []byte(frame), false)
	r.Wait()
}

type decisionLog struct {
	mu        sync.Mutex
	received  []string
	decisions []Result
	reasons   []string
	sent      []string
	known     []bool
}

func (l *decisionLog) OnReceived(req *ForwardRequest, from Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.received = append(l.received, req.Envelope.RequestID)
	l.known = append(l.known, req.Known)
}

func (l *decisionLog) OnDecision(req *ForwardRequest, from Conn, d Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decisions = append(l.decisions, d.Result)
	l.reasons = append(l.reasons, d.Reason)
}

func (l *decisionLog) OnSent(req *ForwardRequest, to Conn, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dest := "<none>"
	if to != nil {
		dest = to.ID()
	}
	if err != nil {
		dest += " " + err.Error()
	}
	l.sent = append(l.sent, dest)
}
