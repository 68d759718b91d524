// Package correlate tracks requests this node originated until a reply,
// a timeout, a connection loss or a cancellation settles each of them.
package correlate

import (
	"context"
	"hash/maphash"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"ocppmesh/internal/proto"
)

const shardCount = 32

// Request describes an outstanding request.
type Request struct {
	RequestID   string
	Action      string
	Destination proto.NodeID
	Path        proto.NetworkPath
	Deadline    time.Time
	Sent        time.Time
	// Conn is the id of the connection the request left on.
	Conn string
}

// Options configures a Table. Hooks run synchronously on the resolving
// goroutine and must not block.
type Options struct {
	Clock       clock.Clock
	OnResolved  func(req Request, out Outcome)
	OnUnmatched func(reply proto.Envelope)
}

// Table is the concurrency-safe pending request table. It is sharded so
// that read loops of different connections and timeout timers rarely
// contend on the same lock.
type Table struct {
	clock       clock.Clock
	seed        maphash.Seed
	shards      [shardCount]shard
	onResolved  func(Request, Outcome)
	onUnmatched func(proto.Envelope)
}

type shard struct {
	mu      sync.Mutex
	pending map[string]*Pending
}

func NewTable(opts Options) *Table {
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	t := &Table{
		clock:       clk,
		seed:        maphash.MakeSeed(),
		onResolved:  opts.OnResolved,
		onUnmatched: opts.OnUnmatched,
	}
	for i := range t.shards {
		t.shards[i].pending = make(map[string]*Pending)
	}
	return t
}

func (t *Table) shardFor(id string) *shard {
	return &t.shards[maphash.String(t.seed, id)%shardCount]
}

// Track registers req and arms its deadline timer. A request whose
// deadline has already passed resolves to Timeout immediately.
func (t *Table) Track(req Request) (*Pending, error) {
	if req.RequestID == "" {
		return nil, errors.NotValidf("empty request id")
	}
	p := &Pending{req: req, table: t, done: make(chan struct{})}
	s := t.shardFor(req.RequestID)
	s.mu.Lock()
	if _, exists := s.pending[req.RequestID]; exists {
		s.mu.Unlock()
		return nil, errors.Annotatef(ErrDuplicateID, "%q", req.RequestID)
	}
	s.pending[req.RequestID] = p
	s.mu.Unlock()

	if !req.Deadline.IsZero() {
		wait := req.Deadline.Sub(t.clock.Now())
		if wait <= 0 {
			t.finish(p, Outcome{Kind: Timeout, Err: ErrTimeout})
			return p, nil
		}
		timer := t.clock.AfterFunc(wait, func() {
			t.finish(p, Outcome{Kind: Timeout, Err: errors.Annotatef(ErrTimeout, "%s %s after %s", req.Action, req.RequestID, wait)})
		})
		p.setTimer(timer)
	}
	return p, nil
}

// Resolve settles the pending request matching reply. It returns false
// when nothing was waiting for it: an unknown, expired, cancelled or
// already answered request id.
func (t *Table) Resolve(reply proto.Envelope) bool {
	var out Outcome
	switch reply.Type {
	case proto.TypeResponse:
		out = Outcome{Kind: Response, Reply: reply}
	case proto.TypeRequestError, proto.TypeResponseError:
		out = Outcome{Kind: Error, Reply: reply}
		out.Err = out.AsError()
	default:
		return false
	}
	p := t.lookup(reply.RequestID)
	if p == nil || !t.finish(p, out) {
		if t.onUnmatched != nil {
			t.onUnmatched(reply)
		}
		return false
	}
	return true
}

// Fail settles a pending request with a local outcome such as SendFailed.
func (t *Table) Fail(requestID string, kind Kind, err error) bool {
	p := t.lookup(requestID)
	if p == nil {
		return false
	}
	return t.finish(p, Outcome{Kind: kind, Err: err})
}

// Lookup returns the request tracked under requestID.
func (t *Table) Lookup(requestID string) (Request, bool) {
	p := t.lookup(requestID)
	if p == nil {
		return Request{}, false
	}
	return p.req, true
}

// CloseConn resolves every request that left on conn to Closed and
// returns how many there were.
func (t *Table) CloseConn(conn string) int {
	return t.closeWhere(func(p *Pending) bool { return p.req.Conn == conn }, errors.Annotatef(ErrConnClosed, "connection %s", conn))
}

// CloseAll resolves every pending request to Closed.
func (t *Table) CloseAll() int {
	return t.closeWhere(func(*Pending) bool { return true }, ErrConnClosed)
}

func (t *Table) closeWhere(match func(*Pending) bool, err error) int {
	var victims []*Pending
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, p := range s.pending {
			if match(p) {
				victims = append(victims, p)
			}
		}
		s.mu.Unlock()
	}
	n := 0
	for _, p := range victims {
		if t.finish(p, Outcome{Kind: Closed, Err: err}) {
			n++
		}
	}
	return n
}

// Len reports how many requests are outstanding.
func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.pending)
		s.mu.Unlock()
	}
	return n
}

func (t *Table) lookup(id string) *Pending {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[id]
}

// finish removes p from the table and completes it, unless something else
// got there first.
func (t *Table) finish(p *Pending, out Outcome) bool {
	s := t.shardFor(p.req.RequestID)
	s.mu.Lock()
	if cur, ok := s.pending[p.req.RequestID]; ok && cur == p {
		delete(s.pending, p.req.RequestID)
	}
	s.mu.Unlock()
	if !p.complete(out) {
		return false
	}
	if t.onResolved != nil {
		t.onResolved(p.req, out)
	}
	return true
}

// Pending is the awaitable handle of one outstanding request. It resolves
// exactly once.
type Pending struct {
	req   Request
	table *Table

	mu      sync.Mutex
	timer   clock.Timer
	settled bool
	outcome Outcome
	done    chan struct{}
}

// Resolved returns a Pending that is already settled with out. Senders use
// it for failures that happen before anything is tracked.
func Resolved(req Request, out Outcome) *Pending {
	p := &Pending{req: req, done: make(chan struct{})}
	p.complete(out)
	return p
}

func (p *Pending) Request() Request {
	return p.req
}

// Done is closed once the request is settled.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome if the request is settled.
func (p *Pending) Result() (Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome, p.settled
}

// Wait blocks until the request settles or ctx is done. In the latter case
// the request is cancelled and any late reply is discarded.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		out, _ := p.Result()
		return out, nil
	case <-ctx.Done():
		p.Cancel()
		out, _ := p.Result()
		return out, context.Cause(ctx)
	}
}

// Cancel gives up on the request. No message goes on the wire.
func (p *Pending) Cancel() {
	out := Outcome{Kind: Cancelled, Err: errors.Annotatef(ErrCancelled, "%s", p.req.RequestID)}
	if p.table != nil {
		p.table.finish(p, out)
		return
	}
	p.complete(out)
}

func (p *Pending) setTimer(timer clock.Timer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		timer.Stop()
		return
	}
	p.timer = timer
}

func (p *Pending) complete(out Outcome) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return false
	}
	p.settled = true
	p.outcome = out
	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.done)
	return true
}
