package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock/testclock"
	"go.uber.org/goleak"

	"ocppmesh/internal/proto"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestResolveResponse(t *testing.T) {
	c := qt.New(t)
	var resolved []Kind
	tbl := NewTable(Options{
		Clock:      testclock.NewClock(epoch),
		OnResolved: func(_ Request, out Outcome) { resolved = append(resolved, out.Kind) },
	})
	p, err := tbl.Track(Request{RequestID: "7", Action: "GetConfiguration", Conn: "c1"})
	c.Assert(err, qt.IsNil)
	c.Assert(tbl.Len(), qt.Equals, 1)

	c.Assert(tbl.Resolve(proto.NewResponse("7", json.RawMessage(`{"n":1}`))), qt.IsTrue)
	out, err := p.Wait(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(out.OK(), qt.IsTrue)
	var body struct{ N int }
	c.Assert(out.Decode(&body), qt.IsNil)
	c.Assert(body.N, qt.Equals, 1)
	c.Assert(tbl.Len(), qt.Equals, 0)
	c.Assert(resolved, qt.DeepEquals, []Kind{Response})
}

func TestResolveErrorReply(t *testing.T) {
	c := qt.New(t)
	tbl := NewTable(Options{Clock: testclock.NewClock(epoch)})
	p, err := tbl.Track(Request{RequestID: "1"})
	c.Assert(err, qt.IsNil)
	tbl.Resolve(proto.NewRequestError("1", "Ping", proto.NotImplemented, "unknown", nil))

	out, _ := p.Result()
	c.Assert(out.Kind, qt.Equals, Error)
	var re *ReplyError
	c.Assert(errors.As(out.AsError(), &re), qt.IsTrue)
	c.Assert(re.Code, qt.Equals, proto.NotImplemented)
	c.Assert(re.Error(), qt.Equals, "unknown (NotImplemented)")
	c.Assert(out.Decode(&struct{}{}), qt.ErrorMatches, `no response payload: unknown \(NotImplemented\)`)
}

func TestUnmatchedRepliesAreCounted(t *testing.T) {
	c := qt.New(t)
	var unmatched []string
	tbl := NewTable(Options{
		Clock:       testclock.NewClock(epoch),
		OnUnmatched: func(e proto.Envelope) { unmatched = append(unmatched, e.RequestID) },
	})
	c.Assert(tbl.Resolve(proto.NewResponse("ghost", nil)), qt.IsFalse)

	_, err := tbl.Track(Request{RequestID: "2"})
	c.Assert(err, qt.IsNil)
	c.Assert(tbl.Resolve(proto.NewResponse("2", nil)), qt.IsTrue)
	c.Assert(tbl.Resolve(proto.NewResponse("2", nil)), qt.IsFalse)
	c.Assert(unmatched, qt.DeepEquals, []string{"ghost", "2"})
}

func TestRequestsAreNotReplies(t *testing.T) {
	c := qt.New(t)
	tbl := NewTable(Options{Clock: testclock.NewClock(epoch)})
	_, _ = tbl.Track(Request{RequestID: "3"})
	c.Assert(tbl.Resolve(proto.NewRequest("3", "Ping", nil)), qt.IsFalse)
	c.Assert(tbl.Len(), qt.Equals, 1)
}

func TestTrackRejectsDuplicatesAndEmptyIDs(t *testing.T) {
	c := qt.New(t)
	tbl := NewTable(Options{Clock: testclock.NewClock(epoch)})
	_, err := tbl.Track(Request{RequestID: "d"})
	c.Assert(err, qt.IsNil)
	_, err = tbl.Track(Request{RequestID: "d"})
	c.Assert(errors.Is(err, ErrDuplicateID), qt.IsTrue)
	_, err = tbl.Track(Request{})
	c.Assert(err, qt.ErrorMatches, `empty request id not valid`)
}

func TestTimeout(t *testing.T) {
	c := qt.New(t)
	clk := testclock.NewClock(epoch)
	tbl := NewTable(Options{Clock: clk})
	p, err := tbl.Track(Request{RequestID: "t", Action: "Heartbeat", Deadline: epoch.Add(30 * time.Second)})
	c.Assert(err, qt.IsNil)

	c.Assert(clk.WaitAdvance(29*time.Second, time.Second, 1), qt.IsNil)
	_, done := p.Result()
	c.Assert(done, qt.IsFalse)

	clk.Advance(time.Second)
	out, err := p.Wait(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(out.Kind, qt.Equals, Timeout)
	c.Assert(errors.Is(out.Err, ErrTimeout), qt.IsTrue)
	c.Assert(tbl.Len(), qt.Equals, 0)

	// The late reply finds nothing to resolve.
	c.Assert(tbl.Resolve(proto.NewResponse("t", nil)), qt.IsFalse)
}

func TestPastDeadlineTimesOutImmediately(t *testing.T) {
	c := qt.New(t)
	tbl := NewTable(Options{Clock: testclock.NewClock(epoch)})
	p, err := tbl.Track(Request{RequestID: "late", Deadline: epoch.Add(-time.Second)})
	c.Assert(err, qt.IsNil)
	out, ok := p.Result()
	c.Assert(ok, qt.IsTrue)
	c.Assert(out.Kind, qt.Equals, Timeout)
}

func TestReplyStopsTimer(t *testing.T) {
	c := qt.New(t)
	clk := testclock.NewClock(epoch)
	tbl := NewTable(Options{Clock: clk})
	p, _ := tbl.Track(Request{RequestID: "s", Deadline: epoch.Add(time.Minute)})
	tbl.Resolve(proto.NewResponse("s", json.RawMessage(`{}`)))
	clk.Advance(2 * time.Minute)
	out, _ := p.Result()
	c.Assert(out.Kind, qt.Equals, Response)
}

func TestCloseConnResolvesOnlyThatConnection(t *testing.T) {
	c := qt.New(t)
	tbl := NewTable(Options{Clock: testclock.NewClock(epoch)})
	a1, _ := tbl.Track(Request{RequestID: "a1", Conn: "a"})
	a2, _ := tbl.Track(Request{RequestID: "a2", Conn: "a"})
	b1, _ := tbl.Track(Request{RequestID: "b1", Conn: "b"})

	c.Assert(tbl.CloseConn("a"), qt.Equals, 2)
	for _, p := range []*Pending{a1, a2} {
		out, ok := p.Result()
		c.Assert(ok, qt.IsTrue)
		c.Assert(out.Kind, qt.Equals, Closed)
		c.Assert(errors.Is(out.Err, ErrConnClosed), qt.IsTrue)
	}
	_, ok := b1.Result()
	c.Assert(ok, qt.IsFalse)
	c.Assert(tbl.CloseAll(), qt.Equals, 1)
	c.Assert(tbl.Len(), qt.Equals, 0)
}

func TestWaitCancelDiscardsLateReply(t *testing.T) {
	c := qt.New(t)
	tbl := NewTable(Options{Clock: testclock.NewClock(epoch)})
	p, _ := tbl.Track(Request{RequestID: "w"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := p.Wait(ctx)
	c.Assert(errors.Is(err, context.Canceled), qt.IsTrue)
	c.Assert(out.Kind, qt.Equals, Cancelled)
	c.Assert(tbl.Resolve(proto.NewResponse("w", nil)), qt.IsFalse)
}

func TestFail(t *testing.T) {
	c := qt.New(t)
	tbl := NewTable(Options{Clock: testclock.NewClock(epoch)})
	p, _ := tbl.Track(Request{RequestID: "f"})
	c.Assert(tbl.Fail("f", SendFailed, errors.New("broken pipe")), qt.IsTrue)
	c.Assert(tbl.Fail("f", SendFailed, errors.New("again")), qt.IsFalse)
	out, _ := p.Result()
	c.Assert(out.Kind, qt.Equals, SendFailed)
	c.Assert(out.AsError(), qt.ErrorMatches, "broken pipe")
}

func TestResolvedHandle(t *testing.T) {
	c := qt.New(t)
	p := Resolved(Request{RequestID: "x"}, Outcome{Kind: SignatureError, Err: errors.New("no key")})
	<-p.Done()
	p.Cancel()
	out, _ := p.Result()
	c.Assert(out.Kind, qt.Equals, SignatureError)
}

// Every pending request resolves exactly once no matter how replies,
// cancellations and connection loss race.
func TestConcurrentResolutionIsExactlyOnce(t *testing.T) {
	c := qt.New(t)
	var resolutions atomic.Int64
	tbl := NewTable(Options{
		Clock:      testclock.NewClock(epoch),
		OnResolved: func(Request, Outcome) { resolutions.Add(1) },
	})
	const n = 200
	pending := make([]*Pending, n)
	for i := range pending {
		p, err := tbl.Track(Request{RequestID: fmt.Sprint(i), Conn: "c"})
		c.Assert(err, qt.IsNil)
		pending[i] = p
	}
	var wg sync.WaitGroup
	for i := range pending {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tbl.Resolve(proto.NewResponse(fmt.Sprint(i), nil))
		}()
		go func() {
			defer wg.Done()
			pending[i].Cancel()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		tbl.CloseConn("c")
	}()
	wg.Wait()
	c.Assert(resolutions.Load(), qt.Equals, int64(n))
	c.Assert(tbl.Len(), qt.Equals, 0)
}

func TestKindString(t *testing.T) {
	c := qt.New(t)
	c.Assert(SendFailed.String(), qt.Equals, "send-failed")
	c.Assert(Kind(42).String(), qt.Equals, "kind(42)")
	c.Assert(Outcome{}.AsError(), qt.Equals, error(ErrNotResponded))
}
