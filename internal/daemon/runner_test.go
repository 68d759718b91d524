package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"ocppmesh/internal/config"
	"ocppmesh/internal/metrics"
	"ocppmesh/internal/network"
	"ocppmesh/internal/proto"
	"ocppmesh/internal/router"
	"ocppmesh/internal/testutil"
)

const waitTimeout = 10 * time.Second

func startRunner(c *qt.C, yaml string) (*Runner, Listening) {
	cfg, err := config.Parse([]byte(yaml))
	c.Assert(err, qt.IsNil)
	r, err := NewRunner(cfg, Options{})
	c.Assert(err, qt.IsNil)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan Listening, 1)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, ready) }()
	c.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			c.Check(err, qt.IsNil)
		case <-time.After(waitTimeout):
			c.Errorf("runner did not stop")
		}
	})
	select {
	case l := <-ready:
		return r, l
	case err := <-done:
		c.Fatalf("runner failed: %v", err)
	case <-time.After(waitTimeout):
		c.Fatalf("runner not ready")
	}
	panic("unreachable")
}

type stationHandler struct {
	frames chan string
}

func (h *stationHandler) ConnectionOpened(router.Conn) {}
func (h *stationHandler) ConnectionClosed(router.Conn) {}

func (h *stationHandler) HandleFrame(_ context.Context, _ router.Conn, frame []byte, _ bool) {
	h.frames <- string(frame)
}

func TestStationThroughLocalController(t *testing.T) {
	c := qt.New(t)
	csms, csmsAddr := startRunner(c, fmt.Sprintf(`
node: {id: CSMS, home: %q}
listen: {websocket: "127.0.0.1:0", metrics: "127.0.0.1:0"}
responder: {enabled: true}
signing: {key_bits: 2048}
metrics: {interval: 20ms}
`, c.TempDir()))

	lcHome := c.TempDir()
	lc, lcAddr := startRunner(c, fmt.Sprintf(`
node: {id: LC, home: %q}
listen: {websocket: "127.0.0.1:0", local_id: CSMS}
upstream:
  - url: ws://%s/ocpp
    peer_id: CSMS
    multihop: true
    default: true
signing: {key_bits: 2048}
metrics: {interval: 20ms}
`, lcHome, csmsAddr.WebSocket))

	testutil.WaitFor(t, waitTimeout, "upstream connection", func() bool {
		_, ok := csms.Router.Routes().Lookup("LC")
		return ok
	})
	c.Check(lc.Listening(), qt.DeepEquals, lcAddr)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	station, err := network.DialWebSocket(ctx, network.DialOptions{
		URL:     "ws://" + lcAddr.WebSocket + "/ocpp",
		LocalID: "CS1",
		PeerID:  "CSMS",
	})
	c.Assert(err, qt.IsNil)
	h := &stationHandler{frames: make(chan string, 4)}
	go func() { _ = station.Serve(h) }()
	defer station.Close()

	c.Assert(station.SendFrame(ctx, []byte(`[2,"b1","Heartbeat",{}]`), false), qt.IsNil)
	select {
	case frame := <-h.frames:
		c.Check(frame, qt.Matches, `\[3,"b1",\{"currentTime":"[^"]+"\}\]`)
	case <-ctx.Done():
		c.Fatalf("no reply through the local controller")
	}

	// The CSMS learned the station behind LC from the network path.
	conn, ok := csms.Router.Routes().Lookup("CS1")
	c.Assert(ok, qt.IsTrue)
	c.Check(conn.PeerID(), qt.Equals, proto.NodeID("LC"))

	testutil.WaitFor(t, waitTimeout, "snapshot", func() bool {
		snap, err := metrics.ReadSnapshot(filepath.Join(lcHome, "metrics.json"))
		return err == nil && snap.Forwarding.Received == 1 && snap.Forwarding.RepliesRelayed == 1
	})

	resp, err := httpGet(ctx, "http://"+csmsAddr.Metrics+"/metrics")
	c.Assert(err, qt.IsNil)
	c.Check(strings.Contains(resp, "ocppmesh_frames_total"), qt.IsTrue)
}

func TestReloadAppliesAnycast(t *testing.T) {
	c := qt.New(t)
	home := c.TempDir()
	cfg, err := config.Parse([]byte(fmt.Sprintf("node: {id: N1, home: %q}\nsigning: {key_bits: 2048}\n", home)))
	c.Assert(err, qt.IsNil)
	r, err := NewRunner(cfg, Options{})
	c.Assert(err, qt.IsNil)
	c.Check(r.Self.IsLocal("CSMS"), qt.IsFalse)

	next, err := config.Parse([]byte(fmt.Sprintf("node: {id: N1, home: %q, anycast: [CSMS]}\n", home)))
	c.Assert(err, qt.IsNil)
	r.Reload(next)
	c.Check(r.Self.IsLocal("CSMS"), qt.IsTrue)
}

func TestNewRunnerErrors(t *testing.T) {
	c := qt.New(t)
	_, err := NewRunner(nil, Options{})
	c.Check(err, qt.ErrorMatches, `missing config not valid`)

	home := c.TempDir()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
node: {home: %q}
signing:
  key_bits: 2048
  keys: [{id: peer, file: missing.hex}]
`, home)))
	c.Assert(err, qt.IsNil)
	_, err = NewRunner(cfg, Options{})
	c.Check(err, qt.ErrorMatches, `signing key .*missing.hex: .*`)
}
