package daemon

import (
	"context"
	"crypto/tls"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"ocppmesh/internal/config"
	"ocppmesh/internal/network"
	"ocppmesh/internal/proto"
	"ocppmesh/internal/router"
)

const (
	backoffBase   = 2 * time.Second
	backoffJitter = 1 * time.Second
	maxBackoff    = 5 * time.Minute
	dialTimeout   = 15 * time.Second
)

type dialFunc func(ctx context.Context, opts network.DialOptions) (network.Session, error)

// connMan keeps one session open to every configured upstream, redialling
// with exponential backoff.
type connMan struct {
	handler   network.Handler
	routes    *router.Routes
	clock     clock.Clock
	localID   proto.NodeID
	upstreams []config.Upstream
	tls       *tls.Config
	dial      func(scheme string) dialFunc

	mu  sync.Mutex
	rng *rand.Rand
}

func newConnMan(r *Runner, tlsConf *tls.Config) *connMan {
	return &connMan{
		handler:   r.Router,
		routes:    r.Router.Routes(),
		clock:     r.clock,
		localID:   r.Self.ID,
		upstreams: r.Config.Upstream,
		tls:       tlsConf,
		dial:      transportDialer,
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
}

func transportDialer(scheme string) dialFunc {
	if scheme == "quic" {
		return network.DialQUIC
	}
	return network.DialWebSocket
}

func (c *connMan) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, up := range c.upstreams {
		g.Go(func() error {
			c.keep(ctx, up)
			return nil
		})
	}
	return g.Wait()
}

// keep dials up until ctx is done, serving each session until it ends.
func (c *connMan) keep(ctx context.Context, up config.Upstream) {
	opts := c.dialOptions(up)
	u, _ := url.Parse(up.URL)
	dial := c.dial(u.Scheme)
	failures := 0
	for ctx.Err() == nil {
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		sess, err := dial(dctx, opts)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			wait := c.nextBackoff(failures)
			logger.Warningf("upstream %s (%s): %v; retrying in %s", up.PeerID, u.Redacted(), err, wait)
			c.sleep(ctx, wait)
			continue
		}
		failures = 0
		logger.Infof("upstream %s connected (multihop=%v)", up.PeerID, sess.Multihop())
		stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
		err = sess.Serve(&upstreamHandler{Handler: c.handler, routes: c.routes, isDefault: up.Default})
		stop()
		if ctx.Err() != nil {
			return
		}
		logger.Warningf("upstream %s lost: %v", up.PeerID, err)
		c.sleep(ctx, c.nextBackoff(1))
	}
}

func (c *connMan) dialOptions(up config.Upstream) network.DialOptions {
	local := proto.NodeID(up.LocalID)
	if local.IsZero() {
		local = c.localID
	}
	return network.DialOptions{
		URL:      up.URL,
		LocalID:  local,
		PeerID:   proto.NodeID(up.PeerID),
		Multihop: up.Multihop,
		Binary:   up.Binary,
		TLS:      c.tls,
	}
}

func (c *connMan) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-c.clock.After(d):
	}
}

func (c *connMan) nextBackoff(failures int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return nextBackoffDuration(failures, c.rng, maxBackoff)
}

func nextBackoffDuration(failures int, rng *rand.Rand, limit time.Duration) time.Duration {
	shift := failures - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		shift = 30
	}
	raw := backoffBase*time.Duration(1<<shift) + time.Duration(rng.Int64N(int64(backoffJitter)))
	if raw > limit {
		return limit
	}
	return raw
}

// upstreamHandler makes a default upstream the route of last resort as
// soon as it opens.
type upstreamHandler struct {
	network.Handler
	routes    *router.Routes
	isDefault bool
}

func (h *upstreamHandler) ConnectionOpened(conn router.Conn) {
	h.Handler.ConnectionOpened(conn)
	if h.isDefault {
		h.routes.SetDefault(conn)
	}
}

