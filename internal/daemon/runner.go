// Package daemon wires a node together: identity, router, transports,
// upstream connections, metrics and config reloads.
package daemon

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"ocppmesh/internal/action"
	"ocppmesh/internal/config"
	"ocppmesh/internal/debuglog"
	"ocppmesh/internal/metrics"
	"ocppmesh/internal/network"
	"ocppmesh/internal/node"
	"ocppmesh/internal/ocpp"
	"ocppmesh/internal/proto"
	"ocppmesh/internal/router"
	"ocppmesh/internal/signature"
)

var logger = debuglog.Logger("daemon")

const shutdownGrace = 5 * time.Second

type Options struct {
	Clock   clock.Clock
	Metrics *metrics.Metrics
	// Subscribe attaches extra handlers before the registry is built.
	Subscribe func(*action.Builder) *action.Builder
}

// Runner owns one node's long-running services.
type Runner struct {
	Config  *config.Config
	Self    *node.Node
	Router  *router.Router
	Metrics *metrics.Metrics

	clock    clock.Clock
	listenMu sync.RWMutex
	listen   Listening
}

// Listening reports the bound addresses of the enabled listeners.
type Listening struct {
	WebSocket string
	QUIC      string
	Metrics   string
}

// NewRunner loads or creates the node identity under cfg.Node.Home and
// builds the router from cfg.
func NewRunner(cfg *config.Config, opts Options) (*Runner, error) {
	if cfg == nil {
		return nil, errors.NotValidf("missing config")
	}
	if err := debuglog.Configure(cfg.Logging); err != nil {
		return nil, errors.Annotate(err, "logging")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	self, err := node.NewNode(cfg.Node.Home, node.Options{
		ID:      proto.NodeID(cfg.Node.ID),
		Anycast: cfg.AnycastIDs(),
		KeyBits: cfg.Signing.KeyBits,
	})
	if err != nil {
		return nil, errors.Annotate(err, "node identity")
	}

	keys := signature.NewKeyStore()
	for _, k := range cfg.Signing.Keys {
		if _, err := keys.AddFile(k.ID, k.File); err != nil {
			return nil, errors.Annotatef(err, "signing key %s", k.File)
		}
	}
	policy := signature.NewPolicy(signature.Options{
		KeyID:  self.KeyID,
		Signer: self,
		Keys:   keys,
		Rules:  cfg.Signing.Rules,
	})

	b := ocpp.Register(action.NewBuilder())
	if cfg.Responder.Enabled {
		responder := &ocpp.Responder{
			Clock:             clk,
			HeartbeatInterval: cfg.Responder.HeartbeatInterval,
			Configuration:     cfg.Responder.Configuration,
		}
		b = responder.Subscribe(b)
	}
	if opts.Subscribe != nil {
		b = opts.Subscribe(b)
	}
	registry, err := b.Build()
	if err != nil {
		return nil, errors.Trace(err)
	}

	def, err := cfg.DefaultResult()
	if err != nil {
		return nil, errors.Trace(err)
	}
	rt, err := router.New(router.Options{
		Identity:       self,
		Registry:       registry,
		Signatures:     policy,
		Clock:          clk,
		Metrics:        m,
		DefaultResult:  def,
		MaxHops:        cfg.Forwarding.MaxHops,
		RequestTimeout: cfg.Requests.Timeout.Std(),
		Filters:        cfg.FilterRules(),
		Observers:      []router.Observer{&router.MetricsObserver{Metrics: m, Clock: clk}},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Infof("node %s (key %s) anycast=%v", self.ID, self.KeyID, self.Anycast())
	return &Runner{
		Config:  cfg,
		Self:    self,
		Router:  rt,
		Metrics: m,
		clock:   clk,
	}, nil
}

// Listening returns the addresses bound by Run.
func (r *Runner) Listening() Listening {
	r.listenMu.RLock()
	defer r.listenMu.RUnlock()
	return r.listen
}

// Reload applies the parts of a changed config that can change at run
// time: the anycast set and logging.
func (r *Runner) Reload(cfg *config.Config) {
	r.Self.SetAnycast(cfg.AnycastIDs())
	if err := debuglog.Configure(cfg.Logging); err != nil {
		logger.Warningf("reload logging: %v", err)
	}
	logger.Infof("config reloaded, anycast=%v", r.Self.Anycast())
}

// Run serves until ctx is done or a listener fails. Once every listener
// is bound the addresses are sent on ready.
func (r *Runner) Run(ctx context.Context, ready chan<- Listening) error {
	cfg := r.Config
	serverTLS, err := network.ServerTLSConfig(cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		return errors.Trace(err)
	}
	clientTLS, err := r.clientTLS()
	if err != nil {
		return errors.Trace(err)
	}
	limiter := network.NewLimiter(cfg.Listen.MaxConnsPerIP)
	localID := proto.NodeID(cfg.Listen.LocalID)
	if localID.IsZero() {
		localID = r.Self.ID
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	fail := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}
	var listen Listening

	if addr := cfg.Listen.WebSocket; addr != "" {
		bound, err := r.serveHTTP(ctx, g, addr, &network.Server{
			Handler: r.Router,
			LocalID: localID,
			Limiter: limiter,
		})
		if err != nil {
			return fail(errors.Annotate(err, "websocket listener"))
		}
		listen.WebSocket = bound
	}
	if addr := cfg.Listen.Metrics; addr != "" {
		bound, err := r.serveHTTP(ctx, g, addr, r.metricsHandler())
		if err != nil {
			return fail(errors.Annotate(err, "metrics listener"))
		}
		listen.Metrics = bound
	}
	if addr := cfg.Listen.QUIC; addr != "" {
		qs := &network.QUICServer{Handler: r.Router, LocalID: r.Self.ID, Limiter: limiter, TLS: serverTLS}
		quicReady := make(chan string, 1)
		g.Go(func() error { return qs.Serve(ctx, addr, quicReady) })
		select {
		case bound := <-quicReady:
			listen.QUIC = bound
		case <-ctx.Done():
			return fail(errors.Trace(g.Wait()))
		}
	}
	r.listenMu.Lock()
	r.listen = listen
	r.listenMu.Unlock()

	g.Go(func() error { return newConnMan(r, clientTLS).run(ctx) })
	g.Go(func() error { return r.writeSnapshots(ctx) })
	if path := cfg.Path(); path != "" {
		w, err := config.Watch(path, r.Reload)
		if err != nil {
			logger.Warningf("not watching %s: %v", path, err)
		} else {
			g.Go(func() error {
				<-ctx.Done()
				return w.Close()
			})
		}
	}
	if ready != nil {
		ready <- listen
	}
	err = g.Wait()
	r.Router.Shutdown()
	if werr := r.Metrics.WriteSnapshot(cfg.Metrics.Snapshot); werr != nil {
		logger.Warningf("final snapshot: %v", werr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) serveHTTP(ctx context.Context, g *errgroup.Group, addr string, h http.Handler) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", errors.Trace(err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return errors.Annotatef(err, "serving %s", ln.Addr())
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	logger.Infof("http listen ready: %s", ln.Addr())
	return ln.Addr().String(), nil
}

func (r *Runner) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(r.Metrics))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func (r *Runner) clientTLS() (*tls.Config, error) {
	cfg := r.Config.TLS
	if cfg.CA == "" && !cfg.Insecure && cfg.Cert != "" {
		// Real certificates: verify upstreams against the system roots.
		return &tls.Config{NextProtos: []string{network.ALPN}, MinVersion: tls.VersionTLS13}, nil
	}
	return network.ClientTLSConfig(cfg.Insecure, cfg.CA)
}

func (r *Runner) writeSnapshots(ctx context.Context) error {
	interval := r.Config.Metrics.Interval.Std()
	path := r.Config.Metrics.Snapshot
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(interval):
		}
		r.Metrics.SetPending(int64(r.Router.Pending().Len()))
		if err := r.Metrics.WriteSnapshot(path); err != nil {
			debuglog.RateLimitedf(logger, "snapshot", time.Minute, "writing %s: %v", path, err)
		}
	}
}
