package network

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/juju/errors"
	quic "github.com/quic-go/quic-go"

	"ocppmesh/internal/proto"
)

const (
	helloTimeout    = 10 * time.Second
	quicIdleTimeout = time.Minute
	quicKeepAlive   = 15 * time.Second
)

// hello is the first frame each side writes on a QUIC stream.
type hello struct {
	Node proto.NodeID `json:"node"`
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  quicIdleTimeout,
		KeepAlivePeriod: quicKeepAlive,
	}
}

// QUICServer accepts multihop binary connections, one stream each.
type QUICServer struct {
	Handler Handler
	LocalID proto.NodeID
	Limiter *IPLimiter
	// TLS defaults to the development certificate.
	TLS *tls.Config
}

// Serve listens on addr until ctx is done. The bound address is sent on
// ready once listening.
func (s *QUICServer) Serve(ctx context.Context, addr string, ready chan<- string) error {
	tlsConf := s.TLS
	if tlsConf == nil {
		var err error
		if tlsConf, err = ServerTLSConfig("", ""); err != nil {
			return errors.Trace(err)
		}
	}
	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return errors.Annotatef(err, "quic listen on %s", addr)
	}
	defer listener.Close()
	logger.Infof("quic listen ready: %s", listener.Addr())
	if ready != nil {
		ready <- listener.Addr().String()
	}
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Annotate(err, "quic accept")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *QUICServer) handle(ctx context.Context, conn *quic.Conn) {
	ip := remoteIP(conn.RemoteAddr().String())
	if !s.Limiter.acquireConn(ip) {
		logger.Warningf("rejecting %s: too many connections", ip)
		_ = conn.CloseWithError(1, "too many connections")
		return
	}
	defer s.Limiter.releaseConn(ip)

	hctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(hctx)
	if err != nil {
		logger.Debugf("quic accept stream from %s: %v", ip, err)
		_ = conn.CloseWithError(0, "")
		return
	}
	_ = stream.SetDeadline(time.Now().Add(helloTimeout))
	peer, err := readHello(stream)
	if err == nil {
		err = writeHello(stream, s.LocalID)
	}
	if err != nil {
		logger.Warningf("quic hello from %s: %v", ip, err)
		_ = conn.CloseWithError(1, "bad hello")
		return
	}
	_ = stream.SetDeadline(time.Time{})

	session := newQUICConn(conn, stream, s.LocalID, peer)
	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	defer stop()
	logger.Infof("accepted %s from %s (quic)", peer, ip)
	_ = session.Serve(s.Handler)
}

// DialQUIC connects to a quic://host:port URL. The server's hello must
// name opts.PeerID.
func DialQUIC(ctx context.Context, opts DialOptions) (Session, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || u.Host == "" {
		return nil, errors.NotValidf("url %q", opts.URL)
	}
	if opts.LocalID == "" || opts.PeerID == "" {
		return nil, errors.NotValidf("dial options without local or peer id")
	}
	tlsConf := opts.TLS
	if tlsConf == nil {
		if tlsConf, err = ClientTLSConfig(false, ""); err != nil {
			return nil, errors.Trace(err)
		}
	}
	conn, err := quic.DialAddr(ctx, u.Host, tlsConf, quicConfig())
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %s", u.Host)
	}
	fail := func(err error) (Session, error) {
		_ = conn.CloseWithError(1, "handshake failed")
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fail(errors.Annotatef(err, "opening stream to %s", u.Host))
	}
	_ = stream.SetDeadline(time.Now().Add(helloTimeout))
	if err := writeHello(stream, opts.LocalID); err != nil {
		return fail(errors.Annotatef(err, "hello to %s", u.Host))
	}
	peer, err := readHello(stream)
	if err != nil {
		return fail(errors.Annotatef(err, "hello from %s", u.Host))
	}
	if peer != opts.PeerID {
		return fail(errors.Unauthorizedf("%s is %q, expected %q", u.Host, peer, opts.PeerID))
	}
	_ = stream.SetDeadline(time.Time{})
	return newQUICConn(conn, stream, opts.LocalID, peer), nil
}

func writeHello(stream *quic.Stream, id proto.NodeID) error {
	data, err := json.Marshal(hello{Node: id})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(proto.WriteFrame(stream, data))
}

func readHello(stream *quic.Stream) (proto.NodeID, error) {
	data, err := proto.ReadFrame(stream)
	if err != nil {
		return "", errors.Trace(err)
	}
	var h hello
	if err := json.Unmarshal(data, &h); err != nil {
		return "", errors.NotValidf("hello %q", data)
	}
	if h.Node == "" {
		return "", errors.NotValidf("hello without node")
	}
	return h.Node, nil
}

// quicConn always speaks the binary multihop codec.
type quicConn struct {
	base
	conn   *quic.Conn
	stream *quic.Stream
	mu     sync.Mutex
}

func newQUICConn(conn *quic.Conn, stream *quic.Stream, local, peer proto.NodeID) *quicConn {
	c := &quicConn{conn: conn, stream: stream}
	c.init("quic", conn.RemoteAddr(), local, peer, true, true)
	return c
}

func (c *quicConn) SendFrame(ctx context.Context, frame []byte, binary bool) error {
	if !binary {
		return errors.NotSupportedf("text frame on %s", c.id)
	}
	if err := c.dying(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := c.stream.SetWriteDeadline(deadline); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(proto.WriteFrame(c.stream, frame), "writing to %s", c.id)
}

func (c *quicConn) Serve(h Handler) error {
	return c.serve(c, h, func(ctx context.Context) error {
		for {
			data, err := proto.ReadFrame(c.stream)
			if err != nil {
				select {
				case <-c.tomb.Dying():
					return nil
				default:
				}
				var appErr *quic.ApplicationError
				if errors.Is(err, io.EOF) || (errors.As(err, &appErr) && appErr.ErrorCode == 0) {
					return nil
				}
				return errors.Annotatef(err, "reading %s", c.id)
			}
			h.HandleFrame(ctx, c, data, true)
		}
	}, c.closeTransport)
}

func (c *quicConn) closeTransport() error {
	return c.conn.CloseWithError(0, "")
}
