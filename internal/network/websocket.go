package network

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"ocppmesh/internal/proto"
)

const (
	handshakeTimeout = 10 * time.Second
	closeGrace       = time.Second
	// binaryQuery asks the server to originate binary frames.
	binaryQuery = "encoding"
)

// Server accepts OCPP-J WebSocket connections. The last segment of the
// request path is the connecting node's id, as in ws://csms/ocpp/CS1.
type Server struct {
	Handler Handler
	// LocalID is presented to clients as this node's identity.
	LocalID   proto.NodeID
	Limiter   *IPLimiter
	Protocols []string
}

var websocketUpgrader = websocket.Upgrader{
	HandshakeTimeout: handshakeTimeout,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ip := remoteIP(req.RemoteAddr)
	if !s.Limiter.acquireConn(ip) {
		logger.Warningf("rejecting %s: too many connections", ip)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer s.Limiter.releaseConn(ip)

	peer := path.Base(strings.TrimSuffix(req.URL.Path, "/"))
	if peer == "" || peer == "." || peer == "/" {
		http.Error(w, "missing node id in path", http.StatusBadRequest)
		return
	}
	protocols := s.Protocols
	if len(protocols) == 0 {
		protocols = SupportedProtocols
	}
	name, multihop, ok := Negotiate(websocket.Subprotocols(req), protocols)
	if !ok {
		http.Error(w, "no supported subprotocol", http.StatusBadRequest)
		return
	}
	header := http.Header{"Sec-Websocket-Protocol": {name}}
	ws, err := websocketUpgrader.Upgrade(w, req, header)
	if err != nil {
		logger.Errorf("problem initiating websocket: %v", err)
		return
	}
	binary := req.URL.Query().Get(binaryQuery) == "binary"
	conn := newWSConn(ws, s.LocalID, proto.NodeID(peer), multihop, binary)
	logger.Infof("accepted %s from %s (%s)", peer, ip, name)
	// The request context outlives the hijack only until the server's
	// base context ends.
	stop := context.AfterFunc(req.Context(), func() { _ = conn.Close() })
	defer stop()
	_ = conn.Serve(s.Handler)
}

// DialOptions describe an outgoing connection.
type DialOptions struct {
	URL string
	// LocalID is presented to the server; on WebSocket it is appended to
	// the URL path.
	LocalID proto.NodeID
	// PeerID is the expected identity of the server.
	PeerID   proto.NodeID
	Multihop bool
	Binary   bool
	// Protocols defaults to SupportedProtocols.
	Protocols []string
	TLS       *tls.Config
}

// DialWebSocket connects to a WebSocket server.
func DialWebSocket(ctx context.Context, opts DialOptions) (Session, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, errors.NotValidf("url %q", opts.URL)
	}
	if opts.LocalID == "" || opts.PeerID == "" {
		return nil, errors.NotValidf("dial options without local or peer id")
	}
	u = u.JoinPath(url.PathEscape(string(opts.LocalID)))
	if opts.Binary {
		q := u.Query()
		q.Set(binaryQuery, "binary")
		u.RawQuery = q.Encode()
	}
	protocols := opts.Protocols
	if len(protocols) == 0 {
		protocols = SupportedProtocols
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     Offer(protocols, opts.Multihop),
	}
	if opts.TLS != nil {
		tlsConf := opts.TLS.Clone()
		tlsConf.NextProtos = nil
		dialer.TLSClientConfig = tlsConf
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Annotatef(err, "dialing %s: %s", u.Redacted(), resp.Status)
		}
		return nil, errors.Annotatef(err, "dialing %s", u.Redacted())
	}
	p, ok := parseSubprotocol(ws.Subprotocol())
	if !ok {
		_ = ws.Close()
		return nil, errors.NotSupportedf("subprotocol %q from %s", ws.Subprotocol(), u.Redacted())
	}
	if p.multihop != opts.Multihop {
		logger.Infof("%s negotiated %s", u.Redacted(), p.name)
	}
	return newWSConn(ws, opts.LocalID, opts.PeerID, p.multihop, opts.Binary), nil
}

type wsConn struct {
	base
	ws *websocket.Conn
	mu sync.Mutex
}

func newWSConn(ws *websocket.Conn, local, peer proto.NodeID, multihop, binary bool) *wsConn {
	c := &wsConn{ws: ws}
	c.init("ws", ws.RemoteAddr(), local, peer, multihop, binary)
	return c
}

func (c *wsConn) SendFrame(ctx context.Context, frame []byte, binary bool) error {
	if err := c.dying(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return errors.Trace(err)
	}
	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}
	return errors.Annotatef(c.ws.WriteMessage(messageType, frame), "writing to %s", c.id)
}

func (c *wsConn) Serve(h Handler) error {
	return c.serve(c, h, func(ctx context.Context) error {
		c.ws.SetReadLimit(proto.MaxFrameSize)
		for {
			messageType, data, err := c.ws.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				select {
				case <-c.tomb.Dying():
					return nil
				default:
				}
				return errors.Annotatef(err, "reading %s", c.id)
			}
			switch messageType {
			case websocket.TextMessage:
				h.HandleFrame(ctx, c, data, false)
			case websocket.BinaryMessage:
				h.HandleFrame(ctx, c, data, true)
			}
		}
	}, c.closeTransport)
}

func (c *wsConn) closeTransport() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return c.ws.Close()
}
