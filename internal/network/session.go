// Package network carries OCPP frames over WebSocket and QUIC and hands
// them to the router.
package network

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"ocppmesh/internal/debuglog"
	"ocppmesh/internal/proto"
	"ocppmesh/internal/router"
)

var logger = debuglog.Logger("network")

// ErrClosed is returned when writing to a session that has ended.
const ErrClosed = errors.ConstError("session closed")

// Handler receives sessions and their frames. *router.Router implements it.
type Handler interface {
	ConnectionOpened(conn router.Conn)
	ConnectionClosed(conn router.Conn)
	HandleFrame(ctx context.Context, conn router.Conn, frame []byte, binary bool)
}

// Session is a live connection to one peer.
type Session interface {
	router.Conn
	// Serve registers the session with h and feeds it every frame read
	// until the connection ends.
	Serve(h Handler) error
	Close() error
}

var sessionSeq atomic.Uint64

// base holds what every transport session shares.
type base struct {
	id       string
	local    proto.NodeID
	peer     proto.NodeID
	multihop bool
	binary   bool
	tomb     tomb.Tomb
}

func (b *base) init(kind string, remote net.Addr, local, peer proto.NodeID, multihop, binary bool) {
	addr := "?"
	if remote != nil {
		addr = remote.String()
	}
	b.id = fmt.Sprintf("%s:%s#%d", kind, addr, sessionSeq.Add(1))
	b.local = local
	b.peer = peer
	b.multihop = multihop
	b.binary = binary
}

func (b *base) ID() string            { return b.id }
func (b *base) LocalID() proto.NodeID { return b.local }
func (b *base) PeerID() proto.NodeID  { return b.peer }
func (b *base) Multihop() bool        { return b.multihop }
func (b *base) Binary() bool          { return b.binary }

// serve runs read in the session's tomb, closes the transport once the
// tomb is dying and keeps h informed.
func (b *base) serve(conn router.Conn, h Handler, read func(ctx context.Context) error, closeTransport func() error) error {
	h.ConnectionOpened(conn)
	ctx := b.tomb.Context(context.Background())
	b.tomb.Go(func() error {
		return read(ctx)
	})
	<-b.tomb.Dying()
	if err := closeTransport(); err != nil {
		logger.Debugf("closing %s: %v", b.id, err)
	}
	err := b.tomb.Wait()
	h.ConnectionClosed(conn)
	if err != nil {
		logger.Infof("session %s ended: %v", b.id, err)
	}
	return err
}

func (b *base) dying() error {
	select {
	case <-b.tomb.Dying():
		return errors.Annotatef(ErrClosed, "%s", b.id)
	default:
		return nil
	}
}

func (b *base) Close() error {
	b.tomb.Kill(nil)
	return nil
}
