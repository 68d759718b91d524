package router

import (
	"context"

	"ocppmesh/internal/proto"
)

// Conn is one transport connection as the router sees it.
//
//go:generate go run go.uber.org/mock/mockgen -package mocks -destination mocks/conn_mock.go ocppmesh/internal/router Conn
type Conn interface {
	// ID is unique among the node's live connections.
	ID() string
	// LocalID is the identity this node presents on the connection. It
	// becomes the destination of Standard mode messages read from it.
	LocalID() proto.NodeID
	// PeerID is the identity of the remote end.
	PeerID() proto.NodeID
	// Multihop reports whether envelopes carry explicit addressing.
	Multihop() bool
	// Binary reports whether this node originates binary frames on it.
	Binary() bool
	SendFrame(ctx context.Context, frame []byte, binary bool) error
}
