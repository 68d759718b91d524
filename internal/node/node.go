package node

import (
	"crypto/rsa"
	"os"
	"slices"
	"sync/atomic"

	"github.com/juju/errors"

	"ocppmesh/internal/crypto"
	"ocppmesh/internal/proto"
)

// Node is this process's identity on the mesh: its node id, the anycast
// ids it answers for and its signing keypair.
type Node struct {
	ID      proto.NodeID
	PubKey  []byte
	PrivKey []byte
	KeyID   string

	signer  *rsa.PrivateKey
	anycast atomic.Pointer[anycastSet]
}

type Options struct {
	// ID overrides the id derived from the public key.
	ID      proto.NodeID
	Anycast []proto.NodeID
	KeyBits int
}

type anycastSet struct {
	ids map[proto.NodeID]struct{}
}

// NewNode loads the keypair from home, generating one on first start.
func NewNode(home string, opts Options) (*Node, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, errors.Trace(err)
	}
	pub, priv, err := crypto.LoadKeypair(home)
	if err != nil {
		if !errors.Is(err, errors.NotFound) {
			return nil, errors.Annotatef(err, "loading keypair from %s", home)
		}
		pub, priv, err = crypto.GenKeypair(opts.KeyBits)
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveKeypair(home, pub, priv); err != nil {
			return nil, err
		}
	}
	return FromKeypair(pub, priv, opts)
}

// FromKeypair builds a Node around an existing keypair.
func FromKeypair(pub, priv []byte, opts Options) (*Node, error) {
	signer, err := crypto.ParseRSAPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	id := opts.ID
	if id.IsZero() {
		id = DeriveNodeID(pub)
	}
	n := &Node{
		ID:      id,
		PubKey:  pub,
		PrivKey: priv,
		KeyID:   crypto.KeyID(pub),
		signer:  signer,
	}
	n.SetAnycast(opts.Anycast)
	return n, nil
}

// Self returns the node id.
func (n *Node) Self() proto.NodeID {
	return n.ID
}

// IsLocal reports whether id addresses this node directly or through one
// of its anycast ids.
func (n *Node) IsLocal(id proto.NodeID) bool {
	if id == n.ID {
		return true
	}
	set := n.anycast.Load()
	if set == nil {
		return false
	}
	_, ok := set.ids[id]
	return ok
}

// SetAnycast replaces the anycast set. Readers never see a partial update.
func (n *Node) SetAnycast(ids []proto.NodeID) {
	set := &anycastSet{ids: make(map[proto.NodeID]struct{}, len(ids))}
	for _, id := range ids {
		if !id.IsZero() {
			set.ids[id] = struct{}{}
		}
	}
	n.anycast.Store(set)
}

// Anycast returns the current anycast ids, sorted.
func (n *Node) Anycast() []proto.NodeID {
	set := n.anycast.Load()
	if set == nil {
		return nil
	}
	out := make([]proto.NodeID, 0, len(set.ids))
	for id := range set.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// SignDigest signs a 32-byte digest with the node key.
func (n *Node) SignDigest(digest []byte) ([]byte, error) {
	return crypto.SignDigestKey(n.signer, digest)
}

// DeriveNodeID names a node after its public key when no id is configured.
func DeriveNodeID(pub []byte) proto.NodeID {
	return proto.NodeID("node-" + crypto.KeyID(pub))
}
