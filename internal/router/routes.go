package router

import (
	"sort"
	"sync"
	"sync/atomic"

	"ocppmesh/internal/proto"
)

type route struct {
	conn Conn
	// direct routes come from the connection's peer id; learned ones from
	// path sources seen on it.
	direct bool
	// hops is the path length a learned route was seen with.
	hops int
}

// Routes maps node ids to the connection they are reachable through.
type Routes struct {
	byNode sync.Map // proto.NodeID -> route
	conns  sync.Map // conn id -> Conn
	def    atomic.Pointer[route]
}

func NewRoutes() *Routes {
	return &Routes{}
}

// Add registers conn and routes its peer id to it.
func (r *Routes) Add(conn Conn) {
	r.conns.Store(conn.ID(), conn)
	if peer := conn.PeerID(); !peer.IsZero() {
		r.byNode.Store(peer, route{conn: conn, direct: true})
	}
}

// SetDefault makes conn the route for destinations nothing else matches.
func (r *Routes) SetDefault(conn Conn) {
	r.def.Store(&route{conn: conn})
}

// Learn routes id through conn, reached in hops hops. A direct route on
// another connection always stays; a learned one moves only to a strictly
// shorter path.
func (r *Routes) Learn(id proto.NodeID, conn Conn, hops int) {
	if id.IsZero() {
		return
	}
	if cur, ok := r.byNode.Load(id); ok {
		rt := cur.(route)
		switch {
		case rt.conn.ID() == conn.ID():
			if rt.direct || rt.hops == hops {
				return
			}
		case rt.direct, hops >= rt.hops:
			return
		}
	}
	r.byNode.Store(id, route{conn: conn, hops: hops})
}

// Lookup returns the connection towards id.
func (r *Routes) Lookup(id proto.NodeID) (Conn, bool) {
	if v, ok := r.byNode.Load(id); ok {
		return v.(route).conn, true
	}
	if d := r.def.Load(); d != nil {
		return d.conn, true
	}
	return nil, false
}

// Remove forgets conn and every route through it.
func (r *Routes) Remove(conn Conn) {
	id := conn.ID()
	r.conns.Delete(id)
	r.byNode.Range(func(k, v any) bool {
		if v.(route).conn.ID() == id {
			r.byNode.Delete(k)
		}
		return true
	})
	if d := r.def.Load(); d != nil && d.conn.ID() == id {
		r.def.CompareAndSwap(d, nil)
	}
}

// Conn returns a registered connection by id.
func (r *Routes) Conn(id string) (Conn, bool) {
	v, ok := r.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(Conn), true
}

// Len returns the number of registered connections.
func (r *Routes) Len() int {
	n := 0
	r.conns.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// Table lists node id -> connection id, sorted by node id.
func (r *Routes) Table() [][2]string {
	var out [][2]string
	r.byNode.Range(func(k, v any) bool {
		out = append(out, [2]string{string(k.(proto.NodeID)), v.(route).conn.ID()})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
