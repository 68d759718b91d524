package proto

import (
	"strings"

	"github.com/juju/errors"
)

// DefaultMaxHops bounds how many hops a relayed message may have travelled.
const DefaultMaxHops = 8

const (
	ErrHopLimit  = errors.ConstError("network path exceeds hop limit")
	ErrPathCycle = errors.ConstError("network path already contains node")
)

// NetworkPath is the ordered list of hops a message has travelled, origin
// first. Paths are treated as values: Append never mutates the receiver.
type NetworkPath []NodeID

func (p NetworkPath) Append(id NodeID) NetworkPath {
	out := make(NetworkPath, len(p), len(p)+1)
	copy(out, p)
	return append(out, id)
}

// Source returns the first hop, or Zero for an empty path.
func (p NetworkPath) Source() NodeID {
	if len(p) == 0 {
		return Zero
	}
	return p[0]
}

func (p NetworkPath) Last() NodeID {
	if len(p) == 0 {
		return Zero
	}
	return p[len(p)-1]
}

func (p NetworkPath) Len() int {
	return len(p)
}

func (p NetworkPath) Contains(id NodeID) bool {
	for _, hop := range p {
		if hop == id {
			return true
		}
	}
	return false
}

// CheckRelay validates that self may extend the path by one hop.
func (p NetworkPath) CheckRelay(self NodeID, maxHops int) error {
	if p.Contains(self) {
		return errors.Annotatef(ErrPathCycle, "%s in %s", self, p)
	}
	if maxHops > 0 && len(p) >= maxHops {
		return errors.Annotatef(ErrHopLimit, "%d hops", len(p))
	}
	return nil
}

func (p NetworkPath) String() string {
	parts := make([]string, len(p))
	for i, hop := range p {
		parts[i] = string(hop)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
