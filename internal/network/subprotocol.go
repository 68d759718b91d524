package network

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

const (
	protocolPrefix = "ocpp"
	// multihopMeta marks a subprotocol whose frames carry the multihop
	// header, e.g. "ocpp2.0.1+multihop".
	multihopMeta = "multihop"
)

// SupportedProtocols are the OCPP-J versions a node speaks.
var SupportedProtocols = []string{"ocpp1.6", "ocpp2.0.1", "ocpp2.1"}

type subprotocol struct {
	name     string
	version  *semver.Version
	multihop bool
}

func parseSubprotocol(name string) (subprotocol, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(name), protocolPrefix)
	if !ok || rest == "" {
		return subprotocol{}, false
	}
	v, err := semver.NewVersion(rest)
	if err != nil {
		return subprotocol{}, false
	}
	switch v.Metadata() {
	case "", multihopMeta:
	default:
		return subprotocol{}, false
	}
	return subprotocol{name: name, version: v, multihop: v.Metadata() == multihopMeta}, true
}

// Negotiate picks the highest offered subprotocol whose version is
// supported. Earlier offers win ties.
func Negotiate(offered, supported []string) (name string, multihop bool, ok bool) {
	var versions []*semver.Version
	for _, s := range supported {
		if p, ok := parseSubprotocol(s); ok {
			versions = append(versions, p.version)
		}
	}
	var best *subprotocol
	for _, o := range offered {
		p, ok := parseSubprotocol(o)
		if !ok || !containsVersion(versions, p.version) {
			continue
		}
		if best == nil || p.version.GreaterThan(best.version) {
			p := p
			best = &p
		}
	}
	if best == nil {
		return "", false, false
	}
	return best.name, best.multihop, true
}

// Offer lists what a client proposes, highest first.
func Offer(supported []string, multihop bool) []string {
	out := make([]string, 0, len(supported))
	for i := len(supported) - 1; i >= 0; i-- {
		name := supported[i]
		if multihop {
			name += "+" + multihopMeta
		}
		out = append(out, name)
	}
	return out
}

func containsVersion(versions []*semver.Version, v *semver.Version) bool {
	for _, s := range versions {
		// Equal ignores build metadata.
		if s.Equal(v) {
			return true
		}
	}
	return false
}
