package network

import (
	"net"
	"sync"
)

// IPLimiter caps concurrent connections per remote IP.
type IPLimiter struct {
	mu         sync.Mutex
	maxConns   int
	connCounts map[string]int
}

// NewLimiter returns a limiter allowing maxConns connections per IP.
// Zero or less disables the cap.
func NewLimiter(maxConns int) *IPLimiter {
	return &IPLimiter{
		maxConns:   maxConns,
		connCounts: make(map[string]int),
	}
}

func (l *IPLimiter) acquireConn(ip string) bool {
	if l == nil || l.maxConns <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[ip] >= l.maxConns {
		return false
	}
	l.connCounts[ip]++
	return true
}

func (l *IPLimiter) releaseConn(ip string) {
	if l == nil || l.maxConns <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[ip] <= 1 {
		delete(l.connCounts, ip)
		return
	}
	l.connCounts[ip]--
}

// remoteIP strips the port from a host:port address.
func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
