package network

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestIPLimiterConnCap(t *testing.T) {
	c := qt.New(t)
	lim := NewLimiter(1)
	c.Assert(lim.acquireConn("1.2.3.4"), qt.IsTrue)
	c.Assert(lim.acquireConn("1.2.3.4"), qt.IsFalse)
	lim.releaseConn("1.2.3.4")
	c.Assert(lim.acquireConn("1.2.3.4"), qt.IsTrue)
}

func TestIPLimiterSeparateIPs(t *testing.T) {
	c := qt.New(t)
	lim := NewLimiter(1)
	c.Assert(lim.acquireConn("1.2.3.4"), qt.IsTrue)
	c.Assert(lim.acquireConn("2.3.4.5"), qt.IsTrue)
}

func TestIPLimiterDisabled(t *testing.T) {
	c := qt.New(t)
	var nilLim *IPLimiter
	c.Assert(nilLim.acquireConn("1.2.3.4"), qt.IsTrue)
	lim := NewLimiter(0)
	for i := 0; i < 3; i++ {
		c.Assert(lim.acquireConn("1.2.3.4"), qt.IsTrue)
	}
	c.Assert(lim.connCounts, qt.HasLen, 0)
}

func TestRemoteIP(t *testing.T) {
	c := qt.New(t)
	c.Check(remoteIP("10.0.0.1:5000"), qt.Equals, "10.0.0.1")
	c.Check(remoteIP("[::1]:80"), qt.Equals, "::1")
	c.Check(remoteIP("pipe"), qt.Equals, "pipe")
}
