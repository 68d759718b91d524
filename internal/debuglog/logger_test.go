package debuglog

import (
	"testing"
	"time"

	"github.com/juju/loggo"
)

func TestLoggerNames(t *testing.T) {
	if got := Logger("router").Name(); got != "ocppmesh.router" {
		t.Fatalf("unexpected logger name %q", got)
	}
	if got := Logger("").Name(); got != "ocppmesh" {
		t.Fatalf("unexpected root name %q", got)
	}
}

func TestConfigure(t *testing.T) {
	if err := Configure("ocppmesh.test=TRACE"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if lvl := Logger("test").LogLevel(); lvl != loggo.TRACE {
		t.Fatalf("expected TRACE, got %v", lvl)
	}
	if err := Configure(""); err != nil {
		t.Fatalf("empty spec should be a no-op: %v", err)
	}
	if err := Configure("ocppmesh=NOPE"); err == nil {
		t.Fatalf("expected error for bad level")
	}
}

func TestRateLimitAllow(t *testing.T) {
	now := time.Now()
	if !allow("k", time.Second, now) {
		t.Fatalf("first call should pass")
	}
	if allow("k", time.Second, now.Add(10*time.Millisecond)) {
		t.Fatalf("second call inside interval should be suppressed")
	}
	if !allow("k", time.Second, now.Add(2*time.Second)) {
		t.Fatalf("call after interval should pass")
	}
	if !allow("other", time.Second, now) {
		t.Fatalf("distinct keys are independent")
	}
}
