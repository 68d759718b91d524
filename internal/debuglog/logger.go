// Package debuglog names the loggers used across ocppmesh and applies the
// OCPPMESH_DEBUG / OCPPMESH_LOGGING environment switches.
package debuglog

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/juju/loggo"
)

const rootName = "ocppmesh"

var (
	configureOnce sync.Once
	rlMu          sync.Mutex
	rlLast        = make(map[string]time.Time)
	rlSweep       = time.Now()
)

// Logger returns the named child of the ocppmesh root logger, e.g.
// Logger("router") is "ocppmesh.router".
func Logger(name string) loggo.Logger {
	configureOnce.Do(configureFromEnv)
	if name == "" {
		return loggo.GetLogger(rootName)
	}
	return loggo.GetLogger(rootName + "." + name)
}

// Configure applies a loggo configuration string such as
// "ocppmesh=INFO;ocppmesh.router=DEBUG".
func Configure(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	return loggo.ConfigureLoggers(spec)
}

func configureFromEnv() {
	level := "INFO"
	if os.Getenv("OCPPMESH_DEBUG") == "1" {
		level = "DEBUG"
	}
	_ = loggo.ConfigureLoggers(rootName + "=" + level)
	if spec := os.Getenv("OCPPMESH_LOGGING"); spec != "" {
		_ = loggo.ConfigureLoggers(spec)
	}
}

// RateLimitedf logs at warning level at most once per interval for key.
// It keeps hostile or broken peers from flooding the log with decode and
// correlation noise.
func RateLimitedf(logger loggo.Logger, key string, interval time.Duration, format string, args ...any) {
	if key == "" {
		logger.Warningf(format, args...)
		return
	}
	if !allow(key, interval, time.Now()) {
		return
	}
	logger.Warningf(format, args...)
}

func allow(key string, interval time.Duration, now time.Time) bool {
	rlMu.Lock()
	defer rlMu.Unlock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		return false
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	return true
}
