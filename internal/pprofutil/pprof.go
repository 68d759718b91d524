// Package pprofutil serves net/http/pprof on a loopback address when
// OCPPMESH_PPROF=1.
package pprofutil

import (
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"

	"ocppmesh/internal/debuglog"
)

const defaultAddr = "127.0.0.1:6060"

var logger = debuglog.Logger("pprof")

var (
	startOnce sync.Once
	startErr  error
)

// StartFromEnv starts the pprof server at most once. OCPPMESH_PPROF_ADDR
// picks the address, which must be loopback unless
// OCPPMESH_PPROF_ALLOW_PUBLIC=1.
func StartFromEnv() error {
	if strings.TrimSpace(os.Getenv("OCPPMESH_PPROF")) != "1" {
		return nil
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("OCPPMESH_PPROF_ADDR"))
		if addr == "" {
			addr = defaultAddr
		}
		allowPublic := strings.TrimSpace(os.Getenv("OCPPMESH_PPROF_ALLOW_PUBLIC")) == "1"
		if !allowPublic && !isLoopbackBind(addr) {
			startErr = errors.NotValidf("non-loopback pprof address %s", addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = errors.Annotate(err, "pprof listen")
			return
		}
		logger.Infof("pprof enabled: http://%s/debug/pprof/", ln.Addr())
		srv := &http.Server{
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			_ = srv.Serve(ln)
		}()
	})
	return startErr
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
