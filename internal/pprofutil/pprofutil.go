// Package pprofutil exposes net/http/pprof on a loopback port when
// P2PCHAT_PPROF=1.
package pprofutil

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"

	"p2pchat/internal/debuglog"
)

const defaultAddr = "127.0.0.1:6060"

var (
	startOnce sync.Once
	startErr  error
)

// StartFromEnv starts the profiling server once per process if enabled.
// The bound URL is printed to logw.
func StartFromEnv(logw io.Writer) error {
	if strings.TrimSpace(os.Getenv("P2PCHAT_PPROF")) != "1" {
		return nil
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("P2PCHAT_PPROF_ADDR"))
		if addr == "" {
			addr = defaultAddr
		}
		allowPublic := strings.TrimSpace(os.Getenv("P2PCHAT_PPROF_ALLOW_PUBLIC")) == "1"
		var actual string
		actual, startErr = Start(addr, allowPublic)
		if startErr == nil && logw != nil {
			fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", actual)
		}
	})
	return startErr
}

// Start serves the pprof handlers on addr and returns the bound address.
// Non-loopback addresses need allowPublic.
func Start(addr string, allowPublic bool) (string, error) {
	if !allowPublic && !isLoopbackBind(addr) {
		return "", fmt.Errorf("P2PCHAT_PPROF_ADDR must be loopback unless P2PCHAT_PPROF_ALLOW_PUBLIC=1: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("pprof listen failed: %w", err)
	}
	srv := &http.Server{
		Handler:           mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			debuglog.Logf("pprof server stopped: %v", err)
		}
	}()
	return ln.Addr().String(), nil
}

func mux() *http.ServeMux {
	m := http.NewServeMux()
	m.HandleFunc("/debug/pprof/", pprof.Index)
	m.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return m
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
