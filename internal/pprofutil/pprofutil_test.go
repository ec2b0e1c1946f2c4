package pprofutil

import (
	"net/http"
	"testing"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		if got := isLoopbackBind(tc.addr); got != tc.ok {
			t.Fatalf("isLoopbackBind(%q)=%v want %v", tc.addr, got, tc.ok)
		}
	}
}

func TestStartServesIndex(t *testing.T) {
	addr, err := Start("127.0.0.1:0", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := http.Get("http://" + addr + "/debug/pprof/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if _, err := Start("0.0.0.0:0", false); err == nil {
		t.Fatalf("expected public bind refused")
	}
}

func TestStartFromEnvDisabled(t *testing.T) {
	t.Setenv("P2PCHAT_PPROF", "")
	if err := StartFromEnv(nil); err != nil {
		t.Fatalf("disabled start: %v", err)
	}
}
