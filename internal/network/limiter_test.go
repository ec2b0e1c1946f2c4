package network

import (
	"net"
	"testing"
)

func TestIPLimiterConnCap(t *testing.T) {
	lim := newIPLimiter(1)
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected first conn acquire")
	}
	if lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected conn cap")
	}
	lim.releaseConn("1.2.3.4")
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterSeparateIPs(t *testing.T) {
	lim := newIPLimiter(1)
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected first conn")
	}
	if !lim.acquireConn("2.3.4.5") {
		t.Fatalf("expected separate ip conn")
	}
	lim.releaseConn("1.2.3.4")
	if lim.count("1.2.3.4") != 0 {
		t.Fatalf("expected count cleared after release")
	}
}

func TestIPLimiterDisabled(t *testing.T) {
	lim := newIPLimiter(0)
	for i := 0; i < 10; i++ {
		if !lim.acquireConn("1.2.3.4") {
			t.Fatalf("expected unlimited acquire")
		}
	}
	var nilLim *ipLimiter
	if !nilLim.acquireConn("1.2.3.4") {
		t.Fatalf("expected nil limiter to allow")
	}
}

func TestIPOf(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.7"), Port: 4000}
	if got := ipOf(addr); got != "10.0.0.7" {
		t.Fatalf("unexpected ip %q", got)
	}
}
