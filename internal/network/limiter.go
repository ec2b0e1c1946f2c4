package network

import (
	"net"
	"sync"
)

// ipLimiter caps concurrent inbound connections per remote IP.
type ipLimiter struct {
	mu         sync.Mutex
	maxConns   int
	connCounts map[string]int
}

func newIPLimiter(maxConns int) *ipLimiter {
	return &ipLimiter{
		maxConns:   maxConns,
		connCounts: make(map[string]int),
	}
}

func (l *ipLimiter) acquireConn(ip string) bool {
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

func (l *ipLimiter) releaseConn(ip string) {
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

func (l *ipLimiter) count(ip string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connCounts[ip]
}

func ipOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
