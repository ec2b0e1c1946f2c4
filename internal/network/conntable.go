package network

import (
	"context"
	"sort"
	"sync"
	"time"

	"p2pchat/internal/crypto"
)

const (
	dialMaxRetries  = 3
	dialBackoffBase = 100 * time.Millisecond
	dialBackoffMax  = 1 * time.Second
	dialTimeout     = 8 * time.Second
)

type connKey struct {
	peer crypto.PeerID
	alpn string
}

type addrFailure struct {
	count int
	last  time.Time
}

// connTable tracks the live connection per (peer, alpn) and dial failures
// per address.
type connTable struct {
	mu       sync.Mutex
	conns    map[connKey]*Conn
	failures map[string]*addrFailure
}

func newConnTable() *connTable {
	return &connTable{
		conns:    make(map[connKey]*Conn),
		failures: make(map[string]*addrFailure),
	}
}

// put installs c, replacing any previous entry for the same key. The
// replaced connection stays open; its owner decides when to close it.
func (t *connTable) put(c *Conn) {
	if t == nil || c == nil {
		return
	}
	key := connKey{peer: c.remote, alpn: c.alpn}
	t.mu.Lock()
	t.conns[key] = c
	t.mu.Unlock()
	go func() {
		<-c.Context().Done()
		t.drop(c)
	}()
}

func (t *connTable) drop(c *Conn) {
	if t == nil || c == nil {
		return
	}
	key := connKey{peer: c.remote, alpn: c.alpn}
	t.mu.Lock()
	if cur, ok := t.conns[key]; ok && cur == c {
		delete(t.conns, key)
	}
	t.mu.Unlock()
}

func (t *connTable) get(peer crypto.PeerID, alpn string) (*Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[connKey{peer: peer, alpn: alpn}]
	if !ok || c.Context().Err() != nil {
		return nil, false
	}
	return c, true
}

// forPeer returns any live connection to peer, preferring the newest.
func (t *connTable) forPeer(peer crypto.PeerID) (*Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var best *Conn
	for k, c := range t.conns {
		if k.peer != peer || c.Context().Err() != nil {
			continue
		}
		if best == nil || c.established.After(best.established) {
			best = c
		}
	}
	return best, best != nil
}

func (t *connTable) list() []*Conn {
	t.mu.Lock()
	out := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].established.Before(out[j].established)
	})
	return out
}

func (t *connTable) closeAll(reason string) {
	t.mu.Lock()
	conns := make([]*Conn, 0, len(t.conns))
	for k, c := range t.conns {
		conns = append(conns, c)
		delete(t.conns, k)
	}
	t.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(reason)
	}
}

func (t *connTable) recordFailure(addr string) int {
	if t == nil || addr == "" {
		return 0
	}
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	ent := t.failures[addr]
	if ent == nil {
		ent = &addrFailure{}
		t.failures[addr] = ent
	}
	ent.count++
	ent.last = now
	return ent.count
}

func (t *connTable) resetFailures(addr string) {
	if t == nil || addr == "" {
		return
	}
	t.mu.Lock()
	delete(t.failures, addr)
	t.mu.Unlock()
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), dialTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, dialTimeout)
}

func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	d := dialBackoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > dialBackoffMax {
		d = dialBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
