package peer_test

import (
	"path/filepath"
	"testing"
	"time"

	"p2pchat/internal/crypto"
	"p2pchat/internal/network"
	"p2pchat/internal/peer"
)

func newAddr(t *testing.T, addrs ...string) network.NodeAddr {
	t.Helper()
	k, err := crypto.GenerateSecretKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return network.NodeAddr{ID: k.Public(), Addrs: addrs}
}

func TestUpsertMergesAddrsAndNamespaces(t *testing.T) {
	b, err := peer.NewBook("", peer.Options{})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	a := newAddr(t, "10.0.0.1:1000")
	if err := b.Upsert(a, "room1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	a2 := network.NodeAddr{ID: a.ID, Addrs: []string{"10.0.0.2:1000"}}
	if err := b.Upsert(a2, "room2"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, ok := b.Get(a.ID)
	if !ok {
		t.Fatalf("missing entry")
	}
	if len(got.Addr.Addrs) != 2 || got.Addr.Addrs[0] != "10.0.0.2:1000" {
		t.Fatalf("expected newest addr first, got %v", got.Addr.Addrs)
	}
	if len(got.Namespaces) != 2 || got.Namespaces[0] != "room1" || got.Namespaces[1] != "room2" {
		t.Fatalf("unexpected namespaces %v", got.Namespaces)
	}
	if err := b.Upsert(network.NodeAddr{}, ""); err != peer.ErrMissingID {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
}

func TestForNamespace(t *testing.T) {
	b, _ := peer.NewBook("", peer.Options{})
	a := newAddr(t, "10.0.0.1:1")
	c := newAddr(t, "10.0.0.3:3")
	noAddr := newAddr(t)
	for _, n := range []network.NodeAddr{a, c, noAddr} {
		if err := b.Upsert(n, "room"); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	_ = b.Upsert(newAddr(t, "10.0.0.9:9"), "other")
	got := b.ForNamespace("room")
	if len(got) != 2 {
		t.Fatalf("expected 2 dialable nodes, got %d", len(got))
	}
	if got[0].ID != c.ID {
		t.Fatalf("expected most recent first")
	}
}

func TestEvictOrdering(t *testing.T) {
	b, _ := peer.NewBook("", peer.Options{Cap: 2})
	p1 := newAddr(t, "10.0.0.1:1")
	p2 := newAddr(t, "10.0.0.2:2")
	p3 := newAddr(t, "10.0.0.3:3")
	_ = b.Upsert(p1, "")
	_ = b.Upsert(p2, "")
	_ = b.Upsert(p1, "")
	_ = b.Upsert(p3, "")
	if b.Len() != 2 {
		t.Fatalf("expected cap 2, got %d", b.Len())
	}
	if _, ok := b.Get(p2.ID); ok {
		t.Fatalf("expected least recently used peer evicted")
	}
	if _, ok := b.Get(p1.ID); !ok {
		t.Fatalf("expected touched peer kept")
	}
}

func TestTTLExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b, _ := peer.NewBook("", peer.Options{TTL: time.Hour, Now: func() time.Time { return now }})
	a := newAddr(t, "10.0.0.1:1")
	_ = b.Upsert(a, "room")
	now = now.Add(2 * time.Hour)
	if b.Len() != 0 {
		t.Fatalf("expected expired entry pruned")
	}
}

func TestPersistReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.jsonl")
	b, err := peer.NewBook(path, peer.Options{})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	a := newAddr(t, "10.0.0.1:1")
	if err := b.Upsert(a, "room"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	reloaded, err := peer.NewBook(path, peer.Options{})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := reloaded.ForNamespace("room")
	if len(got) != 1 || got[0].ID != a.ID || got[0].Addrs[0] != "10.0.0.1:1" {
		t.Fatalf("unexpected reload result %+v", got)
	}
}
