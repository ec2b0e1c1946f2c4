// Package peer keeps an address book of nodes seen per room so a node can
// reconnect to a room without a fresh ticket.
package peer

import (
	"container/list"
	"errors"
	"sort"
	"sync"
	"time"

	"p2pchat/internal/crypto"
	"p2pchat/internal/debuglog"
	"p2pchat/internal/network"
	"p2pchat/internal/store"
)

const (
	DefaultCap       = 512
	DefaultTTL       = 7 * 24 * time.Hour
	maxAddrsPerEntry = 8
)

var ErrMissingID = errors.New("missing node id")

type Entry struct {
	Addr       network.NodeAddr
	Namespaces []string
	LastSeen   time.Time
}

type Options struct {
	Cap int
	TTL time.Duration
	Now func() time.Time
}

// Book is an LRU of node addresses. A non-empty path makes it durable:
// every upsert appends a record and the newest records are replayed on open.
type Book struct {
	mu    sync.Mutex
	path  string
	cap   int
	ttl   time.Duration
	now   func() time.Time
	hot   map[crypto.PeerID]*list.Element
	order *list.List
}

type entry struct {
	id         crypto.PeerID
	addrs      []string
	namespaces map[string]struct{}
	lastSeen   time.Time
}

type diskPeer struct {
	ID        crypto.PeerID `json:"id"`
	Addrs     []string      `json:"addrs,omitempty"`
	Namespace string        `json:"namespace,omitempty"`
	SeenUnix  int64         `json:"seen"`
}

func NewBook(path string, opts Options) (*Book, error) {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	b := &Book{
		path:  path,
		cap:   capacity,
		ttl:   ttl,
		now:   now,
		hot:   make(map[crypto.PeerID]*list.Element),
		order: list.New(),
	}
	if path != "" {
		if err := b.load(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Upsert records addr, optionally as a member of namespace. Known addresses
// are kept and new ones are put first.
func (b *Book) Upsert(addr network.NodeAddr, namespace string) error {
	if addr.ID.IsZero() {
		return ErrMissingID
	}
	now := b.now()
	b.mu.Lock()
	b.pruneLocked(now)
	changed := b.applyLocked(addr.ID, addr.Addrs, namespace, now)
	b.mu.Unlock()
	if !changed || b.path == "" {
		return nil
	}
	rec := diskPeer{ID: addr.ID, Addrs: addr.Addrs, Namespace: namespace, SeenUnix: now.Unix()}
	return store.AppendJSONL(b.path, rec)
}

func (b *Book) applyLocked(id crypto.PeerID, addrs []string, namespace string, seen time.Time) bool {
	var ent *entry
	if el, ok := b.hot[id]; ok {
		ent = el.Value.(*entry)
		b.order.MoveToFront(el)
	} else {
		if len(b.hot) >= b.cap {
			b.evictLocked(len(b.hot) - b.cap + 1)
		}
		ent = &entry{id: id, namespaces: make(map[string]struct{})}
		b.hot[id] = b.order.PushFront(ent)
	}
	changed := false
	if seen.After(ent.lastSeen) {
		ent.lastSeen = seen
	}
	merged := mergeAddrs(addrs, ent.addrs)
	if !equalAddrs(merged, ent.addrs) {
		ent.addrs = merged
		changed = true
	}
	if namespace != "" {
		if _, ok := ent.namespaces[namespace]; !ok {
			ent.namespaces[namespace] = struct{}{}
			changed = true
		}
	}
	return changed
}

func mergeAddrs(front, rest []string) []string {
	out := make([]string, 0, len(front)+len(rest))
	seen := make(map[string]bool, len(front)+len(rest))
	for _, group := range [][]string{front, rest} {
		for _, a := range group {
			if a == "" || seen[a] {
				continue
			}
			seen[a] = true
			out = append(out, a)
		}
	}
	if len(out) > maxAddrsPerEntry {
		out = out[:maxAddrsPerEntry]
	}
	return out
}

func equalAddrs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (b *Book) Get(id crypto.PeerID) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	el, ok := b.hot[id]
	if !ok {
		return Entry{}, false
	}
	return el.Value.(*entry).export(), true
}

// ForNamespace returns dialable addresses of nodes seen in namespace,
// most recently seen first.
func (b *Book) ForNamespace(namespace string) []network.NodeAddr {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	var out []network.NodeAddr
	for el := b.order.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*entry)
		if _, ok := ent.namespaces[namespace]; !ok || len(ent.addrs) == 0 {
			continue
		}
		out = append(out, ent.export().Addr)
	}
	return out
}

func (b *Book) List() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	out := make([]Entry, 0, len(b.hot))
	for el := b.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).export())
	}
	return out
}

func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return len(b.hot)
}

func (e *entry) export() Entry {
	addrs := make([]string, len(e.addrs))
	copy(addrs, e.addrs)
	ns := make([]string, 0, len(e.namespaces))
	for n := range e.namespaces {
		ns = append(ns, n)
	}
	sort.Strings(ns)
	return Entry{
		Addr:       network.NodeAddr{ID: e.id, Addrs: addrs},
		Namespaces: ns,
		LastSeen:   e.lastSeen,
	}
}

func (b *Book) pruneLocked(now time.Time) {
	for el := b.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if now.Sub(ent.lastSeen) > b.ttl {
			delete(b.hot, ent.id)
			b.order.Remove(el)
		}
		el = prev
	}
}

func (b *Book) evictLocked(n int) {
	for n > 0 {
		el := b.order.Back()
		if el == nil {
			return
		}
		ent := el.Value.(*entry)
		delete(b.hot, ent.id)
		b.order.Remove(el)
		n--
	}
}

func (b *Book) load() error {
	recs, err := store.ReadJSONL[diskPeer](b.path)
	if err != nil {
		return err
	}
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	skipped := 0
	for _, rec := range recs {
		if rec.ID.IsZero() {
			skipped++
			continue
		}
		seen := time.Unix(rec.SeenUnix, 0)
		if now.Sub(seen) > b.ttl {
			continue
		}
		b.applyLocked(rec.ID, rec.Addrs, rec.Namespace, seen)
	}
	if skipped > 0 {
		debuglog.Debugf("peer book: skipped %d records without id", skipped)
	}
	return nil
}
