package docs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"p2pchat/internal/crypto"
	"p2pchat/internal/network"
	"p2pchat/internal/ticket"
)

// Doc is a handle to one document. Closing it ends its subscriptions; the
// engine keeps serving the document to peers.
type Doc struct {
	e  *Engine
	st *docState

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

func newDoc(e *Engine, st *docState) *Doc {
	return &Doc{e: e, st: st, done: make(chan struct{})}
}

func (d *Doc) ID() NamespaceID { return d.st.replica.id }

func (d *Doc) Writable() bool { return d.st.replica.Writable() }

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

// Set stores value under (author, key) and announces it to live peers.
func (d *Doc) Set(ctx context.Context, author Author, key, value []byte) (crypto.Hash, error) {
	if len(key) == 0 || len(key) > MaxKeySize {
		return crypto.Hash{}, fmt.Errorf("%w: key size %d", ErrInvalidEntry, len(key))
	}
	secret := d.st.replica.namespaceSecret()
	if secret.IsZero() {
		return crypto.Hash{}, ErrReadOnly
	}
	h, err := d.e.blobs.Put(value)
	if err != nil {
		return crypto.Hash{}, fmt.Errorf("store content: %w", err)
	}
	entry := Entry{
		Namespace: d.ID(),
		Author:    author.ID(),
		Key:       append([]byte(nil), key...),
		Timestamp: d.st.replica.nextTimestamp(nowMicros()),
		Hash:      h,
		Len:       uint64(len(value)),
	}
	se, err := SignEntry(entry, secret, author)
	if err != nil {
		return crypto.Hash{}, err
	}
	if _, err := d.st.replica.insert(se); err != nil {
		return crypto.Hash{}, err
	}
	if d.e.persist != nil {
		if err := d.e.persist.AppendEntry(d.ID().String(), se.ToWire()); err != nil {
			return crypto.Hash{}, fmt.Errorf("persist entry: %w", err)
		}
	}
	d.e.metrics.IncEntriesLocal()
	d.st.emit(Event{Kind: LocalInsert, Entry: se, Status: ContentComplete})
	d.e.broadcast(d.st, se)
	return h, nil
}

func (d *Doc) GetExact(author AuthorID, key []byte) (SignedEntry, bool) {
	return d.st.replica.getExact(author, key)
}

// GetLatest returns the winning version of key across all authors.
func (d *Doc) GetLatest(key []byte) (SignedEntry, bool) {
	var best SignedEntry
	found := false
	for _, e := range d.st.replica.all() {
		if string(e.Key) != string(key) {
			continue
		}
		if !found || winsOver(e, best) {
			best = e
			found = true
		}
	}
	return best, found
}

// Query returns the latest version of every key, ordered by key.
func (d *Doc) Query() []SignedEntry {
	return d.st.replica.latestPerKey()
}

// Entries returns every stored version.
func (d *Doc) Entries() []SignedEntry {
	return d.st.replica.all()
}

// ReadContent returns the bytes an entry points to, or ErrContentMissing
// while they have not arrived.
func (d *Doc) ReadContent(ctx context.Context, e SignedEntry) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, ok := d.e.blobs.Get(e.Hash)
	if !ok {
		return nil, ErrContentMissing
	}
	return b, nil
}

// InsertRemote applies an entry obtained from another node. from may be
// zero when the sender is unknown, in which case missing content is not
// fetched.
func (d *Doc) InsertRemote(ctx context.Context, from crypto.PeerID, e SignedEntry) (bool, error) {
	if err := e.Verify(); err != nil {
		d.e.metrics.IncEntriesInvalid()
		return false, err
	}
	inserted, missing, err := d.e.applyRemote(d.st, e, from)
	if err != nil || !inserted {
		return inserted, err
	}
	if missing && !from.IsZero() {
		d.e.fetchAsync(d.st, from, e.Hash)
	}
	return true, nil
}

// Share builds a ticket for the document. Write tickets carry the
// namespace secret.
func (d *Doc) Share(mode ticket.Capability) (ticket.DocTicket, error) {
	t := ticket.DocTicket{Capability: mode, Namespace: crypto.PeerID(d.ID())}
	switch mode {
	case ticket.Write:
		secret := d.st.replica.namespaceSecret()
		if secret.IsZero() {
			return ticket.DocTicket{}, ErrReadOnly
		}
		t.Secret = secret.String()
	case ticket.Read:
	default:
		return ticket.DocTicket{}, fmt.Errorf("unknown capability %q", mode)
	}
	if d.e.ep != nil {
		t.Nodes = append(t.Nodes, d.e.ep.Addr())
	}
	for _, p := range d.e.livePeers(d.st) {
		if len(p.Addrs) > 0 {
			t.Nodes = append(t.Nodes, p)
		}
	}
	return t, nil
}

// Peers lists the nodes known to hold this document.
func (d *Doc) Peers() []network.NodeAddr {
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	out := make([]network.NodeAddr, 0, len(d.st.peers))
	for _, p := range d.st.peers {
		out = append(out, p)
	}
	return out
}

// Subscribe streams document events until ctx ends or the handle is
// closed. Slow consumers miss events rather than stall writers.
func (d *Doc) Subscribe(ctx context.Context) (<-chan Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrUnknownDoc
	}
	ch := make(chan Event, subscriberBuffer)
	st := d.st
	st.mu.Lock()
	st.nextSub++
	id := st.nextSub
	st.subs[id] = ch
	st.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-d.done:
		case <-d.e.ctx.Done():
		}
		st.mu.Lock()
		if c, ok := st.subs[id]; ok {
			delete(st.subs, id)
			close(c)
		}
		st.mu.Unlock()
	}()
	return ch, nil
}

func (d *Doc) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.done)
	return nil
}
