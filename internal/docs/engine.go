// Package docs is a replicated key-value document store. Each document
// (namespace) holds signed entries, one version per key and author, with
// content kept in a content-addressed blob store. Nodes exchange entries
// and blobs over the docs ALPN.
package docs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"p2pchat/internal/crypto"
	"p2pchat/internal/debuglog"
	"p2pchat/internal/metrics"
	"p2pchat/internal/network"
	"p2pchat/internal/ticket"
)

var (
	ErrContentMissing = errors.New("content not available locally")
	ErrReadOnly       = errors.New("document is read-only")
	ErrUnknownDoc     = errors.New("unknown document")
	ErrEngineClosed   = errors.New("docs engine closed")
	errOffline        = errors.New("docs engine has no endpoint")
)

const (
	defaultSyncTimeout = 10 * time.Second
	subscriberBuffer   = 64
)

type Options struct {
	// Endpoint may be nil, in which case documents stay local.
	Endpoint    *network.Endpoint
	Blobs       BlobStore
	Persister   Persister
	Author      Author
	Metrics     *metrics.Metrics
	SyncTimeout time.Duration
}

type docState struct {
	replica *Replica

	mu      sync.Mutex
	peers   map[crypto.PeerID]network.NodeAddr
	live    map[crypto.PeerID]struct{}
	subs    map[uint64]chan Event
	nextSub uint64
}

func newDocState(r *Replica) *docState {
	return &docState{
		replica: r,
		peers:   make(map[crypto.PeerID]network.NodeAddr),
		live:    make(map[crypto.PeerID]struct{}),
		subs:    make(map[uint64]chan Event),
	}
}

// emit delivers ev to every subscriber. A full subscriber misses the
// event; consumers re-read the document on any event.
func (st *docState) emit(ev Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, ch := range st.subs {
		select {
		case ch <- ev:
		default:
			debuglog.RateLimitedf("docs-sub-full:"+st.replica.id.String(), 5*time.Second,
				"docs subscriber full, dropped %s", ev.Kind)
		}
	}
}

type Engine struct {
	ep          *network.Endpoint
	blobs       BlobStore
	persist     Persister
	author      Author
	metrics     *metrics.Metrics
	syncTimeout time.Duration
	log         zerolog.Logger

	mu     sync.Mutex
	docs   map[NamespaceID]*docState
	served map[*network.Conn]struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine loads persisted documents and, when an endpoint is given,
// starts serving the docs protocol.
func NewEngine(ctx context.Context, opts Options) (*Engine, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	author := opts.Author
	if author.IsZero() {
		a, err := NewAuthor()
		if err != nil {
			return nil, err
		}
		author = a
	}
	blobs := opts.Blobs
	if blobs == nil {
		blobs = NewMemBlobs()
	}
	ectx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &Engine{
		ep:          opts.Endpoint,
		blobs:       blobs,
		persist:     opts.Persister,
		author:      author,
		metrics:     opts.Metrics,
		syncTimeout: opts.SyncTimeout,
		log:         debuglog.With("docs"),
		docs:        make(map[NamespaceID]*docState),
		served:      make(map[*network.Conn]struct{}),
		ctx:         ectx,
		cancel:      cancel,
	}
	if e.syncTimeout <= 0 {
		e.syncTimeout = defaultSyncTimeout
	}
	if err := e.load(); err != nil {
		cancel()
		return nil, err
	}
	if e.ep != nil {
		e.wg.Add(1)
		go e.acceptLoop()
	}
	return e, nil
}

func (e *Engine) load() error {
	if e.persist == nil {
		return nil
	}
	spaces, err := e.persist.Namespaces()
	if err != nil {
		return fmt.Errorf("load namespaces: %w", err)
	}
	for idStr, secretStr := range spaces {
		id, err := ParseNamespaceID(idStr)
		if err != nil {
			e.log.Warn().Str("namespace", idStr).Msg("skipping bad persisted namespace")
			continue
		}
		var secret NamespaceSecret
		if secretStr != "" {
			secret, err = ParseNamespaceSecret(secretStr)
			if err != nil || secret.ID() != id {
				e.log.Warn().Str("namespace", id.Fmt()).Msg("persisted secret does not match namespace")
				secret = NamespaceSecret{}
			}
		}
		r := newReplica(id, secret)
		wires, err := e.persist.LoadEntries(idStr)
		if err != nil {
			return fmt.Errorf("load entries %s: %w", id.Fmt(), err)
		}
		loaded := 0
		for _, w := range wires {
			se, err := FromWire(w)
			if err != nil {
				e.log.Debug().Err(err).Str("namespace", id.Fmt()).Msg("skipping persisted entry")
				continue
			}
			if ok, _ := r.insert(se); ok {
				loaded++
			}
		}
		e.docs[id] = newDocState(r)
		e.log.Debug().Str("namespace", id.Fmt()).Int("entries", loaded).Msg("loaded document")
	}
	return nil
}

func (e *Engine) AuthorDefault() Author { return e.author }

func (e *Engine) AuthorCreate() (Author, error) { return NewAuthor() }

func (e *Engine) Blobs() BlobStore { return e.blobs }

func (e *Engine) doc(id NamespaceID) *docState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.docs[id]
}

// ensureDoc registers a namespace, upgrading a read-only replica when a
// secret becomes known.
func (e *Engine) ensureDoc(id NamespaceID, secret NamespaceSecret) (*docState, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	st, ok := e.docs[id]
	if !ok {
		st = newDocState(newReplica(id, secret))
		e.docs[id] = st
	}
	e.mu.Unlock()
	upgraded := false
	if ok && !secret.IsZero() && !st.replica.Writable() {
		st.replica.setSecret(secret)
		upgraded = true
	}
	if e.persist != nil && (!ok || upgraded) {
		s := ""
		if !secret.IsZero() {
			s = secret.String()
		}
		if err := e.persist.SaveNamespace(id.String(), s); err != nil {
			return nil, fmt.Errorf("persist namespace: %w", err)
		}
	}
	return st, nil
}

// Create starts a new document owned by this node.
func (e *Engine) Create(ctx context.Context) (*Doc, error) {
	secret, err := NewNamespaceSecret()
	if err != nil {
		return nil, err
	}
	st, err := e.ensureDoc(secret.ID(), secret)
	if err != nil {
		return nil, err
	}
	e.log.Info().Str("namespace", secret.ID().Fmt()).Msg("created document")
	return newDoc(e, st), nil
}

// Open returns a handle to a document already known to the engine.
func (e *Engine) Open(id NamespaceID) (*Doc, error) {
	st := e.doc(id)
	if st == nil {
		return nil, ErrUnknownDoc
	}
	return newDoc(e, st), nil
}

// Import registers the ticket's namespace and syncs with the nodes it
// lists. Unreachable nodes are logged; the document is usable offline.
func (e *Engine) Import(ctx context.Context, t ticket.DocTicket) (*Doc, error) {
	id := NamespaceID(t.Namespace)
	var secret NamespaceSecret
	if t.Capability == ticket.Write {
		s, err := ParseNamespaceSecret(t.Secret)
		if err != nil {
			return nil, fmt.Errorf("import: %w", err)
		}
		if s.ID() != id {
			return nil, fmt.Errorf("import: %w", ticket.ErrBadTicket)
		}
		secret = s
	}
	st, err := e.ensureDoc(id, secret)
	if err != nil {
		return nil, err
	}
	var nodes []network.NodeAddr
	for _, n := range t.Nodes {
		if e.ep != nil && n.ID == e.ep.LocalID() {
			continue
		}
		e.addPeer(st, n)
		nodes = append(nodes, n)
	}
	e.syncAll(ctx, st, nodes)
	e.log.Info().Str("namespace", id.Fmt()).Int("nodes", len(nodes)).Bool("writable", st.replica.Writable()).Msg("imported document")
	return newDoc(e, st), nil
}

func (e *Engine) syncAll(ctx context.Context, st *docState, nodes []network.NodeAddr) {
	if e.ep == nil || len(nodes) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.syncTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		g.Go(func() error {
			if err := e.syncWith(gctx, st, n); err != nil {
				e.log.Warn().Err(err).Str("peer", n.ID.Fmt()).Str("namespace", st.replica.id.Fmt()).Msg("sync failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Sync reconciles the document with every known peer.
func (e *Engine) Sync(ctx context.Context, id NamespaceID) error {
	st := e.doc(id)
	if st == nil {
		return ErrUnknownDoc
	}
	st.mu.Lock()
	nodes := make([]network.NodeAddr, 0, len(st.peers))
	for _, n := range st.peers {
		nodes = append(nodes, n)
	}
	st.mu.Unlock()
	e.syncAll(ctx, st, nodes)
	return nil
}

func (e *Engine) addPeer(st *docState, n network.NodeAddr) {
	if n.ID.IsZero() {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	cur, ok := st.peers[n.ID]
	if !ok || len(n.Addrs) > 0 {
		cur = mergeAddr(cur, n)
	}
	st.peers[n.ID] = cur
}

func mergeAddr(a, b network.NodeAddr) network.NodeAddr {
	out := network.NodeAddr{ID: b.ID}
	seen := make(map[string]struct{})
	for _, list := range [][]string{b.Addrs, a.Addrs} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out.Addrs = append(out.Addrs, s)
		}
	}
	return out
}

func (e *Engine) markLive(st *docState, n network.NodeAddr) {
	e.addPeer(st, n)
	st.mu.Lock()
	_, was := st.live[n.ID]
	st.live[n.ID] = struct{}{}
	st.mu.Unlock()
	if !was {
		st.emit(Event{Kind: NeighborUp, Peer: n.ID})
	}
}

func (e *Engine) markDown(st *docState, id crypto.PeerID) {
	st.mu.Lock()
	_, was := st.live[id]
	delete(st.live, id)
	st.mu.Unlock()
	if was {
		st.emit(Event{Kind: NeighborDown, Peer: id})
	}
}

func (e *Engine) peerGone(id crypto.PeerID) {
	e.mu.Lock()
	states := make([]*docState, 0, len(e.docs))
	for _, st := range e.docs {
		states = append(states, st)
	}
	e.mu.Unlock()
	for _, st := range states {
		e.markDown(st, id)
	}
}

func (e *Engine) livePeers(st *docState) []network.NodeAddr {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]network.NodeAddr, 0, len(st.live))
	for id := range st.live {
		out = append(out, st.peers[id])
	}
	return out
}

// goTracked runs fn on a goroutine Close waits for. It reports false once
// the engine is closed.
func (e *Engine) goTracked(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

// Close stops serving and syncing. Documents stay persisted.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
	return nil
}
