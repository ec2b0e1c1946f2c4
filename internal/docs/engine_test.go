package docs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"p2pchat/internal/crypto"
	"p2pchat/internal/network"
	"p2pchat/internal/proto"
	"p2pchat/internal/ticket"
)

type memPersister struct {
	mu      sync.Mutex
	spaces  map[string]string
	entries map[string][]proto.WireEntry
}

func newMemPersister() *memPersister {
	return &memPersister{
		spaces:  make(map[string]string),
		entries: make(map[string][]proto.WireEntry),
	}
}

func (p *memPersister) SaveNamespace(id, secret string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spaces[id] = secret
	return nil
}

func (p *memPersister) Namespaces() (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.spaces))
	for k, v := range p.spaces {
		out[k] = v
	}
	return out, nil
}

func (p *memPersister) AppendEntry(ns string, e proto.WireEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[ns] = append(p.entries[ns], e)
	return nil
}

func (p *memPersister) LoadEntries(ns string) ([]proto.WireEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]proto.WireEntry(nil), p.entries[ns]...), nil
}

func newOfflineEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func newNetEngine(t *testing.T) (*Engine, *network.Endpoint) {
	t.Helper()
	sk, err := crypto.GenerateSecretKey()
	require.NoError(t, err)
	ep, err := network.Bind(context.Background(), network.Options{
		SecretKey:  sk,
		ListenAddr: "127.0.0.1:0",
		ALPNs:      []string{proto.DocsALPN},
	})
	require.NoError(t, err)
	e, err := NewEngine(context.Background(), Options{Endpoint: ep})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = e.Close()
		_ = ep.Close()
	})
	return e, ep
}

func TestDocSetAndRead(t *testing.T) {
	e := newOfflineEngine(t, Options{})
	ctx := context.Background()
	doc, err := e.Create(ctx)
	require.NoError(t, err)
	require.True(t, doc.Writable())

	author := e.AuthorDefault()
	h, err := doc.Set(ctx, author, []byte("k1"), []byte("v1"))
	require.NoError(t, err)
	require.Equal(t, crypto.HashBytes([]byte("v1")), h)

	se, ok := doc.GetExact(author.ID(), []byte("k1"))
	require.True(t, ok)
	content, err := doc.ReadContent(ctx, se)
	require.NoError(t, err)
	require.Equal(t, "v1", string(content))

	_, err = doc.Set(ctx, author, []byte("k1"), []byte("v2"))
	require.NoError(t, err)
	latest, ok := doc.GetLatest([]byte("k1"))
	require.True(t, ok)
	content, err = doc.ReadContent(ctx, latest)
	require.NoError(t, err)
	require.Equal(t, "v2", string(content))
	require.Len(t, doc.Query(), 1)
}

func TestDocSubscribeSeesLocalInsert(t *testing.T) {
	e := newOfflineEngine(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	doc, err := e.Create(ctx)
	require.NoError(t, err)
	events, err := doc.Subscribe(ctx)
	require.NoError(t, err)

	_, err = doc.Set(ctx, e.AuthorDefault(), []byte("k"), []byte("v"))
	require.NoError(t, err)
	select {
	case ev := <-events:
		require.Equal(t, LocalInsert, ev.Kind)
		require.Equal(t, "k", string(ev.Entry.Key))
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	require.NoError(t, doc.Close())
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestShareAndReadOnlyImport(t *testing.T) {
	owner := newOfflineEngine(t, Options{})
	ctx := context.Background()
	doc, err := owner.Create(ctx)
	require.NoError(t, err)

	wt, err := doc.Share(ticket.Write)
	require.NoError(t, err)
	require.NotEmpty(t, wt.Secret)
	rt, err := doc.Share(ticket.Read)
	require.NoError(t, err)
	require.Empty(t, rt.Secret)

	reader := newOfflineEngine(t, Options{})
	rdoc, err := reader.Import(ctx, rt)
	require.NoError(t, err)
	require.False(t, rdoc.Writable())
	_, err = rdoc.Set(ctx, reader.AuthorDefault(), []byte("k"), []byte("v"))
	require.ErrorIs(t, err, ErrReadOnly)
	_, err = rdoc.Share(ticket.Write)
	require.ErrorIs(t, err, ErrReadOnly)

	wdoc, err := reader.Import(ctx, wt)
	require.NoError(t, err)
	require.True(t, wdoc.Writable(), "write ticket upgrades the replica")
}

func TestInsertRemoteWithoutContent(t *testing.T) {
	ctx := context.Background()
	src := newOfflineEngine(t, Options{})
	doc, err := src.Create(ctx)
	require.NoError(t, err)
	_, err = doc.Set(ctx, src.AuthorDefault(), []byte("k"), []byte("payload"))
	require.NoError(t, err)
	se, ok := doc.GetExact(src.AuthorDefault().ID(), []byte("k"))
	require.True(t, ok)
	rt, err := doc.Share(ticket.Read)
	require.NoError(t, err)

	dst := newOfflineEngine(t, Options{})
	ddoc, err := dst.Import(ctx, rt)
	require.NoError(t, err)
	events, err := ddoc.Subscribe(ctx)
	require.NoError(t, err)

	inserted, err := ddoc.InsertRemote(ctx, crypto.PeerID{}, se)
	require.NoError(t, err)
	require.True(t, inserted)
	ev := <-events
	require.Equal(t, RemoteInsert, ev.Kind)
	require.Equal(t, ContentMissing, ev.Status)

	_, err = ddoc.ReadContent(ctx, se)
	require.ErrorIs(t, err, ErrContentMissing)

	bad := se
	bad.Len = 99
	_, err = ddoc.InsertRemote(ctx, crypto.PeerID{}, bad)
	require.ErrorIs(t, err, ErrInvalidEntry)
}

func TestEngineReloadsPersistedDocs(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	blobs := NewMemBlobs()
	author := mustAuthor(t)
	first, err := NewEngine(ctx, Options{Persister: p, Blobs: blobs, Author: author})
	require.NoError(t, err)
	doc, err := first.Create(ctx)
	require.NoError(t, err)
	_, err = doc.Set(ctx, author, []byte("k"), []byte("v"))
	require.NoError(t, err)
	id := doc.ID()
	require.NoError(t, first.Close())

	second := newOfflineEngine(t, Options{Persister: p, Blobs: blobs, Author: author})
	reopened, err := second.Open(id)
	require.NoError(t, err)
	require.True(t, reopened.Writable())
	se, ok := reopened.GetExact(author.ID(), []byte("k"))
	require.True(t, ok)
	content, err := reopened.ReadContent(ctx, se)
	require.NoError(t, err)
	require.Equal(t, "v", string(content))

	_, err = second.Open(NamespaceID{})
	require.ErrorIs(t, err, ErrUnknownDoc)
}

func TestSyncOverNetwork(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	a, _ := newNetEngine(t)
	b, _ := newNetEngine(t)

	docA, err := a.Create(ctx)
	require.NoError(t, err)
	_, err = docA.Set(ctx, a.AuthorDefault(), []byte("first"), []byte("from a"))
	require.NoError(t, err)
	wt, err := docA.Share(ticket.Write)
	require.NoError(t, err)

	docB, err := b.Import(ctx, wt)
	require.NoError(t, err)
	se, ok := docB.GetLatest([]byte("first"))
	require.True(t, ok, "initial sync delivers existing entries")
	content, err := docB.ReadContent(ctx, se)
	require.NoError(t, err)
	require.Equal(t, "from a", string(content))

	eventsB, err := docB.Subscribe(ctx)
	require.NoError(t, err)
	_, err = docA.Set(ctx, a.AuthorDefault(), []byte("second"), []byte("live"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		se, ok := docB.GetLatest([]byte("second"))
		if !ok {
			return false
		}
		b, err := docB.ReadContent(ctx, se)
		return err == nil && string(b) == "live"
	}, 10*time.Second, 20*time.Millisecond)

	sawRemote := false
	for !sawRemote {
		select {
		case ev := <-eventsB:
			sawRemote = ev.Kind == RemoteInsert
		case <-ctx.Done():
			t.Fatal("no remote insert event")
		}
	}

	_, err = docB.Set(ctx, b.AuthorDefault(), []byte("third"), []byte("from b"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		se, ok := docA.GetLatest([]byte("third"))
		if !ok {
			return false
		}
		b, err := docA.ReadContent(ctx, se)
		return err == nil && string(b) == "from b"
	}, 10*time.Second, 20*time.Millisecond)
}

func TestSyncLargeRoomAcrossPages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	a, _ := newNetEngine(t)
	b, _ := newNetEngine(t)

	const n = 10*proto.SyncPageEntries + 7
	docA, err := a.Create(ctx)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := docA.Set(ctx, a.AuthorDefault(), []byte(fmt.Sprintf("msg-%05d", i)), []byte(fmt.Sprintf("body %d", i)))
		require.NoError(t, err)
	}
	wt, err := docA.Share(ticket.Write)
	require.NoError(t, err)

	docB, err := b.Import(ctx, wt)
	require.NoError(t, err)
	require.Len(t, docB.Query(), n, "import pulls every page of the remote set")
	se, ok := docB.GetLatest([]byte("msg-00000"))
	require.True(t, ok)
	require.Equal(t, a.AuthorDefault().ID(), se.Author)

	eventsA, err := docA.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Sync(ctx, docB.ID()))
	for {
		select {
		case ev := <-eventsA:
			if ev.Kind == SyncFinished {
				require.Len(t, docA.Query(), n)
				return
			}
		case <-ctx.Done():
			t.Fatal("paged sync request never finished on the serving side")
		}
	}
}

func TestImportUnreachablePeerStillOpens(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	b, _ := newNetEngine(t)
	ns := mustSecret(t)
	ghost, err := crypto.GenerateSecretKey()
	require.NoError(t, err)
	tk := ticket.DocTicket{
		Capability: ticket.Write,
		Namespace:  crypto.PeerID(ns.ID()),
		Secret:     ns.String(),
		Nodes:      []network.NodeAddr{{ID: ghost.Public(), Addrs: []string{"127.0.0.1:1"}}},
	}
	b.syncTimeout = 2 * time.Second
	doc, err := b.Import(ctx, tk)
	require.NoError(t, err)
	require.Empty(t, doc.Query())
	require.Len(t, doc.Peers(), 1)
}
