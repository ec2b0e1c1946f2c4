package docs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	quic "github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"p2pchat/internal/crypto"
	"p2pchat/internal/network"
	"p2pchat/internal/proto"
)

const (
	streamTimeout     = 10 * time.Second
	fetchParallelism  = 4
	pushTimeout       = 5 * time.Second
	fetchAsyncTimeout = 15 * time.Second
)

func (e *Engine) acceptLoop() {
	defer e.wg.Done()
	for {
		c, err := e.ep.Accept(e.ctx, proto.DocsALPN)
		if err != nil {
			if e.ctx.Err() == nil && !errors.Is(err, network.ErrNoConnection) {
				e.log.Warn().Err(err).Msg("docs accept failed")
			}
			return
		}
		e.serve(c)
	}
}

// serve answers requests the remote opens on c. Each connection is
// served once, whichever side dialed it.
func (e *Engine) serve(c *network.Conn) {
	e.mu.Lock()
	if _, ok := e.served[c]; ok || e.closed {
		e.mu.Unlock()
		return
	}
	e.served[c] = struct{}{}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		e.serveConn(c)
		e.mu.Lock()
		delete(e.served, c)
		e.mu.Unlock()
		if c.Closed() {
			e.peerGone(c.Remote())
		}
	}()
}

func (e *Engine) serveConn(c *network.Conn) {
	for {
		s, err := c.AcceptStream(e.ctx)
		if err != nil {
			return
		}
		if !e.goTracked(func() { e.handleStream(c, s) }) {
			s.CancelRead(network.StreamCodeCancel)
			return
		}
	}
}

func (e *Engine) handleStream(c *network.Conn, s *quic.Stream) {
	defer s.Close()
	_ = s.SetReadDeadline(time.Now().Add(streamTimeout))
	payload, err := proto.ReadFrameWithTypeCap(s, proto.SoftMaxFrameSize, proto.MaxSizeForType)
	if err != nil {
		e.log.Debug().Err(err).Str("peer", c.Remote().Fmt()).Msg("docs read failed")
		s.CancelRead(network.StreamCodeCancel)
		return
	}
	typ, _ := proto.PeekType(payload)
	var resp []byte
	switch typ {
	case proto.MsgTypeSyncReq:
		err = e.handleSyncReq(c, s, payload)
	case proto.MsgTypeEntryPush:
		err = e.handlePush(c, payload)
	case proto.MsgTypeBlobGet:
		resp, err = e.handleBlobGet(payload)
	default:
		err = fmt.Errorf("unexpected msg type: %q", typ)
	}
	if err != nil {
		e.log.Debug().Err(err).Str("peer", c.Remote().Fmt()).Str("type", typ).Msg("docs request failed")
	}
	if resp != nil {
		_ = s.SetWriteDeadline(time.Now().Add(streamTimeout))
		if err := proto.WriteFrame(s, resp); err != nil {
			e.log.Debug().Err(err).Str("peer", c.Remote().Fmt()).Msg("docs reply failed")
		}
	}
}

func remoteAddr(c *network.Conn) network.NodeAddr {
	n := network.NodeAddr{ID: c.Remote()}
	if a := c.RemoteAddr(); a != "" {
		n.Addrs = []string{a}
	}
	return n
}

func wireEntries(es []SignedEntry) []proto.WireEntry {
	out := make([]proto.WireEntry, 0, len(es))
	for _, e := range es {
		out = append(out, e.ToWire())
	}
	return out
}

// handleSyncReq reads the request pages of one sync session, applies
// them, then answers with the full local set in pages.
func (e *Engine) handleSyncReq(c *network.Conn, s *quic.Stream, payload []byte) error {
	m, err := proto.DecodeSyncReqMsg(payload)
	if err != nil {
		return err
	}
	ns, sessionID := m.Namespace, m.SessionID
	reject := func(reason string) error {
		if m.More {
			s.CancelRead(network.StreamCodeCancel)
		}
		return writeSyncResp(s, proto.SyncRespMsg{Namespace: ns, SessionID: sessionID, Error: reason})
	}
	id, err := ParseNamespaceID(ns)
	if err != nil {
		return reject("bad namespace")
	}
	st := e.doc(id)
	if st == nil {
		return reject("unknown namespace")
	}
	from := c.Remote()
	var missing []crypto.Hash
	received := 0
	for {
		missing = append(missing, e.applyWire(st, m.Entries, from)...)
		received += len(m.Entries)
		if !m.More {
			break
		}
		_ = s.SetReadDeadline(time.Now().Add(streamTimeout))
		payload, err = proto.ReadFrameWithTypeCap(s, proto.SoftMaxFrameSize, proto.MaxSizeForType)
		if err != nil {
			return fmt.Errorf("sync page: %w", err)
		}
		m, err = proto.DecodeSyncReqMsg(payload)
		if err != nil {
			return err
		}
		if m.Namespace != ns || m.SessionID != sessionID {
			return reject("sync session mismatch")
		}
	}
	e.markLive(st, remoteAddr(c))
	for _, h := range missing {
		e.fetchAsync(st, from, h)
	}
	e.metrics.IncSyncRounds()
	st.emit(Event{Kind: SyncFinished, Peer: from})
	e.log.Debug().Str("peer", from.Fmt()).Str("namespace", id.Fmt()).Str("session", sessionID).
		Int("received", received).Msg("served sync")
	pages := proto.PageEntries(wireEntries(st.replica.all()))
	for i, page := range pages {
		err := writeSyncResp(s, proto.SyncRespMsg{
			Namespace: ns,
			SessionID: sessionID,
			Entries:   page,
			More:      i < len(pages)-1,
		})
		if err != nil {
			return fmt.Errorf("sync reply: %w", err)
		}
	}
	return nil
}

func writeSyncResp(s *quic.Stream, m proto.SyncRespMsg) error {
	data, err := proto.EncodeSyncRespMsg(m)
	if err != nil {
		return err
	}
	_ = s.SetWriteDeadline(time.Now().Add(streamTimeout))
	return proto.WriteFrame(s, data)
}

func (e *Engine) handlePush(c *network.Conn, payload []byte) error {
	m, err := proto.DecodeEntryPushMsg(payload)
	if err != nil {
		return err
	}
	id, err := ParseNamespaceID(m.Entry.Namespace)
	if err != nil {
		return err
	}
	st := e.doc(id)
	if st == nil {
		return ErrUnknownDoc
	}
	from := c.Remote()
	e.markLive(st, remoteAddr(c))
	for _, h := range e.applyWire(st, []proto.WireEntry{m.Entry}, from) {
		e.fetchAsync(st, from, h)
	}
	return nil
}

func (e *Engine) handleBlobGet(payload []byte) ([]byte, error) {
	m, err := proto.DecodeBlobGetMsg(payload)
	if err != nil {
		return nil, err
	}
	h, err := crypto.ParseHash(m.Hash)
	if err != nil {
		return proto.EncodeBlobRespMsg(proto.BlobRespMsg{Hash: m.Hash, Missing: true})
	}
	data, ok := e.blobs.Get(h)
	if !ok {
		return proto.EncodeBlobRespMsg(proto.BlobRespMsg{Hash: m.Hash, Missing: true})
	}
	return proto.EncodeBlobRespMsg(proto.BlobRespMsg{Hash: m.Hash, Data: proto.EncodeBlobData(data)})
}

// applyWire verifies and inserts transported entries, returning the
// content hashes that are not yet local.
func (e *Engine) applyWire(st *docState, wires []proto.WireEntry, from crypto.PeerID) []crypto.Hash {
	var missing []crypto.Hash
	seen := make(map[crypto.Hash]struct{})
	for _, w := range wires {
		se, err := FromWire(w)
		if err != nil {
			e.metrics.IncEntriesInvalid()
			e.log.Debug().Err(err).Str("peer", from.Fmt()).Msg("dropping invalid entry")
			continue
		}
		inserted, miss, err := e.applyRemote(st, se, from)
		if err != nil {
			e.metrics.IncEntriesInvalid()
			continue
		}
		if inserted && miss {
			if _, ok := seen[se.Hash]; !ok {
				seen[se.Hash] = struct{}{}
				missing = append(missing, se.Hash)
			}
		}
	}
	return missing
}

func (e *Engine) applyRemote(st *docState, se SignedEntry, from crypto.PeerID) (bool, bool, error) {
	inserted, err := st.replica.insert(se)
	if err != nil || !inserted {
		return false, false, err
	}
	if e.persist != nil {
		if err := e.persist.AppendEntry(st.replica.id.String(), se.ToWire()); err != nil {
			e.log.Warn().Err(err).Str("namespace", st.replica.id.Fmt()).Msg("persist remote entry failed")
		}
	}
	e.metrics.IncEntriesRemote()
	status := ContentComplete
	missing := !e.blobs.Has(se.Hash)
	if missing {
		status = ContentMissing
		e.metrics.IncContentMissing()
	}
	st.emit(Event{Kind: RemoteInsert, Entry: se, From: from, Status: status})
	return true, missing, nil
}

// connFor reuses a live docs connection to the peer or dials one.
func (e *Engine) connFor(ctx context.Context, st *docState, addr network.NodeAddr) (*network.Conn, error) {
	if e.ep == nil {
		return nil, errOffline
	}
	if c, ok := e.ep.ConnFor(addr.ID, proto.DocsALPN); ok {
		e.serve(c)
		return c, nil
	}
	if len(addr.Addrs) == 0 && st != nil {
		st.mu.Lock()
		addr = mergeAddr(st.peers[addr.ID], addr)
		st.mu.Unlock()
	}
	c, err := e.ep.Connect(ctx, addr, proto.DocsALPN)
	if err != nil {
		return nil, err
	}
	e.serve(c)
	return c, nil
}

func streamDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(streamTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	return deadline
}

// request sends one frame on a fresh stream and waits for the reply.
func request(ctx context.Context, c *network.Conn, payload []byte) ([]byte, error) {
	s, err := c.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	_ = s.SetDeadline(streamDeadline(ctx))
	if err := proto.WriteFrame(s, payload); err != nil {
		s.CancelRead(network.StreamCodeCancel)
		return nil, err
	}
	if err := s.Close(); err != nil {
		return nil, err
	}
	return proto.ReadFrameWithTypeCap(s, proto.SoftMaxFrameSize, proto.MaxSizeForType)
}

func push(ctx context.Context, c *network.Conn, payload []byte) error {
	s, err := c.OpenStream(ctx)
	if err != nil {
		return err
	}
	_ = s.SetWriteDeadline(time.Now().Add(pushTimeout))
	if err := proto.WriteFrame(s, payload); err != nil {
		s.CancelRead(network.StreamCodeCancel)
		return err
	}
	s.CancelRead(network.StreamCodeCancel)
	return s.Close()
}

// syncWith exchanges full entry sets with one peer and fetches any
// content that arrived without its blob. Both directions are paged so a
// set of any size fits the frame limit.
func (e *Engine) syncWith(ctx context.Context, st *docState, addr network.NodeAddr) error {
	c, err := e.connFor(ctx, st, addr)
	if err != nil {
		return err
	}
	s, err := c.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("sync request: %w", err)
	}
	ns := st.replica.id.String()
	sessionID := uuid.NewString()
	pages := proto.PageEntries(wireEntries(st.replica.all()))
	for i, page := range pages {
		req, err := proto.EncodeSyncReqMsg(proto.SyncReqMsg{
			Namespace: ns,
			SessionID: sessionID,
			Entries:   page,
			More:      i < len(pages)-1,
		})
		if err != nil {
			s.CancelRead(network.StreamCodeCancel)
			return err
		}
		_ = s.SetDeadline(streamDeadline(ctx))
		if err := proto.WriteFrame(s, req); err != nil {
			s.CancelRead(network.StreamCodeCancel)
			return fmt.Errorf("sync request: %w", err)
		}
	}
	// A rejected request may have stopped our send side already; the
	// reply still explains why.
	_ = s.Close()

	var missing []crypto.Hash
	received := 0
	for {
		_ = s.SetReadDeadline(streamDeadline(ctx))
		raw, err := proto.ReadFrameWithTypeCap(s, proto.SoftMaxFrameSize, proto.MaxSizeForType)
		if err != nil {
			return fmt.Errorf("sync request: %w", err)
		}
		resp, err := proto.DecodeSyncRespMsg(raw)
		if err != nil {
			s.CancelRead(network.StreamCodeCancel)
			return err
		}
		if resp.Error != "" {
			return fmt.Errorf("sync rejected: %s", resp.Error)
		}
		if resp.SessionID != sessionID {
			s.CancelRead(network.StreamCodeCancel)
			return fmt.Errorf("sync session mismatch: %q", resp.SessionID)
		}
		missing = append(missing, e.applyWire(st, resp.Entries, addr.ID)...)
		received += len(resp.Entries)
		if !resp.More {
			break
		}
	}
	e.markLive(st, network.NodeAddr{ID: addr.ID, Addrs: addr.Addrs})
	e.metrics.IncSyncRounds()
	if err := e.fetchAll(ctx, st, c, missing); err != nil {
		e.log.Debug().Err(err).Str("peer", addr.ID.Fmt()).Msg("content fetch incomplete")
	}
	st.emit(Event{Kind: SyncFinished, Peer: addr.ID})
	e.log.Debug().Str("peer", addr.ID.Fmt()).Str("namespace", st.replica.id.Fmt()).Str("session", sessionID).
		Int("received", received).Int("missing", len(missing)).Msg("sync finished")
	return nil
}

func (e *Engine) fetchAll(ctx context.Context, st *docState, c *network.Conn, hashes []crypto.Hash) error {
	if len(hashes) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallelism)
	for _, h := range hashes {
		g.Go(func() error {
			return e.fetchBlob(gctx, st, c, h)
		})
	}
	return g.Wait()
}

func (e *Engine) fetchBlob(ctx context.Context, st *docState, c *network.Conn, h crypto.Hash) error {
	if e.blobs.Has(h) {
		return nil
	}
	req, err := proto.EncodeBlobGetMsg(proto.BlobGetMsg{Hash: h.String()})
	if err != nil {
		return err
	}
	raw, err := request(ctx, c, req)
	if err != nil {
		return err
	}
	resp, err := proto.DecodeBlobRespMsg(raw)
	if err != nil {
		return err
	}
	if resp.Missing {
		return fmt.Errorf("%w: %s at %s", ErrContentMissing, h, c.Remote().Fmt())
	}
	data, err := proto.DecodeBlobData(resp.Data)
	if err != nil {
		return err
	}
	if crypto.HashBytes(data) != h {
		return fmt.Errorf("blob %s failed hash check", h)
	}
	if _, err := e.blobs.Put(data); err != nil {
		return err
	}
	e.metrics.IncBlobsFetched()
	st.emit(Event{Kind: ContentReady, Hash: h})
	return nil
}

// fetchAsync pulls one blob from the sender in the background.
func (e *Engine) fetchAsync(st *docState, from crypto.PeerID, h crypto.Hash) {
	if e.ep == nil || from.IsZero() {
		return
	}
	e.goTracked(func() {
		ctx, cancel := context.WithTimeout(e.ctx, fetchAsyncTimeout)
		defer cancel()
		c, err := e.connFor(ctx, st, network.NodeAddr{ID: from})
		if err != nil {
			e.log.Debug().Err(err).Str("peer", from.Fmt()).Msg("no connection for content fetch")
			return
		}
		if err := e.fetchBlob(ctx, st, c, h); err != nil {
			e.log.Debug().Err(err).Str("hash", h.String()).Msg("content fetch failed")
		}
	})
}

// broadcast pushes a local entry to every live peer of the document.
func (e *Engine) broadcast(st *docState, se SignedEntry) {
	if e.ep == nil {
		return
	}
	peers := e.livePeers(st)
	if len(peers) == 0 {
		return
	}
	payload, err := proto.EncodeEntryPushMsg(proto.EntryPushMsg{Entry: se.ToWire()})
	if err != nil {
		e.log.Warn().Err(err).Msg("encode entry push failed")
		return
	}
	for _, p := range peers {
		e.goTracked(func() {
			ctx, cancel := context.WithTimeout(e.ctx, pushTimeout)
			defer cancel()
			c, err := e.connFor(ctx, st, p)
			if err == nil {
				err = push(ctx, c, payload)
			}
			if err != nil {
				e.log.Debug().Err(err).Str("peer", p.ID.Fmt()).Msg("entry push failed")
				e.markDown(st, p.ID)
			}
		})
	}
}
