package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	quic "github.com/quic-go/quic-go"

	"p2pchat/internal/channel"
	"p2pchat/internal/crypto"
	"p2pchat/internal/metrics"
	"p2pchat/internal/network"
	"p2pchat/internal/proto"
	"p2pchat/internal/testutil"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) sink(m Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Text)
	}
	return out
}

func newTestManager(t *testing.T, framing channel.Framing, sink Sink) (*Manager, *network.Endpoint) {
	t.Helper()
	sk, err := crypto.GenerateSecretKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	ep, err := network.Bind(context.Background(), network.Options{
		SecretKey:  sk,
		ListenAddr: "127.0.0.1:0",
		ALPNs:      []string{proto.ChatALPN},
	})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	m, err := NewManager(Options{
		Endpoint:         ep,
		Framing:          framing,
		HandshakeTimeout: 2 * time.Second,
		Sink:             sink,
		Metrics:          metrics.New(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() {
		_ = m.Close()
		_ = ep.Close()
	})
	return m, ep
}

// dialRaw connects a bare endpoint to addr and completes the chat
// handshake, leaving the handshake stream open for stream framing.
func dialRaw(t *testing.T, ctx context.Context, addr network.NodeAddr) (*network.Conn, *quic.Stream) {
	t.Helper()
	sk, err := crypto.GenerateSecretKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	ep, err := network.Bind(ctx, network.Options{
		SecretKey:  sk,
		ListenAddr: "127.0.0.1:0",
		ALPNs:      []string{proto.ChatALPN},
	})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	t.Cleanup(func() { _ = ep.Close() })
	conn, err := ep.Connect(ctx, addr, proto.ChatALPN)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	s, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := proto.WriteHandshake(s); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return conn, s
}

func sendUni(t *testing.T, ctx context.Context, conn *network.Conn, b []byte, reset bool) {
	t.Helper()
	s, err := conn.OpenUniStream(ctx)
	if err != nil {
		t.Fatalf("open uni stream: %v", err)
	}
	if _, err := s.Write(b); err != nil {
		t.Fatalf("write uni stream: %v", err)
	}
	if reset {
		s.CancelWrite(network.StreamCodeCancel)
		return
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close uni stream: %v", err)
	}
}

func receiveText(t *testing.T, m *Manager) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := m.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return msg.Text
}

func TestNotActiveBeforeStart(t *testing.T) {
	m, _ := newTestManager(t, channel.FramingStream, nil)
	if m.State() != Idle {
		t.Fatalf("expected idle, got %s", m.State())
	}
	if err := m.Send(context.Background(), "hi"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if _, err := m.Receive(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestHostGuestExchange(t *testing.T) {
	for _, framing := range []channel.Framing{channel.FramingStream, channel.FramingUni} {
		t.Run(string(framing), func(t *testing.T) {
			host, hostEP := newTestManager(t, framing, nil)
			guest, _ := newTestManager(t, framing, nil)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			tk, err := host.StartHost(ctx)
			if err != nil {
				t.Fatalf("start host: %v", err)
			}
			if host.State() != HandshakePending {
				t.Fatalf("expected handshake pending, got %s", host.State())
			}
			if tk.Node.ID != hostEP.LocalID() {
				t.Fatalf("ticket carries wrong id")
			}
			remote, err := guest.StartGuest(ctx, tk.String())
			if err != nil {
				t.Fatalf("start guest: %v", err)
			}
			if remote != hostEP.LocalID() {
				t.Fatalf("guest returned wrong remote")
			}
			if guest.State() != Active {
				t.Fatalf("expected guest active, got %s", guest.State())
			}
			if err := guest.Send(ctx, "hi"); err != nil {
				t.Fatalf("guest send: %v", err)
			}
			if got := receiveText(t, host); got != "hi" {
				t.Fatalf("host got %q", got)
			}
			if host.State() != Active {
				t.Fatalf("expected host active, got %s", host.State())
			}
			if err := host.Send(ctx, "hello back"); err != nil {
				t.Fatalf("host send: %v", err)
			}
			if got := receiveText(t, guest); got != "hello back" {
				t.Fatalf("guest got %q", got)
			}
		})
	}
}

func TestUniStreamFailuresKeepSessionActive(t *testing.T) {
	rec := &recorder{}
	host, hostEP := newTestManager(t, channel.FramingUni, rec.sink)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := host.StartHost(ctx); err != nil {
		t.Fatalf("start host: %v", err)
	}
	conn, hs := dialRaw(t, ctx, hostEP.Addr())
	if err := hs.Close(); err != nil {
		t.Fatalf("close handshake stream: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return host.State() == Active },
		"host never became active, state=%s", host.State())

	sendUni(t, ctx, conn, []byte("\xff\xfehi"), false)
	sendUni(t, ctx, conn, []byte("cut short"), true)
	sendUni(t, ctx, conn, make([]byte, channel.MaxMessageSize+1), false)
	sendUni(t, ctx, conn, []byte("next"), false)

	if got := receiveText(t, host); got != "next" {
		t.Fatalf("expected the message after the failures, got %q", got)
	}
	if host.State() != Active {
		t.Fatalf("stream failures ended the session: %s", host.State())
	}
	if got := rec.texts(); len(got) != 1 || got[0] != "next" {
		t.Fatalf("failed streams reached the sink: %q", got)
	}
	if n := host.metrics.Snapshot().Chat.StreamErrors; n != 3 {
		t.Fatalf("expected 3 stream errors, got %d", n)
	}
}

func TestStreamFramingSurfacesUndecodableChunk(t *testing.T) {
	host, hostEP := newTestManager(t, channel.FramingStream, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := host.StartHost(ctx); err != nil {
		t.Fatalf("start host: %v", err)
	}
	_, s := dialRaw(t, ctx, hostEP.Addr())
	testutil.Eventually(t, 5*time.Second, func() bool { return host.State() == Active },
		"host never became active, state=%s", host.State())
	if _, err := s.Write([]byte{0xff, 0xfe}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg, err := host.Receive(ctx)
	if !errors.Is(err, channel.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v (text %q)", err, msg.Text)
	}
	if msg.Text != "" || string(msg.Data) != "\xff\xfe" {
		t.Fatalf("undecodable chunk altered: %+v", msg)
	}
	if host.State() != Active {
		t.Fatalf("decode failure ended the session: %s", host.State())
	}
	if _, err := s.Write([]byte("ok")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := receiveText(t, host); got != "ok" {
		t.Fatalf("host got %q", got)
	}
}

func TestHandshakeRejectsWrongMarker(t *testing.T) {
	host, _ := newTestManager(t, channel.FramingStream, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tk, err := host.StartHost(ctx)
	if err != nil {
		t.Fatalf("start host: %v", err)
	}

	sk, _ := crypto.GenerateSecretKey()
	rogue, err := network.Bind(ctx, network.Options{
		SecretKey:  sk,
		ListenAddr: "127.0.0.1:0",
		ALPNs:      []string{proto.ChatALPN},
	})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer rogue.Close()
	conn, err := rogue.Connect(ctx, tk.Node, proto.ChatALPN)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	s, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if _, err := s.Write([]byte("howdy")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-conn.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("host did not drop the rejected connection")
	}
	buf := make([]byte, 8)
	if n, _ := s.Read(buf); n != 0 {
		t.Fatalf("host replied to a rejected handshake")
	}
	if host.State() != HandshakePending {
		t.Fatalf("expected host still pending, got %s", host.State())
	}

	guest, _ := newTestManager(t, channel.FramingStream, nil)
	if _, err := guest.StartGuest(ctx, tk.String()); err != nil {
		t.Fatalf("valid guest after rejection: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return host.State() == Active },
		"host never became active, state=%s", host.State())
}

func TestSessionReplacementIsExclusive(t *testing.T) {
	rec := &recorder{}
	guest, _ := newTestManager(t, channel.FramingStream, rec.sink)
	hostA, _ := newTestManager(t, channel.FramingStream, nil)
	hostB, _ := newTestManager(t, channel.FramingStream, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tkA, err := hostA.StartHost(ctx)
	if err != nil {
		t.Fatalf("host A: %v", err)
	}
	if _, err := guest.StartGuest(ctx, tkA.String()); err != nil {
		t.Fatalf("join A: %v", err)
	}
	if err := guest.Send(ctx, "to A"); err != nil {
		t.Fatalf("send A: %v", err)
	}
	if got := receiveText(t, hostA); got != "to A" {
		t.Fatalf("host A got %q", got)
	}
	if err := hostA.Send(ctx, "from A"); err != nil {
		t.Fatalf("A send: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return len(rec.texts()) == 1 },
		"guest did not receive from A")

	tkB, err := hostB.StartHost(ctx)
	if err != nil {
		t.Fatalf("host B: %v", err)
	}
	remote, err := guest.StartGuest(ctx, tkB.String())
	if err != nil {
		t.Fatalf("join B: %v", err)
	}
	if r, ok := guest.Remote(); !ok || r != remote {
		t.Fatalf("guest remote not updated")
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return hostA.State() == Closed },
		"host A session not closed after replacement, state=%s", hostA.State())
	if err := hostA.Send(ctx, "stale"); err == nil {
		t.Fatalf("expected send on replaced session to fail")
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return hostB.State() == Active },
		"host B never became active")
	if err := hostB.Send(ctx, "from B"); err != nil {
		t.Fatalf("B send: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		texts := rec.texts()
		return len(texts) >= 2 && texts[len(texts)-1] == "from B"
	}, "guest did not receive from B: %v", rec.texts())
	for _, txt := range rec.texts() {
		if txt == "stale" {
			t.Fatalf("superseded session delivered a message")
		}
	}
	if guest.State() != Active {
		t.Fatalf("guest should stay active, got %s", guest.State())
	}
}

func TestEndAllowsRestart(t *testing.T) {
	host, _ := newTestManager(t, channel.FramingStream, nil)
	guest, _ := newTestManager(t, channel.FramingStream, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tk, err := host.StartHost(ctx)
	if err != nil {
		t.Fatalf("start host: %v", err)
	}
	if _, err := guest.StartGuest(ctx, tk.String()); err != nil {
		t.Fatalf("start guest: %v", err)
	}
	if err := guest.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	if guest.State() != Closed {
		t.Fatalf("expected closed, got %s", guest.State())
	}
	if err := guest.Send(ctx, "x"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive after end, got %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return host.State() == Closed },
		"host did not observe remote close, state=%s", host.State())
}

func TestGuestBadTicket(t *testing.T) {
	guest, _ := newTestManager(t, channel.FramingStream, nil)
	if _, err := guest.StartGuest(context.Background(), "nodegarbage"); err == nil {
		t.Fatalf("expected bad ticket error")
	}
	if guest.State() != Idle {
		t.Fatalf("expected idle after failed parse, got %s", guest.State())
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Idle:             "idle",
		HandshakePending: "handshake_pending",
		Active:           "active",
		Closed:           "closed",
		State(42):        "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Fatalf("state %d: got %q want %q", s, s.String(), want)
		}
	}
}
