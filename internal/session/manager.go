// Package session manages the single active two-party chat session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"p2pchat/internal/channel"
	"p2pchat/internal/crypto"
	"p2pchat/internal/debuglog"
	"p2pchat/internal/metrics"
	"p2pchat/internal/network"
	"p2pchat/internal/proto"
	"p2pchat/internal/ticket"
)

var (
	ErrNotActive = errors.New("no active chat session")
	ErrClosed    = errors.New("session manager closed")
)

const (
	defaultQueueSize = 256
	streamErrorPause = 100 * time.Millisecond
)

type Options struct {
	Endpoint         *network.Endpoint
	Framing          channel.Framing
	HandshakeTimeout time.Duration
	Sink             Sink
	Metrics          *metrics.Metrics
	QueueSize        int
}

type session struct {
	ch     channel.Channel
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// hostAttempt is one StartHost call; the first good handshake wins it.
type hostAttempt struct {
	ctx    context.Context
	cancel context.CancelFunc
	won    atomic.Bool
}

type Manager struct {
	ep        *network.Endpoint
	framing   channel.Framing
	hsTimeout time.Duration
	sink      Sink
	metrics   *metrics.Metrics
	log       zerolog.Logger
	queue     chan Message

	// installMu serializes session replacement; mu guards the fields
	// below and is never held while waiting on a receive loop.
	installMu sync.Mutex
	mu        sync.Mutex
	state     State
	cur       *session
	host      *hostAttempt
	started   bool
	closed    bool

	wg sync.WaitGroup
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Endpoint == nil {
		return nil, errors.New("session: missing endpoint")
	}
	framing, err := channel.ParseFraming(string(opts.Framing))
	if err != nil {
		return nil, err
	}
	hs := opts.HandshakeTimeout
	if hs <= 0 {
		hs = proto.DefaultHandshakeTimeout
	}
	qs := opts.QueueSize
	if qs <= 0 {
		qs = defaultQueueSize
	}
	return &Manager{
		ep:        opts.Endpoint,
		framing:   framing,
		hsTimeout: hs,
		sink:      opts.Sink,
		metrics:   opts.Metrics,
		log:       debuglog.With("session"),
		queue:     make(chan Message, qs),
		state:     Idle,
	}, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Framing() channel.Framing { return m.framing }

// Remote returns the peer of the active session.
func (m *Manager) Remote() (crypto.PeerID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.state != Active {
		return crypto.PeerID{}, false
	}
	return m.cur.ch.Remote(), true
}

func (m *Manager) setState(s State) {
	m.state = s
	remote := ""
	if m.cur != nil {
		remote = m.cur.ch.Remote().Fmt()
	}
	m.metrics.RecordSession(remote, s.String())
}

// beginAttempt marks the manager as waiting for a handshake unless a
// session is already running. It cancels any previous host attempt.
func (m *Manager) beginAttempt() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.host != nil {
		m.host.cancel()
		m.host = nil
	}
	m.started = true
	if m.state != Active {
		m.setState(HandshakePending)
	}
	return nil
}

// StartHost publishes this node's ticket and accepts chat connections in
// the background. The first peer to complete the handshake becomes the
// session; accepting stops then.
func (m *Manager) StartHost(ctx context.Context) (ticket.NodeTicket, error) {
	if err := m.beginAttempt(); err != nil {
		return ticket.NodeTicket{}, err
	}
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &hostAttempt{ctx: hctx, cancel: cancel}
	m.mu.Lock()
	m.host = h
	m.mu.Unlock()

	m.wg.Add(1)
	go m.acceptLoop(h)
	t := ticket.NodeTicket{Node: m.ep.Addr()}
	m.log.Info().Str("id", t.Node.ID.Fmt()).Strs("addrs", t.Node.Addrs).Msg("hosting chat")
	return t, nil
}

func (m *Manager) acceptLoop(h *hostAttempt) {
	defer m.wg.Done()
	for {
		conn, err := m.ep.Accept(h.ctx, proto.ChatALPN)
		if err != nil {
			if h.ctx.Err() == nil && !errors.Is(err, network.ErrNoConnection) {
				m.log.Warn().Err(err).Msg("chat accept failed")
			}
			return
		}
		m.wg.Add(1)
		go m.handshakeInbound(h, conn)
	}
}

func (m *Manager) handshakeInbound(h *hostAttempt, conn *network.Conn) {
	defer m.wg.Done()
	actx, cancel := context.WithTimeout(h.ctx, m.hsTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(actx)
	if err != nil {
		m.reject(conn, err)
		return
	}
	if err := proto.ReadHandshake(stream, m.hsTimeout); err != nil {
		stream.CancelRead(network.StreamCodeCancel)
		stream.CancelWrite(network.StreamCodeCancel)
		m.reject(conn, err)
		return
	}
	if !h.won.CompareAndSwap(false, true) {
		_ = conn.CloseWithCode(network.CodeRejected, "")
		return
	}
	h.cancel()
	m.metrics.IncHandshakesAccepted()

	var ch channel.Channel
	switch m.framing {
	case channel.FramingUni:
		_ = stream.Close()
		stream.CancelRead(network.StreamCodeCancel)
		ch = channel.NewUniChannel(conn)
	default:
		ch = channel.NewStreamChannel(conn, stream)
	}
	if err := m.install(ch); err != nil {
		_ = ch.Close()
		return
	}
	m.log.Info().Str("peer", conn.Remote().Fmt()).Str("framing", string(m.framing)).Msg("chat session accepted")
}

// reject drops a connection that failed the handshake without replying.
func (m *Manager) reject(conn *network.Conn, err error) {
	m.metrics.IncHandshakesRejected()
	debuglog.RateLimitedf("hs-reject:"+conn.Remote().String(), 5*time.Second,
		"handshake rejected from %s: %v", conn.Remote().Fmt(), err)
	_ = conn.CloseWithCode(network.CodeRejected, "")
}

// StartGuest dials the host named by the ticket, performs the handshake
// and installs the session.
func (m *Manager) StartGuest(ctx context.Context, ticketStr string) (crypto.PeerID, error) {
	t, err := ticket.ParseNodeTicket(ticketStr)
	if err != nil {
		return crypto.PeerID{}, err
	}
	return m.Join(ctx, t.Node)
}

// Join is StartGuest for an already parsed address.
func (m *Manager) Join(ctx context.Context, addr network.NodeAddr) (crypto.PeerID, error) {
	m.mu.Lock()
	prev := m.state
	m.mu.Unlock()
	if err := m.beginAttempt(); err != nil {
		return crypto.PeerID{}, err
	}
	ch, err := m.dial(ctx, addr)
	if err != nil {
		m.mu.Lock()
		if m.state == HandshakePending {
			m.setState(prev)
		}
		m.mu.Unlock()
		return crypto.PeerID{}, err
	}
	if err := m.install(ch); err != nil {
		_ = ch.Close()
		return crypto.PeerID{}, err
	}
	m.log.Info().Str("peer", addr.ID.Fmt()).Str("framing", string(m.framing)).Msg("joined chat")
	return addr.ID, nil
}

func (m *Manager) dial(ctx context.Context, addr network.NodeAddr) (channel.Channel, error) {
	conn, err := m.ep.Connect(ctx, addr, proto.ChatALPN)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		_ = conn.Close("open stream failed")
		return nil, fmt.Errorf("%w: open stream: %v", network.ErrConnect, err)
	}
	if err := proto.WriteHandshake(stream); err != nil {
		_ = conn.Close("handshake failed")
		return nil, fmt.Errorf("%w: %v", network.ErrConnect, err)
	}
	if m.framing == channel.FramingUni {
		_ = stream.Close()
		return channel.NewUniChannel(conn), nil
	}
	return channel.NewStreamChannel(conn, stream), nil
}

// install replaces the current session with one over ch. The previous
// receive loop has exited before the new one starts.
func (m *Manager) install(ch channel.Channel) error {
	m.installMu.Lock()
	defer m.installMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old := m.cur
	m.mu.Unlock()

	if old != nil {
		old.cancel()
		_ = old.ch.Close()
		<-old.done
		m.metrics.IncSessionsReplaced()
		m.log.Debug().Str("peer", old.ch.Remote().Fmt()).Msg("session replaced")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{ch: ch, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.cur = s
	m.started = true
	m.setState(Active)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.receiveLoop(s)
	return nil
}

func (m *Manager) receiveLoop(s *session) {
	defer m.wg.Done()
	remote := s.ch.Remote()
	for {
		b, err := s.ch.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				break
			}
			if m.framing == channel.FramingUni && errors.Is(err, channel.ErrStream) {
				if !m.streamFailed(s, err) {
					break
				}
				continue
			}
			m.log.Info().Err(err).Str("peer", remote.Fmt()).Msg("chat session ended")
			break
		}
		if len(b) == 0 || s.ctx.Err() != nil {
			continue
		}
		text, err := channel.DecodeText(b)
		if err != nil && m.framing == channel.FramingUni {
			// One stream carried one message; drop it like a reset stream.
			if !m.streamFailed(s, fmt.Errorf("%w: %w", channel.ErrStream, err)) {
				break
			}
			continue
		}
		m.emit(Message{From: remote, Data: b, Text: text, At: time.Now(), Err: err})
	}
	close(s.done)
	m.markClosed(s)
}

// streamFailed logs a uni stream failure and pauses before the loop
// serves the next stream. It reports false once the session is cancelled.
func (m *Manager) streamFailed(s *session, err error) bool {
	m.metrics.IncStreamErrors()
	m.log.Warn().Err(err).Str("peer", s.ch.Remote().Fmt()).Msg("chat stream failed")
	return sleepCtx(s.ctx, streamErrorPause)
}

func (m *Manager) emit(msg Message) {
	m.metrics.IncChatReceived()
	if m.sink != nil {
		m.sink(msg)
	}
	select {
	case m.queue <- msg:
	default:
		select {
		case <-m.queue:
		default:
		}
		select {
		case m.queue <- msg:
		default:
		}
		debuglog.RateLimitedf("chat-queue-full", 5*time.Second, "chat receive queue full, dropped oldest message")
	}
}

// markClosed flips to Closed only if s is still the installed session.
func (m *Manager) markClosed(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != s {
		return
	}
	m.setState(Closed)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Send writes text to the active session.
func (m *Manager) Send(ctx context.Context, text string) error {
	m.mu.Lock()
	s := m.cur
	active := m.state == Active
	m.mu.Unlock()
	if s == nil || !active {
		return ErrNotActive
	}
	if err := s.ch.Send(ctx, []byte(text)); err != nil {
		return err
	}
	m.metrics.IncChatSent()
	return nil
}

// Receive returns the next buffered inbound message, waiting for one if
// none is queued.
func (m *Manager) Receive(ctx context.Context) (Message, error) {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return Message{}, ErrNotActive
	}
	select {
	case msg := <-m.queue:
		return msg, msg.Err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// End closes the active session and stops hosting. The manager can start
// a new session afterwards.
func (m *Manager) End() error {
	m.installMu.Lock()
	defer m.installMu.Unlock()
	m.mu.Lock()
	if m.host != nil {
		m.host.cancel()
		m.host = nil
	}
	s := m.cur
	m.mu.Unlock()
	if s == nil {
		return ErrNotActive
	}
	s.cancel()
	err := s.ch.Close()
	<-s.done
	m.mu.Lock()
	if m.cur == s {
		m.setState(Closed)
		m.cur = nil
	}
	m.mu.Unlock()
	return err
}

// Close ends the active session and any pending host attempt. The
// manager cannot be restarted.
func (m *Manager) Close() error {
	m.installMu.Lock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.installMu.Unlock()
		return nil
	}
	m.closed = true
	if m.host != nil {
		m.host.cancel()
		m.host = nil
	}
	s := m.cur
	m.mu.Unlock()
	var err error
	if s != nil {
		s.cancel()
		err = s.ch.Close()
		<-s.done
	}
	m.mu.Lock()
	m.setState(Closed)
	m.mu.Unlock()
	m.installMu.Unlock()
	m.wg.Wait()
	return err
}
