package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"p2pchat/internal/crypto"
	"p2pchat/internal/debuglog"
	"p2pchat/internal/metrics"
)

var (
	ErrConnect      = errors.New("connect failed")
	ErrNoConnection = errors.New("no connection")
)

const (
	defaultListenAddr    = "0.0.0.0:0"
	handshakeIdleTimeout = 5 * time.Second
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	acceptQueueSize      = 16
	defaultMaxConnsPerIP = 32
)

type Options struct {
	SecretKey            crypto.SecretKey
	ListenAddr           string
	ALPNs                []string
	MaxConnsPerIP        int
	HandshakeIdleTimeout time.Duration
	MaxIdleTimeout       time.Duration
	KeepAlivePeriod      time.Duration
	Metrics              *metrics.Metrics
}

// Endpoint owns one UDP socket used for both accepting and dialing QUIC
// connections. Inbound connections are routed to per-ALPN queues.
type Endpoint struct {
	sk       crypto.SecretKey
	id       crypto.PeerID
	udp      *net.UDPConn
	tr       *quic.Transport
	ln       *quic.Listener
	quicConf *quic.Config
	limiter  *ipLimiter
	metrics  *metrics.Metrics
	log      zerolog.Logger

	queues map[string]chan *Conn
	table  *connTable

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Bind opens the socket and starts accepting. Failure here is fatal to
// node startup.
func Bind(ctx context.Context, opts Options) (*Endpoint, error) {
	if opts.SecretKey.IsZero() {
		return nil, fmt.Errorf("bind: %w", crypto.ErrBadKey)
	}
	if len(opts.ALPNs) == 0 {
		return nil, errors.New("bind: no alpns")
	}
	listen := opts.ListenAddr
	if listen == "" {
		listen = defaultListenAddr
	}
	udpAddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", listen, err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", listen, err)
	}
	tlsConf, err := serverTLSConfig(opts.SecretKey, opts.ALPNs)
	if err != nil {
		_ = udp.Close()
		return nil, err
	}
	quicConf := &quic.Config{
		HandshakeIdleTimeout: orDefault(opts.HandshakeIdleTimeout, handshakeIdleTimeout),
		MaxIdleTimeout:       orDefault(opts.MaxIdleTimeout, maxIdleTimeout),
		KeepAlivePeriod:      orDefault(opts.KeepAlivePeriod, keepAlivePeriod),
	}
	tr := &quic.Transport{Conn: udp}
	ln, err := tr.Listen(tlsConf, quicConf)
	if err != nil {
		_ = tr.Close()
		_ = udp.Close()
		return nil, fmt.Errorf("bind %s: %w", listen, err)
	}
	maxConns := opts.MaxConnsPerIP
	if maxConns == 0 {
		maxConns = defaultMaxConnsPerIP
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ectx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &Endpoint{
		sk:       opts.SecretKey,
		id:       opts.SecretKey.Public(),
		udp:      udp,
		tr:       tr,
		ln:       ln,
		quicConf: quicConf,
		limiter:  newIPLimiter(maxConns),
		metrics:  opts.Metrics,
		log:      debuglog.With("network"),
		queues:   make(map[string]chan *Conn, len(opts.ALPNs)),
		table:    newConnTable(),
		ctx:      ectx,
		cancel:   cancel,
	}
	for _, alpn := range opts.ALPNs {
		e.queues[alpn] = make(chan *Conn, acceptQueueSize)
	}
	e.log.Info().Str("id", e.id.Fmt()).Str("addr", udp.LocalAddr().String()).Msg("endpoint bound")
	e.wg.Add(1)
	go e.acceptLoop()
	return e, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (e *Endpoint) LocalID() crypto.PeerID { return e.id }

// Addr returns the dialable address of this endpoint.
func (e *Endpoint) Addr() NodeAddr {
	local, _ := e.udp.LocalAddr().(*net.UDPAddr)
	return NodeAddr{ID: e.id, Addrs: expandAddr(local)}
}

func (e *Endpoint) closed() bool {
	return e.ctx.Err() != nil
}

func (e *Endpoint) acceptLoop() {
	defer e.wg.Done()
	for {
		qc, err := e.ln.Accept(e.ctx)
		if err != nil {
			if !e.closed() {
				e.log.Warn().Err(err).Msg("accept loop stopped")
			}
			return
		}
		ip := ipOf(qc.RemoteAddr())
		if !e.limiter.acquireConn(ip) {
			e.metrics.IncConnsLimited()
			debuglog.RateLimitedf("limit:"+ip, 5*time.Second, "conn limit reached for %s", ip)
			_ = qc.CloseWithError(CodeLimited, "too many connections")
			continue
		}
		go func() {
			<-qc.Context().Done()
			e.limiter.releaseConn(ip)
		}()
		c, err := newConn(qc, true)
		if err != nil {
			e.log.Debug().Err(err).Str("remote", ip).Msg("inbound conn without usable identity")
			_ = qc.CloseWithError(CodeRejected, "")
			continue
		}
		q, ok := e.queues[c.alpn]
		if !ok {
			_ = c.CloseWithCode(CodeRejected, "unsupported alpn")
			continue
		}
		e.metrics.IncConnsAccepted()
		e.table.put(c)
		select {
		case q <- c:
			e.log.Debug().Str("peer", c.remote.Fmt()).Str("alpn", c.alpn).Msg("accepted connection")
		default:
			e.table.drop(c)
			_ = c.CloseWithCode(CodeLimited, "accept queue full")
		}
	}
}

// Accept waits for the next inbound connection negotiated on alpn.
func (e *Endpoint) Accept(ctx context.Context, alpn string) (*Conn, error) {
	q, ok := e.queues[alpn]
	if !ok {
		return nil, fmt.Errorf("accept: alpn %q not registered", alpn)
	}
	for {
		select {
		case c := <-q:
			if c.Closed() {
				continue
			}
			return c, nil
		case <-e.ctx.Done():
			return nil, ErrNoConnection
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Connect dials every address of addr concurrently; the first
// authenticated connection wins.
func (e *Endpoint) Connect(ctx context.Context, addr NodeAddr, alpn string) (*Conn, error) {
	if e.closed() {
		return nil, ErrNoConnection
	}
	if err := addr.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	if addr.ID == e.id {
		return nil, fmt.Errorf("%w: refusing to dial self", ErrConnect)
	}
	tlsConf, err := clientTLSConfig(e.sk, addr.ID, alpn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	type result struct {
		qc  *quic.Conn
		err error
	}
	results := make(chan result, len(addr.Addrs))
	for _, a := range addr.Addrs {
		go func(a string) {
			qc, err := e.dialAddr(ctx, a, tlsConf)
			results <- result{qc: qc, err: err}
		}(a)
	}
	var winner *quic.Conn
	var lastErr error
	for range addr.Addrs {
		r := <-results
		if r.err != nil {
			lastErr = r.err
			continue
		}
		if winner == nil {
			winner = r.qc
			cancel()
			continue
		}
		_ = r.qc.CloseWithError(CodeNormal, "duplicate")
	}
	if winner == nil {
		if e.closed() {
			return nil, ErrNoConnection
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, addr.ID.Fmt(), lastErr)
	}
	c, err := newConn(winner, false)
	if err != nil {
		_ = winner.CloseWithError(CodeRejected, "")
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	e.metrics.IncConnsDialed()
	e.table.put(c)
	e.log.Debug().Str("peer", c.remote.Fmt()).Str("alpn", alpn).Str("addr", c.RemoteAddr()).Msg("dialed connection")
	return c, nil
}

func (e *Endpoint) dialAddr(ctx context.Context, addr string, tlsConf *tls.Config) (*quic.Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt <= dialMaxRetries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		qc, err := e.tr.Dial(ctx, udpAddr, tlsConf, e.quicConf)
		if err == nil {
			e.table.resetFailures(addr)
			return qc, nil
		}
		lastErr = err
		debuglog.RateLimitedf("dial:"+addr, time.Second, "dial %s failed: %v", addr, err)
		if isAuthFailure(err) || !backoffRetry(ctx, e.table.recordFailure(addr)) {
			break
		}
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, lastErr
}

// isAuthFailure reports TLS rejections, which retrying cannot fix.
func isAuthFailure(err error) bool {
	var terr *quic.TransportError
	return errors.As(err, &terr) && terr.ErrorCode.IsCryptoError()
}

// Conns lists the live connections in the table, oldest first.
func (e *Endpoint) Conns() []*Conn {
	return e.table.list()
}

// ConnFor returns a live connection to peer on alpn.
func (e *Endpoint) ConnFor(peer crypto.PeerID, alpn string) (*Conn, bool) {
	if alpn == "" {
		return e.table.forPeer(peer)
	}
	return e.table.get(peer, alpn)
}

// Close shuts the listener, every connection and the socket. Blocked
// Accept and Connect calls return ErrNoConnection.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.cancel()
		e.table.closeAll("endpoint closed")
		if cerr := e.ln.Close(); cerr != nil && !errors.Is(cerr, quic.ErrServerClosed) {
			err = cerr
		}
		if cerr := e.tr.Close(); cerr != nil && err == nil {
			err = cerr
		}
		_ = e.udp.Close()
		e.wg.Wait()
		e.log.Debug().Str("id", e.id.Fmt()).Msg("endpoint closed")
	})
	return err
}
