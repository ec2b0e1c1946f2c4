package network

import (
	"context"
	"time"

	quic "github.com/quic-go/quic-go"

	"p2pchat/internal/crypto"
)

// Application close codes.
const (
	CodeNormal   quic.ApplicationErrorCode = 0
	CodeRejected quic.ApplicationErrorCode = 1
	CodeLimited  quic.ApplicationErrorCode = 2
	CodeShutdown quic.ApplicationErrorCode = 3
)

// StreamCodeCancel is used when a stream is abandoned without a reply.
const StreamCodeCancel quic.StreamErrorCode = 0

// Conn is an authenticated connection to a remote node on one ALPN.
type Conn struct {
	qc          *quic.Conn
	remote      crypto.PeerID
	alpn        string
	established time.Time
	inbound     bool
}

func newConn(qc *quic.Conn, inbound bool) (*Conn, error) {
	state := qc.ConnectionState().TLS
	remote, err := peerIDFromCerts(rawCerts(state.PeerCertificates))
	if err != nil {
		return nil, err
	}
	return &Conn{
		qc:          qc,
		remote:      remote,
		alpn:        state.NegotiatedProtocol,
		established: time.Now(),
		inbound:     inbound,
	}, nil
}

func (c *Conn) Remote() crypto.PeerID { return c.remote }

func (c *Conn) ALPN() string { return c.alpn }

func (c *Conn) Inbound() bool { return c.inbound }

func (c *Conn) RemoteAddr() string {
	if a := c.qc.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (c *Conn) Context() context.Context { return c.qc.Context() }

func (c *Conn) OpenStream(ctx context.Context) (*quic.Stream, error) {
	return c.qc.OpenStreamSync(ctx)
}

func (c *Conn) AcceptStream(ctx context.Context) (*quic.Stream, error) {
	return c.qc.AcceptStream(ctx)
}

func (c *Conn) OpenUniStream(ctx context.Context) (*quic.SendStream, error) {
	return c.qc.OpenUniStreamSync(ctx)
}

func (c *Conn) AcceptUniStream(ctx context.Context) (*quic.ReceiveStream, error) {
	return c.qc.AcceptUniStream(ctx)
}

func (c *Conn) Close(reason string) error {
	return c.CloseWithCode(CodeNormal, reason)
}

func (c *Conn) CloseWithCode(code quic.ApplicationErrorCode, reason string) error {
	return c.qc.CloseWithError(code, reason)
}

// Closed reports whether the connection has terminated.
func (c *Conn) Closed() bool {
	return c.qc.Context().Err() != nil
}
