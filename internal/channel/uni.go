package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"p2pchat/internal/crypto"
	"p2pchat/internal/network"
)

// UniChannel sends each message on its own unidirectional stream, which
// preserves message boundaries.
type UniChannel struct {
	conn   *network.Conn
	sendMu sync.Mutex
}

func NewUniChannel(conn *network.Conn) *UniChannel {
	return &UniChannel{conn: conn}
}

func (c *UniChannel) Remote() crypto.PeerID { return c.conn.Remote() }

func (c *UniChannel) Framing() Framing { return FramingUni }

func (c *UniChannel) Send(ctx context.Context, b []byte) error {
	if len(b) > MaxMessageSize {
		return fmt.Errorf("%w: message exceeds %d bytes", ErrSend, MaxMessageSize)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	s, err := c.conn.OpenUniStream(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetWriteDeadline(dl)
	}
	if _, err := s.Write(b); err != nil {
		s.CancelWrite(network.StreamCodeCancel)
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	return nil
}

// Receive reads the next stream to completion. A failure confined to that
// stream is reported as ErrStream; once the connection is gone the error
// is ErrRecv.
func (c *UniChannel) Receive(ctx context.Context) ([]byte, error) {
	s, err := c.conn.AcceptUniStream(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.conn.Closed() {
			var appErr *quic.ApplicationError
			if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == network.CodeNormal {
				return nil, io.EOF
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrRecv, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.SetReadDeadline(time.Now())
	})
	defer stop()
	b, err := io.ReadAll(io.LimitReader(s, MaxMessageSize+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.conn.Closed() {
			return nil, fmt.Errorf("%w: %v", ErrRecv, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrStream, err)
	}
	if len(b) > MaxMessageSize {
		s.CancelRead(network.StreamCodeCancel)
		return nil, fmt.Errorf("%w: message exceeds %d bytes", ErrStream, MaxMessageSize)
	}
	return b, nil
}

func (c *UniChannel) Close() error {
	return c.conn.Close("channel closed")
}
