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

// StreamChannel sends and receives on one bidirectional stream.
type StreamChannel struct {
	conn   *network.Conn
	stream *quic.Stream

	sendMu sync.Mutex
	recvMu sync.Mutex
	buf    []byte
	// partial rune left over from the previous read
	pending []byte

	closeOnce sync.Once
}

func NewStreamChannel(conn *network.Conn, stream *quic.Stream) *StreamChannel {
	return &StreamChannel{
		conn:   conn,
		stream: stream,
		buf:    make([]byte, ReadChunkSize),
	}
}

func (c *StreamChannel) Remote() crypto.PeerID { return c.conn.Remote() }

func (c *StreamChannel) Framing() Framing { return FramingStream }

func (c *StreamChannel) Send(ctx context.Context, b []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.stream.SetWriteDeadline(dl)
		defer c.stream.SetWriteDeadline(time.Time{})
	}
	if _, err := c.stream.Write(b); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	return nil
}

func (c *StreamChannel) Receive(ctx context.Context) ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	_ = c.stream.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.stream.SetReadDeadline(time.Now())
	})
	defer stop()
	for {
		n, err := c.stream.Read(c.buf)
		if n > 0 {
			out := append(c.pending, c.buf[:n]...)
			c.pending = nil
			if tail := incompleteTail(out); tail > 0 {
				c.pending = append([]byte(nil), out[len(out)-tail:]...)
				out = out[:len(out)-tail]
			}
			if len(out) > 0 {
				return out, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(c.pending) > 0 {
					out := c.pending
					c.pending = nil
					return out, nil
				}
				return nil, io.EOF
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrRecv, err)
		}
	}
}

// Close finishes the send side, stops reading and drops the connection.
func (c *StreamChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		err = c.stream.Close()
		c.sendMu.Unlock()
		c.stream.CancelRead(network.StreamCodeCancel)
		if cerr := c.conn.Close("channel closed"); err == nil {
			err = cerr
		}
	})
	return err
}
