// Package channel carries chat bytes over an established connection.
package channel

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"p2pchat/internal/crypto"
)

var (
	ErrSend   = errors.New("send failed")
	ErrRecv   = errors.New("receive failed")
	ErrDecode = errors.New("payload is not valid utf-8")
	// ErrStream marks a failure confined to one stream; the channel is
	// still usable.
	ErrStream = errors.New("stream failed")
)

// Framing selects how chat bytes map onto QUIC streams.
type Framing string

const (
	// FramingStream writes raw bytes on one bidirectional stream. A receive
	// yields whatever one transport read returns, so writes can be split
	// or coalesced.
	FramingStream Framing = "stream"
	// FramingUni opens one unidirectional stream per message.
	FramingUni Framing = "uni"
)

const (
	ReadChunkSize  = 1024
	MaxMessageSize = 64 << 10
)

func ParseFraming(s string) (Framing, error) {
	switch Framing(s) {
	case "", FramingStream:
		return FramingStream, nil
	case FramingUni:
		return FramingUni, nil
	default:
		return "", fmt.Errorf("unknown framing %q", s)
	}
}

type Channel interface {
	Send(ctx context.Context, b []byte) error
	// Receive returns the next chunk, or io.EOF once the remote finished.
	Receive(ctx context.Context) ([]byte, error)
	Remote() crypto.PeerID
	Framing() Framing
	Close() error
}

// incompleteTail returns the length of a UTF-8 sequence cut off at the end
// of b, or 0 when b ends on a rune boundary or with invalid bytes.
func incompleteTail(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if !utf8.RuneStart(c) {
			continue
		}
		if c >= utf8.RuneSelf && !utf8.FullRune(b[len(b)-i:]) {
			return i
		}
		return 0
	}
	return 0
}

func DecodeText(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", ErrDecode
	}
	return string(b), nil
}
