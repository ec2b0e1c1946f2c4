package session

import (
	"time"

	"p2pchat/internal/crypto"
)

type State int32

const (
	Idle State = iota
	HandshakePending
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case HandshakePending:
		return "handshake_pending"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message is one received chat chunk. Err is set, and Text empty, when
// Data is not valid UTF-8.
type Message struct {
	From crypto.PeerID
	Data []byte
	Text string
	At   time.Time
	Err  error
}

// Sink receives every inbound chat chunk. It runs on the receive loop and
// must not call Manager.Close.
type Sink func(Message)
