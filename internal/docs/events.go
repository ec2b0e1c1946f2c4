package docs

import (
	"p2pchat/internal/crypto"
)

type EventKind int

const (
	LocalInsert EventKind = iota + 1
	RemoteInsert
	ContentReady
	SyncFinished
	NeighborUp
	NeighborDown
)

func (k EventKind) String() string {
	switch k {
	case LocalInsert:
		return "local_insert"
	case RemoteInsert:
		return "remote_insert"
	case ContentReady:
		return "content_ready"
	case SyncFinished:
		return "sync_finished"
	case NeighborUp:
		return "neighbor_up"
	case NeighborDown:
		return "neighbor_down"
	default:
		return "unknown"
	}
}

type ContentStatus int

const (
	ContentComplete ContentStatus = iota
	ContentMissing
)

// Event describes a change to a document. Entry is set for inserts, Hash
// for ContentReady and Peer for sync and neighbor events.
type Event struct {
	Kind   EventKind
	Entry  SignedEntry
	From   crypto.PeerID
	Status ContentStatus
	Hash   crypto.Hash
	Peer   crypto.PeerID
}
