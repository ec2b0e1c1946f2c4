package node

import (
	"context"
	"time"

	"p2pchat/internal/docs"
	"p2pchat/internal/messages"
	"p2pchat/internal/ticket"
)

// CreateRoom starts a new shared room and returns its write ticket. Any
// current room is closed first.
func (n *Node) CreateRoom(ctx context.Context) (string, error) {
	return n.openRoom(ctx, "")
}

// JoinRoom imports the room named by a doc ticket. Nodes remembered from
// earlier visits are tried alongside the ones in the ticket.
func (n *Node) JoinRoom(ctx context.Context, ticketStr string) (string, error) {
	t, err := ticket.ParseDocTicket(ticketStr)
	if err != nil {
		return "", err
	}
	ns := t.Namespace.String()
	for _, a := range t.Nodes {
		if a.ID == n.ID() {
			continue
		}
		if err := n.book.Upsert(a, ns); err != nil {
			n.log.Debug().Err(err).Msg("record room peer")
		}
	}
	known := make(map[string]bool, len(t.Nodes))
	for _, a := range t.Nodes {
		known[a.ID.String()] = true
	}
	for _, a := range n.book.ForNamespace(ns) {
		if !known[a.ID.String()] && a.ID != n.ID() {
			t.Nodes = append(t.Nodes, a)
		}
	}
	return n.openRoom(ctx, t.String())
}

func (n *Node) openRoom(ctx context.Context, ticketStr string) (string, error) {
	n.roomMu.Lock()
	defer n.roomMu.Unlock()
	n.closeRoomLocked()
	room, err := messages.Create(ctx, n.engine, ticketStr)
	if err != nil {
		return "", err
	}
	share, err := room.Ticket()
	if err != nil {
		_ = room.Close()
		return "", err
	}
	rctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	n.room = room
	n.roomCancel = cancel
	n.roomDone = done
	go n.watchRoom(rctx, room, done)
	n.log.Info().Str("namespace", room.Namespace().Fmt()).Msg("room open")
	return share, nil
}

// watchRoom forwards room changes to subscribers and records peers that
// sync the room into the address book.
func (n *Node) watchRoom(ctx context.Context, room *messages.Store, done chan struct{}) {
	defer close(done)
	updates := room.Watch(ctx)
	docEvents, err := room.Doc().Subscribe(ctx)
	if err != nil {
		docEvents = nil
	}
	ns := room.Namespace().String()
	for updates != nil || docEvents != nil {
		select {
		case _, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			n.events.publish(Event{Kind: EventRoomUpdated, At: time.Now()})
		case ev, ok := <-docEvents:
			if !ok {
				docEvents = nil
				continue
			}
			if ev.Kind == docs.NeighborUp || ev.Kind == docs.SyncFinished {
				for _, p := range room.Doc().Peers() {
					if len(p.Addrs) == 0 {
						continue
					}
					if err := n.book.Upsert(p, ns); err != nil {
						n.log.Debug().Err(err).Msg("record room peer")
					}
				}
			}
		}
	}
}

func (n *Node) closeRoomLocked() {
	if n.room == nil {
		return
	}
	n.roomCancel()
	if err := n.room.Close(); err != nil {
		n.log.Debug().Err(err).Msg("close room")
	}
	<-n.roomDone
	n.room = nil
	n.roomCancel = nil
	n.roomDone = nil
}

func (n *Node) currentRoom() *messages.Store {
	n.roomMu.Lock()
	defer n.roomMu.Unlock()
	return n.room
}

func (n *Node) LeaveRoom() error {
	n.roomMu.Lock()
	defer n.roomMu.Unlock()
	if n.room == nil {
		return ErrNoRoom
	}
	n.closeRoomLocked()
	return nil
}

func (n *Node) RoomTicket() (string, error) {
	return n.currentRoom().Ticket()
}

func (n *Node) ListMessages(ctx context.Context) ([]messages.MessageRecord, error) {
	return n.currentRoom().List(ctx)
}

// AddMessage stores label under a fresh id.
func (n *Node) AddMessage(ctx context.Context, label string) (messages.MessageRecord, error) {
	return n.currentRoom().Add(ctx, NewMessageID(), label)
}

func (n *Node) AddMessageWithID(ctx context.Context, id, label string) (messages.MessageRecord, error) {
	return n.currentRoom().Add(ctx, id, label)
}

func (n *Node) UpdateMessage(ctx context.Context, id, label string) (messages.MessageRecord, error) {
	return n.currentRoom().Update(ctx, id, label)
}

func (n *Node) DeleteMessage(ctx context.Context, id string) error {
	return n.currentRoom().Delete(ctx, id)
}

func (n *Node) RestoreMessage(ctx context.Context, id string) error {
	return n.currentRoom().Restore(ctx, id)
}

// RoomUpdates signals room changes until ctx ends or the room is replaced.
func (n *Node) RoomUpdates(ctx context.Context) <-chan struct{} {
	return n.currentRoom().Watch(ctx)
}
