package node

import (
	"context"
	"sync"
	"time"

	"p2pchat/internal/crypto"
	"p2pchat/internal/debuglog"
)

type EventKind string

const (
	EventChat        EventKind = "chat"
	EventRoomUpdated EventKind = "room_updated"
)

// Event is pushed to subscribers for incoming chat text and room changes.
type Event struct {
	Kind EventKind     `json:"kind"`
	From crypto.PeerID `json:"from,omitempty"`
	Text string        `json:"text,omitempty"`
	At   time.Time     `json:"at"`
}

const subscriberBuffer = 64

type hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

func (h *hub) subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	h.next++
	id := h.next
	h.subs[id] = ch
	h.mu.Unlock()
	go func() {
		<-ctx.Done()
		h.unsubscribe(id)
	}()
	return ch
}

func (h *hub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			debuglog.RateLimitedf("node-events-full", 5*time.Second, "event subscriber full, dropped %s", ev.Kind)
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribe streams node events until ctx ends or the node closes.
func (n *Node) Subscribe(ctx context.Context) <-chan Event {
	return n.events.subscribe(ctx)
}
