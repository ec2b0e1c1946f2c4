package node

import (
	"context"

	"p2pchat/internal/session"
	"p2pchat/internal/ticket"
)

func (n *Node) onChat(msg session.Message) {
	if msg.Err != nil {
		n.log.Debug().Err(msg.Err).Str("peer", msg.From.Fmt()).Int("bytes", len(msg.Data)).Msg("undecodable chat payload")
		return
	}
	n.events.publish(Event{Kind: EventChat, From: msg.From, Text: msg.Text, At: msg.At})
}

// StartChat hosts a chat when ticketStr is empty and returns the ticket to
// share. Otherwise it joins the host named by the ticket and returns the
// host's id.
func (n *Node) StartChat(ctx context.Context, ticketStr string) (string, error) {
	if ticketStr == "" {
		t, err := n.sessions.StartHost(ctx)
		if err != nil {
			return "", err
		}
		return t.String(), nil
	}
	t, err := ticket.ParseNodeTicket(ticketStr)
	if err != nil {
		return "", err
	}
	remote, err := n.sessions.Join(ctx, t.Node)
	if err != nil {
		return "", err
	}
	if err := n.book.Upsert(t.Node, ""); err != nil {
		n.log.Debug().Err(err).Msg("record chat peer")
	}
	return remote.String(), nil
}

func (n *Node) SendMessage(ctx context.Context, text string) error {
	return n.sessions.Send(ctx, text)
}

// ReceiveMessage blocks for the next inbound chat message.
func (n *Node) ReceiveMessage(ctx context.Context) (session.Message, error) {
	return n.sessions.Receive(ctx)
}

func (n *Node) EndChat() error {
	return n.sessions.End()
}

func (n *Node) ChatState() session.State {
	return n.sessions.State()
}
