package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"p2pchat/internal/messages"
	"p2pchat/internal/node"
)

func (a *app) roomCmd() *cobra.Command {
	var tkt string
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Open a shared message room",
		Long: `Without --ticket, create a room and print its ticket. With --ticket,
join an existing room. Type "help" for the room commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			n, err := a.newNode(ctx)
			if err != nil {
				return err
			}
			defer a.closeNode(n)
			out := &syncWriter{w: cmd.OutOrStdout()}

			var share string
			if tkt == "" {
				share, err = n.CreateRoom(ctx)
			} else {
				share, err = n.JoinRoom(ctx, tkt)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "room ticket: %s\n", share)
			return roomLoop(ctx, n, a.in, out)
		},
	}
	cmd.Flags().StringVar(&tkt, "ticket", "", "doc ticket of the room to join")
	return cmd
}

func roomLoop(ctx context.Context, n *node.Node, in io.Reader, w io.Writer) error {
	ectx, cancel := context.WithCancel(ctx)
	printed := make(chan struct{})
	updates := n.RoomUpdates(ectx)
	go func() {
		defer close(printed)
		for range updates {
			fmt.Fprintln(w, "~ room updated")
		}
	}()
	defer func() {
		cancel()
		<-printed
	}()
	h := roomHandlers(ctx, n, w)
	lines := readLines(ctx, in)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if dispatchRepl(line, w, h) {
				return nil
			}
		}
	}
}

func roomHandlers(ctx context.Context, n *node.Node, w io.Writer) replHandlers {
	report := func(err error) bool {
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
			return false
		}
		return true
	}
	return replHandlers{
		add: func(label string) {
			rec, err := n.AddMessage(ctx, label)
			if report(err) {
				fmt.Fprintf(w, "added %s\n", rec.ID)
			}
		},
		update: func(id, label string) {
			_, err := n.UpdateMessage(ctx, id, label)
			if report(err) {
				fmt.Fprintf(w, "updated %s\n", id)
			}
		},
		del: func(id string) {
			if report(n.DeleteMessage(ctx, id)) {
				fmt.Fprintf(w, "deleted %s\n", id)
			}
		},
		restore: func(id string) {
			if report(n.RestoreMessage(ctx, id)) {
				fmt.Fprintf(w, "restored %s\n", id)
			}
		},
		list: func() {
			list, err := n.ListMessages(ctx)
			if report(err) {
				printRecords(w, list)
			}
		},
		ticket: func() {
			t, err := n.RoomTicket()
			if report(err) {
				fmt.Fprintln(w, t)
			}
		},
		status: func() {
			fmt.Fprintf(w, "id: %s\nchat: %s\nknown peers: %d\n", n.ID(), n.ChatState(), len(n.Peers()))
		},
		unknown: func(w io.Writer) {
			fmt.Fprintln(w, `unknown command, type "help"`)
		},
	}
}

func printRecords(w io.Writer, list []messages.MessageRecord) {
	if len(list) == 0 {
		fmt.Fprintln(w, "(no messages)")
		return
	}
	for _, r := range list {
		when := "--:--:--"
		if r.Created > 0 {
			when = time.UnixMicro(r.Created).Format(time.TimeOnly)
		}
		fmt.Fprintf(w, "%s  %s  %s\n", when, r.ID, r.Label)
	}
}
