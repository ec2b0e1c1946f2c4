package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"p2pchat/internal/node"
	"p2pchat/internal/session"
)

func (a *app) chatCmd() *cobra.Command {
	var tkt string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start a two-party chat",
		Long: `Without --ticket, host a chat and print a ticket for the other side.
With --ticket, join the host it names. Each line typed is sent; /quit leaves.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			n, err := a.newNode(ctx)
			if err != nil {
				return err
			}
			defer a.closeNode(n)
			out := &syncWriter{w: cmd.OutOrStdout()}

			ectx, cancel := context.WithCancel(ctx)
			printed := make(chan struct{})
			go func() {
				defer close(printed)
				printChat(out, n.Subscribe(ectx))
			}()
			defer func() {
				cancel()
				<-printed
			}()

			t, err := n.StartChat(ctx, tkt)
			if err != nil {
				return err
			}
			if tkt == "" {
				fmt.Fprintf(out, "ticket: %s\nwaiting for a peer...\n", t)
			} else {
				fmt.Fprintf(out, "connected to %s\n", t)
			}
			return chatLoop(ctx, n, a.in, out)
		},
	}
	cmd.Flags().StringVar(&tkt, "ticket", "", "node ticket of the host to join")
	return cmd
}

func printChat(w io.Writer, events <-chan node.Event) {
	for ev := range events {
		if ev.Kind == node.EventChat {
			fmt.Fprintf(w, "%s> %s\n", ev.From.Fmt(), ev.Text)
		}
	}
}

func chatLoop(ctx context.Context, n *node.Node, in io.Reader, w io.Writer) error {
	lines := readLines(ctx, in)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimRight(line, "\r")
			switch strings.TrimSpace(line) {
			case "":
				continue
			case "/quit", "/exit":
				return nil
			case "/status":
				fmt.Fprintf(w, "session: %s\n", n.ChatState())
				continue
			}
			err := n.SendMessage(ctx, line)
			if errors.Is(err, session.ErrNotActive) {
				fmt.Fprintln(w, "not connected")
				continue
			}
			if err != nil {
				fmt.Fprintf(w, "send failed: %v\n", err)
			}
		}
	}
}
