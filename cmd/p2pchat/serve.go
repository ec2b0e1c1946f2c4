package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"p2pchat/internal/api"
	"p2pchat/internal/debuglog"
	"p2pchat/internal/node"
)

var _ api.Service = (*node.Node)(nil)

func (a *app) serveCmd() *cobra.Command {
	var apiAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node with a local JSON API",
		Long:  `Run the node and expose chat and room operations over HTTP for a desktop shell, with server-sent events on /events.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiAddr != "" {
				a.cfg.APIAddr = apiAddr
			}
			if a.cfg.APIAddr == "" {
				return fmt.Errorf("serve needs an API address")
			}
			ctx := cmd.Context()
			n, err := a.newNode(ctx)
			if err != nil {
				return err
			}
			defer a.closeNode(n)

			ln, err := net.Listen("tcp", a.cfg.APIAddr)
			if err != nil {
				return fmt.Errorf("api listen: %w", err)
			}
			logger := debuglog.With("api")
			fmt.Fprintf(cmd.OutOrStdout(), "READY api=http://%s node_id=%s\n", ln.Addr(), n.ID())
			srv := api.NewServer(ln.Addr().String(), api.NewRouter(logger, n))
			return api.Serve(ctx, logger, srv, ln)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "", "API listen address (default from config)")
	return cmd
}
