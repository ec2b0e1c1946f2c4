package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"p2pchat/internal/crypto"
	"p2pchat/internal/metrics"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a node secret key",
		Long:  `Print a new secret key and the node id it yields. Set it as P2PCHAT_SECRET or secret_key to keep a stable identity.`,
		Args:  cobra.NoArgs,
		// no config needed
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			sk, err := crypto.GenerateSecretKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "secret: %s\n", sk.String())
			fmt.Fprintf(out, "id:     %s\n", sk.Public().String())
			return nil
		},
	}
}

func (a *app) idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print this node's id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sk, err := a.cfg.Secret()
			if err != nil {
				return err
			}
			switch {
			case !sk.IsZero():
			case a.cfg.DataDir != "":
				sk, _, err = crypto.LoadOrCreateSecretKey(a.cfg.DataDir)
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("no identity configured: set P2PCHAT_SECRET or --data-dir")
			}
			fmt.Fprintln(cmd.OutOrStdout(), sk.Public().String())
			return nil
		},
	}
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show counters from the last run in --data-dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.DataDir == "" {
				return fmt.Errorf("stats needs --data-dir")
			}
			snap := readMetricsSnapshot(filepath.Join(a.cfg.DataDir, metricsFile))
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Local counters from the last run:")
			fmt.Fprintf(out, "  connections: accepted=%d dialed=%d limited=%d\n",
				snap.Transport.ConnsAccepted, snap.Transport.ConnsDialed, snap.Transport.ConnsLimited)
			fmt.Fprintf(out, "  handshakes: accepted=%d rejected=%d\n",
				snap.Transport.HandshakesAccepted, snap.Transport.HandshakesRejected)
			fmt.Fprintf(out, "  chat: sent=%d received=%d replaced=%d stream_errors=%d\n",
				snap.Chat.Sent, snap.Chat.Received, snap.Chat.SessionsReplaced, snap.Chat.StreamErrors)
			fmt.Fprintf(out, "  entries: local=%d remote=%d invalid=%d\n",
				snap.Docs.EntriesLocal, snap.Docs.EntriesRemote, snap.Docs.EntriesInvalid)
			fmt.Fprintf(out, "  blobs: fetched=%d missing=%d sync_rounds=%d\n",
				snap.Docs.BlobsFetched, snap.Docs.ContentMissing, snap.Docs.SyncRounds)
			for _, h := range snap.Recent {
				fmt.Fprintf(out, "  session %s %s at %s\n", h.Remote, h.State, h.At.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func readMetricsSnapshot(path string) metrics.Snapshot {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}
	}
	return snap
}
