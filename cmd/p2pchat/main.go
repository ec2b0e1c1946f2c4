package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"p2pchat/internal/config"
	"p2pchat/internal/debuglog"
	"p2pchat/internal/metrics"
	"p2pchat/internal/node"
	"p2pchat/internal/pprofutil"
)

const metricsFile = "metrics.json"

type globalFlags struct {
	configPath string
	dataDir    string
	listen     string
	framing    string
	debug      bool
}

type app struct {
	flags globalFlags
	cfg   *config.Config
	in    io.Reader
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := newRootCmd(os.Stdin)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader) *cobra.Command {
	a := &app{in: in}
	root := &cobra.Command{
		Use:   "p2pchat",
		Short: "Peer-to-peer chat and shared rooms over QUIC",
		Long: `p2pchat connects two nodes directly for a live chat session, or
replicates a shared room of messages between any number of nodes.
Share the printed ticket with the other side to connect.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", "", "YAML config file")
	pf.StringVar(&a.flags.dataDir, "data-dir", "", "directory for keys, rooms and blobs (empty keeps everything in memory)")
	pf.StringVar(&a.flags.listen, "listen", "", "UDP listen address (host:port)")
	pf.StringVar(&a.flags.framing, "framing", "", "chat framing: stream or uni")
	pf.BoolVar(&a.flags.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		a.chatCmd(),
		a.roomCmd(),
		a.serveCmd(),
		keygenCmd(),
		a.idCmd(),
		a.statsCmd(),
	)
	return root
}

// load merges flags over the file and environment configuration.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return err
	}
	if a.flags.dataDir != "" {
		cfg.DataDir = a.flags.dataDir
	}
	if a.flags.listen != "" {
		cfg.ListenAddr = a.flags.listen
	}
	if a.flags.framing != "" {
		cfg.Framing = a.flags.framing
	}
	if a.flags.debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := debuglog.Init(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	if err := pprofutil.StartFromEnv(cmd.ErrOrStderr()); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *app) newNode(ctx context.Context) (*node.Node, error) {
	sk, err := a.cfg.Secret()
	if err != nil {
		return nil, err
	}
	return node.New(ctx, node.Options{
		SecretKey:        sk,
		ListenAddr:       a.cfg.ListenAddr,
		DataDir:          a.cfg.DataDir,
		Framing:          a.cfg.FramingMode(),
		HandshakeTimeout: a.cfg.HandshakeTimeout,
		MaxConnsPerIP:    a.cfg.MaxConnsPerIP,
		Metrics:          metrics.New(),
	})
}

// closeNode shuts the node down and leaves a metrics snapshot in the data
// dir for the stats command.
func (a *app) closeNode(n *node.Node) {
	if a.cfg.DataDir != "" {
		if err := n.Metrics().WriteSnapshot(filepath.Join(a.cfg.DataDir, metricsFile)); err != nil {
			debuglog.Debugf("write metrics snapshot: %v", err)
		}
	}
	_ = n.Close()
}
