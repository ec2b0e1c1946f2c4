// Package node assembles identity, transport, the chat session manager and
// the replicated room store into one running peer.
package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"p2pchat/internal/channel"
	"p2pchat/internal/crypto"
	"p2pchat/internal/debuglog"
	"p2pchat/internal/docs"
	"p2pchat/internal/messages"
	"p2pchat/internal/metrics"
	"p2pchat/internal/network"
	"p2pchat/internal/peer"
	"p2pchat/internal/proto"
	"p2pchat/internal/session"
	"p2pchat/internal/store"
	"p2pchat/internal/ticket"
)

const (
	docsDir         = "docs"
	blobsDir        = "blobs"
	defaultPeerBook = "peers.jsonl"
	authorLabel     = "author"
)

type Options struct {
	// SecretKey is the node identity. When zero, a key is loaded from
	// DataDir (created on first use) or generated for this run only.
	SecretKey        crypto.SecretKey
	ListenAddr       string
	DataDir          string
	Framing          channel.Framing
	HandshakeTimeout time.Duration
	MaxConnsPerIP    int
	Metrics          *metrics.Metrics
}

type Node struct {
	key      crypto.SecretKey
	author   docs.Author
	ep       *network.Endpoint
	sessions *session.Manager
	engine   *docs.Engine
	book     *peer.Book
	metrics  *metrics.Metrics
	events   *hub
	log      zerolog.Logger

	roomMu     sync.Mutex
	room       *messages.Store
	roomCancel context.CancelFunc
	roomDone   chan struct{}

	closeOnce sync.Once
}

func loadKey(opts Options) (crypto.SecretKey, error) {
	if !opts.SecretKey.IsZero() {
		return opts.SecretKey, nil
	}
	if opts.DataDir != "" {
		k, created, err := crypto.LoadOrCreateSecretKey(opts.DataDir)
		if err != nil {
			return crypto.SecretKey{}, err
		}
		if created {
			debuglog.Logf("generated node key in %s", opts.DataDir)
		}
		return k, nil
	}
	return crypto.GenerateSecretKey()
}

// New binds the endpoint and starts the docs engine. With a DataDir the
// rooms, blobs and address book survive restarts.
func New(ctx context.Context, opts Options) (*Node, error) {
	key, err := loadKey(opts)
	if err != nil {
		return nil, fmt.Errorf("node key: %w", err)
	}
	authorKey, err := crypto.DeriveKey(key, authorLabel)
	if err != nil {
		return nil, err
	}
	listen := opts.ListenAddr
	if listen == "" {
		listen = "0.0.0.0:0"
	}
	ep, err := network.Bind(ctx, network.Options{
		SecretKey:     key,
		ListenAddr:    listen,
		ALPNs:         []string{proto.ChatALPN, proto.DocsALPN},
		MaxConnsPerIP: opts.MaxConnsPerIP,
		Metrics:       opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	n := &Node{
		key:     key,
		author:  docs.AuthorFromKey(authorKey),
		ep:      ep,
		metrics: opts.Metrics,
		events:  newHub(),
		log:     debuglog.With("node").With().Str("id", key.Public().Fmt()).Logger(),
	}
	fail := func(err error) (*Node, error) {
		_ = ep.Close()
		return nil, err
	}

	n.sessions, err = session.NewManager(session.Options{
		Endpoint:         ep,
		Framing:          opts.Framing,
		HandshakeTimeout: opts.HandshakeTimeout,
		Sink:             n.onChat,
		Metrics:          opts.Metrics,
	})
	if err != nil {
		return fail(err)
	}

	docOpts := docs.Options{Endpoint: ep, Author: n.author, Metrics: opts.Metrics}
	bookPath := ""
	if opts.DataDir != "" {
		st, err := store.New(filepath.Join(opts.DataDir, docsDir))
		if err != nil {
			return fail(err)
		}
		blobs, err := store.NewBlobDir(filepath.Join(opts.DataDir, blobsDir))
		if err != nil {
			return fail(err)
		}
		docOpts.Persister = st
		docOpts.Blobs = blobs
		bookPath = filepath.Join(opts.DataDir, defaultPeerBook)
	}
	n.book, err = peer.NewBook(bookPath, peer.Options{})
	if err != nil {
		return fail(err)
	}
	n.engine, err = docs.NewEngine(ctx, docOpts)
	if err != nil {
		return fail(err)
	}
	n.log.Info().Strs("addrs", ep.Addr().Addrs).Str("framing", string(n.sessions.Framing())).Msg("node up")
	return n, nil
}

func (n *Node) ID() crypto.PeerID { return n.key.Public() }

func (n *Node) Addr() network.NodeAddr { return n.ep.Addr() }

func (n *Node) Author() docs.AuthorID { return n.author.ID() }

func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

func (n *Node) Peers() []peer.Entry { return n.book.List() }

// NewMessageID returns a fresh sortable message id.
func NewMessageID() string {
	return ulid.Make().String()
}

// Close shuts down the room, the chat session and the transport.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.roomMu.Lock()
		n.closeRoomLocked()
		n.roomMu.Unlock()
		err = errors.Join(
			n.sessions.Close(),
			n.engine.Close(),
			n.ep.Close(),
		)
		n.events.close()
		if err != nil {
			n.log.Warn().Err(err).Msg("close")
		}
	})
	return err
}

// ErrNoRoom is returned by room operations before CreateRoom or JoinRoom.
var ErrNoRoom = messages.ErrNotInitialized
