// Package api serves the node's command surface as a local JSON API for a
// desktop or web shell.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"p2pchat/internal/crypto"
	"p2pchat/internal/messages"
	"p2pchat/internal/metrics"
	"p2pchat/internal/network"
	"p2pchat/internal/node"
	"p2pchat/internal/session"
)

const maxBodySize = 16 * 1024

// Service is the node surface the API drives.
type Service interface {
	ID() crypto.PeerID
	Addr() network.NodeAddr
	Metrics() *metrics.Metrics

	// StartChat returns the ticket to share when hosting, or the host's
	// id when joining.
	StartChat(ctx context.Context, ticket string) (string, error)
	SendMessage(ctx context.Context, text string) error
	ReceiveMessage(ctx context.Context) (session.Message, error)
	EndChat() error
	ChatState() session.State

	CreateRoom(ctx context.Context) (string, error)
	JoinRoom(ctx context.Context, ticket string) (string, error)
	RoomTicket() (string, error)
	ListMessages(ctx context.Context) ([]messages.MessageRecord, error)
	AddMessage(ctx context.Context, label string) (messages.MessageRecord, error)
	AddMessageWithID(ctx context.Context, id, label string) (messages.MessageRecord, error)
	UpdateMessage(ctx context.Context, id, label string) (messages.MessageRecord, error)
	DeleteMessage(ctx context.Context, id string) error
	RestoreMessage(ctx context.Context, id string) error

	Subscribe(ctx context.Context) <-chan node.Event
}

// NewRouter wires the handlers. Requests are logged to logger and counted
// in a registry that also exports the node's own counters on /metrics.
func NewRouter(logger zerolog.Logger, svc Service) *chi.Mux {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if m := svc.Metrics(); m != nil {
		reg.MustRegister(m)
	}
	hm := newHTTPMetrics(reg)

	r := chi.NewRouter()
	r.Use(hm.middleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestSize(maxBodySize))

	// the shell runs on this machine
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*", "tauri://localhost"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := &Handler{svc: svc, log: logger}

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/health", h.Health)
	r.Get("/events", h.Events)

	r.Route("/api", func(r chi.Router) {
		r.Get("/id", h.Identity)

		r.Get("/chat", h.ChatStatus)
		r.Post("/chat", h.StartChat)
		r.Delete("/chat", h.EndChat)
		r.Post("/chat/send", h.SendChat)
		r.Get("/chat/receive", h.ReceiveChat)

		r.Post("/room", h.OpenRoom)
		r.Get("/room/ticket", h.RoomTicket)
		r.Get("/room/messages", h.ListMessages)
		r.Post("/room/messages", h.AddMessage)
		r.Put("/room/messages/{id}", h.UpdateMessage)
		r.Delete("/room/messages/{id}", h.DeleteMessage)
		r.Post("/room/messages/{id}/restore", h.RestoreMessage)
	})
	return r
}
