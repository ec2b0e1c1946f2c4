package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"p2pchat/internal/channel"
	"p2pchat/internal/docs"
	"p2pchat/internal/messages"
	"p2pchat/internal/network"
	"p2pchat/internal/proto"
	"p2pchat/internal/session"
	"p2pchat/internal/ticket"
)

const (
	defaultReceiveWait = 25 * time.Second
	maxReceiveWait     = 60 * time.Second
)

type Handler struct {
	svc Service
	log zerolog.Logger
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, messages.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, messages.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, channel.ErrDecode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, messages.ErrTooLong),
		errors.Is(err, messages.ErrInvalidID),
		errors.Is(err, ticket.ErrBadTicket):
		return http.StatusBadRequest
	case errors.Is(err, messages.ErrNotInitialized),
		errors.Is(err, session.ErrNotActive),
		errors.Is(err, docs.ErrContentMissing):
		return http.StatusConflict
	case errors.Is(err, docs.ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, network.ErrConnect),
		errors.Is(err, proto.ErrHandshakeRejected):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail maps a service error onto a status code and logs server-side faults.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Warn().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	h.Error(w, status, err.Error())
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"chat":      h.svc.ChatState().String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type identityResponse struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

func (h *Handler) Identity(w http.ResponseWriter, r *http.Request) {
	addr := h.svc.Addr()
	h.JSON(w, http.StatusOK, identityResponse{ID: h.svc.ID().String(), Addrs: addr.Addrs})
}

type ticketRequest struct {
	Ticket string `json:"ticket"`
}

type ticketResponse struct {
	Ticket string `json:"ticket,omitempty"`
	Remote string `json:"remote,omitempty"`
	State  string `json:"state,omitempty"`
}

func (h *Handler) ChatStatus(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, ticketResponse{State: h.svc.ChatState().String()})
}

// StartChat hosts when no ticket is posted and joins otherwise.
func (h *Handler) StartChat(w http.ResponseWriter, r *http.Request) {
	var req ticketRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.svc.StartChat(r.Context(), req.Ticket)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := ticketResponse{Ticket: id, State: h.svc.ChatState().String()}
	if req.Ticket != "" {
		resp = ticketResponse{Remote: id, State: resp.State}
	}
	h.JSON(w, http.StatusOK, resp)
}

func (h *Handler) EndChat(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.EndChat(); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	Text string `json:"text"`
}

func (h *Handler) SendChat(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Text == "" {
		h.Error(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := h.svc.SendMessage(r.Context(), req.Text); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chatMessage struct {
	From string    `json:"from"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// ReceiveChat long-polls for the next chat message. ?wait= bounds the
// wait; an empty poll answers 204.
func (h *Handler) ReceiveChat(w http.ResponseWriter, r *http.Request) {
	wait := defaultReceiveWait
	if s := r.URL.Query().Get("wait"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			h.Error(w, http.StatusBadRequest, "invalid wait")
			return
		}
		wait = min(d, maxReceiveWait)
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	msg, err := h.svc.ReceiveMessage(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, chatMessage{From: msg.From.String(), Text: msg.Text, At: msg.At})
}

// OpenRoom creates a room, or joins one when a ticket is posted.
func (h *Handler) OpenRoom(w http.ResponseWriter, r *http.Request) {
	var req ticketRequest
	if !h.decode(w, r, &req) {
		return
	}
	var (
		t   string
		err error
	)
	if req.Ticket == "" {
		t, err = h.svc.CreateRoom(r.Context())
	} else {
		t, err = h.svc.JoinRoom(r.Context(), req.Ticket)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, ticketResponse{Ticket: t})
}

func (h *Handler) RoomTicket(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.RoomTicket()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, ticketResponse{Ticket: t})
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListMessages(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []messages.MessageRecord{}
	}
	h.JSON(w, http.StatusOK, list)
}

type messageRequest struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

func (h *Handler) AddMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !h.decode(w, r, &req) {
		return
	}
	var (
		rec messages.MessageRecord
		err error
	)
	if req.ID == "" {
		rec, err = h.svc.AddMessage(r.Context(), req.Label)
	} else {
		rec, err = h.svc.AddMessageWithID(r.Context(), req.ID, req.Label)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.svc.UpdateMessage(r.Context(), chi.URLParam(r, "id"), req.Label)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, rec)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteMessage(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RestoreMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RestoreMessage(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
