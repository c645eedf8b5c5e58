package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/matheus3301/wpphook/internal/bus"
	"github.com/matheus3301/wpphook/internal/ingest"
	"github.com/matheus3301/wpphook/internal/realtime"
	"github.com/matheus3301/wpphook/internal/status"
	"github.com/matheus3301/wpphook/internal/store"
	"github.com/matheus3301/wpphook/internal/summary"
	"github.com/matheus3301/wpphook/internal/webhook"
	"go.uber.org/zap"
)

const maxPayloadBytes = 5 << 20

// Options configure request handling.
type Options struct {
	VerifyToken  string
	Origin       string
	OpTimeout    time.Duration
	DefaultLimit int
	MaxLimit     int
}

// Handler serves the webhook, the query API and the realtime channel.
type Handler struct {
	pipeline  *ingest.Pipeline
	store     store.Backend
	summaries *summary.Service
	hub       *realtime.Hub
	machine   *status.Machine
	bus       *bus.Bus
	opts      Options
	logger    *zap.Logger
}

func NewHandler(
	pipeline *ingest.Pipeline,
	b store.Backend,
	summaries *summary.Service,
	hub *realtime.Hub,
	machine *status.Machine,
	eventBus *bus.Bus,
	opts Options,
	logger *zap.Logger,
) *Handler {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 200
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 500
	}
	return &Handler{
		pipeline:  pipeline,
		store:     b,
		summaries: summaries,
		hub:       hub,
		machine:   machine,
		bus:       eventBus,
		opts:      opts,
		logger:    logger,
	}
}

func (h *Handler) opContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.opts.OpTimeout)
}

// Root answers liveness probes.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "OK")
}

// ReceiveWebhook applies one provider payload.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
			return
		}
		h.logger.Warn("read webhook body", zap.Error(err))
		writeError(w, http.StatusBadRequest, "unreadable_body")
		return
	}

	ctx, cancel := h.opContext(r)
	defer cancel()
	if _, err := h.pipeline.Process(ctx, payload); err != nil {
		h.logger.Error("webhook processing error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "processing_failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "OK")
}

// VerifyWebhook answers the provider's subscription handshake.
func (h *Handler) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := webhook.Verify(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), h.opts.VerifyToken)
	if !ok {
		writeError(w, http.StatusForbidden, "verification_failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, challenge)
}

// ListChats returns every conversation summary, most recent first.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opContext(r)
	defer cancel()
	chats, err := h.summaries.All(ctx)
	if err != nil {
		h.logger.Error("list chats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed_to_list_chats")
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

// GetChat returns one conversation summary.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opContext(r)
	defer cancel()
	s, err := h.summaries.ForConversation(ctx, r.PathValue("waId"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "chat_not_found")
		return
	}
	if err != nil {
		h.logger.Error("get chat", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed_to_get_chat")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ListMessages returns a conversation's history oldest first.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), h.opts.DefaultLimit)
	if limit <= 0 {
		limit = h.opts.DefaultLimit
	}
	limit = min(limit, h.opts.MaxLimit)

	ctx, cancel := h.opContext(r)
	defer cancel()
	msgs, err := h.store.ListMessages(ctx, r.PathValue("waId"), limit)
	if err != nil {
		h.logger.Error("messages route error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed_to_list_messages")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendRequest struct {
	WaID string `json:"waId"`
	Text string `json:"text"`
}

// SendMessage records a locally composed outbound message.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "waId_and_text_required")
		return
	}

	ctx, cancel := h.opContext(r)
	defer cancel()
	rec, err := h.pipeline.Submit(ctx, req.WaID, req.Text)
	if errors.Is(err, ingest.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, "waId_and_text_required")
		return
	}
	if err != nil {
		h.logger.Error("send message", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed_to_create_message")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// StatsResponse is returned by GET /api/stats.
type StatsResponse struct {
	State         status.State          `json:"state"`
	Reason        string                `json:"reason,omitempty"`
	Store         *store.Stats          `json:"store"`
	Subscribers   []realtime.ClientInfo `json:"subscribers"`
	DroppedEvents uint64                `json:"droppedEvents"`
}

// Stats reports daemon state and record counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.opContext(r)
	defer cancel()
	st, err := h.store.Stats(ctx)
	if err != nil {
		h.logger.Error("stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed_to_read_stats")
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		State:         h.machine.Current(),
		Reason:        h.machine.Reason(),
		Store:         st,
		Subscribers:   h.hub.Clients(),
		DroppedEvents: h.bus.Dropped(),
	})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
