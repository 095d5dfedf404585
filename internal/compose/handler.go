// Package compose exposes the HTTP surface for sending messages, retrying
// failed recipients and reading a message's delivery status.
package compose

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/messenger-delivery/internal/common"
	"github.com/example/messenger-delivery/internal/sendstate"
	"github.com/example/messenger-delivery/internal/store"
	"github.com/example/messenger-delivery/internal/tracker"
)

var (
	reqCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "send_api_requests_total",
		Help: "Total send-api requests",
	}, []string{"op", "status"})
	composeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "send_api_compose_duration_seconds",
		Help:    "Latency for composing a message",
		Buckets: prometheus.DefBuckets,
	})
)

type Handler struct {
	repo          MessageStore
	producer      *kafka.Writer
	receiptWriter *kafka.Writer
	tracer        trace.Tracer
	logger        zerolog.Logger
}

func NewHandler(repo MessageStore, producer, receiptWriter *kafka.Writer, logger zerolog.Logger) *Handler {
	return &Handler{
		repo:          repo,
		producer:      producer,
		receiptWriter: receiptWriter,
		tracer:        otel.Tracer("send-api"),
		logger:        logger,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/messages", h.send)
	r.Post("/v1/messages/{id}/recipients/{conversationID}/retry", h.retry)
	r.Get("/v1/messages/{id}", h.status)
	return r
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "send")
	defer span.End()

	idempotencyKey := r.Header.Get("x-idempotency-key")
	if idempotencyKey == "" {
		h.respondErr(ctx, w, "send", http.StatusBadRequest, errors.New("missing x-idempotency-key header"))
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(ctx, w, "send", http.StatusBadRequest, err)
		return
	}
	if err := validateRequest(req); err != nil {
		h.respondErr(ctx, w, "send", http.StatusBadRequest, err)
		return
	}
	recipients := dedupeRecipients(req.Recipients)

	start := time.Now()
	msg := store.Message{
		ID:                   uuid.NewString(),
		SenderConversationID: req.SenderConversationID,
		IdempotencyKey:       idempotencyKey,
		ComposedAt:           time.Now().UTC(),
	}

	saved, duplicate, err := h.repo.CreateMessage(ctx, msg, recipients)
	if err != nil {
		h.respondErr(ctx, w, "send", http.StatusInternalServerError, err)
		return
	}
	span.SetAttributes(attribute.String("message.id", saved.ID))
	composeLatency.Observe(time.Since(start).Seconds())

	if duplicate {
		reqCounter.WithLabelValues("send", "duplicate").Inc()
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message_id": saved.ID,
			"status":     "duplicate",
		})
		return
	}

	outgoing := OutgoingMessage{
		MessageID:            saved.ID,
		SenderConversationID: saved.SenderConversationID,
		Recipients:           recipients,
		Envelope:             req.Envelope,
		ComposedAt:           saved.ComposedAt,
	}
	payload, err := json.Marshal(outgoing)
	if err != nil {
		h.respondErr(ctx, w, "send", http.StatusInternalServerError, err)
		return
	}
	if err := h.producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(saved.SenderConversationID + ":" + saved.IdempotencyKey),
		Value: payload,
	}); err != nil {
		h.respondErr(ctx, w, "send", http.StatusInternalServerError, err)
		return
	}

	reqCounter.WithLabelValues("send", "accepted").Inc()
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"message_id": saved.ID})
}

// retry publishes a manually_retried action for one recipient. It flows
// through the same receipt topic and reducer as network receipts, so a
// retry racing a late delivery receipt resolves by rank like any other
// event pair.
func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "retry")
	defer span.End()

	messageID := chi.URLParam(r, "id")
	conversationID := chi.URLParam(r, "conversationID")

	states, err := h.repo.GetSendStates(ctx, messageID)
	if err != nil {
		h.respondErr(ctx, w, "retry", http.StatusInternalServerError, err)
		return
	}
	if _, ok := states[conversationID]; !ok {
		h.respondErr(ctx, w, "retry", http.StatusNotFound, errors.New("unknown message or recipient"))
		return
	}

	now := time.Now().UTC()
	event := tracker.ReceiptEvent{
		ReceiptID:      uuid.NewString(),
		MessageID:      messageID,
		ConversationID: conversationID,
		Type:           string(sendstate.ActionManuallyRetried),
		OccurredAt:     &now,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		h.respondErr(ctx, w, "retry", http.StatusInternalServerError, err)
		return
	}
	if err := h.receiptWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(messageID + ":" + conversationID),
		Value: payload,
	}); err != nil {
		h.respondErr(ctx, w, "retry", http.StatusInternalServerError, err)
		return
	}

	reqCounter.WithLabelValues("retry", "accepted").Inc()
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "status")
	defer span.End()

	messageID := chi.URLParam(r, "id")
	msg, err := h.repo.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondErr(ctx, w, "status", http.StatusNotFound, err)
			return
		}
		h.respondErr(ctx, w, "status", http.StatusInternalServerError, err)
		return
	}

	states, err := h.repo.GetSendStates(ctx, messageID)
	if err != nil {
		h.respondErr(ctx, w, "status", http.StatusInternalServerError, err)
		return
	}

	reqCounter.WithLabelValues("status", "ok").Inc()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusResponse(msg, states))
}

// StatusResponse is the delivery view of one message: the raw fan-out plus
// the aggregates the conversation UI renders from.
type StatusResponse struct {
	MessageID            string                          `json:"message_id"`
	SenderConversationID string                          `json:"sender_conversation_id"`
	ComposedAt           time.Time                       `json:"composed_at"`
	SendStates           sendstate.StateByConversationID `json:"send_states"`
	Summary              StatusSummary                   `json:"summary"`
}

type StatusSummary struct {
	Status           sendstate.SendStatus `json:"status"`
	SomeSent         bool                 `json:"some_sent"`
	SomeDelivered    bool                 `json:"some_delivered"`
	SomeRead         bool                 `json:"some_read"`
	SomeViewed       bool                 `json:"some_viewed"`
	DeliveredCount   int                  `json:"delivered_count"`
	ReadCount        int                  `json:"read_count"`
	ViewedCount      int                  `json:"viewed_count"`
	RecipientCount   int                  `json:"recipient_count"`
	FailedRecipients []string             `json:"failed_recipients,omitempty"`
	JustForMe        bool                 `json:"just_for_me"`
}

func statusResponse(msg store.Message, states sendstate.StateByConversationID) StatusResponse {
	return StatusResponse{
		MessageID:            msg.ID,
		SenderConversationID: msg.SenderConversationID,
		ComposedAt:           msg.ComposedAt,
		SendStates:           states,
		Summary: StatusSummary{
			Status:           sendstate.Fold(states),
			SomeSent:         sendstate.SomeSendStatus(states, sendstate.IsSent),
			SomeDelivered:    sendstate.SomeSendStatus(states, sendstate.IsDelivered),
			SomeRead:         sendstate.SomeSendStatus(states, sendstate.IsRead),
			SomeViewed:       sendstate.SomeSendStatus(states, sendstate.IsViewed),
			DeliveredCount:   sendstate.CountWhere(states, sendstate.IsDelivered),
			ReadCount:        sendstate.CountWhere(states, sendstate.IsRead),
			ViewedCount:      sendstate.CountWhere(states, sendstate.IsViewed),
			RecipientCount:   len(states),
			FailedRecipients: sendstate.FailedRecipients(states),
			JustForMe:        sendstate.IsMessageJustForMe(states, msg.SenderConversationID),
		},
	}
}

func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, op string, status int, err error) {
	logger := common.WithContext(ctx, h.logger)
	logger.Error().Err(err).Str("op", op).Int("status", status).Msg("send-api request failed")
	reqCounter.WithLabelValues(op, http.StatusText(status)).Inc()
	http.Error(w, err.Error(), status)
}
