// Package receiptgw is the intake edge for raw delivery receipts. The
// transport layer posts whatever shape its source produces; this service
// normalizes each source into the canonical receipt event the tracker
// consumes and puts it on the receipt topic.
package receiptgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

	"github.com/example/messenger-delivery/internal/common"
	"github.com/example/messenger-delivery/internal/sendstate"
	"github.com/example/messenger-delivery/internal/tracker"
)

var receiptIntake = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "receipt_gateway_events_total",
	Help: "Raw receipts processed, by source and status",
}, []string{"source", "status"})

type Server struct {
	Producer *kafka.Writer
	Logger   zerolog.Logger
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/receipts/{source}", s.handle)
	return r
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("receipt-gateway").Start(r.Context(), "ingest-receipt")
	defer span.End()

	source := chi.URLParam(r, "source")

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondErr(ctx, w, source, http.StatusBadRequest, err)
		return
	}

	event, err := normalize(source, payload)
	if err != nil {
		s.respondErr(ctx, w, source, http.StatusBadRequest, err)
		return
	}
	span.SetAttributes(
		attribute.String("message.id", event.MessageID),
		attribute.String("receipt.type", event.Type),
	)

	body, err := json.Marshal(event)
	if err != nil {
		s.respondErr(ctx, w, source, http.StatusInternalServerError, err)
		return
	}

	if err := s.Producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.MessageID + ":" + event.ConversationID),
		Value: body,
	}); err != nil {
		s.respondErr(ctx, w, source, http.StatusInternalServerError, err)
		return
	}

	receiptIntake.WithLabelValues(source, "ok").Inc()
	w.WriteHeader(http.StatusAccepted)
}

func normalize(source string, payload map[string]any) (tracker.ReceiptEvent, error) {
	switch source {
	case "peer":
		return normalizePeer(payload)
	case "sync":
		return normalizeSync(payload)
	default:
		return tracker.ReceiptEvent{}, errors.New("unsupported receipt source")
	}
}

// peerReceiptTypes maps receipt kinds reported by recipient devices onto
// reducer action types.
var peerReceiptTypes = map[string]sendstate.ActionType{
	"delivered": sendstate.ActionGotDeliveryReceipt,
	"read":      sendstate.ActionGotReadReceipt,
	"viewed":    sendstate.ActionGotViewedReceipt,
}

// normalizePeer handles receipts sent back by a recipient's device.
func normalizePeer(payload map[string]any) (tracker.ReceiptEvent, error) {
	messageID, _ := payload["message_id"].(string)
	if messageID == "" {
		return tracker.ReceiptEvent{}, errors.New("peer message_id missing")
	}
	conversationID, _ := payload["conversation_id"].(string)
	if conversationID == "" {
		return tracker.ReceiptEvent{}, errors.New("peer conversation_id missing")
	}
	kind, _ := payload["type"].(string)
	actionType, ok := peerReceiptTypes[kind]
	if !ok {
		return tracker.ReceiptEvent{}, fmt.Errorf("peer receipt type %q unknown", kind)
	}

	receiptID, _ := payload["receipt_id"].(string)
	if receiptID == "" {
		receiptID = uuid.NewString()
	}

	return tracker.ReceiptEvent{
		ReceiptID:      receiptID,
		MessageID:      messageID,
		ConversationID: conversationID,
		Type:           string(actionType),
		OccurredAt:     millisField(payload, "timestamp"),
	}, nil
}

// normalizeSync handles view/read sync from the sender's own linked
// devices: viewing a message on one device marks it on all of them. Only
// read and viewed make sense here; a linked device cannot vouch for
// delivery to someone else.
func normalizeSync(payload map[string]any) (tracker.ReceiptEvent, error) {
	messageID, _ := payload["message_id"].(string)
	if messageID == "" {
		return tracker.ReceiptEvent{}, errors.New("sync message_id missing")
	}
	conversationID, _ := payload["conversation_id"].(string)
	if conversationID == "" {
		return tracker.ReceiptEvent{}, errors.New("sync conversation_id missing")
	}

	event, _ := payload["event"].(string)
	var actionType sendstate.ActionType
	switch event {
	case "read":
		actionType = sendstate.ActionGotReadReceipt
	case "viewed":
		actionType = sendstate.ActionGotViewedReceipt
	default:
		return tracker.ReceiptEvent{}, fmt.Errorf("sync event %q unknown", event)
	}

	return tracker.ReceiptEvent{
		ReceiptID:      uuid.NewString(),
		MessageID:      messageID,
		ConversationID: conversationID,
		Type:           string(actionType),
		OccurredAt:     millisField(payload, "at"),
	}, nil
}

// millisField reads an epoch-milliseconds number from the payload. Absent
// or non-numeric values yield nil: legacy receipts carry no timestamp and
// the reducer propagates that absence rather than inventing a time.
func millisField(payload map[string]any, key string) *time.Time {
	ms, ok := payload[key].(float64)
	if !ok || ms <= 0 {
		return nil
	}
	t := time.UnixMilli(int64(ms)).UTC()
	return &t
}

func (s *Server) respondErr(ctx context.Context, w http.ResponseWriter, source string, status int, err error) {
	logger := common.WithContext(ctx, s.Logger)
	logger.Error().Err(err).Str("source", source).Int("status", status).Msg("receipt gateway error")
	receiptIntake.WithLabelValues(source, "error").Inc()
	http.Error(w, err.Error(), status)
}
