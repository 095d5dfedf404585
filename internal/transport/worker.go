// Package transport drains composed messages and pushes their encrypted
// envelopes through relay providers, one attempt per recipient. The outcome
// of each attempt re-enters the pipeline as a sent or failed receipt event,
// so the tracker is the only component that ever touches send state.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/messenger-delivery/internal/sendstate"
	"github.com/example/messenger-delivery/internal/tracker"
)

var deliveryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "send_worker_deliveries_total",
	Help: "Per-recipient delivery attempts, by outcome",
}, []string{"outcome", "provider"})

// Provider pushes one recipient's envelope to the transport network.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg OutgoingMessage, conversationID string) error
}

// OutgoingMessage mirrors the event the send-api enqueues.
type OutgoingMessage struct {
	MessageID            string         `json:"message_id"`
	SenderConversationID string         `json:"sender_conversation_id"`
	Recipients           []string       `json:"recipients"`
	Envelope             map[string]any `json:"envelope"`
	ComposedAt           time.Time      `json:"composed_at"`
}

type Worker struct {
	ReaderFactory func() *kafka.Reader
	ReceiptWriter *kafka.Writer
	DLQWriter     *kafka.Writer
	Providers     []Provider
	Logger        zerolog.Logger
}

func (w *Worker) Run(ctx context.Context) error {
	if len(w.Providers) == 0 {
		return errors.New("at least one provider required")
	}
	reader := w.ReaderFactory()
	defer reader.Close()
	tracer := otel.Tracer("send-worker")

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("fetch message: %w", err)
		}

		var outgoing OutgoingMessage
		if err := json.Unmarshal(m.Value, &outgoing); err != nil {
			w.Logger.Error().Err(err).Msg("failed to decode outgoing message")
			if err := w.writeDLQ(ctx, m.Value); err != nil {
				return err
			}
			_ = reader.CommitMessages(ctx, m)
			continue
		}

		spanCtx, span := tracer.Start(ctx, "fan_out")
		span.SetAttributes(
			attribute.String("message.id", outgoing.MessageID),
			attribute.Int("message.recipients", len(outgoing.Recipients)),
		)

		for _, conversationID := range outgoing.Recipients {
			if err := w.deliverToRecipient(spanCtx, outgoing, conversationID); err != nil {
				span.RecordError(err)
				span.End()
				return err
			}
		}

		span.End()
		if err := reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

// deliverToRecipient walks the provider list until one accepts the
// envelope, then reports the outcome as a receipt event. Provider failure
// for every provider is not an error from the worker's point of view — it
// becomes a failed receipt, which the reducer records and the user can
// retry.
func (w *Worker) deliverToRecipient(ctx context.Context, msg OutgoingMessage, conversationID string) error {
	delivered := ""
	for _, provider := range w.Providers {
		if err := w.sendWithBackoff(ctx, provider, msg, conversationID); err != nil {
			deliveryCounter.WithLabelValues("failed", provider.Name()).Inc()
			w.Logger.Warn().Err(err).
				Str("provider", provider.Name()).
				Str("message_id", msg.MessageID).
				Str("conversation_id", conversationID).
				Msg("relay send failed")
			continue
		}
		deliveryCounter.WithLabelValues("sent", provider.Name()).Inc()
		delivered = provider.Name()
		break
	}

	actionType := sendstate.ActionSent
	if delivered == "" {
		actionType = sendstate.ActionFailed
	}
	return w.emitReceipt(ctx, msg, conversationID, actionType)
}

func (w *Worker) sendWithBackoff(ctx context.Context, provider Provider, msg OutgoingMessage, conversationID string) error {
	op := backoff.NewExponentialBackOff()
	op.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return provider.Send(attemptCtx, msg, conversationID)
	}, op)
}

func (w *Worker) emitReceipt(ctx context.Context, msg OutgoingMessage, conversationID string, actionType sendstate.ActionType) error {
	now := time.Now().UTC()
	event := tracker.ReceiptEvent{
		ReceiptID:      uuid.NewString(),
		MessageID:      msg.MessageID,
		ConversationID: conversationID,
		Type:           string(actionType),
		OccurredAt:     &now,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal receipt event: %w", err)
	}
	if err := w.ReceiptWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.MessageID + ":" + conversationID),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("write receipt event: %w", err)
	}
	return nil
}

func (w *Worker) writeDLQ(ctx context.Context, raw []byte) error {
	if w.DLQWriter == nil {
		return nil
	}
	if err := w.DLQWriter.WriteMessages(ctx, kafka.Message{Value: raw}); err != nil {
		return fmt.Errorf("write dlq: %w", err)
	}
	return nil
}
