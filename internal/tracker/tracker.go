// Package tracker is the delivery-status reconciliation driver. It consumes
// receipt events off kafka, applies the pure sendstate reducer to the
// affected recipient's stored state, persists the result and announces
// status changes for downstream renderers.
//
// Ordering and duplication of inbound receipts are handled entirely by the
// reducer's monotonicity: a duplicate or out-of-order event reduces to a
// no-op, so the redis dedupe below is a cost optimization, not a
// correctness requirement.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/messenger-delivery/internal/common"
	"github.com/example/messenger-delivery/internal/sendstate"
	"github.com/example/messenger-delivery/internal/store"
)

var (
	receiptCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_receipts_total",
		Help: "Receipt events consumed, by outcome",
	}, []string{"outcome", "type"})
	applyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracker_apply_duration_seconds",
		Help:    "Latency of applying one receipt event",
		Buckets: prometheus.DefBuckets,
	})
)

// ReceiptEvent is the canonical wire form of one delivery signal for one
// (message, recipient) pair, produced by the receipt gateway, the send
// worker and the retry endpoint.
type ReceiptEvent struct {
	ReceiptID      string     `json:"receipt_id"`
	MessageID      string     `json:"message_id"`
	ConversationID string     `json:"conversation_id"`
	Type           string     `json:"type"`
	OccurredAt     *time.Time `json:"occurred_at,omitempty"`
}

// StatusChangedEvent announces one recipient's status transition to the
// persistence/render pipeline.
type StatusChangedEvent struct {
	MessageID      string               `json:"message_id"`
	ConversationID string               `json:"conversation_id"`
	PrevStatus     sendstate.SendStatus `json:"prev_status"`
	Status         sendstate.SendStatus `json:"status"`
	UpdatedAt      *time.Time           `json:"updated_at,omitempty"`
	EmittedAt      time.Time            `json:"emitted_at"`
}

// StateStore is the slice of the message store the tracker needs.
type StateStore interface {
	GetSendState(ctx context.Context, messageID, conversationID string) (sendstate.SendState, error)
	CompareAndSwapSendState(ctx context.Context, messageID, conversationID string, prev, next sendstate.SendState) (bool, error)
}

// Deduper remembers which receipt ids were already applied. Best effort on
// both sides: a Seen error means "assume unseen", a Mark error is logged
// and ignored.
type Deduper interface {
	Seen(ctx context.Context, receiptID string) (bool, error)
	Mark(ctx context.Context, receiptID string) error
}

// casAttempts bounds the reload-reduce-swap loop under writer contention.
const casAttempts = 3

type Tracker struct {
	ReaderFactory func() *kafka.Reader
	StatusWriter  *kafka.Writer
	DLQWriter     *kafka.Writer
	Store         StateStore
	Dedupe        Deduper
	Logger        zerolog.Logger
}

func (t *Tracker) Run(ctx context.Context) error {
	if t.ReaderFactory == nil {
		return errors.New("tracker requires a reader factory")
	}
	if t.Store == nil {
		return errors.New("tracker requires a state store")
	}
	reader := t.ReaderFactory()
	defer reader.Close()

	tracer := otel.Tracer("tracker")

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("fetch message: %w", err)
		}

		var event ReceiptEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			t.Logger.Error().Err(err).Msg("failed to decode receipt event")
			receiptCounter.WithLabelValues("decode_error", "unknown").Inc()
			if err := t.writeDLQ(ctx, m.Value); err != nil {
				return err
			}
			_ = reader.CommitMessages(ctx, m)
			continue
		}

		spanCtx, span := tracer.Start(ctx, "apply_receipt")
		span.SetAttributes(
			attribute.String("message.id", event.MessageID),
			attribute.String("receipt.type", event.Type),
		)

		start := time.Now()
		if err := t.Apply(spanCtx, event); err != nil {
			span.RecordError(err)
			span.End()
			return err
		}
		applyLatency.Observe(time.Since(start).Seconds())

		span.End()
		if err := reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

// Apply reconciles one receipt event into the stored send state. Malformed
// or unmatchable events are counted and dropped, never returned as errors:
// a corrupt receipt must not wedge the consumer. Errors are reserved for
// infrastructure failures (store, kafka) that warrant a restart and
// redelivery.
func (t *Tracker) Apply(ctx context.Context, event ReceiptEvent) error {
	logger := t.logger(ctx).With().
		Str("message_id", event.MessageID).
		Str("conversation_id", event.ConversationID).
		Str("type", event.Type).
		Logger()

	actionType, ok := sendstate.ParseActionType(event.Type)
	if !ok {
		logger.Warn().Msg("unknown receipt type")
		receiptCounter.WithLabelValues("invalid_type", event.Type).Inc()
		return nil
	}
	if event.MessageID == "" || event.ConversationID == "" {
		logger.Warn().Msg("receipt event missing identifiers")
		receiptCounter.WithLabelValues("invalid_event", event.Type).Inc()
		return nil
	}

	if t.Dedupe != nil && event.ReceiptID != "" {
		seen, err := t.Dedupe.Seen(ctx, event.ReceiptID)
		if err != nil {
			// Dedupe is advisory; the reducer makes replays harmless.
			logger.Warn().Err(err).Msg("receipt dedupe unavailable")
		} else if seen {
			receiptCounter.WithLabelValues("duplicate", event.Type).Inc()
			return nil
		}
	}
	markSeen := func() {
		if t.Dedupe == nil || event.ReceiptID == "" {
			return
		}
		if err := t.Dedupe.Mark(ctx, event.ReceiptID); err != nil {
			logger.Warn().Err(err).Msg("failed to mark receipt as seen")
		}
	}

	action := sendstate.SendAction{Type: actionType, UpdatedAt: event.OccurredAt}

	for attempt := 0; attempt < casAttempts; attempt++ {
		prev, err := t.Store.GetSendState(ctx, event.MessageID, event.ConversationID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				logger.Warn().Msg("receipt for unknown message/recipient")
				receiptCounter.WithLabelValues("unknown_recipient", event.Type).Inc()
				return nil
			}
			return fmt.Errorf("load send state: %w", err)
		}

		next := sendstate.Reduce(prev, action)
		if next.Status == prev.Status {
			receiptCounter.WithLabelValues("noop", event.Type).Inc()
			markSeen()
			return nil
		}

		swapped, err := t.Store.CompareAndSwapSendState(ctx, event.MessageID, event.ConversationID, prev, next)
		if err != nil {
			return fmt.Errorf("persist send state: %w", err)
		}
		if !swapped {
			// Lost a race with another writer; reload and re-reduce.
			continue
		}

		receiptCounter.WithLabelValues("applied", event.Type).Inc()
		logger.Info().
			Str("prev_status", string(prev.Status)).
			Str("status", string(next.Status)).
			Msg("send state advanced")
		if err := t.emitStatusChanged(ctx, event, prev, next); err != nil {
			return err
		}
		markSeen()
		return nil
	}

	// Contention means other writers are advancing the same state; the
	// event either already took effect or reduces to a no-op on their
	// result. Safe to drop.
	receiptCounter.WithLabelValues("contended", event.Type).Inc()
	logger.Warn().Msg("send state update contended, dropping receipt")
	return nil
}

func (t *Tracker) emitStatusChanged(ctx context.Context, event ReceiptEvent, prev, next sendstate.SendState) error {
	if t.StatusWriter == nil {
		return nil
	}
	change := StatusChangedEvent{
		MessageID:      event.MessageID,
		ConversationID: event.ConversationID,
		PrevStatus:     prev.Status,
		Status:         next.Status,
		UpdatedAt:      next.UpdatedAt,
		EmittedAt:      time.Now().UTC(),
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	if err := t.StatusWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.MessageID + ":" + event.ConversationID),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("write status event: %w", err)
	}
	return nil
}

func (t *Tracker) writeDLQ(ctx context.Context, raw []byte) error {
	if t.DLQWriter == nil {
		return nil
	}
	if err := t.DLQWriter.WriteMessages(ctx, kafka.Message{Value: raw}); err != nil {
		return fmt.Errorf("write dlq: %w", err)
	}
	return nil
}

func (t *Tracker) logger(ctx context.Context) zerolog.Logger {
	return common.WithContext(ctx, t.Logger)
}
