package compose

import (
	"context"
	"errors"
	"time"

	"github.com/example/messenger-delivery/internal/sendstate"
	"github.com/example/messenger-delivery/internal/store"
)

// SendRequest is the body of POST /v1/messages. The envelope is the opaque,
// already-encrypted payload handed to the transport; this service never
// inspects it.
type SendRequest struct {
	SenderConversationID string         `json:"sender_conversation_id"`
	Recipients           []string       `json:"recipient_conversation_ids"`
	Envelope             map[string]any `json:"envelope"`
}

// OutgoingMessage is the event enqueued for the send worker.
type OutgoingMessage struct {
	MessageID            string         `json:"message_id"`
	SenderConversationID string         `json:"sender_conversation_id"`
	Recipients           []string       `json:"recipients"`
	Envelope             map[string]any `json:"envelope"`
	ComposedAt           time.Time      `json:"composed_at"`
}

// MessageStore is the slice of the message store the API needs.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg store.Message, recipients []string) (store.Message, bool, error)
	GetMessage(ctx context.Context, id string) (store.Message, error)
	GetSendStates(ctx context.Context, messageID string) (sendstate.StateByConversationID, error)
}

func validateRequest(req SendRequest) error {
	if req.SenderConversationID == "" {
		return errors.New("sender_conversation_id is required")
	}
	if len(req.Recipients) == 0 {
		return errors.New("recipient_conversation_ids is required")
	}
	for _, id := range req.Recipients {
		if id == "" {
			return errors.New("recipient_conversation_ids must not contain empty ids")
		}
	}
	return nil
}

// dedupeRecipients drops repeated conversation ids, keeping first-seen
// order. The fan-out map is keyed by conversation id, so duplicates would
// only inflate the outgoing event.
func dedupeRecipients(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
