// Package store persists outgoing messages and their per-recipient send
// states. Schema:
//
//	CREATE TABLE messages (
//	    id                     TEXT PRIMARY KEY,
//	    sender_conversation_id TEXT NOT NULL,
//	    idempotency_key        TEXT NOT NULL,
//	    composed_at            TIMESTAMPTZ NOT NULL,
//	    UNIQUE (sender_conversation_id, idempotency_key)
//	);
//
//	CREATE TABLE message_send_states (
//	    message_id      TEXT NOT NULL REFERENCES messages (id) ON DELETE CASCADE,
//	    conversation_id TEXT NOT NULL,
//	    status          TEXT NOT NULL,
//	    updated_at      TIMESTAMPTZ,
//	    PRIMARY KEY (message_id, conversation_id)
//	);
//
// Send states cascade with the owning message: the fan-out map has no
// lifecycle of its own. updated_at is nullable because legacy rows predate
// timestamp tracking.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/messenger-delivery/internal/sendstate"
)

var ErrNotFound = errors.New("not found")

type Message struct {
	ID                   string
	SenderConversationID string
	IdempotencyKey       string
	ComposedAt           time.Time
}

const insertMessage = `
INSERT INTO messages (id, sender_conversation_id, idempotency_key, composed_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (sender_conversation_id, idempotency_key) DO NOTHING
RETURNING id, sender_conversation_id, idempotency_key, composed_at
`

const selectMessageByKey = `
SELECT id, sender_conversation_id, idempotency_key, composed_at
FROM messages
WHERE sender_conversation_id = $1 AND idempotency_key = $2
`

const selectMessageByID = `
SELECT id, sender_conversation_id, idempotency_key, composed_at
FROM messages
WHERE id = $1
`

const insertSendState = `
INSERT INTO message_send_states (message_id, conversation_id, status, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (message_id, conversation_id) DO NOTHING
`

const selectSendStates = `
SELECT conversation_id, status, updated_at
FROM message_send_states
WHERE message_id = $1
`

const selectSendState = `
SELECT status, updated_at
FROM message_send_states
WHERE message_id = $1 AND conversation_id = $2
`

const casSendState = `
UPDATE message_send_states
SET status = $4, updated_at = $5
WHERE message_id = $1 AND conversation_id = $2 AND status = $3
`

type Postgres struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// CreateMessage inserts the message record and its pending fan-out in one
// transaction. When (sender, idempotency key) already exists the stored
// message is returned with duplicate=true and the fan-out is left untouched.
func (p *Postgres) CreateMessage(ctx context.Context, msg Message, recipients []string) (Message, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Message{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, insertMessage, msg.ID, msg.SenderConversationID, msg.IdempotencyKey, msg.ComposedAt)

	var saved Message
	if err := row.Scan(&saved.ID, &saved.SenderConversationID, &saved.IdempotencyKey, &saved.ComposedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			row = tx.QueryRow(ctx, selectMessageByKey, msg.SenderConversationID, msg.IdempotencyKey)
			if err := row.Scan(&saved.ID, &saved.SenderConversationID, &saved.IdempotencyKey, &saved.ComposedAt); err != nil {
				return Message{}, false, fmt.Errorf("fetch existing message: %w", err)
			}
			if err := tx.Commit(ctx); err != nil {
				return Message{}, false, fmt.Errorf("commit: %w", err)
			}
			return saved, true, nil
		}
		return Message{}, false, fmt.Errorf("insert message: %w", err)
	}

	composedAt := saved.ComposedAt
	for _, conversationID := range recipients {
		if _, err := tx.Exec(ctx, insertSendState, saved.ID, conversationID, string(sendstate.StatusPending), composedAt); err != nil {
			return Message{}, false, fmt.Errorf("insert send state for %s: %w", conversationID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, false, fmt.Errorf("commit: %w", err)
	}
	return saved, false, nil
}

func (p *Postgres) GetMessage(ctx context.Context, id string) (Message, error) {
	var msg Message
	row := p.pool.QueryRow(ctx, selectMessageByID, id)
	if err := row.Scan(&msg.ID, &msg.SenderConversationID, &msg.IdempotencyKey, &msg.ComposedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("select message: %w", err)
	}
	return msg, nil
}

// GetSendStates loads a message's full fan-out map. An unknown message id
// yields an empty map, not an error; aggregate callers treat the two alike.
func (p *Postgres) GetSendStates(ctx context.Context, messageID string) (sendstate.StateByConversationID, error) {
	rows, err := p.pool.Query(ctx, selectSendStates, messageID)
	if err != nil {
		return nil, fmt.Errorf("select send states: %w", err)
	}
	defer rows.Close()

	states := sendstate.StateByConversationID{}
	for rows.Next() {
		var (
			conversationID string
			status         string
			updatedAt      *time.Time
		)
		if err := rows.Scan(&conversationID, &status, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan send state: %w", err)
		}
		states[conversationID] = sendstate.SendState{Status: sendstate.SendStatus(status), UpdatedAt: updatedAt}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate send states: %w", err)
	}
	return states, nil
}

func (p *Postgres) GetSendState(ctx context.Context, messageID, conversationID string) (sendstate.SendState, error) {
	var (
		status    string
		updatedAt *time.Time
	)
	row := p.pool.QueryRow(ctx, selectSendState, messageID, conversationID)
	if err := row.Scan(&status, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return sendstate.SendState{}, ErrNotFound
		}
		return sendstate.SendState{}, fmt.Errorf("select send state: %w", err)
	}
	return sendstate.SendState{Status: sendstate.SendStatus(status), UpdatedAt: updatedAt}, nil
}

// CompareAndSwapSendState writes next only if the stored status still equals
// prev's. Returns false when another writer got there first; callers reload
// and re-reduce, which converges because transitions are monotonic.
func (p *Postgres) CompareAndSwapSendState(ctx context.Context, messageID, conversationID string, prev, next sendstate.SendState) (bool, error) {
	tag, err := p.pool.Exec(ctx, casSendState,
		messageID,
		conversationID,
		string(prev.Status),
		string(next.Status),
		next.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("update send state: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
