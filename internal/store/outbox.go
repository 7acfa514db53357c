package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/inbox/internal/message"
)

// Outbox row states.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry is an optimistic send tracked until the server confirms it.
type OutboxEntry struct {
	TempID         string
	ConversationID string
	Message        message.Message
	Status         string
	Attempts       int
	ErrorMessage   string
	ServerMsgID    string
	CreatedAt      int64
	UpdatedAt      int64
}

// QueueOutbox records an optimistic message. Queuing the same temp id again
// (a retry) resets the row to queued and keeps its attempt count.
func (db *DB) QueueOutbox(ctx context.Context, m message.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode outbox %s: %w", m.TempID, err)
	}
	now := time.Now().UnixMilli()
	_, err = db.ExecContext(ctx, `
		INSERT INTO outbox (temp_id, conversation_id, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(temp_id) DO UPDATE SET
			payload = excluded.payload,
			status = 'queued',
			error_message = '',
			updated_at = excluded.updated_at`,
		m.TempID, m.ConversationID, string(payload), now, now)
	if err != nil {
		return fmt.Errorf("queue outbox %s: %w", m.TempID, err)
	}
	return nil
}

// MarkOutboxSending records a transmission attempt.
func (db *DB) MarkOutboxSending(ctx context.Context, tempID string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx,
		`UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ? WHERE temp_id = ?`,
		now, tempID)
	return err
}

// MarkOutboxSent records the server acknowledgement.
func (db *DB) MarkOutboxSent(ctx context.Context, tempID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx,
		`UPDATE outbox SET status = 'sent', server_msg_id = ?, error_message = '', updated_at = ? WHERE temp_id = ?`,
		serverMsgID, now, tempID)
	return err
}

// MarkOutboxFailed records a failed attempt.
func (db *DB) MarkOutboxFailed(ctx context.Context, tempID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx,
		`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE temp_id = ?`,
		errMsg, now, tempID)
	return err
}

// RecoverOutbox returns the unconfirmed sends of a conversation. Rows left
// queued or sending by a previous process are marked failed first, since
// nothing is transmitting them any more.
func (db *DB) RecoverOutbox(ctx context.Context, conversationID string) ([]OutboxEntry, error) {
	now := time.Now().UnixMilli()
	if _, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = 'failed', error_message = 'interrupted', updated_at = ?
		WHERE conversation_id = ? AND status IN ('queued', 'sending')`,
		now, conversationID); err != nil {
		return nil, fmt.Errorf("recover outbox %s: %w", conversationID, err)
	}
	return db.ListOutbox(ctx, conversationID, OutboxFailed)
}

// ListOutbox returns the entries of a conversation in the given states,
// oldest first. With no states every entry is returned.
func (db *DB) ListOutbox(ctx context.Context, conversationID string, states ...string) ([]OutboxEntry, error) {
	query := `
		SELECT temp_id, conversation_id, payload, status, attempts, error_message, server_msg_id, created_at, updated_at
		FROM outbox WHERE conversation_id = ?`
	args := []any{conversationID}
	if len(states) > 0 {
		query += ` AND status IN (?` + strings.Repeat(", ?", len(states)-1) + `)`
		for _, s := range states {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at ASC, temp_id ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var (
			e       OutboxEntry
			payload string
		)
		if err := rows.Scan(&e.TempID, &e.ConversationID, &payload, &e.Status, &e.Attempts, &e.ErrorMessage, &e.ServerMsgID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Message); err != nil {
			return nil, fmt.Errorf("decode outbox %s: %w", e.TempID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
