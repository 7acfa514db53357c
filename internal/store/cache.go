package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/inbox/internal/message"
)

// SchemaVersion tags every cached payload. Rows written with a newer version
// are treated as a cache miss.
const SchemaVersion = 1

// DefaultCap is the number of most recent messages kept per conversation.
const DefaultCap = 300

// CacheEntry summarizes one cached conversation.
type CacheEntry struct {
	ConversationID string
	SchemaVersion  int
	MessageCount   int
	NewestTS       int64
	OldestTS       int64
	UpdatedAt      int64
}

// Cache persists a bounded snapshot of each conversation's timeline.
type Cache struct {
	db  *DB
	cap int
}

// NewCache creates a cache keeping at most capacity messages per
// conversation. A non-positive capacity uses DefaultCap.
func NewCache(db *DB, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Cache{db: db, cap: capacity}
}

// Cap returns the per-conversation message limit.
func (c *Cache) Cap() int { return c.cap }

// Truncate sorts msgs and keeps the most recent n. The input is not modified.
func Truncate(msgs []message.Message, n int) []message.Message {
	out := make([]message.Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Clone()
	}
	message.Sort(out)
	if n >= 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Save replaces the cached snapshot of a conversation with the most recent
// Cap messages of msgs.
func (c *Cache) Save(ctx context.Context, conversationID string, msgs []message.Message) error {
	kept := Truncate(msgs, c.cap)
	payload, err := json.Marshal(kept)
	if err != nil {
		return fmt.Errorf("encode cache %s: %w", conversationID, err)
	}

	var newest, oldest int64
	for i := range kept {
		ts := kept[i].EffectiveTime()
		if ts > newest {
			newest = ts
		}
		if ts > 0 && (oldest == 0 || ts < oldest) {
			oldest = ts
		}
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO conversation_cache (conversation_id, schema_version, payload, message_count, newest_ts, oldest_ts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			payload = excluded.payload,
			message_count = excluded.message_count,
			newest_ts = excluded.newest_ts,
			oldest_ts = excluded.oldest_ts,
			updated_at = excluded.updated_at`,
		conversationID, SchemaVersion, string(payload), len(kept), newest, oldest, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save cache %s: %w", conversationID, err)
	}
	return nil
}

// Load returns the cached messages of a conversation, or nil when nothing
// usable is cached. Records that fail validation are skipped.
func (c *Cache) Load(ctx context.Context, conversationID string) ([]message.Message, error) {
	var (
		version int
		payload string
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT schema_version, payload FROM conversation_cache WHERE conversation_id = ?`,
		conversationID).Scan(&version, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cache %s: %w", conversationID, err)
	}
	if version > SchemaVersion {
		return nil, nil
	}

	var raw []message.Message
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("decode cache %s: %w", conversationID, err)
	}
	msgs := raw[:0]
	for _, m := range raw {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if m.ConversationID != conversationID || m.Validate() != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Delete drops the cached snapshot of a conversation.
func (c *Cache) Delete(ctx context.Context, conversationID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM conversation_cache WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete cache %s: %w", conversationID, err)
	}
	return nil
}

// Entries lists every cached conversation, most recently updated first.
func (c *Cache) Entries(ctx context.Context) ([]CacheEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT conversation_id, schema_version, message_count, newest_ts, oldest_ts, updated_at
		FROM conversation_cache
		ORDER BY updated_at DESC, conversation_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list cache: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []CacheEntry
	for rows.Next() {
		var e CacheEntry
		if err := rows.Scan(&e.ConversationID, &e.SchemaVersion, &e.MessageCount, &e.NewestTS, &e.OldestTS, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
