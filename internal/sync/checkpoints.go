package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/inbox/internal/store"
)

// Checkpoints persists sync cursors in the sync_state table.
type Checkpoints struct {
	db *store.DB
}

// NewCheckpoints creates a checkpoint store on db.
func NewCheckpoints(db *store.DB) *Checkpoints {
	return &Checkpoints{db: db}
}

// Get retrieves a checkpoint value. ok is false when none was stored.
func (c *Checkpoints) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	err = c.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func highWaterKey(conversationID string) string {
	return "last_server_time:" + conversationID
}

// LastServerTime returns the resume cursor of a conversation, or 0.
func (c *Checkpoints) LastServerTime(ctx context.Context, conversationID string) (int64, error) {
	v, ok, err := c.Get(ctx, highWaterKey(conversationID))
	if err != nil || !ok {
		return 0, err
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("checkpoint %s: %w", conversationID, err)
	}
	return ts, nil
}

// AdvanceServerTime raises the resume cursor of a conversation to ts. A
// lower value never moves it back.
func (c *Checkpoints) AdvanceServerTime(ctx context.Context, conversationID string, ts int64) error {
	now := time.Now().UnixMilli()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE WHEN CAST(excluded.value AS INTEGER) > CAST(sync_state.value AS INTEGER)
				THEN excluded.value ELSE sync_state.value END,
			updated_at = excluded.updated_at`,
		highWaterKey(conversationID), strconv.FormatInt(ts, 10), now)
	return err
}
