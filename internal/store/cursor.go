package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/edgebridge/relay/internal/model"
)

// CursorStore persists the chat-source tailer's single watermark.
type CursorStore struct {
	db *sql.DB
}

func NewCursorStore(s *Store) *CursorStore {
	return &CursorStore{db: s.db}
}

// Get returns the persisted cursor, or 0 if none has been set yet.
func (c *CursorStore) Get(ctx context.Context) (int64, error) {
	var v int64
	err := c.db.QueryRowContext(ctx, `SELECT last_source_row_id FROM cursor_state WHERE id = 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read cursor: %v", model.ErrStorageCorrupt, err)
	}
	return v, nil
}

// Set persists the cursor, called only after the caller has accepted the
// whole batch (§4.3 step 5).
func (c *CursorStore) Set(ctx context.Context, rowID int64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cursor_state (id, last_source_row_id) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last_source_row_id = excluded.last_source_row_id
	`, rowID)
	if err != nil {
		return fmt.Errorf("%w: persist cursor: %v", model.ErrStorageCorrupt, err)
	}
	return nil
}
