// Package store implements C2, the encrypted-at-rest embedded relational
// store shared by the context store, attachment cache, scheduler, and
// rule/plan store. Every blob column is AEAD-encrypted under the key
// C1 derives; sqlite itself handles the relational/transactional layer.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/edgebridge/relay/internal/model"
)

// Store wraps a single *sql.DB handle with the locking/retry policy §5
// requires: a single handle with internal locking, serialized writes,
// concurrent reads, no long-lived transactions.
type Store struct {
	db    *sql.DB
	codec *Codec
}

// Open opens (creating if absent) the sqlite file at path and runs the
// schema migration. WithRetry bounds how long a Locked condition is
// retried before being propagated (§4.2: "up to 5 s").
func Open(ctx context.Context, path string, key []byte) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", model.ErrStorageCorrupt, path, err)
	}
	db.SetMaxOpenConns(1) // single-writer sqlite; internal locking per §5

	codec, err := NewCodec(key)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, codec: codec}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS cursor_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_source_row_id INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_contexts (
	thread_id TEXT PRIMARY KEY,
	blob BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS attachment_cache (
	guid TEXT PRIMARY KEY,
	blob BLOB NOT NULL,
	uploaded_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS attachment_refs (
	guid TEXT PRIMARY KEY,
	blob BLOB NOT NULL,
	last_retry_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS scheduled_messages (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	send_at INTEGER NOT NULL,
	status TEXT NOT NULL,
	blob BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_status_send_at ON scheduled_messages(status, send_at);
CREATE TABLE IF NOT EXISTS rules (
	id TEXT PRIMARY KEY,
	blob BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS plans (
	thread_id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	blob BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: migrate: %v", model.ErrStorageCorrupt, err)
	}
	return nil
}

// WithRetry runs fn, retrying on a Locked condition with bounded
// exponential backoff capped at 5s total, per §4.2. Grounded on
// steveyegge-beads' backoff.Retry use around its own storage layer.
func WithRetry(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isSQLiteBusy(err) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

func isSQLiteBusy(err error) bool {
	// go-sqlite3 reports SQLITE_BUSY/SQLITE_LOCKED through its own error
	// type; a string check keeps this package decoupled from that type
	// while still catching both codes.
	msg := err.Error()
	for _, sub := range []string{"SQLITE_BUSY", "SQLITE_LOCKED", "database is locked"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

// DB exposes the underlying handle for package-internal stores (context,
// attachment, scheduler, rules) that live alongside this one.
func (s *Store) DB() *sql.DB { return s.db }

// Codec exposes the AEAD codec for package-internal stores.
func (s *Store) Codec() *Codec { return s.codec }
