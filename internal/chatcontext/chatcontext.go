// Package chatcontext implements C5, transactional CRUD over per-thread
// mini-app context records, persisted through C2's encrypted store.
package chatcontext

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgebridge/relay/internal/model"
	"github.com/edgebridge/relay/internal/store"
)

// Store owns the chat_contexts table. One row per thread_id, §4.5.
type Store struct {
	db    *sql.DB
	codec *store.Codec
}

func New(s *store.Store) *Store {
	return &Store{db: s.DB(), codec: s.Codec()}
}

// Upsert writes record, transitioning {none→active, active→active}.
func (s *Store) Upsert(ctx context.Context, record model.ContextRecord) error {
	record.UpdatedAt = time.Now().UTC()
	return s.write(ctx, record)
}

// Complete transitions a record to completed. Idempotent against an
// already-terminal record (§4.5).
func (s *Store) Complete(ctx context.Context, threadID, appID string) error {
	return s.transition(ctx, threadID, func(r *model.ContextRecord) {
		r.AppID = appID
		r.State = model.ContextCompleted
	})
}

// Clear transitions a record to cleared. reason is recorded in metadata
// for observability; idempotent against an already-terminal record.
func (s *Store) Clear(ctx context.Context, threadID, reason string) error {
	return s.transition(ctx, threadID, func(r *model.ContextRecord) {
		if r.Metadata == nil {
			r.Metadata = map[string]any{}
		}
		r.Metadata["clear_reason"] = reason
		r.State = model.ContextCleared
	})
}

// transition reads the current record (if any), applies mutate unless
// the record is already terminal, and writes it back in one transaction.
func (s *Store) transition(ctx context.Context, threadID string, mutate func(*model.ContextRecord)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", model.ErrStorageCorrupt, err)
	}
	defer tx.Rollback()

	existing, found, err := s.getTx(ctx, tx, threadID)
	if err != nil {
		return err
	}
	if found && existing.IsTerminal() {
		return nil // idempotent no-op
	}

	record := model.ContextRecord{ThreadID: threadID}
	if found {
		record = existing
	}
	mutate(&record)
	record.UpdatedAt = time.Now().UTC()

	if err := s.writeTx(ctx, tx, record); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", model.ErrStorageCorrupt, err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, record model.ContextRecord) error {
	return store.WithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: begin transaction: %v", model.ErrStorageCorrupt, err)
		}
		defer tx.Rollback()
		if err := s.writeTx(ctx, tx, record); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit: %v", model.ErrStorageCorrupt, err)
		}
		return nil
	})
}

func (s *Store) writeTx(ctx context.Context, tx *sql.Tx, record model.ContextRecord) error {
	plain, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: marshal context record: %v", model.ErrStorageCorrupt, err)
	}
	blob, err := s.codec.Seal(plain)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_contexts (thread_id, blob, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at
	`, record.ThreadID, blob, record.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("%w: write context record: %v", model.ErrStorageCorrupt, err)
	}
	return nil
}

// Get returns the context record for threadID, if any.
func (s *Store) Get(ctx context.Context, threadID string) (model.ContextRecord, bool, error) {
	return s.getTx(ctx, s.db, threadID)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getTx(ctx context.Context, q queryer, threadID string) (model.ContextRecord, bool, error) {
	var blob []byte
	err := q.QueryRowContext(ctx, `SELECT blob FROM chat_contexts WHERE thread_id = ?`, threadID).Scan(&blob)
	if err == sql.ErrNoRows {
		return model.ContextRecord{}, false, nil
	}
	if err != nil {
		return model.ContextRecord{}, false, fmt.Errorf("%w: read context record: %v", model.ErrStorageCorrupt, err)
	}
	record, err := s.decode(blob)
	if err != nil {
		return model.ContextRecord{}, false, err
	}
	return record, true, nil
}

func (s *Store) decode(blob []byte) (model.ContextRecord, error) {
	plain, err := s.codec.Open(blob)
	if err != nil {
		return model.ContextRecord{}, err
	}
	var record model.ContextRecord
	if err := json.Unmarshal(plain, &record); err != nil {
		return model.ContextRecord{}, fmt.Errorf("%w: unmarshal context record: %v", model.ErrStorageCorrupt, err)
	}
	return record, nil
}

// List returns every context record, unordered.
func (s *Store) List(ctx context.Context) ([]model.ContextRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT blob FROM chat_contexts`)
	if err != nil {
		return nil, fmt.Errorf("%w: list context records: %v", model.ErrStorageCorrupt, err)
	}
	defer rows.Close()

	var out []model.ContextRecord
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("%w: scan context record: %v", model.ErrStorageCorrupt, err)
		}
		record, err := s.decode(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate context records: %v", model.ErrStorageCorrupt, err)
	}
	return out, nil
}
