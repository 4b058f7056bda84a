package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/edgebridge/relay/internal/model"
	"github.com/edgebridge/relay/internal/store"
)

// rowStore is the raw persistence layer over the scheduled_messages
// table, separated from the adaptive-wake goroutine in scheduler.go so
// the claim/read paths have no dependency on the running timer.
type rowStore struct {
	db    *sql.DB
	codec *store.Codec
}

func newRowStore(s *store.Store) *rowStore {
	return &rowStore{db: s.DB(), codec: s.Codec()}
}

func (r *rowStore) insert(ctx context.Context, entry model.ScheduledEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now().UTC()
	entry.Status = model.ScheduledPending

	return store.WithRetry(ctx, func() error {
		plain, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("%w: marshal scheduled entry: %v", model.ErrStorageCorrupt, err)
		}
		blob, err := r.codec.Seal(plain)
		if err != nil {
			return err
		}
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO scheduled_messages (id, thread_id, send_at, status, blob, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, entry.ID, entry.ThreadID, entry.SendAt.UnixMilli(), entry.Status, blob, entry.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("%w: insert scheduled entry: %v", model.ErrStorageCorrupt, err)
		}
		return nil
	})
}

// cancel transitions a pending row to cancelled, returning false if the
// row was not pending (already sent/failed/cancelled, or nonexistent).
func (r *rowStore) cancel(ctx context.Context, id string) (bool, error) {
	entry, found, err := r.get(ctx, id)
	if err != nil || !found || entry.Status != model.ScheduledPending {
		return false, err
	}
	entry.Status = model.ScheduledCancelled

	var affected int64
	err = store.WithRetry(ctx, func() error {
		plain, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("%w: marshal scheduled entry: %v", model.ErrStorageCorrupt, err)
		}
		blob, err := r.codec.Seal(plain)
		if err != nil {
			return err
		}
		res, err := r.db.ExecContext(ctx, `
			UPDATE scheduled_messages SET status = ?, blob = ? WHERE id = ? AND status = 'pending'
		`, model.ScheduledCancelled, blob, id)
		if err != nil {
			return fmt.Errorf("%w: cancel scheduled entry: %v", model.ErrStorageCorrupt, err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *rowStore) get(ctx context.Context, id string) (model.ScheduledEntry, bool, error) {
	var blob []byte
	err := r.db.QueryRowContext(ctx, `SELECT blob FROM scheduled_messages WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return model.ScheduledEntry{}, false, nil
	}
	if err != nil {
		return model.ScheduledEntry{}, false, fmt.Errorf("%w: read scheduled entry: %v", model.ErrStorageCorrupt, err)
	}
	entry, err := r.decode(blob)
	if err != nil {
		return model.ScheduledEntry{}, false, err
	}
	return entry, true, nil
}

func (r *rowStore) decode(blob []byte) (model.ScheduledEntry, error) {
	plain, err := r.codec.Open(blob)
	if err != nil {
		return model.ScheduledEntry{}, err
	}
	var entry model.ScheduledEntry
	if err := json.Unmarshal(plain, &entry); err != nil {
		return model.ScheduledEntry{}, fmt.Errorf("%w: unmarshal scheduled entry: %v", model.ErrStorageCorrupt, err)
	}
	return entry, nil
}

func (r *rowStore) listPending(ctx context.Context) ([]model.ScheduledEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT blob FROM scheduled_messages WHERE status = 'pending' ORDER BY send_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list pending: %v", model.ErrStorageCorrupt, err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// dueNow returns pending entries with send_at <= now, ordered ASC — the
// candidate set for one execution sweep (§4.9 step 1).
func (r *rowStore) dueNow(ctx context.Context, now time.Time) ([]model.ScheduledEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT blob FROM scheduled_messages WHERE status = 'pending' AND send_at <= ? ORDER BY send_at ASC
	`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("%w: query due entries: %v", model.ErrStorageCorrupt, err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

func (r *rowStore) scanAll(rows *sql.Rows) ([]model.ScheduledEntry, error) {
	var out []model.ScheduledEntry
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("%w: scan scheduled entry: %v", model.ErrStorageCorrupt, err)
		}
		entry, err := r.decode(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// earliestPendingSendAt returns the earliest send_at among pending rows,
// for the adaptive wake calculation.
func (r *rowStore) earliestPendingSendAt(ctx context.Context) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT MIN(send_at) FROM scheduled_messages WHERE status = 'pending'
	`).Scan(&ms)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: query earliest pending: %v", model.ErrStorageCorrupt, err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

// claim performs the atomic at-most-once claim of §4.9 step 2: only the
// caller whose UPDATE affects exactly one row may proceed to send. The
// blob is decoded and resealed with the updated status so Get() reflects
// ScheduledSent afterward, matching markFailed's pattern below.
func (r *rowStore) claim(ctx context.Context, id string) (bool, error) {
	entry, found, err := r.get(ctx, id)
	if err != nil || !found || entry.Status != model.ScheduledPending {
		return false, err
	}
	entry.Status = model.ScheduledSent

	var affected int64
	err = store.WithRetry(ctx, func() error {
		plain, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("%w: marshal scheduled entry: %v", model.ErrStorageCorrupt, err)
		}
		blob, err := r.codec.Seal(plain)
		if err != nil {
			return err
		}
		res, err := r.db.ExecContext(ctx, `
			UPDATE scheduled_messages SET status = ?, blob = ? WHERE id = ? AND status = 'pending'
		`, model.ScheduledSent, blob, id)
		if err != nil {
			return fmt.Errorf("%w: claim scheduled entry: %v", model.ErrStorageCorrupt, err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// markFailed records a send failure against a claimed row, regardless of
// its current status (§4.9 step 4).
func (r *rowStore) markFailed(ctx context.Context, id, errMsg string) error {
	entry, found, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	entry.Status = model.ScheduledFailed
	entry.Error = errMsg

	return store.WithRetry(ctx, func() error {
		plain, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("%w: marshal scheduled entry: %v", model.ErrStorageCorrupt, err)
		}
		blob, err := r.codec.Seal(plain)
		if err != nil {
			return err
		}
		_, err = r.db.ExecContext(ctx, `
			UPDATE scheduled_messages SET status = 'failed', blob = ? WHERE id = ?
		`, blob, id)
		if err != nil {
			return fmt.Errorf("%w: mark scheduled entry failed: %v", model.ErrStorageCorrupt, err)
		}
		return nil
	})
}

func (r *rowStore) stats(ctx context.Context) (model.SchedulerStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM scheduled_messages GROUP BY status
	`)
	if err != nil {
		return model.SchedulerStats{}, fmt.Errorf("%w: stats: %v", model.ErrStorageCorrupt, err)
	}
	defer rows.Close()

	var stats model.SchedulerStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return model.SchedulerStats{}, fmt.Errorf("%w: scan stats: %v", model.ErrStorageCorrupt, err)
		}
		switch model.ScheduledStatus(status) {
		case model.ScheduledPending:
			stats.Pending = count
		case model.ScheduledSent:
			stats.Sent = count
		case model.ScheduledFailed:
			stats.Failed = count
		case model.ScheduledCancelled:
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}
