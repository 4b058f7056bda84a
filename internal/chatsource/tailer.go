// Package chatsource implements C3, a lazy, duplicate-free tailer over
// the external chat application's sqlite store.
package chatsource

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/edgebridge/relay/internal/model"
)

// appleEpoch is the reference instant the chat store's native timestamp
// ticks are offset from (2001-01-01 UTC), matching the real-world schema
// this component is grounded on.
var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

const batchLimit = 100

// CursorStore is the persistence capability this tailer needs; satisfied
// by *store.CursorStore.
type CursorStore interface {
	Get(ctx context.Context) (int64, error)
	Set(ctx context.Context, rowID int64) error
}

// Tailer reads new rows from the external chat store (§4.3).
type Tailer struct {
	logger          *slog.Logger
	db              *sql.DB
	cursor          CursorStore
	attachmentsRoot string
	groupPrefixes   []string
}

// Open opens the external chat store read-only (§5: "opened read-only;
// writes to it are never attempted") and initializes the cursor to the
// current max row id on first use (§4.3 "Initialization").
func Open(ctx context.Context, dbPath, attachmentsRoot string, cursor CursorStore, logger *slog.Logger) (*Tailer, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open chat store: %v", model.ErrExternalStore, err)
	}

	t := &Tailer{
		logger:          logger,
		db:              db,
		cursor:          cursor,
		attachmentsRoot: attachmentsRoot,
		groupPrefixes:   []string{"chat", "iMessage;+;chat"},
	}

	current, err := cursor.Get(ctx)
	if err != nil {
		return nil, err
	}
	if current == 0 {
		maxID, err := t.maxRowID(ctx)
		if err != nil {
			// Non-fatal per §4.3: if the query fails, leave the cursor
			// unset and retry initialization on the next poll.
			logger.Warn("failed to initialize cursor from max row id", "error", err)
		} else if err := cursor.Set(ctx, maxID); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func (t *Tailer) Close() error { return t.db.Close() }

func (t *Tailer) maxRowID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := t.db.QueryRowContext(ctx, `SELECT MAX(ROWID) FROM message`).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max.Int64, nil
}

// row is the flat shape one joined query result row takes before being
// classified into an InboundMessage.
type row struct {
	rowID      int64
	threadID   string
	senderID   sql.NullString
	text       sql.NullString
	dateTicks  int64
	isFromMe   bool
	isGroup    bool
	attachGUID sql.NullString
	attachMime sql.NullString
	attachPath sql.NullString
	attachSize sql.NullInt64
}

const query = `
SELECT
	m.ROWID,
	c.chat_identifier,
	h.id,
	m.text,
	m.date,
	m.is_from_me,
	c.style,
	a.guid,
	a.mime_type,
	a.filename,
	a.total_bytes
FROM message m
JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
JOIN chat c ON c.ROWID = cmj.chat_id
LEFT JOIN handle h ON h.ROWID = m.handle_id
LEFT JOIN message_attachment_join maj ON maj.message_id = m.ROWID
LEFT JOIN attachment a ON a.ROWID = maj.attachment_id
WHERE m.ROWID > ?
  AND m.is_from_me = 0
  AND (m.text IS NOT NULL OR a.guid IS NOT NULL)
ORDER BY m.ROWID ASC
LIMIT ?
`

// Poll returns the next batch of new inbound messages since the
// persisted cursor. It is not restartable: call it again for the next
// batch. On query error it returns an empty slice and logs; the cursor
// is left unchanged (§4.3).
//
// The cursor is NOT advanced here. A crash between Poll returning and
// the caller finishing work on the batch must not silently drop it, so
// the caller only advances the cursor — via Commit, using each
// message's SourceRowID — once it has actually processed the batch
// (§4.3 step 5's at-least-once guarantee).
func (t *Tailer) Poll(ctx context.Context) []model.InboundMessage {
	cursorVal, err := t.cursor.Get(ctx)
	if err != nil {
		t.logger.Error("failed to read cursor", "error", err)
		return nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := t.db.QueryContext(queryCtx, query, cursorVal, batchLimit)
	if err != nil {
		t.logger.Error("chat store poll query failed", "error", err)
		return nil
	}
	defer rows.Close()

	messages, _, err := t.collapseRows(rows, cursorVal)
	if err != nil {
		t.logger.Error("chat store poll scan failed", "error", err)
		return nil
	}
	return messages
}

// Commit advances the persisted cursor to rowID. Callers pass the
// highest SourceRowID among the messages they have successfully
// processed, once processing has actually succeeded — never ahead of
// it — so a crash mid-batch replays the batch on restart instead of
// dropping it.
func (t *Tailer) Commit(ctx context.Context, rowID int64) error {
	if err := t.cursor.Set(ctx, rowID); err != nil {
		return fmt.Errorf("failed to persist cursor after batch: %w", err)
	}
	return nil
}

func (t *Tailer) collapseRows(rows *sql.Rows, cursorVal int64) ([]model.InboundMessage, int64, error) {
	byRowID := map[int64]*model.InboundMessage{}
	order := []int64{}
	maxSeen := cursorVal

	for rows.Next() {
		var r row
		if err := rows.Scan(
			&r.rowID, &r.threadID, &r.senderID, &r.text, &r.dateTicks, &r.isFromMe,
			&r.isGroup, &r.attachGUID, &r.attachMime, &r.attachPath, &r.attachSize,
		); err != nil {
			return nil, maxSeen, err
		}

		if r.rowID > maxSeen {
			maxSeen = r.rowID
		}

		msg, ok := byRowID[r.rowID]
		if !ok {
			msg = &model.InboundMessage{
				SourceRowID: r.rowID,
				ThreadID:    r.threadID,
				SenderID:    senderIDOrUnknown(r.senderID),
				Text:        r.text.String,
				Timestamp:   fromAppleTicks(r.dateTicks),
				IsGroup:     t.classifyGroup(r.threadID),
			}
			byRowID[r.rowID] = msg
			order = append(order, r.rowID)
		}

		if r.attachGUID.Valid {
			msg.Attachments = append(msg.Attachments, model.AttachmentRef{
				GUID:         r.attachGUID.String,
				MimeType:     r.attachMime.String,
				SizeBytes:    r.attachSize.Int64,
				AbsolutePath: resolveAttachmentPath(t.attachmentsRoot, r.attachPath.String),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, maxSeen, err
	}

	out := make([]model.InboundMessage, 0, len(order))
	for _, id := range order {
		m := *byRowID[id]
		// §3 invariant: messages with neither text nor an attachment are
		// filtered out.
		if m.HasContent() {
			out = append(out, m)
		}
	}
	return out, maxSeen, nil
}

func senderIDOrUnknown(s sql.NullString) string {
	if s.Valid && s.String != "" {
		return s.String
	}
	return "unknown"
}

func fromAppleTicks(ticks int64) time.Time {
	// Modern chat-store schemas store nanosecond ticks since appleEpoch;
	// older ones store seconds. A ticks value implausibly large to be
	// seconds-since-2001 is treated as nanoseconds.
	const secondsThreshold = 1 << 34
	if ticks > secondsThreshold {
		return appleEpoch.Add(time.Duration(ticks))
	}
	return appleEpoch.Add(time.Duration(ticks) * time.Second)
}

func (t *Tailer) classifyGroup(threadID string) bool {
	for _, prefix := range t.groupPrefixes {
		if strings.HasPrefix(threadID, prefix) && strings.Count(threadID, ";") >= 2 {
			return true
		}
	}
	return false
}

func resolveAttachmentPath(root, stored string) string {
	if stored == "" {
		return ""
	}
	if strings.HasPrefix(stored, "~/") && root != "" {
		return root + strings.TrimPrefix(stored, "~")
	}
	return stored
}
