// Package attachment implements C6, the attachment cache and uploader:
// resolving attachment metadata for the ingest payload, transcoding
// oversized/heavy formats down to an uploadable size, and caching the
// GUID→upload mapping so retries are idempotent.
package attachment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/edgebridge/relay/internal/model"
	"github.com/edgebridge/relay/internal/store"
)

// Uploader pushes normalized bytes to the orchestrator's photo endpoint
// under bearer auth and returns the remote photo id it was assigned.
// Implemented by C7 in the running system.
type Uploader interface {
	UploadPhoto(ctx context.Context, guid string, data []byte, mimeType string) (remotePhotoID string, err error)
}

// Transcoder downscales/reencodes bytes that exceed the size target.
// Separated from Uploader so tests can stub either independently.
type Transcoder interface {
	// Normalize returns bytes that are <= model.MaxNormalizedBytes, or
	// an error wrapping model.ErrAttachmentTooLarge if it cannot.
	Normalize(data []byte, mimeType string, maxLongestEdge int) ([]byte, error)
}

// Cache owns the attachment_cache table plus the enrich/upload/retry
// operations of §4.6.
type Cache struct {
	db         *sql.DB
	codec      *store.Codec
	uploader   Uploader
	transcoder Transcoder
	maxEdge    int
}

func New(s *store.Store, uploader Uploader, transcoder Transcoder, maxLongestEdge int) *Cache {
	return &Cache{
		db:         s.DB(),
		codec:      s.Codec(),
		uploader:   uploader,
		transcoder: transcoder,
		maxEdge:    maxLongestEdge,
	}
}

// Enrich inspects each ref, resolving its path on disk, and returns
// size/mime metadata without uploading (§4.6).
func (c *Cache) Enrich(refs []model.AttachmentRef) []model.AttachmentMetadata {
	out := make([]model.AttachmentMetadata, 0, len(refs))
	for _, ref := range refs {
		meta := model.AttachmentMetadata{GUID: ref.GUID, MimeType: ref.MimeType, SizeBytes: ref.SizeBytes}
		if info, err := os.Stat(ref.AbsolutePath); err == nil {
			meta.Resolved = true
			meta.SizeBytes = info.Size()
		}
		out = append(out, meta)
	}
	return out
}

// Upload is idempotent by guid: a prior successful row is returned
// as-is without re-reading the file or re-uploading.
func (c *Cache) Upload(ctx context.Context, ref model.AttachmentRef, snapshot *model.ContextRecord) (model.UploadedAttachment, error) {
	if err := c.recordRef(ctx, ref); err != nil {
		return model.UploadedAttachment{}, err
	}

	if existing, found, err := c.get(ctx, ref.GUID); err != nil {
		return model.UploadedAttachment{}, err
	} else if found {
		return existing, nil
	}

	data, err := os.ReadFile(ref.AbsolutePath)
	if err != nil {
		return model.UploadedAttachment{}, fmt.Errorf("%w: read attachment %s: %v", model.ErrTransportTerminal, ref.GUID, err)
	}

	transcoded := false
	if int64(len(data)) > model.MaxNormalizedBytes || isHeavyContainer(ref.MimeType) {
		normalized, err := c.transcoder.Normalize(data, ref.MimeType, c.maxEdge)
		if err != nil {
			return model.UploadedAttachment{}, err // already wraps ErrAttachmentTooLarge
		}
		if int64(len(normalized)) > model.MaxNormalizedBytes {
			return model.UploadedAttachment{}, fmt.Errorf("%w: guid %s normalized to %d bytes", model.ErrAttachmentTooLarge, ref.GUID, len(normalized))
		}
		data = normalized
		transcoded = true
	}

	remoteID, err := c.uploadWithRetry(ctx, ref.GUID, data, ref.MimeType)
	if err != nil {
		return model.UploadedAttachment{}, err
	}

	uploaded := model.UploadedAttachment{
		GUID:            ref.GUID,
		RemotePhotoID:   remoteID,
		UploadedAt:      time.Now().UTC(),
		Transcoded:      transcoded,
		NormalizedBytes: len(data),
		ContextSnapshot: snapshot,
	}
	if err := c.put(ctx, uploaded); err != nil {
		return model.UploadedAttachment{}, err
	}
	return uploaded, nil
}

// uploadWithRetry retries transient UploadFailed conditions with bounded
// exponential backoff, grounded on the store layer's own WithRetry shape.
func (c *Cache) uploadWithRetry(ctx context.Context, guid string, data []byte, mimeType string) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 30 * time.Second

	var remoteID string
	err := backoff.Retry(func() error {
		id, err := c.uploader.UploadPhoto(ctx, guid, data, mimeType)
		if err == nil {
			remoteID = id
			return nil
		}
		if errors.Is(err, model.ErrTransportAuth) || errors.Is(err, model.ErrTransportTerminal) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return "", fmt.Errorf("%w: upload %s: %v", model.ErrTransportRetryable, guid, err)
	}
	return remoteID, nil
}

// Retry re-reads the cache; if no successful upload exists and the
// source file is still resolvable, repeats Upload (§4.6).
func (c *Cache) Retry(ctx context.Context, ref model.AttachmentRef, snapshot *model.ContextRecord) (model.UploadedAttachment, error) {
	if existing, found, err := c.get(ctx, ref.GUID); err != nil {
		return model.UploadedAttachment{}, err
	} else if found {
		return existing, nil
	}
	if _, err := os.Stat(ref.AbsolutePath); err != nil {
		return model.UploadedAttachment{}, fmt.Errorf("%w: source file unresolvable for retry: %v", model.ErrNotFound, err)
	}
	return c.Upload(ctx, ref, snapshot)
}

// minRetryInterval is the per-guid rate gate the upload_retry command
// enforces (§4.10).
const minRetryInterval = 5 * time.Second

// RetryByGUID looks up the original attachment ref recorded by a prior
// Upload attempt (successful or not) and retries it, rate-gated to at
// most one attempt every minRetryInterval per guid. Used by the command
// executor, which only receives a bare guid in an upload_retry command.
func (c *Cache) RetryByGUID(ctx context.Context, guid string, snapshot *model.ContextRecord) (model.UploadedAttachment, error) {
	ref, lastRetry, found, err := c.getRef(ctx, guid)
	if err != nil {
		return model.UploadedAttachment{}, err
	}
	if !found {
		return model.UploadedAttachment{}, fmt.Errorf("%w: no attachment recorded for guid %s", model.ErrNotFound, guid)
	}
	if time.Since(lastRetry) < minRetryInterval {
		return model.UploadedAttachment{}, fmt.Errorf("%w: retry for guid %s within %s of the last attempt", model.ErrRateLimited, guid, minRetryInterval)
	}
	if err := c.stampRetry(ctx, guid); err != nil {
		return model.UploadedAttachment{}, err
	}
	return c.Retry(ctx, ref, snapshot)
}

func (c *Cache) stampRetry(ctx context.Context, guid string) error {
	return store.WithRetry(ctx, func() error {
		_, err := c.db.ExecContext(ctx, `UPDATE attachment_refs SET last_retry_at = ? WHERE guid = ?`, time.Now().Unix(), guid)
		if err != nil {
			return fmt.Errorf("%w: update attachment ref retry stamp: %v", model.ErrStorageCorrupt, err)
		}
		return nil
	})
}

// recordRef persists ref so a later upload_retry command (which carries
// only a guid) can recover the path/mime needed to retry it.
func (c *Cache) recordRef(ctx context.Context, ref model.AttachmentRef) error {
	return store.WithRetry(ctx, func() error {
		plain, err := json.Marshal(ref)
		if err != nil {
			return fmt.Errorf("%w: marshal attachment ref: %v", model.ErrStorageCorrupt, err)
		}
		blob, err := c.codec.Seal(plain)
		if err != nil {
			return err
		}
		_, err = c.db.ExecContext(ctx, `
			INSERT INTO attachment_refs (guid, blob, last_retry_at) VALUES (?, ?, 0)
			ON CONFLICT(guid) DO UPDATE SET blob = excluded.blob
		`, ref.GUID, blob)
		if err != nil {
			return fmt.Errorf("%w: write attachment ref: %v", model.ErrStorageCorrupt, err)
		}
		return nil
	})
}

func (c *Cache) getRef(ctx context.Context, guid string) (model.AttachmentRef, time.Time, bool, error) {
	var blob []byte
	var lastRetryUnix int64
	err := c.db.QueryRowContext(ctx, `SELECT blob, last_retry_at FROM attachment_refs WHERE guid = ?`, guid).Scan(&blob, &lastRetryUnix)
	if err == sql.ErrNoRows {
		return model.AttachmentRef{}, time.Time{}, false, nil
	}
	if err != nil {
		return model.AttachmentRef{}, time.Time{}, false, fmt.Errorf("%w: read attachment ref: %v", model.ErrStorageCorrupt, err)
	}
	plain, err := c.codec.Open(blob)
	if err != nil {
		return model.AttachmentRef{}, time.Time{}, false, err
	}
	var ref model.AttachmentRef
	if err := json.Unmarshal(plain, &ref); err != nil {
		return model.AttachmentRef{}, time.Time{}, false, fmt.Errorf("%w: unmarshal attachment ref: %v", model.ErrStorageCorrupt, err)
	}

	return ref, time.Unix(lastRetryUnix, 0), true, nil
}

func isHeavyContainer(mimeType string) bool {
	switch mimeType {
	case "image/heic", "image/heif", "image/heic-sequence":
		return true
	default:
		return false
	}
}

func (c *Cache) get(ctx context.Context, guid string) (model.UploadedAttachment, bool, error) {
	var blob []byte
	err := c.db.QueryRowContext(ctx, `SELECT blob FROM attachment_cache WHERE guid = ?`, guid).Scan(&blob)
	if err == sql.ErrNoRows {
		return model.UploadedAttachment{}, false, nil
	}
	if err != nil {
		return model.UploadedAttachment{}, false, fmt.Errorf("%w: read attachment cache: %v", model.ErrStorageCorrupt, err)
	}
	plain, err := c.codec.Open(blob)
	if err != nil {
		return model.UploadedAttachment{}, false, err
	}
	var uploaded model.UploadedAttachment
	if err := json.Unmarshal(plain, &uploaded); err != nil {
		return model.UploadedAttachment{}, false, fmt.Errorf("%w: unmarshal attachment cache: %v", model.ErrStorageCorrupt, err)
	}
	return uploaded, true, nil
}

func (c *Cache) put(ctx context.Context, uploaded model.UploadedAttachment) error {
	return store.WithRetry(ctx, func() error {
		plain, err := json.Marshal(uploaded)
		if err != nil {
			return fmt.Errorf("%w: marshal attachment cache: %v", model.ErrStorageCorrupt, err)
		}
		blob, err := c.codec.Seal(plain)
		if err != nil {
			return err
		}
		_, err = c.db.ExecContext(ctx, `
			INSERT INTO attachment_cache (guid, blob, uploaded_at) VALUES (?, ?, ?)
			ON CONFLICT(guid) DO UPDATE SET blob = excluded.blob, uploaded_at = excluded.uploaded_at
		`, uploaded.GUID, blob, uploaded.UploadedAt.Unix())
		if err != nil {
			return fmt.Errorf("%w: write attachment cache: %v", model.ErrStorageCorrupt, err)
		}
		return nil
	})
}
