package attachment_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebridge/relay/internal/attachment"
	"github.com/edgebridge/relay/internal/model"
	"github.com/edgebridge/relay/internal/store"
)

type fakeUploader struct {
	calls int
	fail  error
	id    string
}

func (f *fakeUploader) UploadPhoto(ctx context.Context, guid string, data []byte, mimeType string) (string, error) {
	f.calls++
	if f.fail != nil {
		return "", f.fail
	}
	return f.id, nil
}

type passthroughTranscoder struct{ result []byte }

func (p passthroughTranscoder) Normalize(data []byte, mimeType string, maxLongestEdge int) ([]byte, error) {
	return p.result, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	key := make([]byte, 32)
	s, err := store.Open(context.Background(), t.TempDir()+"/state.db", key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "attachment.bin")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestUpload_SmallFileSkipsTranscode(t *testing.T) {
	uploader := &fakeUploader{id: "remote-1"}
	c := attachment.New(openTestStore(t), uploader, passthroughTranscoder{}, 2048)

	path := writeTempFile(t, []byte("small payload"))
	ref := model.AttachmentRef{GUID: "g1", MimeType: "image/jpeg", AbsolutePath: path}

	uploaded, err := c.Upload(context.Background(), ref, nil)
	require.NoError(t, err)
	assert.False(t, uploaded.Transcoded)
	assert.Equal(t, "remote-1", uploaded.RemotePhotoID)
	assert.Equal(t, 1, uploader.calls)
}

func TestUpload_IsIdempotentByGUID(t *testing.T) {
	uploader := &fakeUploader{id: "remote-1"}
	c := attachment.New(openTestStore(t), uploader, passthroughTranscoder{}, 2048)

	path := writeTempFile(t, []byte("payload"))
	ref := model.AttachmentRef{GUID: "g1", MimeType: "image/jpeg", AbsolutePath: path}

	_, err := c.Upload(context.Background(), ref, nil)
	require.NoError(t, err)

	_, err = c.Upload(context.Background(), ref, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, uploader.calls, "second upload must hit the cache, not re-upload")
}

func TestUpload_TranscodesHeavyContainer(t *testing.T) {
	uploader := &fakeUploader{id: "remote-2"}
	small := []byte("normalized")
	c := attachment.New(openTestStore(t), uploader, passthroughTranscoder{result: small}, 2048)

	path := writeTempFile(t, make([]byte, 10))
	ref := model.AttachmentRef{GUID: "g2", MimeType: "image/heic", AbsolutePath: path}

	uploaded, err := c.Upload(context.Background(), ref, nil)
	require.NoError(t, err)
	assert.True(t, uploaded.Transcoded)
	assert.Equal(t, len(small), uploaded.NormalizedBytes)
}

func TestUpload_TerminalTransportErrorNotRetried(t *testing.T) {
	uploader := &fakeUploader{fail: model.ErrTransportAuth}
	c := attachment.New(openTestStore(t), uploader, passthroughTranscoder{}, 2048)

	path := writeTempFile(t, []byte("payload"))
	ref := model.AttachmentRef{GUID: "g3", MimeType: "image/jpeg", AbsolutePath: path}

	_, err := c.Upload(context.Background(), ref, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrTransportRetryable))
	assert.Equal(t, 1, uploader.calls, "auth failure must not be retried")
}

func TestRetry_FailsWhenSourceFileGone(t *testing.T) {
	c := attachment.New(openTestStore(t), &fakeUploader{}, passthroughTranscoder{}, 2048)
	ref := model.AttachmentRef{GUID: "missing", MimeType: "image/jpeg", AbsolutePath: "/nonexistent/path.jpg"}

	_, err := c.Retry(context.Background(), ref, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestRetryByGUID_RecoversRefFromPriorUploadAttempt(t *testing.T) {
	uploader := &fakeUploader{fail: model.ErrTransportRetryable}
	c := attachment.New(openTestStore(t), uploader, passthroughTranscoder{}, 2048)

	path := writeTempFile(t, []byte("payload"))
	ref := model.AttachmentRef{GUID: "g4", MimeType: "image/jpeg", AbsolutePath: path}

	_, err := c.Upload(context.Background(), ref, nil)
	require.Error(t, err, "upload must fail so the guid is not yet cached as successful")

	uploader.fail = nil
	uploader.id = "remote-4"
	uploaded, err := c.RetryByGUID(context.Background(), "g4", nil)
	require.NoError(t, err)
	assert.Equal(t, "remote-4", uploaded.RemotePhotoID)
}

func TestRetryByGUID_RateGatesRepeatedAttempts(t *testing.T) {
	uploader := &fakeUploader{fail: model.ErrTransportTerminal}
	c := attachment.New(openTestStore(t), uploader, passthroughTranscoder{}, 2048)

	path := writeTempFile(t, []byte("payload"))
	ref := model.AttachmentRef{GUID: "g5", MimeType: "image/jpeg", AbsolutePath: path}
	_, _ = c.Upload(context.Background(), ref, nil)

	_, err := c.RetryByGUID(context.Background(), "g5", nil)
	require.Error(t, err)

	_, err = c.RetryByGUID(context.Background(), "g5", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrRateLimited), "a second retry within the gate window must be rate limited")
}

func TestRetryByGUID_UnknownGUIDReturnsNotFound(t *testing.T) {
	c := attachment.New(openTestStore(t), &fakeUploader{}, passthroughTranscoder{}, 2048)

	_, err := c.RetryByGUID(context.Background(), "never-seen", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestEnrich_MarksUnresolvedWhenFileMissing(t *testing.T) {
	c := attachment.New(openTestStore(t), &fakeUploader{}, passthroughTranscoder{}, 2048)
	refs := []model.AttachmentRef{{GUID: "g1", MimeType: "image/jpeg", AbsolutePath: "/nonexistent"}}

	meta := c.Enrich(refs)
	require.Len(t, meta, 1)
	assert.False(t, meta[0].Resolved)
}
