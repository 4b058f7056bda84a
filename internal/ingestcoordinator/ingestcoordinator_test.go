package ingestcoordinator_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebridge/relay/internal/ingestcoordinator"
	"github.com/edgebridge/relay/internal/link"
	"github.com/edgebridge/relay/internal/model"
	"github.com/edgebridge/relay/internal/sendadapter"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubContexts struct {
	record model.ContextRecord
	found  bool
}

func (s *stubContexts) Get(ctx context.Context, threadID string) (model.ContextRecord, bool, error) {
	return s.record, s.found, nil
}

type stubAttachments struct {
	uploadErr error
}

func (s *stubAttachments) Enrich(refs []model.AttachmentRef) []model.AttachmentMetadata {
	out := make([]model.AttachmentMetadata, len(refs))
	for i, r := range refs {
		out[i] = model.AttachmentMetadata{GUID: r.GUID, MimeType: r.MimeType, Resolved: true}
	}
	return out
}

func (s *stubAttachments) Upload(ctx context.Context, ref model.AttachmentRef, snapshot *model.ContextRecord) (model.UploadedAttachment, error) {
	if s.uploadErr != nil {
		return model.UploadedAttachment{}, s.uploadErr
	}
	return model.UploadedAttachment{GUID: ref.GUID, RemotePhotoID: "remote-" + ref.GUID}, nil
}

// fakeChannel backs OrchestratorChannel with a real *link.Fallback
// pointed at an httptest server, since FallbackChannel returns a
// concrete type rather than an interface.
type fakeChannel struct {
	fallback *link.Fallback
}

func (f *fakeChannel) FallbackChannel() *link.Fallback { return f.fallback }

func newFakeChannel(t *testing.T, resp link.MessageResponse) (*fakeChannel, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	fb := link.NewFallback(srv.URL, "agent-1", "secret", 2*time.Second)
	return &fakeChannel{fallback: fb}, srv
}

type fakeSender struct {
	mu         sync.Mutex
	sent       []string
	burstCalls [][]string
	fail       bool
	timings    []time.Time
}

func (f *fakeSender) SendSingle(ctx context.Context, threadID, text string, isGroup bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.timings = append(f.timings, time.Now())
	if f.fail {
		return false, assert.AnError
	}
	return true, nil
}

func (f *fakeSender) SendBurst(ctx context.Context, threadID string, bubbles []string, isGroup, batched bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.burstCalls = append(f.burstCalls, bubbles)
	if f.fail {
		return false, assert.AnError
	}
	return true, nil
}

func (f *fakeSender) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSender) burstSnapshot() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.burstCalls))
	copy(out, f.burstCalls)
	return out
}

func TestProcessBatch_DispatchesReplyBubble(t *testing.T) {
	resp := link.MessageResponse{Accepted: true, ShouldRespond: true, ReplyBubbles: []string{"hi back"}}
	channel, _ := newFakeChannel(t, resp)
	sender := &fakeSender{}
	c := ingestcoordinator.New(&stubContexts{}, &stubAttachments{}, channel, sendadapter.New(sender), nil, nil, silentLogger())

	err := c.ProcessBatch(context.Background(), []model.InboundMessage{
		{ThreadID: "t1", SenderID: "s1", Text: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hi back"}, sender.snapshot())
}

func TestProcessBatch_ReflexMessageAndBurstMessagesCombine(t *testing.T) {
	resp := link.MessageResponse{
		Accepted:      true,
		ShouldRespond: true,
		ReflexMessage: "okie lemme see",
		BurstMessages: []string{"here you go", "details…"},
	}
	channel, _ := newFakeChannel(t, resp)
	sender := &fakeSender{}
	c := ingestcoordinator.New(&stubContexts{}, &stubAttachments{}, channel, sendadapter.New(sender), nil, nil, silentLogger())

	err := c.ProcessBatch(context.Background(), []model.InboundMessage{
		{ThreadID: "t1", SenderID: "s1", Text: "hello"},
	})
	require.NoError(t, err)
	require.Len(t, sender.burstSnapshot(), 1, "a multi-bubble reply must route through SendBurst, not a SendSingle loop")
	assert.Equal(t, []string{"okie lemme see", "here you go", "details…"}, sender.burstSnapshot()[0])
}

func TestProcessBatch_SuppressesTrackedReflexDuplicate(t *testing.T) {
	resp := link.MessageResponse{Accepted: true, ShouldRespond: true, ReplyBubbles: []string{"already sent"}}
	channel, _ := newFakeChannel(t, resp)
	sender := &fakeSender{}
	c := ingestcoordinator.New(&stubContexts{}, &stubAttachments{}, channel, sendadapter.New(sender), nil, nil, silentLogger())

	c.Track("t1", "already sent")

	err := c.ProcessBatch(context.Background(), []model.InboundMessage{
		{ThreadID: "t1", SenderID: "s1", Text: "hello"},
	})
	require.NoError(t, err)
	assert.Empty(t, sender.snapshot(), "a reflex already pushed over the bidirectional channel must not be re-sent")
	assert.Empty(t, sender.burstSnapshot())
}

func TestProcessBatch_NoReflexDispatchesNothing(t *testing.T) {
	resp := link.MessageResponse{Accepted: true, ShouldRespond: false}
	channel, _ := newFakeChannel(t, resp)
	sender := &fakeSender{}
	c := ingestcoordinator.New(&stubContexts{}, &stubAttachments{}, channel, sendadapter.New(sender), nil, nil, silentLogger())

	err := c.ProcessBatch(context.Background(), []model.InboundMessage{
		{ThreadID: "t1", SenderID: "s1", Text: "hello"},
	})
	require.NoError(t, err)
	assert.Empty(t, sender.snapshot())
	assert.Empty(t, sender.burstSnapshot())
}

func TestProcessBatch_ProcessesMultipleMessagesConcurrently(t *testing.T) {
	resp := link.MessageResponse{Accepted: true, ShouldRespond: true, ReplyBubbles: []string{"reply"}}
	channel, _ := newFakeChannel(t, resp)
	sender := &fakeSender{}
	c := ingestcoordinator.New(&stubContexts{}, &stubAttachments{}, channel, sendadapter.New(sender), nil, nil, silentLogger())

	batch := make([]model.InboundMessage, 5)
	for i := range batch {
		batch[i] = model.InboundMessage{ThreadID: "t1", SenderID: "s1", Text: "hello"}
	}
	err := c.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Len(t, sender.snapshot(), 5)
}

func TestProcessBatch_AttachmentUploadFailureIsNonFatal(t *testing.T) {
	resp := link.MessageResponse{Accepted: true, ShouldRespond: false}
	channel, _ := newFakeChannel(t, resp)
	sender := &fakeSender{}
	attachments := &stubAttachments{uploadErr: assert.AnError}
	c := ingestcoordinator.New(&stubContexts{}, attachments, channel, sendadapter.New(sender), nil, nil, silentLogger())

	err := c.ProcessBatch(context.Background(), []model.InboundMessage{
		{ThreadID: "t1", SenderID: "s1", Text: "hello", Attachments: []model.AttachmentRef{{GUID: "g1"}}},
	})
	require.NoError(t, err, "an attachment upload failure must not fail the batch")
}
