// Package ingestcoordinator implements C8: the per-batch inbound
// pipeline joining C3's tailed messages to C6's attachment handling and
// C7's HTTP channel, then dispatching any reply bubbles via C4 while
// suppressing reflex duplicates already pushed down the bidirectional
// channel.
package ingestcoordinator

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/edgebridge/relay/internal/health"
	"github.com/edgebridge/relay/internal/link"
	"github.com/edgebridge/relay/internal/model"
	"github.com/edgebridge/relay/internal/sendadapter"
	"github.com/edgebridge/relay/internal/telemetry"
)

const (
	maxConcurrentMessages = 3
	reflexGuardTTL        = 60 * time.Second
	reflexGuardMaxEntries = 1000
)

// ContextGetter is satisfied by *chatcontext.Store's Get method.
type ContextGetter interface {
	Get(ctx context.Context, threadID string) (model.ContextRecord, bool, error)
}

// AttachmentEnricher is satisfied by *attachment.Cache.
type AttachmentEnricher interface {
	Enrich(refs []model.AttachmentRef) []model.AttachmentMetadata
	Upload(ctx context.Context, ref model.AttachmentRef, snapshot *model.ContextRecord) (model.UploadedAttachment, error)
}

// OrchestratorChannel is satisfied by *link.Link's fallback-backed
// message send; the ingest coordinator always uses the HTTP channel for
// /edge/message per §4.7 (the bidirectional channel is command-only).
type OrchestratorChannel interface {
	FallbackChannel() *link.Fallback
}

// ReflexTracker is satisfied by (*Coordinator)'s own guard, exposed here
// so C11 (which receives the bidirectional reflex push) can record it.
type ReflexTracker interface {
	Track(threadID, text string)
}

// Coordinator runs the per-batch ingest pipeline.
type Coordinator struct {
	logger      *slog.Logger
	contexts    ContextGetter
	attachments AttachmentEnricher
	link        OrchestratorChannel
	sender      *sendadapter.Adapter
	telemetry   *telemetry.Recorder
	metrics     *health.Recorder

	reflexGuard *lru.LRU[string, string] // thread_id -> last reflex text pushed over the bidirectional channel
}

func New(contexts ContextGetter, attachments AttachmentEnricher, l OrchestratorChannel, sender *sendadapter.Adapter, rec *telemetry.Recorder, metrics *health.Recorder, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger:      logger,
		contexts:    contexts,
		attachments: attachments,
		link:        l,
		sender:      sender,
		telemetry:   rec,
		metrics:     metrics,
		reflexGuard: lru.NewLRU[string, string](reflexGuardMaxEntries, nil, reflexGuardTTL),
	}
}

// Track records a reflex send_message_now command's text against its
// thread, for duplicate suppression in ProcessBatch (§4.8 step 4). C11
// calls this after each successful send_message_now send, whichever
// channel delivered the command.
func (c *Coordinator) Track(threadID, text string) {
	c.reflexGuard.Add(threadID, text)
}

// ProcessBatch runs the ingest pipeline over a batch from C3, processing
// up to maxConcurrentMessages messages in parallel (§4.8 "Concurrency").
func (c *Coordinator) ProcessBatch(ctx context.Context, batch []model.InboundMessage) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentMessages)

	for _, msg := range batch {
		msg := msg
		g.Go(func() error {
			c.processOne(gCtx, msg)
			return nil // per-message errors are contained, never abort the batch
		})
	}
	return g.Wait()
}

func (c *Coordinator) processOne(ctx context.Context, msg model.InboundMessage) {
	if c.telemetry != nil {
		c.telemetry.Emit(ctx, telemetry.EventMessageReceived)
	}
	c.metrics.MessageReceived()

	attachmentMeta := c.attachments.Enrich(msg.Attachments)
	contextRecord, found, err := c.contexts.Get(ctx, msg.ThreadID)
	if err != nil {
		c.logger.Error("ingest: failed to read context", "thread_id", msg.ThreadID, "error", err)
	}
	var contextPtr *model.ContextRecord
	if found {
		contextPtr = &contextRecord
	}

	for i, ref := range msg.Attachments {
		uploaded, err := c.attachments.Upload(ctx, ref, contextPtr)
		if err != nil {
			c.logger.Warn("ingest: attachment upload failed, sending original guid", "guid", ref.GUID, "error", err)
			continue // §4.8 step 2: non-fatal, payload keeps the original guid
		}
		attachmentMeta[i].GUID = uploaded.RemotePhotoID
	}

	payload := link.InboundPayload{
		ThreadID:     msg.ThreadID,
		SenderID:     msg.SenderID,
		Text:         msg.Text,
		IsGroup:      msg.IsGroup,
		Participants: msg.Participants,
		Attachments:  attachmentMeta,
		Context:      contextPtr,
	}

	resp, err := c.link.FallbackChannel().SendMessage(ctx, payload)
	if err != nil {
		c.logger.Warn("ingest: /edge/message failed, will surface on reconnect sync", "thread_id", msg.ThreadID, "error", err)
		return
	}

	bubbles := c.resolveBubbles(resp)
	bubbles = c.suppressReflexDuplicate(msg.ThreadID, bubbles)
	if len(bubbles) == 0 {
		return
	}

	c.dispatchBubbles(ctx, msg.ThreadID, msg.IsGroup, bubbles)
}

// resolveBubbles normalizes the three response shapes §4.8 step 3
// allows into one ordered bubble list: the reply_bubbles shorthand takes
// priority when present, otherwise a should_respond:true answer is
// assembled from an optional leading reflex_message followed by
// burst_messages.
func (c *Coordinator) resolveBubbles(resp link.MessageResponse) []string {
	if len(resp.ReplyBubbles) > 0 {
		return resp.ReplyBubbles
	}
	if !resp.ShouldRespond {
		return nil
	}
	var bubbles []string
	if resp.ReflexMessage != "" {
		bubbles = append(bubbles, resp.ReflexMessage)
	}
	bubbles = append(bubbles, resp.BurstMessages...)
	return bubbles
}

// suppressReflexDuplicate drops the first bubble if it matches a reflex
// already pushed over the bidirectional channel for this thread within
// the guard's TTL (§4.8 step 4).
func (c *Coordinator) suppressReflexDuplicate(threadID string, bubbles []string) []string {
	if len(bubbles) == 0 {
		return bubbles
	}
	tracked, ok := c.reflexGuard.Get(threadID)
	if !ok || tracked != bubbles[0] {
		return bubbles
	}
	c.reflexGuard.Remove(threadID)
	return bubbles[1:]
}

// dispatchBubbles sends a single bubble via send_single, or routes a
// multi-bubble reply through send_burst (unbatched, so the host driver
// emits each bubble as its own send with natural inter-bubble cadence,
// per §4.8).
func (c *Coordinator) dispatchBubbles(ctx context.Context, threadID string, isGroup bool, bubbles []string) {
	if len(bubbles) == 1 {
		ok, err := c.sender.SendSingle(ctx, threadID, bubbles[0], isGroup)
		c.emitSendOutcome(ctx, "single", err == nil && ok)
		return
	}

	ok, err := c.sender.SendBurst(ctx, threadID, bubbles, isGroup, false)
	if err != nil {
		c.logger.Warn("ingest: burst send failed", "thread_id", threadID, "bubble_count", len(bubbles), "error", err)
	}
	c.emitSendOutcome(ctx, "burst", err == nil && ok)
}

func (c *Coordinator) emitSendOutcome(ctx context.Context, bubbleType string, success bool) {
	if c.telemetry != nil {
		c.telemetry.MessageSent(ctx, bubbleType, success)
	}
	c.metrics.MessageSent(success)
}
