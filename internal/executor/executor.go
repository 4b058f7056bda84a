// Package executor implements C11: the single serializing consumer of
// orchestrator commands. It validates each payload, routes it to the
// owning component (C5/C6/C9/C10/C4), and reports exactly one
// command_ack back over C7 — grounded on the teacher's
// internal/handler/amqp/bind.go Bind[T] pattern (panic recovery, decode,
// dispatch, ack), adapted from AMQP delivery frames to the internal bus
// envelope internal/bus carries.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-playground/validator/v10"

	"github.com/edgebridge/relay/internal/chatcontext"
	"github.com/edgebridge/relay/internal/config"
	"github.com/edgebridge/relay/internal/health"
	"github.com/edgebridge/relay/internal/ingestcoordinator"
	"github.com/edgebridge/relay/internal/model"
	"github.com/edgebridge/relay/internal/rules"
	"github.com/edgebridge/relay/internal/scheduler"
	"github.com/edgebridge/relay/internal/sendadapter"
	"github.com/edgebridge/relay/internal/telemetry"
)

const (
	normalQueueCapacity    = 256
	immediateQueueCapacity = 64
	maxScheduleHorizon     = 365 * 24 * time.Hour
)

// AttachmentRetrier is satisfied by *attachment.Cache. upload_retry
// commands only carry a bare guid, so recovery of the original ref is
// the cache's job, not the executor's.
type AttachmentRetrier interface {
	RetryByGUID(ctx context.Context, guid string, snapshot *model.ContextRecord) (model.UploadedAttachment, error)
}

// Acker is satisfied by *link.Link. Implemented as an interface so tests
// can assert on acks without standing up a websocket/HTTP server.
type Acker interface {
	AckCommand(ctx context.Context, commandID string, status model.AckStatus, errMsg string) error
}

// Executor owns the single goroutine that drains the priority command
// queues and applies each command to its owning component.
type Executor struct {
	logger   *slog.Logger
	validate *validator.Validate

	scheduler   *scheduler.Scheduler
	contexts    *chatcontext.Store
	attachments AttachmentRetrier
	rules       *rules.Store
	sender      *sendadapter.Adapter
	reflex      ingestcoordinator.ReflexTracker
	acker       Acker
	telemetry   *telemetry.Recorder
	metrics     *health.Recorder

	normalCh    chan model.OrchestratorCommand
	immediateCh chan model.OrchestratorCommand

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func New(
	sched *scheduler.Scheduler,
	contexts *chatcontext.Store,
	attachments AttachmentRetrier,
	ruleStore *rules.Store,
	sender *sendadapter.Adapter,
	reflex ingestcoordinator.ReflexTracker,
	acker Acker,
	rec *telemetry.Recorder,
	metrics *health.Recorder,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		logger:      logger,
		validate:    config.NewValidator(),
		scheduler:   sched,
		contexts:    contexts,
		attachments: attachments,
		rules:       ruleStore,
		sender:      sender,
		reflex:      reflex,
		acker:       acker,
		telemetry:   rec,
		metrics:     metrics,
		normalCh:    make(chan model.OrchestratorCommand, normalQueueCapacity),
		immediateCh: make(chan model.OrchestratorCommand, immediateQueueCapacity),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the single consumer goroutine.
func (e *Executor) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		go e.run(ctx)
	})
}

func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		<-e.doneCh
	})
}

// Enqueue places cmd on the priority queue matching its CommandPriority.
// Immediate commands cut in front of whatever is still pending in the
// normal queue, but never preempt a command already in flight — the
// consumer goroutine below is single-threaded, so "in flight" and
// "being drained from a channel" are the same thing.
//
// This is also the shape the orchestrator link's CommandHandler expects
// (func(ctx, cmd)), so Enqueue can be passed directly as link.New's onCmd.
func (e *Executor) Enqueue(ctx context.Context, cmd model.OrchestratorCommand) {
	ch := e.normalCh
	if cmd.Priority == model.PriorityImmediate {
		ch = e.immediateCh
	}
	select {
	case ch <- cmd:
	default:
		e.logger.Error("executor: command queue full, dropping command",
			"command_id", cmd.CommandID, "type", cmd.Type, "priority", cmd.Priority)
		if e.telemetry != nil {
			e.telemetry.ErrorOccurred(ctx, "queue_overflow", "executor")
		}
	}
}

// BusHandler adapts Enqueue to the bus's watermill handler shape, so the
// executor can also be wired as the commands-topic consumer described in
// the internal bus's topology. A malformed envelope is logged and
// acknowledged rather than redelivered indefinitely, matching Bind[T]'s
// decode-failure handling.
func (e *Executor) BusHandler(msg *message.Message) error {
	var cmd model.OrchestratorCommand
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		e.logger.Warn("executor: dropping malformed command envelope", "error", err)
		return nil
	}
	e.Enqueue(msg.Context(), cmd)
	return nil
}

// run is the single owner goroutine. Mirrors the scheduler's single-
// owner-goroutine shape (internal/scheduler): every side effect of
// command execution happens here, so nothing about dispatch needs a
// mutex.
func (e *Executor) run(ctx context.Context) {
	defer close(e.doneCh)

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case cmd := <-e.immediateCh:
			e.handle(ctx, cmd)
			continue
		default:
		}

		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case cmd := <-e.immediateCh:
			e.handle(ctx, cmd)
		case cmd := <-e.normalCh:
			e.handle(ctx, cmd)
		}
	}
}

// handle dispatches cmd and reports exactly one ack, recovering from any
// panic a handler raises so one bad command can never wedge the consumer
// goroutine — the same guarantee Bind[T]'s defer recover() gives AMQP
// deliveries.
func (e *Executor) handle(ctx context.Context, cmd model.OrchestratorCommand) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor: panic recovered handling command",
				"command_id", cmd.CommandID, "type", cmd.Type, "panic", r, "stack", string(debug.Stack()))
			e.finish(ctx, cmd, model.AckFailed, "internal error", start)
		}
	}()

	status, errMsg := e.dispatch(ctx, cmd)
	e.finish(ctx, cmd, status, errMsg, start)
}

func (e *Executor) finish(ctx context.Context, cmd model.OrchestratorCommand, status model.AckStatus, errMsg string, start time.Time) {
	if e.telemetry != nil {
		e.telemetry.CommandProcessed(ctx, string(cmd.Type), status == model.AckCompleted, time.Since(start).Milliseconds())
	}
	e.metrics.CommandProcessed(status == model.AckCompleted)
	if err := e.acker.AckCommand(ctx, cmd.CommandID, status, errMsg); err != nil {
		e.logger.Error("executor: failed to send command_ack", "command_id", cmd.CommandID, "error", err)
	}
}

// dispatch validates the payload, then routes by command type. The
// returned error string is diagnostic only — it is never the bearer
// secret or any transport credential, since none of the handlers below
// ever forward one into an error value.
func (e *Executor) dispatch(ctx context.Context, cmd model.OrchestratorCommand) (model.AckStatus, string) {
	if err := e.validate.Struct(cmd.Payload); err != nil {
		return model.AckFailed, fmt.Sprintf("validation failed: %v", err)
	}

	switch cmd.Type {
	case model.CommandSendMessageNow:
		return e.handleSendMessageNow(ctx, cmd)
	case model.CommandScheduleMessage:
		return e.handleScheduleMessage(ctx, cmd)
	case model.CommandCancelScheduled:
		return e.handleCancelScheduled(ctx, cmd)
	case model.CommandSetRule:
		return e.handleSetRule(ctx, cmd)
	case model.CommandUpdatePlan:
		return e.handleUpdatePlan(ctx, cmd)
	case model.CommandContextUpdate:
		return e.handleContextUpdate(ctx, cmd)
	case model.CommandContextReset:
		return e.handleContextReset(ctx, cmd)
	case model.CommandUploadRetry:
		return e.handleUploadRetry(ctx, cmd)
	case model.CommandEmitEvent:
		return e.handleEmitEvent(ctx, cmd)
	default:
		return model.AckFailed, fmt.Sprintf("unknown command type %q", cmd.Type)
	}
}

func (e *Executor) handleSendMessageNow(ctx context.Context, cmd model.OrchestratorCommand) (model.AckStatus, string) {
	p, ok := cmd.Payload.(*model.SendMessageNowPayload)
	if !ok {
		return model.AckFailed, "payload type mismatch for send_message_now"
	}
	ok2, err := e.sender.SendSingle(ctx, p.ThreadID, p.Text, p.IsGroup)
	if err != nil {
		return model.AckFailed, err.Error()
	}
	if !ok2 {
		return model.AckFailed, "send was not accepted"
	}
	// Recording the sent text lets C8's ReflexGuard drop the same text
	// if it comes back as the first bubble of an /edge/message reply for
	// this thread, so it is not sent a second time (§4.8).
	if e.reflex != nil {
		e.reflex.Track(p.ThreadID, p.Text)
	}
	return model.AckCompleted, ""
}

func (e *Executor) handleScheduleMessage(ctx context.Context, cmd model.OrchestratorCommand) (model.AckStatus, string) {
	p, ok := cmd.Payload.(*model.ScheduleMessagePayload)
	if !ok {
		return model.AckFailed, "payload type mismatch for schedule_message"
	}
	now := time.Now().UTC()
	sendAt := p.SendAt.UTC()
	if sendAt.Before(now) || sendAt.After(now.Add(maxScheduleHorizon)) {
		return model.AckFailed, "send_at is outside the allowed [now, now+1y] window"
	}
	if _, err := e.scheduler.Schedule(ctx, p.ThreadID, p.MessageText, sendAt, p.IsGroup, cmd.CommandID); err != nil {
		return model.AckFailed, err.Error()
	}
	return model.AckCompleted, ""
}

func (e *Executor) handleCancelScheduled(ctx context.Context, cmd model.OrchestratorCommand) (model.AckStatus, string) {
	p, ok := cmd.Payload.(*model.CancelScheduledPayload)
	if !ok {
		return model.AckFailed, "payload type mismatch for cancel_scheduled"
	}
	cancelled, err := e.scheduler.Cancel(ctx, p.ScheduleID)
	if err != nil {
		return model.AckFailed, err.Error()
	}
	if !cancelled {
		return model.AckFailed, "schedule was not pending"
	}
	return model.AckCompleted, ""
}

func (e *Executor) handleSetRule(ctx context.Context, cmd model.OrchestratorCommand) (model.AckStatus, string) {
	p, ok := cmd.Payload.(*model.SetRulePayload)
	if !ok {
		return model.AckFailed, "payload type mismatch for set_rule"
	}
	if _, err := e.rules.SetRule(ctx, p.Rule); err != nil {
		return model.AckFailed, err.Error()
	}
	return model.AckCompleted, ""
}

func (e *Executor) handleUpdatePlan(ctx context.Context, cmd model.OrchestratorCommand) (model.AckStatus, string) {
	p, ok := cmd.Payload.(*model.UpdatePlanPayload)
	if !ok {
		return model.AckFailed, "payload type mismatch for update_plan"
	}
	if _, err := e.rules.UpdatePlan(ctx, p.ThreadID, p.Data); err != nil {
		return model.AckFailed, err.Error()
	}
	return model.AckCompleted, ""
}

func (e *Executor) handleContextUpdate(ctx context.Context, cmd model.OrchestratorCommand) (model.AckStatus, string) {
	p, ok := cmd.Payload.(*model.ContextUpdatePayload)
	if !ok {
		return model.AckFailed, "payload type mismatch for context_update"
	}
	existing, found, err := e.contexts.Get(ctx, p.ThreadID)
	if err != nil {
		return model.AckFailed, err.Error()
	}
	record := existing
	record.ThreadID = p.ThreadID
	if !found {
		record.State = model.ContextActive
	}
	if p.AppID != "" {
		record.AppID = p.AppID
	}
	if p.RoomID != "" {
		record.RoomID = p.RoomID
	}
	if p.Metadata != nil {
		record.Metadata = p.Metadata
	}
	if err := e.contexts.Upsert(ctx, record); err != nil {
		return model.AckFailed, err.Error()
	}
	return model.AckCompleted, ""
}

func (e *Executor) handleContextReset(ctx context.Context, cmd model.OrchestratorCommand) (model.AckStatus, string) {
	p, ok := cmd.Payload.(*model.ContextResetPayload)
	if !ok {
		return model.AckFailed, "payload type mismatch for context_reset"
	}
	if err := e.contexts.Clear(ctx, p.ThreadID, p.Reason); err != nil {
		return model.AckFailed, err.Error()
	}
	return model.AckCompleted, ""
}

func (e *Executor) handleUploadRetry(ctx context.Context, cmd model.OrchestratorCommand) (model.AckStatus, string) {
	p, ok := cmd.Payload.(*model.UploadRetryPayload)
	if !ok {
		return model.AckFailed, "payload type mismatch for upload_retry"
	}
	if _, err := e.attachments.RetryByGUID(ctx, p.GUID, nil); err != nil {
		if errors.Is(err, model.ErrRateLimited) {
			return model.AckPending, err.Error()
		}
		return model.AckFailed, err.Error()
	}
	return model.AckCompleted, ""
}

func (e *Executor) handleEmitEvent(ctx context.Context, cmd model.OrchestratorCommand) (model.AckStatus, string) {
	p, ok := cmd.Payload.(*model.EmitEventPayload)
	if !ok {
		return model.AckFailed, "payload type mismatch for emit_event"
	}
	if e.telemetry != nil {
		e.telemetry.Emit(ctx, p.Name)
	}
	return model.AckCompleted, ""
}
