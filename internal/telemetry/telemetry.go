// Package telemetry emits the named observability events of §6.5 as
// spans/span-events on an OpenTelemetry tracer. The destination is
// external and out of scope; this package only shapes the events.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Recorder emits named events. Grounded on steveyegge-beads' otel setup:
// an stdout span exporter feeding a batch span processor, a single
// tracer scoped to the module.
type Recorder struct {
	tracer trace.Tracer
	tp     *sdktrace.TracerProvider
}

func New(ctx context.Context) (*Recorder, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	return &Recorder{
		tracer: tp.Tracer("github.com/edgebridge/relay"),
		tp:     tp,
	}, nil
}

func (r *Recorder) Shutdown(ctx context.Context) error {
	return r.tp.Shutdown(ctx)
}

// Event names, §6.5.
const (
	EventAgentStarted           = "agent_started"
	EventAgentStopped           = "agent_stopped"
	EventMessageReceived        = "message_received"
	EventMessageSent            = "message_sent"
	EventCommandProcessed       = "command_processed"
	EventMessageScheduled       = "message_scheduled"
	EventScheduleExecuted       = "message_schedule_executed"
	EventPhotoUploadStarted     = "photo_upload_started"
	EventPhotoUploadCompleted   = "photo_upload_completed"
	EventPhotoUploadFailed      = "photo_upload_failed"
	EventLinkStatus             = "link_status"
	EventErrorOccurred          = "error_occurred"
)

// Emit records name as a span event with attrs on the current span if
// one is active in ctx, otherwise starts and immediately ends a
// single-event span so the event is never silently dropped.
func (r *Recorder) Emit(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
		return
	}
	_, span = r.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	span.End()
}

// MessageSent is a typed helper for the bubble_type/success attributes
// §6.5 names explicitly.
func (r *Recorder) MessageSent(ctx context.Context, bubbleType string, success bool) {
	r.Emit(ctx, EventMessageSent,
		attribute.String("bubble_type", bubbleType),
		attribute.Bool("success", success),
	)
}

// CommandProcessed is a typed helper for command_processed's attributes.
func (r *Recorder) CommandProcessed(ctx context.Context, cmdType string, success bool, durationMS int64) {
	r.Emit(ctx, EventCommandProcessed,
		attribute.String("type", cmdType),
		attribute.Bool("success", success),
		attribute.Int64("duration_ms", durationMS),
	)
}

// LinkStatus is a typed helper for link_status's state attribute.
func (r *Recorder) LinkStatus(ctx context.Context, state string) {
	r.Emit(ctx, EventLinkStatus, attribute.String("state", state))
}

// ErrorOccurred is a typed helper for error_occurred's kind/component.
func (r *Recorder) ErrorOccurred(ctx context.Context, kind, component string) {
	r.Emit(ctx, EventErrorOccurred,
		attribute.String("kind", kind),
		attribute.String("component", component),
	)
}
