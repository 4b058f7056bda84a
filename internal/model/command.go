package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandType enumerates the closed set of orchestrator command variants
// (§3, §4.10). Dynamic/untyped payloads from the wire become this closed
// sum, per the "Dynamic payloads become typed variants" design note.
type CommandType string

const (
	CommandSendMessageNow   CommandType = "send_message_now"
	CommandScheduleMessage  CommandType = "schedule_message"
	CommandCancelScheduled  CommandType = "cancel_scheduled"
	CommandSetRule          CommandType = "set_rule"
	CommandUpdatePlan       CommandType = "update_plan"
	CommandContextUpdate    CommandType = "context_update"
	CommandContextReset     CommandType = "context_reset"
	CommandUploadRetry      CommandType = "upload_retry"
	CommandEmitEvent        CommandType = "emit_event"
)

// CommandPriority controls queue placement in the executor (§4.10).
type CommandPriority string

const (
	PriorityNormal    CommandPriority = "normal"
	PriorityImmediate CommandPriority = "immediate"
)

// AckStatus is the result reported back for a processed command.
type AckStatus string

const (
	AckCompleted AckStatus = "completed"
	AckFailed    AckStatus = "failed"
	AckPending   AckStatus = "pending"
)

// SendMessageNowPayload is the payload of a send_message_now command.
type SendMessageNowPayload struct {
	ThreadID string `json:"thread_id" validate:"required,max=200,edge_thread_id"`
	Text     string `json:"text" validate:"required,max=5000,edge_safe_text"`
	IsGroup  bool   `json:"is_group"`
}

// ScheduleMessagePayload is the payload of a schedule_message command.
type ScheduleMessagePayload struct {
	ThreadID    string    `json:"thread_id" validate:"required,max=200,edge_thread_id"`
	MessageText string    `json:"message_text" validate:"required,max=5000,edge_safe_text"`
	SendAt      time.Time `json:"send_at" validate:"required"`
	IsGroup     bool      `json:"is_group"`
}

// CancelScheduledPayload is the payload of a cancel_scheduled command.
type CancelScheduledPayload struct {
	ScheduleID string `json:"schedule_id" validate:"required,uuid"`
}

// SetRulePayload is the payload of a set_rule command.
type SetRulePayload struct {
	Rule Rule `json:"rule" validate:"required"`
}

// UpdatePlanPayload is the payload of an update_plan command.
type UpdatePlanPayload struct {
	ThreadID string         `json:"thread_id" validate:"required,max=200,edge_thread_id"`
	Data     map[string]any `json:"data"`
}

// ContextUpdatePayload is the payload of a context_update command.
type ContextUpdatePayload struct {
	ThreadID string         `json:"thread_id" validate:"required,max=200,edge_thread_id"`
	AppID    string         `json:"app_id"`
	RoomID   string         `json:"room_id"`
	Metadata map[string]any `json:"metadata"`
}

// ContextResetPayload is the payload of a context_reset command.
type ContextResetPayload struct {
	ThreadID string `json:"thread_id" validate:"required,max=200,edge_thread_id"`
	Reason   string `json:"reason"`
}

// UploadRetryPayload is the payload of an upload_retry command.
type UploadRetryPayload struct {
	GUID string `json:"guid" validate:"required"`
}

// EmitEventPayload is the payload of an emit_event command.
type EmitEventPayload struct {
	Name string `json:"name"`
}

// OrchestratorCommand is the transient, validated command envelope
// delivered by the orchestrator link to the executor.
type OrchestratorCommand struct {
	CommandID string
	Type      CommandType
	Priority  CommandPriority
	Timestamp time.Time
	Payload   any // one of the *Payload structs above
}

// wireCommand is the JSON shape of an OrchestratorCommand, shared by the
// orchestrator link's frame decoding and the internal bus envelope that
// carries a command from C7 to C11.
type wireCommand struct {
	CommandID string          `json:"command_id"`
	Type      CommandType     `json:"type"`
	Priority  CommandPriority `json:"priority"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the command with its typed payload flattened back
// to raw JSON, so it round-trips through the bus unchanged.
func (c OrchestratorCommand) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s payload: %v", ErrValidation, c.Type, err)
	}
	return json.Marshal(wireCommand{
		CommandID: c.CommandID,
		Type:      c.Type,
		Priority:  c.Priority,
		Timestamp: c.Timestamp,
		Payload:   payload,
	})
}

// UnmarshalJSON decodes a command envelope, resolving Payload into the
// typed variant matching Type (the "dynamic payloads become typed
// variants" design decision), defaulting an empty Priority to normal.
func (c *OrchestratorCommand) UnmarshalJSON(data []byte) error {
	var wc wireCommand
	if err := json.Unmarshal(data, &wc); err != nil {
		return fmt.Errorf("%w: decode command envelope: %v", ErrValidation, err)
	}
	if wc.Priority == "" {
		wc.Priority = PriorityNormal
	}
	payload, err := DecodePayload(wc.Type, wc.Payload)
	if err != nil {
		return err
	}
	c.CommandID = wc.CommandID
	c.Type = wc.Type
	c.Priority = wc.Priority
	c.Timestamp = wc.Timestamp
	c.Payload = payload
	return nil
}

// DecodePayload resolves raw JSON into the typed payload variant
// matching cmdType. Shared by the wire codec above and the orchestrator
// link's frame decoder.
func DecodePayload(cmdType CommandType, raw json.RawMessage) (any, error) {
	var target any
	switch cmdType {
	case CommandSendMessageNow:
		target = &SendMessageNowPayload{}
	case CommandScheduleMessage:
		target = &ScheduleMessagePayload{}
	case CommandCancelScheduled:
		target = &CancelScheduledPayload{}
	case CommandSetRule:
		target = &SetRulePayload{}
	case CommandUpdatePlan:
		target = &UpdatePlanPayload{}
	case CommandContextUpdate:
		target = &ContextUpdatePayload{}
	case CommandContextReset:
		target = &ContextResetPayload{}
	case CommandUploadRetry:
		target = &UploadRetryPayload{}
	case CommandEmitEvent:
		target = &EmitEventPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown command type %q", ErrValidation, cmdType)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrValidation, cmdType, err)
	}
	return target, nil
}
