package link

import "github.com/edgebridge/relay/internal/model"

// InboundPayload is the body of POST /edge/message (§6.3).
type InboundPayload struct {
	ThreadID     string                      `json:"thread_id"`
	SenderID     string                      `json:"sender_id"`
	Text         string                      `json:"text"`
	IsGroup      bool                        `json:"is_group"`
	Participants []string                    `json:"participants,omitempty"`
	Attachments  []model.AttachmentMetadata  `json:"attachments,omitempty"`
	Context      *model.ContextRecord        `json:"context,omitempty"`
}

// MessageResponse is the reply to POST /edge/message (§4.8 step 3,
// §6.3). The orchestrator answers in one of three shapes:
// {should_respond: false}; {should_respond: true, reflex_message?,
// burst_messages[], burst_delay_ms}; or the shorthand {reply_bubbles[]}
// used when it already has the full ordered bubble set. C8 must also
// reconcile the first resolved bubble against anything already pushed
// down the bidirectional channel, to avoid a duplicate send.
type MessageResponse struct {
	Accepted      bool     `json:"accepted"`
	ShouldRespond bool     `json:"should_respond"`
	ReflexMessage string   `json:"reflex_message,omitempty"`
	BurstMessages []string `json:"burst_messages,omitempty"`
	BurstDelayMs  int      `json:"burst_delay_ms,omitempty"`
	ReplyBubbles  []string `json:"reply_bubbles,omitempty"`
}

// SyncRequest is the body of POST /edge/sync, used only while the
// bidirectional channel is down.
type SyncRequest struct {
	LastCommandID string   `json:"last_command_id,omitempty"`
	PendingEvents []string `json:"pending_events,omitempty"`
}

// SyncResponse answers a SyncRequest with batched commands.
type SyncResponse struct {
	Commands      []model.OrchestratorCommand `json:"commands"`
	AckEvents     []string                    `json:"ack_events"`
	ConfigUpdates map[string]any              `json:"config_updates,omitempty"`
}

// UploadResponse is the reply to POST /photos/upload.
type UploadResponse struct {
	PhotoID  string `json:"photo_id"`
	PhotoURL string `json:"photo_url"`
}

// State is the link's observable connectivity state (§6.5 link_status).
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)
