package link

import (
	"encoding/json"

	"github.com/edgebridge/relay/internal/model"
)

// inboundFrame is the envelope shape of every frame the bidirectional
// channel delivers (§4.7).
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// outbound frame payloads, serialized under the matching "type" tag.
type pingFrame struct {
	Type string `json:"type"`
}

type commandAckFrame struct {
	Type string        `json:"type"`
	Data commandAckMsg `json:"data"`
}

type commandAckMsg struct {
	CommandID string           `json:"command_id"`
	Status    model.AckStatus  `json:"status"`
	Error     string           `json:"error,omitempty"`
}

type statusFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func newPingFrame() ([]byte, error) {
	return json.Marshal(pingFrame{Type: "ping"})
}

func newCommandAckFrame(commandID string, status model.AckStatus, errMsg string) ([]byte, error) {
	return json.Marshal(commandAckFrame{
		Type: "command_ack",
		Data: commandAckMsg{CommandID: commandID, Status: status, Error: errMsg},
	})
}

func newStatusFrame(snapshot any) ([]byte, error) {
	return json.Marshal(statusFrame{Type: "status", Data: snapshot})
}

// decodeCommand turns a raw "command" frame's data into a typed
// OrchestratorCommand via model.OrchestratorCommand's own JSON codec
// (the "dynamic payloads become typed variants" design decision).
func decodeCommand(raw json.RawMessage) (model.OrchestratorCommand, error) {
	var cmd model.OrchestratorCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return model.OrchestratorCommand{}, err
	}
	return cmd, nil
}
