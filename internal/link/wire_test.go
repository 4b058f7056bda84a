package link

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebridge/relay/internal/model"
)

func TestDecodeCommand_SendMessageNow(t *testing.T) {
	raw := json.RawMessage(`{
		"command_id": "c1",
		"type": "send_message_now",
		"priority": "immediate",
		"timestamp": "2026-01-01T00:00:00Z",
		"payload": {"thread_id": "t1", "text": "hi", "is_group": false}
	}`)

	cmd, err := decodeCommand(raw)
	require.NoError(t, err)
	assert.Equal(t, model.CommandSendMessageNow, cmd.Type)
	assert.Equal(t, model.PriorityImmediate, cmd.Priority)

	payload, ok := cmd.Payload.(*model.SendMessageNowPayload)
	require.True(t, ok)
	assert.Equal(t, "t1", payload.ThreadID)
	assert.Equal(t, "hi", payload.Text)
}

func TestDecodeCommand_DefaultsPriorityToNormal(t *testing.T) {
	raw := json.RawMessage(`{
		"command_id": "c2",
		"type": "context_reset",
		"payload": {"thread_id": "t1", "reason": "done"}
	}`)

	cmd, err := decodeCommand(raw)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityNormal, cmd.Priority)
}

func TestDecodeCommand_UnknownTypeRejected(t *testing.T) {
	raw := json.RawMessage(`{"command_id": "c3", "type": "nonsense", "payload": {}}`)
	_, err := decodeCommand(raw)
	require.Error(t, err)
}

func TestReconnectBackoff_CapsAtMax(t *testing.T) {
	bo := newReconnectBackoff()
	var d time.Duration
	for i := 0; i < 10; i++ {
		d = bo.NextBackOff()
	}
	assert.Equal(t, maxBackoff, d)
}
