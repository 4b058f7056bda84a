package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebridge/relay/internal/model"
)

func TestOrchestratorCommand_RoundTripsThroughJSON(t *testing.T) {
	original := model.OrchestratorCommand{
		CommandID: "c1",
		Type:      model.CommandScheduleMessage,
		Priority:  model.PriorityImmediate,
		Payload: &model.ScheduleMessagePayload{
			ThreadID:    "t1",
			MessageText: "hi",
		},
	}

	encoded, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded model.OrchestratorCommand
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	assert.Equal(t, original.CommandID, decoded.CommandID)
	assert.Equal(t, original.Type, decoded.Type)
	payload, ok := decoded.Payload.(*model.ScheduleMessagePayload)
	require.True(t, ok)
	assert.Equal(t, "t1", payload.ThreadID)
	assert.Equal(t, "hi", payload.MessageText)
}

func TestDecodePayload_UnknownTypeRejected(t *testing.T) {
	_, err := model.DecodePayload("nonsense", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, model.ErrValidation)
}
