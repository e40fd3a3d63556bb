package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCompletionRequestCopiesMessages(t *testing.T) {
	msgs := []ChatMessage{
		{Role: RoleSystem, Content: "classify"},
		{Role: RoleUser, Content: "widget"},
	}
	req, err := NewCompletionRequest("llama3", msgs, 0.5, 200, Buffered)
	require.NoError(t, err)

	msgs[1].Content = "changed"
	assert.Equal(t, "widget", req.Messages()[1].Content)

	got := req.Messages()
	got[0].Content = "mutated"
	assert.Equal(t, "classify", req.Messages()[0].Content)
}

func TestNewCompletionRequestValidation(t *testing.T) {
	user := []ChatMessage{{Role: RoleUser, Content: "hi"}}

	tests := []struct {
		name      string
		model     string
		messages  []ChatMessage
		maxOutput int
	}{
		{name: "empty model", model: "  ", messages: user},
		{name: "no messages", model: "llama3"},
		{name: "bad role", model: "llama3", messages: []ChatMessage{{Role: "tool", Content: "x"}}},
		{name: "negative budget", model: "llama3", messages: user, maxOutput: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCompletionRequest(tt.model, tt.messages, 0, tt.maxOutput, Buffered)
			assert.Error(t, err)
		})
	}
}

func TestWithModeLeavesOriginalUntouched(t *testing.T) {
	req, err := NewCompletionRequest("llama3", []ChatMessage{{Role: RoleUser, Content: "hi"}}, 0.7, 0, Buffered)
	require.NoError(t, err)

	retry := req.WithMode(Streamed)

	assert.Equal(t, Buffered, req.Mode())
	assert.Equal(t, Streamed, retry.Mode())
	assert.Equal(t, req.Model(), retry.Model())
	assert.Equal(t, req.Messages(), retry.Messages())
	assert.InDelta(t, req.Temperature(), retry.Temperature(), 0)
}

func TestWithJSONFormat(t *testing.T) {
	req, err := NewCompletionRequest("llama3", []ChatMessage{{Role: RoleUser, Content: "hi"}}, 0, 0, Buffered)
	require.NoError(t, err)

	jsonReq := req.WithJSONFormat()
	assert.False(t, req.JSONFormat())
	assert.True(t, jsonReq.JSONFormat())
	assert.True(t, jsonReq.WithMode(Streamed).JSONFormat())
}

func TestModelProfileFits(t *testing.T) {
	p := ModelProfile{ID: "llama3", ContextWindow: 8000}
	assert.True(t, p.Fits(5952, 2048))
	assert.False(t, p.Fits(7000, 2048))
}

func TestTransportModeString(t *testing.T) {
	assert.Equal(t, "buffered", Buffered.String())
	assert.Equal(t, "streamed", Streamed.String())
	assert.Equal(t, "mode(7)", TransportMode(7).String())
}
