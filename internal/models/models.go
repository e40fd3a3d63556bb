package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the roles the backend accepts.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// ChatMessage is a single conversational turn. Order within a conversation is significant.
type ChatMessage struct {
	Role    Role
	Content string
}

// TransportMode selects how the backend delivers its reply.
type TransportMode int

const (
	// Buffered asks for one complete JSON object.
	Buffered TransportMode = iota
	// Streamed asks for newline-delimited JSON fragments.
	Streamed
)

func (m TransportMode) String() string {
	switch m {
	case Buffered:
		return "buffered"
	case Streamed:
		return "streamed"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// CompletionRequest is a fully resolved chat request. Values are never mutated
// after construction; use WithMode to derive a retry request.
type CompletionRequest struct {
	model       string
	messages    []ChatMessage
	temperature float64
	maxOutput   int
	mode        TransportMode
	jsonFormat  bool
}

// NewCompletionRequest builds an immutable request. The message slice is copied.
func NewCompletionRequest(model string, messages []ChatMessage, temperature float64, maxOutput int, mode TransportMode) (CompletionRequest, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return CompletionRequest{}, errors.New("completion request: model must not be empty")
	}
	if len(messages) == 0 {
		return CompletionRequest{}, errors.New("completion request: at least one message is required")
	}
	for i, msg := range messages {
		if !msg.Role.Valid() {
			return CompletionRequest{}, fmt.Errorf("completion request: message[%d]: invalid role %q", i, msg.Role)
		}
	}
	if maxOutput < 0 {
		return CompletionRequest{}, fmt.Errorf("completion request: max output tokens must not be negative, got %d", maxOutput)
	}

	copied := make([]ChatMessage, len(messages))
	copy(copied, messages)

	return CompletionRequest{
		model:       model,
		messages:    copied,
		temperature: temperature,
		maxOutput:   maxOutput,
		mode:        mode,
	}, nil
}

// WithMode returns a copy of the request targeting a different transport mode.
func (r CompletionRequest) WithMode(mode TransportMode) CompletionRequest {
	out := r
	out.messages = r.Messages()
	out.mode = mode
	return out
}

// WithJSONFormat returns a copy of the request that asks the backend for JSON output.
func (r CompletionRequest) WithJSONFormat() CompletionRequest {
	out := r
	out.messages = r.Messages()
	out.jsonFormat = true
	return out
}

func (r CompletionRequest) Model() string { return r.model }
func (r CompletionRequest) Temperature() float64 { return r.temperature }
func (r CompletionRequest) MaxOutputTokens() int { return r.maxOutput }
func (r CompletionRequest) Mode() TransportMode { return r.mode }
func (r CompletionRequest) JSONFormat() bool { return r.jsonFormat }
func (r CompletionRequest) Streamed() bool { return r.mode == Streamed }

// Messages returns a copy of the conversation.
func (r CompletionRequest) Messages() []ChatMessage {
	out := make([]ChatMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

// Usage records token accounting information reported by the backend.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns the combined input and output count.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// CompletionResult is produced once per successful request.
type CompletionResult struct {
	Text  string
	Model string
	Mode  TransportMode
	// Raw holds the last backend JSON object seen (the whole body in buffered
	// mode, the final fragment in streamed mode).
	Raw     []byte
	Usage   Usage
	Elapsed time.Duration
}

// StructuredResult is either a parsed value or a failure carrying the raw text.
type StructuredResult struct {
	Value any
	Raw   string
	Err   error
}

// OK reports whether a structured value was recovered.
func (r StructuredResult) OK() bool {
	return r.Err == nil
}

// ModelProfile describes a backend model and its context window.
type ModelProfile struct {
	ID            string
	ContextWindow int
}

// Fits reports whether the combined budget fits into the profile's window.
func (p ModelProfile) Fits(inputTokens, outputTokens int) bool {
	return inputTokens+outputTokens <= p.ContextWindow
}
