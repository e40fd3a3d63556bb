package translator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/luisdh8/ollama-ecomerce/internal/client"
	"github.com/luisdh8/ollama-ecomerce/internal/models"
	"github.com/luisdh8/ollama-ecomerce/internal/router"
	"github.com/luisdh8/ollama-ecomerce/internal/tokens"
)

var (
	errEmptyMessages     = errors.New("at least one message is required")
	errInvalidRole       = errors.New("invalid role")
	errInvalidContent    = errors.New("invalid message content")
	errNegativeMaxTokens = errors.New("max_tokens must not be negative")
	errInvalidTemp       = errors.New("temperature must be between 0 and 2")
)

// Message captures a single chat message on the wire.
type Message struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// UnmarshalJSON supports string and array-of-text content formats.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = models.Role(strings.ToLower(strings.TrimSpace(raw.Role)))
	m.Content = content

	return m.validate()
}

func (m *Message) validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: message content must not be empty", errInvalidContent)
	}
	return nil
}

// conversation is shared by requests that carry a message list. The system and
// prompt shortcuts build a two-message conversation when messages is absent.
type conversation struct {
	Messages []Message
	System   string
	Prompt   string
}

func (c conversation) resolve() ([]models.ChatMessage, error) {
	msgs := c.Messages
	if len(msgs) == 0 {
		if strings.TrimSpace(c.System) != "" {
			msgs = append(msgs, Message{Role: models.RoleSystem, Content: c.System})
		}
		if strings.TrimSpace(c.Prompt) != "" {
			msgs = append(msgs, Message{Role: models.RoleUser, Content: c.Prompt})
		}
	}
	if len(msgs) == 0 {
		return nil, errEmptyMessages
	}

	out := make([]models.ChatMessage, 0, len(msgs))
	for i, msg := range msgs {
		if err := msg.validate(); err != nil {
			return nil, fmt.Errorf("message[%d]: %w", i, err)
		}
		out = append(out, models.ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	return out, nil
}

// CompleteRequest is the body of POST /v1/complete.
type CompleteRequest struct {
	Messages    []models.ChatMessage
	Model       string
	Temperature *float64
	MaxTokens   int
	Structured  bool
	// Route asks the server to pick the model from the estimated size when
	// Model is empty.
	Route bool
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *CompleteRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Messages    []Message `json:"messages"`
		System      string    `json:"system"`
		Prompt      string    `json:"prompt"`
		Model       string    `json:"model"`
		Temperature *float64  `json:"temperature"`
		MaxTokens   int       `json:"max_tokens"`
		Structured  bool      `json:"structured"`
		Route       bool      `json:"route"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode complete request: %w", err)
	}

	msgs, err := conversation{Messages: raw.Messages, System: raw.System, Prompt: raw.Prompt}.resolve()
	if err != nil {
		return err
	}
	if raw.MaxTokens < 0 {
		return errNegativeMaxTokens
	}
	if raw.Temperature != nil && (*raw.Temperature < 0 || *raw.Temperature > 2) {
		return errInvalidTemp
	}

	r.Messages = msgs
	r.Model = strings.TrimSpace(raw.Model)
	r.Temperature = raw.Temperature
	r.MaxTokens = raw.MaxTokens
	r.Structured = raw.Structured
	r.Route = raw.Route
	return nil
}

// ToCall converts the request into a client call.
func (r CompleteRequest) ToCall() client.Call {
	return client.Call{
		Messages:        r.Messages,
		Model:           r.Model,
		Temperature:     r.Temperature,
		MaxOutputTokens: r.MaxTokens,
		WantStructured:  r.Structured,
	}
}

// Usage mirrors the backend token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Structured carries the extracted payload, or why extraction failed.
type Structured struct {
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// CompleteResponse is the body returned by POST /v1/complete.
type CompleteResponse struct {
	ID            string      `json:"id"`
	Model         string      `json:"model"`
	Mode          string      `json:"mode"`
	Text          string      `json:"text"`
	Usage         *Usage      `json:"usage,omitempty"`
	ElapsedMS     int64       `json:"elapsed_ms"`
	Attempts      int         `json:"attempts"`
	FellBack      bool        `json:"fell_back"`
	BudgetOverrun bool        `json:"budget_overrun,omitempty"`
	Structured    *Structured `json:"structured,omitempty"`
}

// FromResponse constructs the wire response from a client response.
func FromResponse(resp *client.Response) CompleteResponse {
	out := CompleteResponse{
		ID:            resp.CallID,
		Model:         resp.Result.Model,
		Mode:          resp.Result.Mode.String(),
		Text:          resp.Result.Text,
		ElapsedMS:     resp.Result.Elapsed.Milliseconds(),
		Attempts:      resp.Attempts,
		FellBack:      resp.FellBack,
		BudgetOverrun: resp.BudgetOverrun,
	}

	if u := resp.Result.Usage; u.Total() != 0 {
		out.Usage = &Usage{
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			TotalTokens:  u.Total(),
		}
	}

	if s := resp.Structured; s != nil {
		out.Structured = &Structured{Value: s.Value}
		if s.Err != nil {
			out.Structured.Error = s.Err.Error()
		}
	}
	return out
}

// TokensRequest is the body of POST /v1/tokens.
type TokensRequest struct {
	Text string
	// Model defaults to the primary profile when empty.
	Model string
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *TokensRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Text  *string `json:"text"`
		Model string  `json:"model"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode tokens request: %w", err)
	}
	if raw.Text == nil {
		return errors.New("text is required")
	}

	r.Text = *raw.Text
	r.Model = strings.TrimSpace(raw.Model)
	return nil
}

// TokensResponse reports one estimate.
type TokensResponse struct {
	Model    string `json:"model"`
	Tokens   int    `json:"tokens"`
	Source   string `json:"source"`
	Reliable bool   `json:"reliable"`
}

// FromEstimate constructs the wire form of an estimate.
func FromEstimate(est tokens.Estimate) TokensResponse {
	return TokensResponse{
		Model:    est.Model,
		Tokens:   est.Tokens,
		Source:   string(est.Source),
		Reliable: est.Reliable(),
	}
}

// RouteRequest is the body of POST /v1/route.
type RouteRequest struct {
	Messages []models.ChatMessage
	// OutputTokens is nil when the configured planned output applies.
	OutputTokens *int
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *RouteRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Messages     []Message `json:"messages"`
		System       string    `json:"system"`
		Prompt       string    `json:"prompt"`
		OutputTokens *int      `json:"output_tokens"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode route request: %w", err)
	}

	msgs, err := conversation{Messages: raw.Messages, System: raw.System, Prompt: raw.Prompt}.resolve()
	if err != nil {
		return err
	}
	if raw.OutputTokens != nil && *raw.OutputTokens < 0 {
		return errors.New("output_tokens must not be negative")
	}

	r.Messages = msgs
	r.OutputTokens = raw.OutputTokens
	return nil
}

// RouteResponse reports a routing decision.
type RouteResponse struct {
	Model          string         `json:"model"`
	ContextWindow  int            `json:"context_window"`
	Required       int            `json:"required_tokens"`
	OutputTokens   int            `json:"output_tokens"`
	BudgetExceeded bool           `json:"budget_exceeded"`
	Estimate       TokensResponse `json:"estimate"`
}

// FromPlan constructs the wire form of a routing plan.
func FromPlan(plan router.Plan) RouteResponse {
	return RouteResponse{
		Model:          plan.Model,
		ContextWindow:  plan.Profile.ContextWindow,
		Required:       plan.Required,
		OutputTokens:   plan.OutputTokens,
		BudgetExceeded: plan.BudgetExceeded,
		Estimate:       FromEstimate(plan.Estimate),
	}
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if raw == nil {
		return "", fmt.Errorf("%w: missing content", errInvalidContent)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}
