// Package client issues chat completions against the backend with a single
// buffered-to-streamed fallback and optional structured-output extraction.
//
// Each call walks the same small state machine:
//
//	built -> sent(buffered) -> decoded
//	                        -> failed(buffered) -> sent(streamed) -> decoded
//	                                                              -> failed(streamed)
//
// A call never switches modes more than once, so worst-case latency is about
// twice the per-attempt timeout.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/luisdh8/ollama-ecomerce/internal/decode"
	"github.com/luisdh8/ollama-ecomerce/internal/extract"
	"github.com/luisdh8/ollama-ecomerce/internal/models"
	"github.com/luisdh8/ollama-ecomerce/internal/profile"
)

const (
	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 120 * time.Second
	// DefaultTemperature is used when a call leaves Temperature unset.
	DefaultTemperature = 0.7
)

// ErrBackendUnavailable is reported when both transport modes failed.
var ErrBackendUnavailable = errors.New("backend unavailable")

// UnavailableError carries the failure of each attempt.
type UnavailableError struct {
	Model    string
	Buffered error
	Streamed error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%v: model %s: buffered: %v; streamed: %v", ErrBackendUnavailable, e.Model, e.Buffered, e.Streamed)
}

func (e *UnavailableError) Unwrap() []error {
	return []error{ErrBackendUnavailable, e.Buffered, e.Streamed}
}

// Backend issues one chat request in the request's transport mode.
type Backend interface {
	Chat(ctx context.Context, req models.CompletionRequest) (decode.Decoded, error)
}

// Call describes one logical completion.
type Call struct {
	Messages []models.ChatMessage
	// Model defaults to the client's default model when empty.
	Model string
	// Temperature defaults to DefaultTemperature when nil.
	Temperature     *float64
	MaxOutputTokens int
	// WantStructured runs the structured-output extractor on the reply and
	// asks the backend for JSON output.
	WantStructured bool
	// Target, when set with WantStructured, is a pointer the payload is
	// decoded into; Structured.Value then holds the same pointer. It is only
	// written when extraction succeeds.
	Target any
}

// Response is the outcome of a successful call.
type Response struct {
	CallID string
	Result models.CompletionResult
	// Structured is set only when the call asked for it. Extraction failure is
	// reported inside it, not as an error.
	Structured *models.StructuredResult
	Attempts   int
	// FellBack reports that the buffered attempt failed and streamed succeeded.
	FellBack bool
	// BudgetOverrun reports that the backend's input accounting plus the
	// planned output exceeded the model's context window.
	BudgetOverrun bool
}

// Client orchestrates completions. It keeps no per-call state and is safe for
// concurrent use.
type Client struct {
	backend      Backend
	defaultModel string
	timeout      time.Duration
	catalog      *profile.Catalog
	logger       *slog.Logger
}

// Option customizes the client.
type Option func(*Client)

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithCatalog enables the post-call context window check.
func WithCatalog(catalog *profile.Catalog) Option {
	return func(c *Client) {
		c.catalog = catalog
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a client.
func New(backend Backend, defaultModel string, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, errors.New("backend must not be nil")
	}
	defaultModel = strings.TrimSpace(defaultModel)
	if defaultModel == "" {
		return nil, errors.New("default model must not be empty")
	}

	c := &Client{
		backend:      backend,
		defaultModel: defaultModel,
		timeout:      DefaultTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Complete builds the request, sends it buffered, falls back to streamed once
// on any failure, and optionally extracts a structured payload.
func (c *Client) Complete(ctx context.Context, call Call) (*Response, error) {
	model := strings.TrimSpace(call.Model)
	if model == "" {
		model = c.defaultModel
	}
	temperature := DefaultTemperature
	if call.Temperature != nil {
		temperature = *call.Temperature
	}

	req, err := models.NewCompletionRequest(model, call.Messages, temperature, call.MaxOutputTokens, models.Buffered)
	if err != nil {
		return nil, err
	}
	if call.WantStructured {
		if call.Target != nil {
			if err := extract.CheckTarget(call.Target); err != nil {
				return nil, fmt.Errorf("structured target: %w", err)
			}
		}
		req = req.WithJSONFormat()
	}

	callID := uuid.NewString()
	logger := c.logger.With("call_id", callID, "model", model)
	logger.Debug("llm call", "state", stateBuilt, "messages", len(call.Messages))

	start := time.Now()
	resp := &Response{CallID: callID}

	decoded, bufferedErr := c.attempt(ctx, logger, req)
	resp.Attempts++
	if bufferedErr != nil {
		logger.Warn("buffered attempt failed, retrying streamed", "state", stateFailedBuffered, "error", bufferedErr)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("llm call %s: %w", callID, ctxErr)
		}

		req = req.WithMode(models.Streamed)
		var streamedErr error
		decoded, streamedErr = c.attempt(ctx, logger, req)
		resp.Attempts++
		if streamedErr != nil {
			logger.Error("streamed attempt failed", "state", stateFailedStreamed, "error", streamedErr)
			return nil, &UnavailableError{Model: model, Buffered: bufferedErr, Streamed: streamedErr}
		}
		resp.FellBack = true
	}

	resp.Result = models.CompletionResult{
		Text:    decoded.Text,
		Model:   model,
		Mode:    req.Mode(),
		Raw:     decoded.Raw,
		Usage:   decoded.Usage,
		Elapsed: time.Since(start),
	}
	resp.BudgetOverrun = c.checkBudget(logger, model, decoded.Usage, call.MaxOutputTokens)

	logger.Info("llm call completed",
		"state", stateDecoded,
		"mode", req.Mode(),
		"attempts", resp.Attempts,
		"input_tokens", decoded.Usage.InputTokens,
		"output_tokens", decoded.Usage.OutputTokens,
		"elapsed_ms", resp.Result.Elapsed.Milliseconds(),
	)

	if call.WantStructured {
		resp.Structured = structured(logger, decoded.Text, call.Target)
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, logger *slog.Logger, req models.CompletionRequest) (decode.Decoded, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	state := stateSentBuffered
	if req.Streamed() {
		state = stateSentStreamed
	}
	logger.Debug("llm attempt", "state", state, "timeout", c.timeout)

	return c.backend.Chat(attemptCtx, req)
}

func (c *Client) checkBudget(logger *slog.Logger, model string, usage models.Usage, plannedOutput int) bool {
	if c.catalog == nil || usage.InputTokens == 0 {
		return false
	}
	p, err := c.catalog.Lookup(model)
	if err != nil {
		return false
	}
	if p.Fits(usage.InputTokens, plannedOutput) {
		return false
	}
	logger.Warn("context window exceeded, token estimate was wrong",
		"context_window", p.ContextWindow,
		"input_tokens", usage.InputTokens,
		"planned_output_tokens", plannedOutput,
	)
	return true
}

func structured(logger *slog.Logger, text string, target any) *models.StructuredResult {
	var (
		value any
		err   error
	)
	if target != nil {
		err = extract.Into(text, target)
		value = target
	} else {
		value, err = extract.JSON(text)
	}
	if err != nil {
		logger.Warn("structured extraction failed", "error", err, "snippet", decode.Snippet(text))
		return &models.StructuredResult{Raw: text, Err: err}
	}
	return &models.StructuredResult{Value: value, Raw: text}
}

type callState string

const (
	stateBuilt          callState = "built"
	stateSentBuffered   callState = "sent_buffered"
	stateFailedBuffered callState = "failed_buffered"
	stateSentStreamed   callState = "sent_streamed"
	stateFailedStreamed callState = "failed_streamed"
	stateDecoded        callState = "decoded"
)
