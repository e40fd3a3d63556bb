// Package tokens estimates how many tokens a text consumes for a backend model.
//
// The backend's own accounting is tried first through a short generate probe.
// A local tokenizer is the fallback. When neither produces a positive count the
// estimate is returned as zero and flagged unreliable so it cannot silently
// drive a routing decision.
package tokens

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/luisdh8/ollama-ecomerce/internal/ollama"
)

// DefaultProbeTimeout bounds the backend probe.
const DefaultProbeTimeout = 10 * time.Second

// ErrEstimationUnreliable marks an estimate that degraded to zero.
var ErrEstimationUnreliable = errors.New("token estimate unreliable")

// Source names the strategy that produced an estimate.
type Source string

const (
	SourceBackend   Source = "backend"
	SourceTokenizer Source = "tokenizer"
	SourceEmpty     Source = "empty"
	SourceNone      Source = "none"
)

// Prober issues a minimal generation request and reports the backend's accounting.
type Prober interface {
	Generate(ctx context.Context, req ollama.GenerateRequest) (*ollama.GenerateResponse, error)
}

// Tokenizer counts tokens locally.
type Tokenizer interface {
	Count(text, model string) (int, error)
}

// Estimate is a non-negative token count plus the strategy that produced it.
type Estimate struct {
	Tokens int
	Source Source
	Model  string
}

// Reliable reports whether a strategy actually produced the count.
func (e Estimate) Reliable() bool {
	return e.Source != SourceNone
}

// Err returns ErrEstimationUnreliable for degraded estimates.
func (e Estimate) Err() error {
	if e.Reliable() {
		return nil
	}
	return ErrEstimationUnreliable
}

// Estimator chains the estimation strategies. Either strategy may be nil.
type Estimator struct {
	prober       Prober
	tokenizer    Tokenizer
	probeTimeout time.Duration
	logger       *slog.Logger
}

// Option customizes the estimator.
type Option func(*Estimator)

// WithProbeTimeout overrides the probe timeout.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(e *Estimator) {
		if timeout > 0 {
			e.probeTimeout = timeout
		}
	}
}

// WithLogger sets the logger used for degraded-operation warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Estimator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEstimator builds an estimator over the given strategies.
func NewEstimator(prober Prober, tokenizer Tokenizer, opts ...Option) *Estimator {
	e := &Estimator{
		prober:       prober,
		tokenizer:    tokenizer,
		probeTimeout: DefaultProbeTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Estimate counts the tokens of text for model. It never returns a negative count.
func (e *Estimator) Estimate(ctx context.Context, text, model string) Estimate {
	if text == "" {
		return Estimate{Source: SourceEmpty, Model: model}
	}

	if n, ok := e.probe(ctx, text, model); ok {
		return Estimate{Tokens: n, Source: SourceBackend, Model: model}
	}
	if n, ok := e.count(text, model); ok {
		return Estimate{Tokens: n, Source: SourceTokenizer, Model: model}
	}

	e.logger.Warn("token estimate unreliable, both strategies failed",
		"model", model,
		"text_bytes", len(text),
	)
	return Estimate{Source: SourceNone, Model: model}
}

func (e *Estimator) probe(ctx context.Context, text, model string) (int, bool) {
	if e.prober == nil {
		return 0, false
	}

	probeCtx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()

	resp, err := e.prober.Generate(probeCtx, ollama.GenerateRequest{
		Model:       model,
		Prompt:      text,
		Temperature: 0,
		MaxOutput:   1,
	})
	if err != nil {
		e.logger.Debug("backend token probe failed", "model", model, "error", err)
		return 0, false
	}

	total := resp.Usage.Total()
	if total <= 0 {
		e.logger.Debug("backend token probe reported no accounting", "model", model)
		return 0, false
	}
	return total, true
}

func (e *Estimator) count(text, model string) (int, bool) {
	if e.tokenizer == nil {
		return 0, false
	}

	n, err := e.tokenizer.Count(text, model)
	if err != nil {
		e.logger.Debug("local tokenizer failed", "model", model, "error", err)
		return 0, false
	}
	if n <= 0 {
		return 0, false
	}
	return n, true
}
