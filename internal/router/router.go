package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/luisdh8/ollama-ecomerce/internal/models"
	"github.com/luisdh8/ollama-ecomerce/internal/profile"
	"github.com/luisdh8/ollama-ecomerce/internal/tokens"
)

// ErrNoProfiles indicates routing was attempted without any profile.
var ErrNoProfiles = errors.New("no model profiles configured")

// Selection is the outcome of routing one request.
type Selection struct {
	Model   string
	Profile models.ModelProfile
	// Required is the input estimate plus the planned output budget.
	Required int
	// BudgetExceeded is set when no profile fits and the largest window was chosen.
	BudgetExceeded bool
}

// Select picks the first profile, in preference order, whose context window
// holds input+output. When none does it returns the largest window and sets
// BudgetExceeded; ties keep the earlier profile.
func Select(inputTokens, outputTokens int, profiles []models.ModelProfile) (Selection, error) {
	if len(profiles) == 0 {
		return Selection{}, ErrNoProfiles
	}

	required := inputTokens + outputTokens
	for _, p := range profiles {
		if p.Fits(inputTokens, outputTokens) {
			return Selection{Model: p.ID, Profile: p, Required: required}, nil
		}
	}

	largest := profiles[0]
	for _, p := range profiles[1:] {
		if p.ContextWindow > largest.ContextWindow {
			largest = p
		}
	}
	return Selection{Model: largest.ID, Profile: largest, Required: required, BudgetExceeded: true}, nil
}

// Plan is a routing decision together with the estimate it was based on.
type Plan struct {
	Selection
	Estimate     tokens.Estimate
	OutputTokens int
}

// Router selects models from a catalog, estimating input size when asked to.
type Router struct {
	catalog   *profile.Catalog
	estimator *tokens.Estimator
	logger    *slog.Logger
}

// New constructs a router over the catalog. estimator may be nil when only
// Select is used.
func New(catalog *profile.Catalog, estimator *tokens.Estimator, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		catalog:   catalog,
		estimator: estimator,
		logger:    logger,
	}
}

// Catalog returns the profiles the router selects from.
func (r *Router) Catalog() *profile.Catalog {
	return r.catalog
}

// Select routes a request of known size and logs when the budget cannot be met.
func (r *Router) Select(inputTokens, outputTokens int) Selection {
	sel, _ := Select(inputTokens, outputTokens, r.catalog.Profiles())
	if sel.BudgetExceeded {
		r.logger.Warn("token budget exceeds every context window, using largest",
			"model", sel.Model,
			"context_window", sel.Profile.ContextWindow,
			"input_tokens", inputTokens,
			"output_tokens", outputTokens,
		)
	}
	return sel
}

// Plan estimates the size of messages with the primary model's accounting and
// selects a model for it. An unreliable estimate never drives the choice: the
// primary profile is used and the degradation is logged.
func (r *Router) Plan(ctx context.Context, messages []models.ChatMessage, outputTokens int) Plan {
	primary := r.catalog.Primary()

	var est tokens.Estimate
	if r.estimator != nil {
		est = r.estimator.Estimate(ctx, joinContent(messages), primary.ID)
	} else {
		est = tokens.Estimate{Source: tokens.SourceNone, Model: primary.ID}
	}

	if !est.Reliable() {
		r.logger.Warn("routing without a reliable token estimate, using primary model",
			"model", primary.ID,
			"output_tokens", outputTokens,
		)
		return Plan{
			Selection:    Selection{Model: primary.ID, Profile: primary, Required: outputTokens},
			Estimate:     est,
			OutputTokens: outputTokens,
		}
	}

	sel := r.Select(est.Tokens, outputTokens)
	if sel.Model != primary.ID {
		r.logger.Info("routing to overflow model",
			"model", sel.Model,
			"primary", primary.ID,
			"input_tokens", est.Tokens,
			"estimate_source", est.Source,
		)
	}
	return Plan{Selection: sel, Estimate: est, OutputTokens: outputTokens}
}

func joinContent(messages []models.ChatMessage) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, "\n")
}
