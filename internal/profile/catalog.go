package profile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/luisdh8/ollama-ecomerce/internal/models"
)

// ErrUnknownModel indicates the requested model is not configured.
var ErrUnknownModel = errors.New("unknown model")

// ErrDuplicateModel indicates the same model id was configured twice.
var ErrDuplicateModel = errors.New("model already registered")

// ErrTooFewProfiles indicates the catalog lacks a primary and an overflow profile.
var ErrTooFewProfiles = errors.New("at least a primary and an overflow profile are required")

// Catalog holds model profiles in preference order. It is read-only after
// construction and safe for concurrent use.
type Catalog struct {
	ordered []models.ModelProfile
	byID    map[string]models.ModelProfile
}

// NewCatalog validates the profiles and wires optional aliases. The first
// profile is the primary one; the rest are overflow candidates in order.
func NewCatalog(profiles []models.ModelProfile, aliases map[string]string) (*Catalog, error) {
	if len(profiles) < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewProfiles, len(profiles))
	}

	c := &Catalog{
		ordered: make([]models.ModelProfile, 0, len(profiles)),
		byID:    make(map[string]models.ModelProfile, len(profiles)+len(aliases)),
	}

	for _, p := range profiles {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, errors.New("profile id must not be empty")
		}
		if p.ContextWindow <= 0 {
			return nil, fmt.Errorf("profile %s: context window must be positive, got %d", p.ID, p.ContextWindow)
		}
		if _, exists := c.byID[p.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModel, p.ID)
		}
		c.byID[p.ID] = p
		c.ordered = append(c.ordered, p)
	}

	for alias, target := range aliases {
		if _, exists := c.byID[alias]; exists {
			return nil, fmt.Errorf("alias %q conflicts with existing model", alias)
		}
		targetProfile, ok := c.byID[target]
		if !ok {
			return nil, fmt.Errorf("alias %q references unknown model %q", alias, target)
		}
		c.byID[alias] = targetProfile
	}

	return c, nil
}

// Lookup returns the profile for a model id or alias.
func (c *Catalog) Lookup(id string) (models.ModelProfile, error) {
	p, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return models.ModelProfile{}, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	return p, nil
}

// Profiles returns a copy of the profiles in preference order.
func (c *Catalog) Profiles() []models.ModelProfile {
	out := make([]models.ModelProfile, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Primary returns the most preferred profile.
func (c *Catalog) Primary() models.ModelProfile {
	return c.ordered[0]
}
