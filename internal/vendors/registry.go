// Package vendors holds per-vendor custom extraction strategies. A strategy
// runs alongside selector-based extraction and its results are merged into
// the product record; vendors without a registered strategy get the empty one.
package vendors

import (
	"context"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/engine"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
)

// Strategy is vendor-specific DOM logic that cannot be expressed as a single
// learned selector.
type Strategy interface {
	// Extract returns partial field values keyed by field name. Image lists
	// are returned under "images" as a newline-joined value.
	Extract(ctx context.Context, page engine.Page, item models.WorkItem) (map[string]string, error)

	// CustomFields extends the model extraction schema with vendor fields.
	CustomFields() map[string]engine.FieldSpec
}

type Registry struct {
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.Register("superdrug", NewSuperdrug())
	return r
}

func (r *Registry) Register(vendor string, s Strategy) {
	r.strategies[vendor] = s
}

// For returns the strategy for vendor, or the empty strategy.
func (r *Registry) For(vendor string) Strategy {
	if s, ok := r.strategies[vendor]; ok {
		return s
	}
	return emptyStrategy{}
}

type emptyStrategy struct{}

func (emptyStrategy) Extract(context.Context, engine.Page, models.WorkItem) (map[string]string, error) {
	return nil, nil
}

func (emptyStrategy) CustomFields() map[string]engine.FieldSpec { return nil }
