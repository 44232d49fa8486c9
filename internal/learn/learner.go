// Package learn teaches the selector store new locators in the background.
// Learning is decoupled from the hot extraction path and globally
// single-flight, so model observe calls are only spent on fields that direct
// extraction could not resolve, and never concurrently for the same vendor
// against different pages.
package learn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/engine"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/extract"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/normalize"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/selectors"
)

var stockNegativePattern = regexp.MustCompile(`(?i)(out of stock|sold out|unavailable|notify me)`)

type Config struct {
	ObserveTimeout time.Duration
	LocatorTimeout time.Duration
	MaxCandidates  int
}

type Learner struct {
	store  *selectors.Store
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]map[string]bool

	flight singleflight.Group
	wg     sync.WaitGroup
}

func New(store *selectors.Store, cfg Config) *Learner {
	if cfg.ObserveTimeout <= 0 {
		cfg.ObserveTimeout = 15 * time.Second
	}
	if cfg.LocatorTimeout <= 0 {
		cfg.LocatorTimeout = 5 * time.Second
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 3
	}
	return &Learner{
		store:   store,
		cfg:     cfg,
		logger:  slog.Default().With("component", "selector_learner"),
		pending: make(map[string]map[string]bool),
	}
}

// MarkPending records fields that need selector learning for a vendor.
// Fields stay pending until a learning pass succeeds for them.
func (l *Learner) MarkPending(vendor string, fields []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.pending[vendor]
	if !ok {
		set = make(map[string]bool)
		l.pending[vendor] = set
	}
	for _, f := range fields {
		set[f] = true
	}
}

// Backlog returns the number of fields awaiting learning across all vendors.
func (l *Learner) Backlog() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, set := range l.pending {
		n += len(set)
	}
	return n
}

// Process starts a background learning pass against the given page using the
// freshly extracted item's values as ground truth. Process is fire-and-forget
// and single-flight per process: while a pass is running, further calls
// coalesce into it and their pending fields are picked up by a later pass.
func (l *Learner) Process(ctx context.Context, page engine.Page, vendor string, item *models.ExtractedProduct) {
	fields := l.pendingFields(vendor)
	if len(fields) == 0 || item == nil {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.flight.Do("selector-learning", func() (any, error) {
			l.run(ctx, page, vendor, item, fields)
			return nil, nil
		})
	}()
}

// Wait blocks until all in-flight learning passes complete, giving callers
// that need ordering a deterministic barrier.
func (l *Learner) Wait() {
	l.wg.Wait()
}

func (l *Learner) pendingFields(vendor string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.pending[vendor]
	fields := make([]string, 0, len(set))
	for f := range set {
		fields = append(fields, f)
	}
	return fields
}

func (l *Learner) clearPending(vendor string, fields []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.pending[vendor]
	for _, f := range fields {
		delete(set, f)
	}
	if len(set) == 0 {
		delete(l.pending, vendor)
	}
}

func (l *Learner) run(ctx context.Context, page engine.Page, vendor string, item *models.ExtractedProduct, fields []string) {
	var learned []string
	for _, field := range fields {
		if ctx.Err() != nil {
			break
		}
		value := item.Field(field)
		if value == "" {
			continue
		}
		prompt, ok := l.promptFor(field, value)
		if !ok {
			// Only negative stock states and true booleans are anchored
			// enough to learn from. The field stays pending for a later
			// page that shows a learnable state.
			continue
		}

		candidates, err := page.Observe(ctx, prompt, l.cfg.ObserveTimeout)
		if err != nil {
			l.logger.Warn("observe failed", "vendor", vendor, "field", field, "error", err)
			continue
		}
		if len(candidates) > l.cfg.MaxCandidates {
			candidates = candidates[:l.cfg.MaxCandidates]
		}

		for _, cand := range candidates {
			if cand.Selector == "" {
				continue
			}
			valid, err := l.validate(ctx, page, field, value, cand.Selector)
			if err != nil {
				l.logger.Warn("candidate validation failed", "vendor", vendor, "field", field, "error", err)
				continue
			}
			if valid {
				l.store.Learn(vendor, field, cand.Selector)
				learned = append(learned, field)
				l.logger.Info("learned selector", "vendor", vendor, "field", field, "selector", cand.Selector)
				break
			}
		}
	}

	if len(learned) > 0 {
		l.clearPending(vendor, learned)
	}
}

// promptFor builds the locate prompt for a field. The second return is false
// when the field's current value is not learnable (e.g. an in-stock page has
// no stable out-of-stock element to locate).
func (l *Learner) promptFor(field, value string) (string, bool) {
	def, ok := extract.Definition(field, nil)
	if !ok {
		def.Kind = extract.KindText
	}
	switch def.Kind {
	case extract.KindImage, extract.KindImageList:
		return fmt.Sprintf("Find the product image element whose source is %q", value), true
	case extract.KindStock:
		if !strings.EqualFold(value, models.StockStatusOutOfStock) {
			return "", false
		}
		return "Find the element that tells the customer this product is out of stock or unavailable", true
	case extract.KindBool:
		if !normalize.Bool(value) {
			return "", false
		}
		return fmt.Sprintf("Find the element or hidden input that indicates %q is true for this product", field), true
	default:
		return fmt.Sprintf("Find the element containing the %s value %q", field, value), true
	}
}

// validate checks a candidate locator against the live page with
// field-appropriate semantics; unvalidated candidates are discarded.
func (l *Learner) validate(ctx context.Context, page engine.Page, field, value, selector string) (bool, error) {
	def, ok := extract.Definition(field, nil)
	if !ok {
		def.Kind = extract.KindText
	}

	switch def.Kind {
	case extract.KindImage, extract.KindImageList:
		for _, attr := range []string{"src", "data-src"} {
			got, err := page.Attribute(ctx, selector, attr, l.cfg.LocatorTimeout)
			if err != nil {
				return false, lookupMiss(err)
			}
			if got != "" && imageMatches(got, value) {
				return true, nil
			}
		}
		return false, nil

	case extract.KindStock:
		visible, err := page.IsVisible(ctx, selector)
		if err != nil {
			return false, lookupMiss(err)
		}
		if !visible {
			return false, nil
		}
		text, err := page.InnerText(ctx, selector, l.cfg.LocatorTimeout)
		if err != nil {
			return false, lookupMiss(err)
		}
		return stockNegativePattern.MatchString(text), nil

	case extract.KindBool:
		attr, err := page.Attribute(ctx, selector, "value", l.cfg.LocatorTimeout)
		if err == nil && attr != "" {
			return normalize.Bool(attr), nil
		}
		visible, err := page.IsVisible(ctx, selector)
		if err != nil {
			return false, lookupMiss(err)
		}
		return visible, nil

	default:
		text, err := page.InnerText(ctx, selector, l.cfg.LocatorTimeout)
		if err != nil {
			return false, lookupMiss(err)
		}
		return textMatches(text, value), nil
	}
}

// lookupMiss folds a not-found lookup into a plain invalid result.
func lookupMiss(err error) error {
	if err == nil || errors.Is(err, engine.ErrNotFound) {
		return nil
	}
	return err
}

// imageMatches tolerates CDN resizing prefixes by comparing filenames when
// the full URLs differ.
func imageMatches(got, want string) bool {
	if got == want {
		return true
	}
	return path.Base(strings.Split(got, "?")[0]) == path.Base(strings.Split(want, "?")[0])
}

// textMatches does normalized substring containment in either direction.
func textMatches(got, want string) bool {
	g := strings.ToLower(normalize.Whitespace(got))
	w := strings.ToLower(normalize.Whitespace(want))
	if g == "" || w == "" {
		return false
	}
	return strings.Contains(g, w) || strings.Contains(w, g)
}
