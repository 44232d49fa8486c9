// Package extract implements the field extraction engine: direct reads
// through learned selectors first, one batched model-driven call for whatever
// is still missing, and a field-by-field merge where direct extraction wins.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/engine"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/metrics"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/normalize"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/selectors"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/vendors"
)

// PendingReporter receives fields that were resolved by the model and
// therefore still lack a learned selector.
type PendingReporter interface {
	MarkPending(vendor string, fields []string)
}

type Config struct {
	ResultFreshness   time.Duration
	SnapshotFreshness time.Duration
	CacheSize         int
	LocatorTimeout    time.Duration
	DOMSettleTimeout  time.Duration
}

func (c *Config) withDefaults() {
	if c.ResultFreshness <= 0 {
		c.ResultFreshness = 24 * time.Hour
	}
	if c.SnapshotFreshness <= 0 {
		c.SnapshotFreshness = 24 * time.Hour
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 4096
	}
	if c.LocatorTimeout <= 0 {
		c.LocatorTimeout = 5 * time.Second
	}
}

type Engine struct {
	store    *selectors.Store
	registry *vendors.Registry
	reporter PendingReporter
	metrics  *metrics.Metrics
	cache    *expirable.LRU[string, *models.ExtractedProduct]
	cfg      Config
	logger   *slog.Logger
}

func NewEngine(store *selectors.Store, registry *vendors.Registry, reporter PendingReporter, m *metrics.Metrics, cfg Config) *Engine {
	cfg.withDefaults()
	return &Engine{
		store:    store,
		registry: registry,
		reporter: reporter,
		metrics:  m,
		cache:    expirable.NewLRU[string, *models.ExtractedProduct](cfg.CacheSize, nil, cfg.ResultFreshness),
		cfg:      cfg,
		logger:   slog.Default().With("component", "extractor"),
	}
}

// Extract produces a product record for one work item on a live page.
// Model-call errors propagate to the caller, which decides whether they are
// session-recoverable.
func (e *Engine) Extract(ctx context.Context, page engine.Page, item models.WorkItem) (*models.ExtractedProduct, error) {
	key := cacheKey(item.Vendor, item.URL)
	if cached, ok := e.cache.Get(key); ok {
		e.metrics.IncCacheHit()
		result := cached.Clone()
		result.UUID = uuid.New().String()
		result.ExtractedAt = time.Now()
		// Stock is volatile; clear and re-derive from the live page.
		result.StockStatus = ""
		if stock, err := e.directField(ctx, page, item.Vendor, "stock_status"); err == nil && stock != "" {
			result.StockStatus = stock
		}
		return result, nil
	}
	e.metrics.IncCacheMiss()

	result := &models.ExtractedProduct{
		UUID:        uuid.New().String(),
		Vendor:      item.Vendor,
		SourceURL:   item.URL,
		SKU:         item.SKU,
		ExtractedAt: time.Now(),
	}

	strategy := e.registry.For(item.Vendor)
	strategyValues, err := strategy.Extract(ctx, page, item)
	if err != nil {
		e.logger.Warn("vendor strategy failed", "vendor", item.Vendor, "url", item.URL, "error", err)
		strategyValues = nil
	}

	custom := strategy.CustomFields()
	targets := append(TargetFields(), customNames(custom)...)

	directValues := make(map[string]string)
	for _, field := range targets {
		value, err := e.directField(ctx, page, item.Vendor, field)
		if err != nil {
			return nil, err
		}
		if value != "" {
			directValues[field] = value
			e.metrics.IncField("direct")
		}
	}

	// Strategy results fill fields direct extraction did not resolve.
	values := make(map[string]string, len(directValues))
	for field, v := range strategyValues {
		if field == "images" {
			continue
		}
		values[field] = v
		e.metrics.IncField("strategy")
	}
	for field, v := range directValues {
		values[field] = v
	}

	missing := e.missingFields(item.Vendor, targets, values, custom)

	var modelValues map[string]any
	var modelFound []string
	if len(missing) > 0 {
		req := BuildRequest(missing, custom, e.cfg.DOMSettleTimeout)
		e.metrics.IncModelCall()
		modelValues, err = page.Extract(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("model extraction failed for %s: %w", item.URL, err)
		}

		snap := &models.ExtractionSnapshot{
			Timestamp: time.Now(),
			Results:   make(map[string]models.SnapshotResult, len(missing)),
		}
		for _, field := range missing {
			value := stringify(modelValues[field])
			found := value != "" || len(anySlice(modelValues[field])) > 0
			snap.Results[field] = models.SnapshotResult{Found: found, ValueType: valueType(modelValues[field])}
			if !found {
				continue
			}
			modelFound = append(modelFound, field)
			if field == "images" {
				continue
			}
			if _, taken := values[field]; !taken {
				values[field] = value
				e.metrics.IncField("model")
			}
		}
		e.store.SaveSnapshot(item.Vendor, snap)
	}

	for field, value := range values {
		applyField(result, field, value)
	}

	var modelImages []string
	if modelValues != nil {
		modelImages = anySlice(modelValues["images"])
	}
	result.MainImage, result.Images = mergeImages(
		values["main_image"],
		item.ImageURL,
		splitImageList(values["images"]),
		splitImageList(strategyValues["images"]),
		modelImages,
	)

	if e.reporter != nil {
		if pending := learnableFields(modelFound); len(pending) > 0 {
			e.reporter.MarkPending(item.Vendor, pending)
		}
	}

	if corePresent(result) {
		e.cache.Add(key, result.Clone())
	}
	return result, nil
}

// directField tries each stored candidate selector in priority order and
// returns the first validating value. A lookup timeout is a normal miss.
func (e *Engine) directField(ctx context.Context, page engine.Page, vendor, field string) (string, error) {
	def, ok := Definition(field, nil)
	if !ok {
		def = FieldDef{Kind: KindText}
	}

	for _, selector := range e.store.Candidates(vendor, field) {
		value, err := e.readByKind(ctx, page, selector, def.Kind)
		switch {
		case err == nil && value != "":
			e.store.RecordSuccess(vendor, field, selector)
			return value, nil
		case err == nil || errors.Is(err, engine.ErrNotFound):
			e.store.RecordFailure(vendor, field, selector)
		case ctx.Err() != nil:
			return "", ctx.Err()
		default:
			// Session-level failure; let the worker classify it.
			return "", err
		}
	}
	return "", nil
}

func (e *Engine) readByKind(ctx context.Context, page engine.Page, selector string, kind Kind) (string, error) {
	timeout := e.cfg.LocatorTimeout

	switch kind {
	case KindPrice:
		text, err := page.InnerText(ctx, selector, timeout)
		if err != nil {
			return "", err
		}
		if normalize.Price(text) == "" {
			return "", nil
		}
		return normalize.Whitespace(text), nil

	case KindStock:
		visible, err := page.IsVisible(ctx, selector)
		if err != nil || !visible {
			return "", err
		}
		text, err := page.InnerText(ctx, selector, timeout)
		if err != nil {
			return "", err
		}
		return normalize.Stock(text), nil

	case KindImage, KindImageList:
		for _, attr := range []string{"src", "data-src"} {
			value, err := page.Attribute(ctx, selector, attr, timeout)
			if err != nil {
				return "", err
			}
			if u := normalize.CleanURL(value); u != "" {
				return u, nil
			}
		}
		return "", nil

	case KindBool:
		value, err := page.Attribute(ctx, selector, "value", timeout)
		if err == nil && value != "" {
			return strconv.FormatBool(normalize.Bool(value)), nil
		}
		if err != nil && !errors.Is(err, engine.ErrNotFound) {
			return "", err
		}
		visible, err := page.IsVisible(ctx, selector)
		if err != nil {
			return "", err
		}
		return strconv.FormatBool(visible), nil

	case KindURL:
		value, err := page.Attribute(ctx, selector, "href", timeout)
		if err != nil && !errors.Is(err, engine.ErrNotFound) {
			return "", err
		}
		if u := normalize.CleanURL(value); u != "" {
			return u, nil
		}
		text, err := page.InnerText(ctx, selector, timeout)
		if err != nil {
			return "", err
		}
		return normalize.CleanURL(text), nil

	default:
		text, err := page.InnerText(ctx, selector, timeout)
		if err != nil {
			return "", err
		}
		return normalize.Whitespace(text), nil
	}
}

// missingFields computes what the model call must cover. Dynamic fields are
// always re-checked; static fields are skipped when the snapshot confirms a
// recent model attempt found them absent. When core fields are missing the
// snapshot is ignored entirely so a blocked page never poisons future visits.
func (e *Engine) missingFields(vendor string, targets []string, values map[string]string, custom map[string]engine.FieldSpec) []string {
	core := values["name"] != "" &&
		(normalize.Price(values["price"]) != "" || values["stock_status"] == models.StockStatusOutOfStock)

	snap := e.store.Snapshot(vendor)

	var missing []string
	for _, field := range targets {
		if field == "images" {
			// Requested whenever the gallery is empty so far.
			if values["main_image"] == "" {
				missing = append(missing, field)
			}
			continue
		}
		if values[field] != "" {
			continue
		}
		if core && !IsDynamic(field) && snap.FieldMissing(field, e.cfg.SnapshotFreshness) {
			continue
		}
		missing = append(missing, field)
	}
	sort.Strings(missing)
	return missing
}

func corePresent(p *models.ExtractedProduct) bool {
	return p.Name != "" &&
		(normalize.Price(p.Price) != "" || p.StockStatus == models.StockStatusOutOfStock)
}

func applyField(p *models.ExtractedProduct, field, value string) {
	switch field {
	case "name":
		p.Name = value
	case "price":
		p.Price = value
	case "stock_status":
		if st := normalize.Stock(value); st != "" {
			p.StockStatus = st
		} else {
			p.StockStatus = value
		}
	case "discount":
		p.Discount = value
	case "weight":
		p.Weight = value
	case "description":
		p.Description = value
	case "category":
		p.Category = value
	case "product_id":
		p.ProductID = value
	case "product_url":
		p.ProductURL = value
	case "main_image", "images":
		// Handled by mergeImages.
	default:
		if p.Custom == nil {
			p.Custom = make(map[string]string)
		}
		p.Custom[field] = value
	}
}

// learnableFields filters model-found fields down to those worth teaching a
// selector for: dynamic fields churn too fast, and the image list has no
// single element to locate.
func learnableFields(modelFound []string) []string {
	var out []string
	for _, field := range modelFound {
		if IsDynamic(field) || field == "images" {
			continue
		}
		out = append(out, field)
	}
	return out
}

func customNames(custom map[string]engine.FieldSpec) []string {
	names := make([]string, 0, len(custom))
	for name := range custom {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func cacheKey(vendor, url string) string {
	sum := sha256.Sum256([]byte(vendor + "|" + url))
	return hex.EncodeToString(sum[:16])
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}

func anySlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s := stringify(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func valueType(v any) string {
	switch v.(type) {
	case nil:
		return ""
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int:
		return "number"
	case []any:
		return "array"
	default:
		return "object"
	}
}
