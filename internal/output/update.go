package output

import (
	"log/slog"
	"time"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/normalize"
)

// DefaultUpdateFields are the fields refreshed by an update run when none
// are configured explicitly.
var DefaultUpdateFields = []string{"price", "stock_status", "discount"}

// Updater merges freshly extracted items onto their baseline snapshots by
// identity key. Only the configured fields are overwritten; everything else
// carries forward from the baseline.
type Updater struct {
	index    *BaselineIndex
	keyField string
	fields   []string
	logger   *slog.Logger
}

func NewUpdater(index *BaselineIndex, keyField string, fields []string) *Updater {
	if len(fields) == 0 {
		fields = DefaultUpdateFields
	}
	return &Updater{
		index:    index,
		keyField: keyField,
		fields:   fields,
		logger:   slog.Default().With("component", "updater"),
	}
}

// Merge returns the record to persist for a fresh extraction. Without a
// baseline the fresh record passes through unchanged. With one, configured
// fields are overwritten and price/stock history entries appended, but only
// when the value actually changed.
func (u *Updater) Merge(fresh *models.ExtractedProduct) *models.ExtractedProduct {
	if fresh == nil || fresh.IsFailure() {
		return fresh
	}
	key := fresh.KeyField(u.keyField)
	if key == "" {
		return fresh
	}
	baseline, err := u.index.Fetch(key)
	if err != nil {
		u.logger.Warn("baseline fetch failed", "key", key, "error", err)
		return fresh
	}
	if baseline == nil {
		return fresh
	}

	merged := baseline.Clone()
	merged.UUID = fresh.UUID
	merged.SourceURL = fresh.SourceURL
	merged.ExtractedAt = fresh.ExtractedAt
	merged.Retried = fresh.Retried

	now := time.Now().UTC().Format(time.RFC3339)
	for _, field := range u.fields {
		old := merged.Field(field)
		val := fresh.Field(field)
		// Baselines are persisted with normalized prices; fresh extractions
		// still carry raw page text. Compare and store in normalized form.
		if field == "price" {
			val = normalize.Price(val)
		}
		if val == old {
			continue
		}
		switch field {
		case "price":
			if val == "" {
				continue
			}
			merged.PriceHistory = append(merged.PriceHistory, models.HistoryEntry{
				Old: old, New: val, ChangedAt: now,
			})
		case "stock_status":
			if val == "" {
				continue
			}
			merged.StockHistory = append(merged.StockHistory, models.HistoryEntry{
				Old: old, New: val, ChangedAt: now,
			})
		}
		merged.SetField(field, val)
	}
	return merged
}

// Stale reports whether a baseline snapshot is old enough to re-extract.
// Items without a baseline are always stale.
func (u *Updater) Stale(key string, staleDays int) bool {
	if staleDays <= 0 {
		return true
	}
	baseline, err := u.index.Fetch(key)
	if err != nil || baseline == nil {
		return true
	}
	cutoff := time.Now().Add(-time.Duration(staleDays) * 24 * time.Hour)
	return baseline.ExtractedAt.Before(cutoff)
}
