// Package selectors holds the per-vendor, per-field ranked lists of learned
// DOM locators, plus the per-vendor snapshot of what the last model-driven
// extraction attempted. The store is shared mutable state across workers;
// every mutate-then-persist sequence runs under the store mutex and the
// process-wide per-path file lock.
package selectors

import (
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/jsonstore"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
)

const DefaultMaxPerField = 6

type vendorData struct {
	Selectors         map[string][]models.SelectorEntry `json:"selectors"`
	LastLLMExtraction *models.ExtractionSnapshot        `json:"last_llm_extraction,omitempty"`
}

type Store struct {
	path        string
	maxPerField int
	logger      *slog.Logger

	mu   sync.Mutex
	data map[string]*vendorData
}

// NewStore loads the selector document at path, migrating any legacy
// bare-string selector lists into the entry format before use.
func NewStore(path string, maxPerField int) (*Store, error) {
	if maxPerField < 1 {
		maxPerField = DefaultMaxPerField
	}
	s := &Store{
		path:        path,
		maxPerField: maxPerField,
		logger:      slog.Default().With("component", "selector_store"),
		data:        make(map[string]*vendorData),
	}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

// Candidates returns selectors for (vendor, field) in priority order, most
// reliable first.
func (s *Store) Candidates(vendor, field string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	vd, ok := s.data[vendor]
	if !ok {
		return nil
	}
	entries := vd.Selectors[field]
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Selector)
	}
	return out
}

// Entries returns a copy of the stored entries for inspection and tests.
func (s *Store) Entries(vendor, field string) []models.SelectorEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	vd, ok := s.data[vendor]
	if !ok {
		return nil
	}
	return append([]models.SelectorEntry(nil), vd.Selectors[field]...)
}

// RecordSuccess increments the selector's success counter (capped), bumps
// confidence and re-ranks the list.
func (s *Store) RecordSuccess(vendor, field, selector string) {
	s.mu.Lock()
	vd := s.vendor(vendor)
	entries := vd.Selectors[field]
	now := time.Now()
	for i := range entries {
		if entries[i].Selector != selector {
			continue
		}
		if entries[i].SuccessCount < models.SuccessCountCap {
			entries[i].SuccessCount++
		}
		entries[i].LastSuccess = &now
		entries[i].ConfidenceScore = confidence(entries[i])
		break
	}
	rank(entries)
	vd.Selectors[field] = entries
	s.mu.Unlock()

	s.persist()
}

// RecordFailure increments the failure counter and lowers confidence.
func (s *Store) RecordFailure(vendor, field, selector string) {
	s.mu.Lock()
	vd := s.vendor(vendor)
	entries := vd.Selectors[field]
	now := time.Now()
	for i := range entries {
		if entries[i].Selector != selector {
			continue
		}
		entries[i].FailureCount++
		entries[i].LastFailure = &now
		entries[i].ConfidenceScore = confidence(entries[i])
		break
	}
	rank(entries)
	vd.Selectors[field] = entries
	s.mu.Unlock()

	s.persist()
}

// Learn commits a freshly validated selector: promoted if already present,
// otherwise inserted at the front. The list is capped; the lowest-ranked
// entry is evicted when full.
func (s *Store) Learn(vendor, field, selector string) {
	now := time.Now()
	s.mu.Lock()
	vd := s.vendor(vendor)
	entries := vd.Selectors[field]

	found := false
	for i := range entries {
		if entries[i].Selector == selector {
			if entries[i].SuccessCount < models.SuccessCountCap {
				entries[i].SuccessCount++
			}
			entries[i].LastSuccess = &now
			entries[i].ConfidenceScore = confidence(entries[i])
			found = true
			break
		}
	}
	if !found {
		entry := models.SelectorEntry{
			Selector:     selector,
			LearnedAt:    now,
			SuccessCount: 1,
			LastSuccess:  &now,
		}
		entry.ConfidenceScore = confidence(entry)
		entries = append([]models.SelectorEntry{entry}, entries...)
	}

	rank(entries)
	if len(entries) > s.maxPerField {
		entries = entries[:s.maxPerField]
	}
	vd.Selectors[field] = entries
	s.mu.Unlock()

	s.persist()
}

// Snapshot returns the vendor's last model-extraction snapshot, or nil.
func (s *Store) Snapshot(vendor string) *models.ExtractionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	vd, ok := s.data[vendor]
	if !ok || vd.LastLLMExtraction == nil {
		return nil
	}
	cp := *vd.LastLLMExtraction
	return &cp
}

// SaveSnapshot merges the new snapshot over the stored one: fields attempted
// this time overwrite, previously recorded fields carry forward.
func (s *Store) SaveSnapshot(vendor string, snap *models.ExtractionSnapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	vd := s.vendor(vendor)
	merged := &models.ExtractionSnapshot{
		Timestamp: snap.Timestamp,
		Results:   make(map[string]models.SnapshotResult),
	}
	if prev := vd.LastLLMExtraction; prev != nil {
		for k, v := range prev.Results {
			merged.Results[k] = v
		}
	}
	for k, v := range snap.Results {
		merged.Results[k] = v
	}
	for k := range merged.Results {
		merged.AttemptedFields = append(merged.AttemptedFields, k)
	}
	sort.Strings(merged.AttemptedFields)
	vd.LastLLMExtraction = merged
	s.mu.Unlock()

	s.persist()
}

func (s *Store) vendor(name string) *vendorData {
	vd, ok := s.data[name]
	if !ok {
		vd = &vendorData{Selectors: make(map[string][]models.SelectorEntry)}
		s.data[name] = vd
	}
	return vd
}

// persist is best-effort: a failed write is logged and the in-memory state
// stays authoritative so extraction results are never dropped.
func (s *Store) persist() {
	unlock := jsonstore.Lock(s.path)
	defer unlock()

	s.mu.Lock()
	snapshot := make(map[string]vendorData, len(s.data))
	for k, v := range s.data {
		snapshot[k] = *v
	}
	s.mu.Unlock()

	if err := jsonstore.Write(s.path, snapshot); err != nil {
		s.logger.Error("failed to persist selector store", "path", s.path, "error", err)
	}
}

func (s *Store) load() error {
	var raw map[string]struct {
		Selectors         map[string]json.RawMessage `json:"selectors"`
		LastLLMExtraction *models.ExtractionSnapshot `json:"last_llm_extraction"`
	}
	if err := jsonstore.Read(s.path, &raw); err != nil {
		return err
	}

	for vendor, rv := range raw {
		vd := &vendorData{
			Selectors:         make(map[string][]models.SelectorEntry),
			LastLLMExtraction: rv.LastLLMExtraction,
		}
		for field, rawList := range rv.Selectors {
			vd.Selectors[field] = migrateEntries(rawList)
		}
		s.data[vendor] = vd
	}
	return nil
}

// migrateEntries normalizes the legacy bare-string list format (and the even
// older single-string value) into entry lists, so nothing downstream ever
// sees more than one shape.
func migrateEntries(raw json.RawMessage) []models.SelectorEntry {
	var entries []models.SelectorEntry
	if err := json.Unmarshal(raw, &entries); err == nil && validEntries(entries) {
		rank(entries)
		return entries
	}

	var legacy []string
	if err := json.Unmarshal(raw, &legacy); err == nil {
		return entriesFromStrings(legacy)
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return entriesFromStrings([]string{single})
	}
	return nil
}

func validEntries(entries []models.SelectorEntry) bool {
	for _, e := range entries {
		if e.Selector == "" {
			return false
		}
	}
	return true
}

func entriesFromStrings(selectors []string) []models.SelectorEntry {
	now := time.Now()
	out := make([]models.SelectorEntry, 0, len(selectors))
	for _, sel := range selectors {
		if sel == "" {
			continue
		}
		entry := models.SelectorEntry{Selector: sel, LearnedAt: now}
		entry.ConfidenceScore = confidence(entry)
		out = append(out, entry)
	}
	return out
}

// confidence is a smoothed success ratio so brand-new selectors start in the
// middle rather than at an extreme.
func confidence(e models.SelectorEntry) float64 {
	return float64(e.SuccessCount+1) / float64(e.SuccessCount+e.FailureCount+2)
}

// rank orders entries by confidence, breaking ties by most recent success.
func rank(entries []models.SelectorEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ConfidenceScore != entries[j].ConfidenceScore {
			return entries[i].ConfidenceScore > entries[j].ConfidenceScore
		}
		it, jt := entries[i].LastSuccess, entries[j].LastSuccess
		switch {
		case it == nil:
			return false
		case jt == nil:
			return true
		default:
			return it.After(*jt)
		}
	})
}
