package selectors

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
)

func newTestStore(t *testing.T, maxPerField int) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "selectors.json"), maxPerField)
	require.NoError(t, err)
	return store
}

func TestLearnInsertsAtFront(t *testing.T) {
	store := newTestStore(t, 6)

	store.Learn("superdrug", "name", ".product-title")
	store.Learn("superdrug", "name", "h1.pdp-name")

	candidates := store.Candidates("superdrug", "name")
	require.Len(t, candidates, 2)
	// Both have one success; the newer one ranks first on recency.
	assert.Equal(t, "h1.pdp-name", candidates[0])
}

func TestLearnPromotesExisting(t *testing.T) {
	store := newTestStore(t, 6)

	store.Learn("superdrug", "price", ".old-price")
	store.Learn("superdrug", "price", ".new-price")
	store.Learn("superdrug", "price", ".old-price")

	entries := store.Entries("superdrug", "price")
	require.Len(t, entries, 2)
	assert.Equal(t, ".old-price", entries[0].Selector)
	assert.Equal(t, 2, entries[0].SuccessCount)
}

func TestListCapEvictsLowestRanked(t *testing.T) {
	store := newTestStore(t, 3)

	for i := 0; i < 5; i++ {
		store.Learn("boots", "name", fmt.Sprintf(".sel-%d", i))
	}

	entries := store.Entries("boots", "name")
	assert.Len(t, entries, 3)
}

func TestSuccessCountCapped(t *testing.T) {
	store := newTestStore(t, 6)
	store.Learn("boots", "price", ".price")

	for i := 0; i < 20; i++ {
		store.RecordSuccess("boots", "price", ".price")
	}

	entries := store.Entries("boots", "price")
	require.Len(t, entries, 1)
	assert.Equal(t, models.SuccessCountCap, entries[0].SuccessCount)
}

func TestFailureLowersRank(t *testing.T) {
	store := newTestStore(t, 6)
	store.Learn("boots", "name", ".flaky")
	store.Learn("boots", "name", ".steady")

	store.RecordSuccess("boots", "name", ".steady")
	for i := 0; i < 3; i++ {
		store.RecordFailure("boots", "name", ".flaky")
	}

	candidates := store.Candidates("boots", "name")
	require.Len(t, candidates, 2)
	assert.Equal(t, ".steady", candidates[0])

	entries := store.Entries("boots", "name")
	assert.Equal(t, 3, entries[1].FailureCount)
}

func TestLegacyStringFormatMigration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "selectors.json")
	legacy := `{
		"superdrug": {
			"selectors": {
				"name": [".title", "h1"],
				"price": ".price-now"
			}
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	store, err := NewStore(path, 6)
	require.NoError(t, err)

	assert.Equal(t, []string{".title", "h1"}, store.Candidates("superdrug", "name"))
	assert.Equal(t, []string{".price-now"}, store.Candidates("superdrug", "price"))

	entries := store.Entries("superdrug", "name")
	for _, e := range entries {
		assert.False(t, e.LearnedAt.IsZero())
	}
}

func TestSnapshotMergeAndFreshness(t *testing.T) {
	store := newTestStore(t, 6)

	store.SaveSnapshot("superdrug", &models.ExtractionSnapshot{
		Timestamp: time.Now(),
		Results: map[string]models.SnapshotResult{
			"weight":   {Found: false},
			"category": {Found: true, ValueType: "string"},
		},
	})
	store.SaveSnapshot("superdrug", &models.ExtractionSnapshot{
		Timestamp: time.Now(),
		Results: map[string]models.SnapshotResult{
			"description": {Found: true, ValueType: "string"},
		},
	})

	snap := store.Snapshot("superdrug")
	require.NotNil(t, snap)
	assert.True(t, snap.FieldMissing("weight", time.Hour))
	assert.False(t, snap.FieldMissing("category", time.Hour))
	assert.False(t, snap.FieldMissing("description", time.Hour))
	assert.False(t, snap.FieldMissing("weight", 0))
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "selectors.json")

	store, err := NewStore(path, 6)
	require.NoError(t, err)
	store.Learn("boots", "name", ".title")
	store.RecordSuccess("boots", "name", ".title")

	reloaded, err := NewStore(path, 6)
	require.NoError(t, err)
	entries := reloaded.Entries("boots", "name")
	require.Len(t, entries, 1)
	assert.Equal(t, ".title", entries[0].Selector)
	assert.Equal(t, 2, entries[0].SuccessCount)
}
