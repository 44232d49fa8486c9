package output

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
)

func writeBaseline(t *testing.T, dir string, items ...*models.ExtractedProduct) {
	t.Helper()
	w := NewWriter(dir, "baseline", "superdrug", "input.json", 0)
	_, _, err := w.Append(items)
	require.NoError(t, err)
}

func TestBaselineIndexFetchByKey(t *testing.T) {
	dir := t.TempDir()
	a := product("https://x.test/p/1", "10.00", models.StockStatusInStock)
	a.ProductID = "p-1"
	b := product("https://x.test/p/2", "5.50", models.StockStatusOutOfStock)
	b.ProductID = "p-2"
	writeBaseline(t, dir, a, b)

	ix, err := OpenBaselineIndex(filepath.Join(dir, "baseline.db"))
	require.NoError(t, err)
	defer ix.Close()
	require.NoError(t, ix.Build(dir, "superdrug", "product_id"))

	got, err := ix.Fetch("p-2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "5.50", got.Price)
	assert.Equal(t, models.StockStatusOutOfStock, got.StockStatus)

	missing, err := ix.Fetch("p-404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestBaselineIndexSkipsUnchangedFiles(t *testing.T) {
	dir := t.TempDir()
	a := product("https://x.test/p/1", "10.00", models.StockStatusInStock)
	a.ProductID = "p-1"
	writeBaseline(t, dir, a)

	ix, err := OpenBaselineIndex(filepath.Join(dir, "baseline.db"))
	require.NoError(t, err)
	defer ix.Close()
	require.NoError(t, ix.Build(dir, "superdrug", "product_id"))

	// A second build over untouched files must be a no-op and keep keys
	// resolvable.
	require.NoError(t, ix.Build(dir, "superdrug", "product_id"))
	got, err := ix.Fetch("p-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "10.00", got.Price)
}

func TestBaselineIndexNewestSnapshotWins(t *testing.T) {
	dir := t.TempDir()
	old := product("https://x.test/p/1", "10.00", models.StockStatusInStock)
	old.ProductID = "p-1"
	writeBaseline(t, dir, old)

	// Rewrites of the same key in a later file shadow the older row.
	updated := product("https://x.test/p/1", "12.00", models.StockStatusInStock)
	updated.ProductID = "p-1"
	w := NewWriter(dir, "refresh", "superdrug", "input.json", 0)
	_, _, err := w.Append([]*models.ExtractedProduct{updated})
	require.NoError(t, err)

	ix, err := OpenBaselineIndex(filepath.Join(dir, "baseline.db"))
	require.NoError(t, err)
	defer ix.Close()
	require.NoError(t, ix.Build(dir, "superdrug", "product_id"))

	got, err := ix.Fetch("p-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "12.00", got.Price)
}

func TestUpdaterAppendsPriceHistoryOnChange(t *testing.T) {
	dir := t.TempDir()
	baseline := product("https://x.test/p/1", "10.00", models.StockStatusInStock)
	baseline.ProductID = "p-1"
	baseline.Description = "A serum."
	writeBaseline(t, dir, baseline)

	ix, err := OpenBaselineIndex(filepath.Join(dir, "baseline.db"))
	require.NoError(t, err)
	defer ix.Close()
	require.NoError(t, ix.Build(dir, "superdrug", "product_id"))

	u := NewUpdater(ix, "product_id", nil)
	fresh := product("https://x.test/p/1", "12.00", models.StockStatusInStock)
	fresh.ProductID = "p-1"

	merged := u.Merge(fresh)
	require.NotNil(t, merged)

	assert.Equal(t, "12.00", merged.Price)
	require.Len(t, merged.PriceHistory, 1)
	assert.Equal(t, "10.00", merged.PriceHistory[0].Old)
	assert.Equal(t, "12.00", merged.PriceHistory[0].New)
	_, err = time.Parse(time.RFC3339, merged.PriceHistory[0].ChangedAt)
	assert.NoError(t, err)

	// Unchanged stock produces no history entry.
	assert.Empty(t, merged.StockHistory)

	// Fields outside the configured update set carry forward.
	assert.Equal(t, "A serum.", merged.Description)
}

func TestUpdaterComparesNormalizedPrices(t *testing.T) {
	dir := t.TempDir()
	baseline := product("https://x.test/p/1", "£9.99", models.StockStatusInStock)
	baseline.ProductID = "p-1"
	writeBaseline(t, dir, baseline)

	ix, err := OpenBaselineIndex(filepath.Join(dir, "baseline.db"))
	require.NoError(t, err)
	defer ix.Close()
	require.NoError(t, ix.Build(dir, "superdrug", "product_id"))

	u := NewUpdater(ix, "product_id", nil)

	// Fresh extractions carry the raw page text. The same price with a
	// currency symbol is not a change.
	same := product("https://x.test/p/1", "£9.99", models.StockStatusInStock)
	same.ProductID = "p-1"
	merged := u.Merge(same)
	require.NotNil(t, merged)
	assert.Empty(t, merged.PriceHistory)
	assert.Equal(t, "9.99", merged.Price)

	changed := product("https://x.test/p/1", "£12.00", models.StockStatusInStock)
	changed.ProductID = "p-1"
	merged = u.Merge(changed)
	require.Len(t, merged.PriceHistory, 1)
	assert.Equal(t, "9.99", merged.PriceHistory[0].Old)
	assert.Equal(t, "12.00", merged.PriceHistory[0].New)
	assert.Equal(t, "12.00", merged.Price)
}

func TestUpdaterWithoutBaselinePassesThrough(t *testing.T) {
	ix, err := OpenBaselineIndex(filepath.Join(t.TempDir(), "baseline.db"))
	require.NoError(t, err)
	defer ix.Close()

	u := NewUpdater(ix, "product_id", nil)
	fresh := product("https://x.test/p/1", "12.00", models.StockStatusInStock)
	fresh.ProductID = "p-1"

	merged := u.Merge(fresh)
	assert.Same(t, fresh, merged)
	assert.Empty(t, merged.PriceHistory)
}

func TestUpdaterStale(t *testing.T) {
	dir := t.TempDir()
	baseline := product("https://x.test/p/1", "10.00", models.StockStatusInStock)
	baseline.ProductID = "p-1"
	baseline.ExtractedAt = time.Now().Add(-72 * time.Hour)
	writeBaseline(t, dir, baseline)

	ix, err := OpenBaselineIndex(filepath.Join(dir, "baseline.db"))
	require.NoError(t, err)
	defer ix.Close()
	require.NoError(t, ix.Build(dir, "superdrug", "product_id"))

	u := NewUpdater(ix, "product_id", nil)
	assert.True(t, u.Stale("p-1", 2), "older than the window")
	assert.False(t, u.Stale("p-1", 7), "inside the window")
	assert.True(t, u.Stale("p-404", 7), "unknown keys always stale")
}
