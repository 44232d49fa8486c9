package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/jsonstore"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
)

func testItems() []models.WorkItem {
	return []models.WorkItem{
		{URL: "https://www.superdrug.com/p/1", Vendor: "superdrug"},
		{URL: "https://www.superdrug.com/p/2", Vendor: "superdrug"},
		{URL: "https://www.superdrug.com/p/3", Vendor: "superdrug"},
	}
}

func TestCreateAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	f, led, err := Create(path, "superdrug", testItems(), []string{"/blog/"}, []string{"input.json"})
	require.NoError(t, err)
	assert.True(t, led.Active)
	assert.Equal(t, 3, led.TotalCount)

	loaded, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, led, loaded)
}

func TestMarkProcessedRemovesItemsAndBumpsCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	f, _, err := Create(path, "superdrug", testItems(), nil, nil)
	require.NoError(t, err)

	led, err := f.MarkProcessed([]string{"https://www.superdrug.com/p/2"})
	require.NoError(t, err)

	assert.Equal(t, 1, led.ProcessedCount)
	assert.Equal(t, 2, led.Remaining())
	for _, item := range led.Items {
		assert.NotEqual(t, "https://www.superdrug.com/p/2", item.URL)
	}

	// Conservation: processed + remaining always equals the initial total.
	assert.Equal(t, led.TotalCount, led.ProcessedCount+led.Remaining())
}

func TestMarkFailedAnnotatesInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	f, _, err := Create(path, "superdrug", testItems(), nil, nil)
	require.NoError(t, err)

	led, err := f.MarkFailed(map[string]string{
		"https://www.superdrug.com/p/1": "navigation failed after 3 attempts",
	})
	require.NoError(t, err)

	assert.Equal(t, 3, led.Remaining(), "failed items stay in the ledger")
	failed := led.Items[0]
	assert.Equal(t, "navigation failed after 3 attempts", failed.Error)
	assert.Equal(t, 1, failed.RetryCount)
	ts, err := time.Parse(time.RFC3339, failed.ErrorTimestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)

	led, err = f.MarkFailed(map[string]string{
		"https://www.superdrug.com/p/1": "blocked",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, led.Items[0].RetryCount)
}

func TestDrainedLedgerDeactivatedAndArchived(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.json")
	f, _, err := Create(path, "superdrug", testItems(), nil, nil)
	require.NoError(t, err)

	led, err := f.MarkProcessed([]string{
		"https://www.superdrug.com/p/1",
		"https://www.superdrug.com/p/2",
		"https://www.superdrug.com/p/3",
	})
	require.NoError(t, err)

	assert.False(t, led.Active)
	assert.Equal(t, 3, led.ProcessedCount)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "drained ledger moved out of the active dir")
	archived := filepath.Join(dir, "archive", "batch.json")
	_, err = os.Stat(archived)
	assert.NoError(t, err)
}

func TestFindActivePrefersMostRecentAndDeactivatesRest(t *testing.T) {
	dir := t.TempDir()

	older := filepath.Join(dir, "older.json")
	_, _, err := Create(older, "superdrug", testItems()[:1], nil, nil)
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	newer := filepath.Join(dir, "newer.json")
	_, _, err = Create(newer, "superdrug", testItems()[1:], nil, nil)
	require.NoError(t, err)

	f, led, err := FindActive(dir, "superdrug")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, newer, f.Path())
	assert.True(t, led.Active)

	var demoted models.Ledger
	require.NoError(t, jsonstore.Read(older, &demoted))
	assert.False(t, demoted.Active)
}

func TestFindActiveIgnoresOtherVendors(t *testing.T) {
	dir := t.TempDir()
	_, _, err := Create(filepath.Join(dir, "boots.json"), "boots", testItems()[:1], nil, nil)
	require.NoError(t, err)

	f, led, err := FindActive(dir, "superdrug")
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.Nil(t, led)
}

func TestValidateRejectsDuplicateURLs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	items := []models.WorkItem{
		{URL: "https://www.superdrug.com/p/1", Vendor: "superdrug"},
		{URL: "https://www.superdrug.com/p/1", Vendor: "superdrug"},
	}
	_, _, err := Create(path, "superdrug", items, nil, nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLoadRejectsMissingVendor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, jsonstore.Write(path, &models.Ledger{Active: true, Items: testItems()}))

	_, err := Open(path).Load()
	assert.ErrorIs(t, err, ErrMalformed)
}
