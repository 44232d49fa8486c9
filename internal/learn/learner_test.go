package learn

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/engine"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/engine/enginetest"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/selectors"
)

func newTestStore(t *testing.T) *selectors.Store {
	t.Helper()
	store, err := selectors.NewStore(filepath.Join(t.TempDir(), "selectors.json"), 6)
	require.NoError(t, err)
	return store
}

func TestLearnsValidatedTextSelector(t *testing.T) {
	store := newTestStore(t)
	learner := New(store, Config{})

	page := enginetest.NewFakePage()
	page.Texts[".pdp-title"] = "Vitamin C Serum 30ml"
	page.ObserveFunc = func(prompt string) ([]engine.Candidate, error) {
		return []engine.Candidate{{Selector: ".pdp-title"}}, nil
	}

	learner.MarkPending("superdrug", []string{"name"})
	learner.Process(context.Background(), page, "superdrug", &models.ExtractedProduct{Name: "Vitamin C Serum 30ml"})
	learner.Wait()

	assert.Equal(t, []string{".pdp-title"}, store.Candidates("superdrug", "name"))
	assert.Zero(t, learner.Backlog())
}

func TestRejectsCandidateWithMismatchedText(t *testing.T) {
	store := newTestStore(t)
	learner := New(store, Config{})

	page := enginetest.NewFakePage()
	page.Texts[".breadcrumb"] = "Home / Skincare"
	page.Texts[".pdp-title"] = "Vitamin C Serum 30ml"
	page.ObserveFunc = func(prompt string) ([]engine.Candidate, error) {
		return []engine.Candidate{{Selector: ".breadcrumb"}, {Selector: ".pdp-title"}}, nil
	}

	learner.MarkPending("superdrug", []string{"name"})
	learner.Process(context.Background(), page, "superdrug", &models.ExtractedProduct{Name: "Vitamin C Serum 30ml"})
	learner.Wait()

	assert.Equal(t, []string{".pdp-title"}, store.Candidates("superdrug", "name"))
}

func TestImageSelectorMatchesByFilename(t *testing.T) {
	store := newTestStore(t)
	learner := New(store, Config{})

	page := enginetest.NewFakePage()
	page.Attrs["img.hero"] = map[string]string{
		"src": "https://cdn.test/resized/640x640/serum.jpg?v=2",
	}
	page.ObserveFunc = func(prompt string) ([]engine.Candidate, error) {
		return []engine.Candidate{{Selector: "img.hero"}}, nil
	}

	learner.MarkPending("superdrug", []string{"main_image"})
	learner.Process(context.Background(), page, "superdrug", &models.ExtractedProduct{
		MainImage: "https://cdn.test/full/serum.jpg",
	})
	learner.Wait()

	assert.Equal(t, []string{"img.hero"}, store.Candidates("superdrug", "main_image"))
}

func TestStockSelectorOnlyLearnedFromOutOfStockPages(t *testing.T) {
	store := newTestStore(t)
	learner := New(store, Config{})

	page := enginetest.NewFakePage()
	page.ObserveFunc = func(prompt string) ([]engine.Candidate, error) {
		return []engine.Candidate{{Selector: ".stock-flag"}}, nil
	}

	learner.MarkPending("superdrug", []string{"stock_status"})
	learner.Process(context.Background(), page, "superdrug", &models.ExtractedProduct{
		StockStatus: models.StockStatusInStock,
	})
	learner.Wait()

	assert.Empty(t, store.Candidates("superdrug", "stock_status"))
	assert.Empty(t, page.ObserveCalls, "in-stock pages have no stable element to observe")
	assert.Equal(t, 1, learner.Backlog(), "field stays pending until an out-of-stock page comes along")
}

func TestStockSelectorValidatedAgainstNegativeKeyword(t *testing.T) {
	store := newTestStore(t)
	learner := New(store, Config{})

	page := enginetest.NewFakePage()
	page.Texts[".stock-flag"] = "Sorry, this item is out of stock"
	page.Visible[".stock-flag"] = true
	page.ObserveFunc = func(prompt string) ([]engine.Candidate, error) {
		return []engine.Candidate{{Selector: ".stock-flag"}}, nil
	}

	learner.MarkPending("superdrug", []string{"stock_status"})
	learner.Process(context.Background(), page, "superdrug", &models.ExtractedProduct{
		StockStatus: models.StockStatusOutOfStock,
	})
	learner.Wait()

	assert.Equal(t, []string{".stock-flag"}, store.Candidates("superdrug", "stock_status"))
}

func TestPendingSurvivesFailedPass(t *testing.T) {
	store := newTestStore(t)
	learner := New(store, Config{})

	page := enginetest.NewFakePage()
	page.ObserveFunc = func(prompt string) ([]engine.Candidate, error) {
		return nil, context.DeadlineExceeded
	}

	learner.MarkPending("superdrug", []string{"description"})
	learner.Process(context.Background(), page, "superdrug", &models.ExtractedProduct{Description: "A serum."})
	learner.Wait()

	assert.Empty(t, store.Candidates("superdrug", "description"))
	assert.Equal(t, 1, learner.Backlog())
}

func TestConcurrentProcessCallsCoalesce(t *testing.T) {
	store := newTestStore(t)
	learner := New(store, Config{})

	release := make(chan struct{})
	var observes int
	var mu sync.Mutex

	page := enginetest.NewFakePage()
	page.Texts[".pdp-title"] = "Vitamin C Serum 30ml"
	page.ObserveFunc = func(prompt string) ([]engine.Candidate, error) {
		mu.Lock()
		observes++
		mu.Unlock()
		<-release
		return []engine.Candidate{{Selector: ".pdp-title"}}, nil
	}

	item := &models.ExtractedProduct{Name: "Vitamin C Serum 30ml"}
	learner.MarkPending("superdrug", []string{"name"})
	for i := 0; i < 5; i++ {
		learner.Process(context.Background(), page, "superdrug", item)
	}
	close(release)
	learner.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, observes)
}

func TestNoPendingFieldsIsANoOp(t *testing.T) {
	store := newTestStore(t)
	learner := New(store, Config{})

	page := enginetest.NewFakePage()
	learner.Process(context.Background(), page, "superdrug", &models.ExtractedProduct{Name: "x"})
	learner.Wait()

	assert.Empty(t, page.ObserveCalls)
}
