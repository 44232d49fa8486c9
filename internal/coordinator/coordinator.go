// Package coordinator drives a batch job: it partitions the work list into
// fixed-size batches claimed by a worker pool, runs extraction per item with
// rotation-and-retry on recoverable failures, and flushes buffered results to
// output and back into the ledger after every batch.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/engine"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/ledger"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/metrics"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/output"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/ratelimit"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/session"

	eventspkg "github.com/izzylite/bulk-scrapper-tool-sub000/internal/events"
)

// errBlocked marks an extraction whose page looked like an anti-bot block.
var errBlocked = errors.New("blocking detected")

// outcomeRecorder is implemented by pacers that adapt their delays to the
// run's outcome stream, such as ratelimit.AdaptivePacer.
type outcomeRecorder interface {
	RecordSuccess()
	RecordError()
}

// Extractor runs field extraction against an already-navigated page.
type Extractor interface {
	Extract(ctx context.Context, page engine.Page, item models.WorkItem) (*models.ExtractedProduct, error)
}

// LearnTrigger receives completed items for background selector learning.
type LearnTrigger interface {
	Process(ctx context.Context, page engine.Page, vendor string, item *models.ExtractedProduct)
	Backlog() int
	Wait()
}

type Config struct {
	BatchSize        int
	Workers          int
	NavigateTimeout  time.Duration
	NavigateAttempts int
	NavigateBackoff  time.Duration
}

func (c *Config) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 45 * time.Second
	}
	if c.NavigateAttempts <= 0 {
		c.NavigateAttempts = 3
	}
	if c.NavigateBackoff <= 0 {
		c.NavigateBackoff = 2 * time.Second
	}
}

// Summary is the terminal report of one batch job.
type Summary struct {
	Duration        time.Duration `json:"duration"`
	Processed       int64         `json:"processed"`
	Failed          int64         `json:"failed"`
	Retried         int64         `json:"retried"`
	Filtered        int64         `json:"filtered"`
	CacheHitRate    float64       `json:"cache_hit_rate"`
	LearningBacklog int           `json:"learning_backlog"`
}

// Coordinator owns one batch job end to end.
type Coordinator struct {
	extractor Extractor
	sessions  *session.Manager
	learner   LearnTrigger
	writer    *output.Writer
	updater   *output.Updater
	ledger    *ledger.File
	events    *eventspkg.Publisher
	metrics   *metrics.Metrics
	pacer     ratelimit.Pacer
	cfg       Config
	logger    *slog.Logger

	processed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	filtered  atomic.Int64
	total     int64
	started   time.Time
}

type Deps struct {
	Extractor Extractor
	Sessions  *session.Manager
	Learner   LearnTrigger
	Writer    *output.Writer
	Updater   *output.Updater
	Ledger    *ledger.File
	Events    *eventspkg.Publisher
	Metrics   *metrics.Metrics
	Pacer     ratelimit.Pacer
}

func New(deps Deps, cfg Config) *Coordinator {
	cfg.withDefaults()
	return &Coordinator{
		extractor: deps.Extractor,
		sessions:  deps.Sessions,
		learner:   deps.Learner,
		writer:    deps.Writer,
		updater:   deps.Updater,
		ledger:    deps.Ledger,
		events:    deps.Events,
		metrics:   deps.Metrics,
		pacer:     deps.Pacer,
		cfg:       cfg,
		logger:    slog.Default().With("component", "coordinator"),
	}
}

// Stats returns a progress snapshot for the status API.
func (c *Coordinator) Stats() any {
	elapsed := time.Duration(0)
	if !c.started.IsZero() {
		elapsed = time.Since(c.started)
	}
	return map[string]any{
		"total":     c.total,
		"processed": c.processed.Load(),
		"failed":    c.failed.Load(),
		"retried":   c.retried.Load(),
		"elapsed":   elapsed.String(),
	}
}

// RunBatchJob processes items to completion (or shutdown) and returns the
// terminal summary. Workers claim batches through a shared counter, so a
// worker stuck on retries never holds back the rest of the list.
func (c *Coordinator) RunBatchJob(ctx context.Context, items []models.WorkItem) (*Summary, error) {
	c.started = time.Now()
	c.total = int64(len(items))

	batches := partition(items, c.cfg.BatchSize)
	var nextBatch atomic.Int64

	var g errgroup.Group
	for i := 0; i < c.cfg.Workers; i++ {
		worker := c.sessions.NewWorker(i)
		g.Go(func() error {
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				worker.Close(closeCtx)
				cancel()
			}()
			for {
				if ctx.Err() != nil || c.sessions.ShuttingDown() {
					return nil
				}
				n := int(nextBatch.Add(1)) - 1
				if n >= len(batches) {
					return nil
				}
				c.runBatch(ctx, worker, batches[n])
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if c.learner != nil {
		c.learner.Wait()
	}

	summary := &Summary{
		Duration:     time.Since(c.started),
		Processed:    c.processed.Load(),
		Failed:       c.failed.Load(),
		Retried:      c.retried.Load(),
		Filtered:     c.filtered.Load(),
		CacheHitRate: c.metrics.CacheHitRate(),
	}
	if c.learner != nil {
		summary.LearningBacklog = c.learner.Backlog()
	}
	c.logger.Info("batch job finished",
		"duration", summary.Duration.Round(time.Second),
		"processed", summary.Processed,
		"failed", summary.Failed,
		"retried", summary.Retried,
		"cache_hit_rate", fmt.Sprintf("%.2f", summary.CacheHitRate),
		"learning_backlog", summary.LearningBacklog)
	return summary, nil
}

// runBatch extracts one batch sequentially on the worker's page, then
// flushes. Results are buffered so rotations mid-batch never lose
// already-collected work.
func (c *Coordinator) runBatch(ctx context.Context, worker *session.Worker, batch []models.WorkItem) {
	var successes []*models.ExtractedProduct
	failures := make(map[string]string)

	for _, item := range batch {
		if ctx.Err() != nil || c.sessions.ShuttingDown() {
			break
		}
		if c.pacer != nil {
			if err := c.pacer.Wait(ctx); err != nil {
				break
			}
		}

		result := c.processItem(ctx, worker, item)
		if result == nil {
			// Shutdown mid-item: leave it in the ledger for the next run.
			break
		}
		if result.IsFailure() {
			failures[item.URL] = result.Error
			c.failed.Add(1)
			c.metrics.IncItem("failure")
			c.pacerError()
			c.logger.Warn("item failed", "url", item.URL, "error", result.Error)
		} else {
			successes = append(successes, result)
			c.processed.Add(1)
			c.metrics.IncItem("success")
			c.pacerSuccess()
			if result.Retried {
				c.retried.Add(1)
			}
		}
	}

	c.flush(ctx, successes, failures)
}

// processItem runs one extraction attempt, and on a recoverable failure
// rotates the session and retries the whole item (variants included) exactly
// once. A nil return means shutdown interrupted the item before completion.
func (c *Coordinator) processItem(ctx context.Context, worker *session.Worker, item models.WorkItem) *models.ExtractedProduct {
	result, err := c.attemptItem(ctx, worker, item)
	if err == nil {
		return result
	}
	if errors.Is(err, session.ErrShuttingDown) || ctx.Err() != nil {
		return nil
	}

	if c.recoverable(err) {
		reason := "session_error"
		if errors.Is(err, errBlocked) {
			reason = "blocked"
		}
		c.pacerError()
		if rerr := worker.Rotate(ctx, reason); rerr != nil {
			if errors.Is(rerr, session.ErrShuttingDown) {
				return nil
			}
			return failureRecord(item, fmt.Errorf("rotation failed: %w", rerr))
		}
		result, err = c.attemptItem(ctx, worker, item)
		if err == nil {
			result.Retried = true
			return result
		}
		if errors.Is(err, session.ErrShuttingDown) || ctx.Err() != nil {
			return nil
		}
	}
	return failureRecord(item, err)
}

// attemptItem navigates to and extracts the main item, its variants strictly
// in order, and folds the variant results into the main record before it is
// returned.
func (c *Coordinator) attemptItem(ctx context.Context, worker *session.Worker, item models.WorkItem) (*models.ExtractedProduct, error) {
	page, err := worker.GetSafePage(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.navigate(ctx, page, item.URL); err != nil {
		return nil, err
	}

	result, err := c.extractor.Extract(ctx, page, item)
	if err != nil {
		return nil, err
	}

	body, _ := page.BodyText(ctx)
	if session.BlockingSuspected(body, result) {
		return nil, fmt.Errorf("%w: %s", errBlocked, item.URL)
	}

	for _, variant := range item.Variants {
		if c.sessions.ShuttingDown() {
			return nil, session.ErrShuttingDown
		}
		if err := c.navigate(ctx, page, variant.URL); err != nil {
			return nil, fmt.Errorf("variant %s: %w", variant.URL, err)
		}
		sub, err := c.extractor.Extract(ctx, page, variant)
		if err != nil {
			return nil, fmt.Errorf("variant %s: %w", variant.URL, err)
		}
		result.Variants = append(result.Variants, sub)
	}
	result.VariantCount = len(result.Variants)

	if c.learner != nil {
		c.learner.Process(ctx, page, item.Vendor, result)
	}
	return result, nil
}

// navigate retries transient failures with backoff. Session errors are not
// retried here; they bubble up to trigger a rotation instead.
func (c *Coordinator) navigate(ctx context.Context, page engine.Page, url string) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.NavigateAttempts; attempt++ {
		err := page.Goto(ctx, url, c.cfg.NavigateTimeout)
		if err == nil {
			return nil
		}
		if session.IsSessionError(err) || errors.Is(err, context.Canceled) {
			return err
		}
		lastErr = err
		if attempt < c.cfg.NavigateAttempts {
			if err := ratelimit.Backoff(ctx, attempt, c.cfg.NavigateBackoff); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("navigation failed after %d attempts: %w", c.cfg.NavigateAttempts, lastErr)
}

func (c *Coordinator) recoverable(err error) bool {
	return session.IsSessionError(err) || errors.Is(err, errBlocked)
}

func (c *Coordinator) pacerSuccess() {
	if r, ok := c.pacer.(outcomeRecorder); ok {
		r.RecordSuccess()
	}
}

func (c *Coordinator) pacerError() {
	if r, ok := c.pacer.(outcomeRecorder); ok {
		r.RecordError()
	}
}

// flush persists buffered results: successes are merged (in update mode),
// appended to output and removed from the ledger; failures annotate the
// ledger in place and stay for the next run.
func (c *Coordinator) flush(ctx context.Context, successes []*models.ExtractedProduct, failures map[string]string) {
	if len(successes) == 0 && len(failures) == 0 {
		return
	}
	start := time.Now()

	if c.updater != nil {
		for i, item := range successes {
			successes[i] = c.updater.Merge(item)
		}
	}

	urls := make([]string, 0, len(successes))
	for _, item := range successes {
		urls = append(urls, item.SourceURL)
	}

	if len(successes) > 0 {
		_, filtered, err := c.writer.Append(successes)
		if err != nil {
			// Keep the items in the ledger: the next run re-extracts them
			// rather than losing them.
			c.logger.Error("output flush failed", "error", err)
			urls = nil
		}
		c.filtered.Add(int64(filtered))
	}

	if len(urls) > 0 {
		if _, err := c.ledger.MarkProcessed(urls); err != nil {
			c.logger.Error("marking items processed failed", "error", err)
		}
	}
	if len(failures) > 0 {
		if _, err := c.ledger.MarkFailed(failures); err != nil {
			c.logger.Error("marking items failed failed", "error", err)
		}
	}

	c.events.PublishExtracted(ctx, successes)
	c.metrics.ObserveFlush(time.Since(start).Seconds())
	c.logger.Info("batch flushed", "successes", len(successes), "failures", len(failures))
}

func failureRecord(item models.WorkItem, err error) *models.ExtractedProduct {
	return &models.ExtractedProduct{
		UUID:           uuid.New().String(),
		Vendor:         item.Vendor,
		SourceURL:      item.URL,
		SKU:            item.SKU,
		ExtractedAt:    time.Now().UTC(),
		Error:          err.Error(),
		ErrorTimestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func partition(items []models.WorkItem, size int) [][]models.WorkItem {
	var batches [][]models.WorkItem
	for len(items) > 0 {
		n := size
		if n > len(items) {
			n = len(items)
		}
		batches = append(batches, items[:n])
		items = items[n:]
	}
	return batches
}
