package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/api"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/config"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/coordinator"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/engine"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/events"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/extract"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/learn"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/ledger"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/metrics"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/normalize"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/output"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/ratelimit"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/selectors"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/session"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/vendors"
	"github.com/izzylite/bulk-scrapper-tool-sub000/pkg/logger"
)

type options struct {
	input        string
	vendor       string
	batchSize    int
	workers      int
	limit        int
	update       bool
	updateKey    string
	updateFields []string
	staleDays    int
	headless     bool
	outputDir    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "extractor",
		Short: "Extract structured product data from vendor pages",
		Long: `Runs a resumable batch extraction job against a vendor's product pages.
An interrupted run picks up from its processing ledger on the next invocation.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "work list JSON file (required unless a ledger is resumable)")
	cmd.Flags().StringVarP(&opts.vendor, "vendor", "v", "", "vendor name (required)")
	cmd.Flags().IntVarP(&opts.batchSize, "batch-size", "b", 10, "items per batch")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 2, "concurrent workers, one browser session each")
	cmd.Flags().IntVarP(&opts.limit, "limit", "l", 0, "max items this run (0 = all)")
	cmd.Flags().BoolVar(&opts.update, "update", false, "merge onto prior output instead of plain append")
	cmd.Flags().StringVar(&opts.updateKey, "update-key", "product_id", "identity key for update merges")
	cmd.Flags().StringSliceVar(&opts.updateFields, "update-fields", nil, "fields overwritten by an update run")
	cmd.Flags().IntVar(&opts.staleDays, "stale-days", 0, "skip items whose baseline is newer than this many days")
	cmd.Flags().BoolVar(&opts.headless, "headless", true, "run the browser headless")
	cmd.Flags().StringVarP(&opts.outputDir, "output-dir", "o", "", "output directory (overrides OUTPUT_DIR)")
	cmd.MarkFlagRequired("vendor")

	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.outputDir != "" {
		cfg.Output.Dir = opts.outputDir
	}
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = opts.headless
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		return err
	}

	ledgerFile, led, err := resolveLedger(cfg, opts, log)
	if err != nil {
		return err
	}

	items := led.Items
	if opts.limit > 0 && opts.limit < len(items) {
		items = items[:opts.limit]
	}

	m := metrics.New()

	store, err := selectors.NewStore(cfg.Selectors.StorePath, cfg.Selectors.MaxPerField)
	if err != nil {
		log.Error("opening selector store failed", "error", err)
		return err
	}

	model := engine.NewHTTPModelClient(cfg.Engine.Endpoint, cfg.Engine.APIKey)
	factory := engine.NewPlaywrightFactory(model)
	registry := vendors.NewRegistry()

	learner := learn.New(store, learn.Config{
		ObserveTimeout: cfg.Engine.ObserveTimeout,
		LocatorTimeout: cfg.Browser.LocatorTimeout,
	})

	extractor := extract.NewEngine(store, registry, learner, m, extract.Config{
		ResultFreshness:   cfg.Cache.ResultFreshness,
		SnapshotFreshness: cfg.Cache.SnapshotFreshness,
		CacheSize:         cfg.Cache.ResultCacheSize,
		LocatorTimeout:    cfg.Browser.LocatorTimeout,
		DOMSettleTimeout:  time.Duration(cfg.Engine.DOMSettleMillis) * time.Millisecond,
	})

	var proxy *engine.Proxy
	if cfg.Proxy.Server != "" {
		proxy = &engine.Proxy{
			Server:   cfg.Proxy.Server,
			Username: cfg.Proxy.Username,
			Password: cfg.Proxy.Password,
		}
	}
	manager := session.NewManager(factory, session.Options{
		Session: engine.SessionOptions{
			Headless:       cfg.Browser.Headless,
			UserAgent:      cfg.Browser.UserAgent,
			ViewportWidth:  cfg.Browser.ViewportWidth,
			ViewportHeight: cfg.Browser.ViewportHeight,
			Locale:         cfg.Browser.Locale,
			TimezoneID:     cfg.Browser.TimezoneID,
		},
		Proxy:        proxy,
		BlockImages:  cfg.Browser.BlockImages,
		BlockStyles:  cfg.Browser.BlockStyles,
		BlockScripts: cfg.Browser.BlockScripts,
		Metrics:      m,
	})
	defer manager.Shutdown()

	var updater *output.Updater
	if opts.update {
		index, err := output.OpenBaselineIndex(cfg.Output.BaselineDBPath)
		if err != nil {
			log.Error("opening baseline index failed", "error", err)
			return err
		}
		defer index.Close()
		if err := index.Build(cfg.Output.Dir, opts.vendor, opts.updateKey); err != nil {
			log.Error("building baseline index failed", "error", err)
			return err
		}
		updater = output.NewUpdater(index, opts.updateKey, opts.updateFields)
		if opts.staleDays > 0 {
			items = filterFresh(items, updater, opts.updateKey, opts.staleDays)
			log.Info("stale filter applied", "remaining", len(items), "stale_days", opts.staleDays)
		}
	}

	name := strings.TrimSuffix(filepath.Base(ledgerFile.Path()), ".json")
	sourceFile := ""
	if len(led.SourceFiles) > 0 {
		sourceFile = led.SourceFiles[0]
	}
	writer := output.NewWriter(cfg.Output.Dir, name, opts.vendor, sourceFile, cfg.Output.RotateAt)

	var publisher *events.Publisher
	if cfg.Events.RedisAddr != "" {
		p, closeRedis, err := events.Connect(context.Background(), cfg.Events.RedisAddr, "", cfg.Events.Stream)
		if err != nil {
			log.Error("connecting to redis failed", "error", err)
			return err
		}
		defer closeRedis()
		publisher = p
	}

	coord := coordinator.New(coordinator.Deps{
		Extractor: extractor,
		Sessions:  manager,
		Learner:   learner,
		Writer:    writer,
		Updater:   updater,
		Ledger:    ledgerFile,
		Events:    publisher,
		Metrics:   m,
		Pacer:     ratelimit.NewAdaptivePacer(time.Second, 3*time.Second),
	}, coordinator.Config{
		BatchSize:       opts.batchSize,
		Workers:         opts.workers,
		NavigateTimeout: cfg.Browser.NavigateTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Status.Addr != "" {
		go api.Serve(ctx, cfg.Status.Addr, api.NewRouter(coord.Stats, m.Registry))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown requested, flushing buffers", "signal", sig.String())
		manager.BeginShutdown()
		<-sigCh
		log.Warn("second signal, exiting immediately")
		os.Exit(130)
	}()

	log.Info("starting batch job",
		"vendor", opts.vendor,
		"items", len(items),
		"batch_size", opts.batchSize,
		"workers", opts.workers,
		"update", opts.update)

	summary, err := coord.RunBatchJob(ctx, items)
	if err != nil {
		log.Error("batch job failed", "error", err)
		return err
	}

	fmt.Printf("done in %s: %d processed, %d failed, %d retried, cache hit rate %.0f%%, learning backlog %d\n",
		summary.Duration.Round(time.Second), summary.Processed, summary.Failed,
		summary.Retried, summary.CacheHitRate*100, summary.LearningBacklog)
	return nil
}

// resolveLedger resumes the vendor's active ledger when one exists, otherwise
// ingests the --input work list into a fresh one.
func resolveLedger(cfg *config.Config, opts *options, log *slog.Logger) (*ledger.File, *models.Ledger, error) {
	file, led, err := ledger.FindActive(cfg.Output.LedgerDir, opts.vendor)
	if err != nil {
		log.Error("scanning for active ledger failed", "error", err)
		return nil, nil, err
	}
	if file != nil {
		log.Info("resuming active ledger",
			"path", file.Path(),
			"remaining", led.Remaining(),
			"processed", led.ProcessedCount)
		return file, led, nil
	}

	if opts.input == "" {
		return nil, nil, fmt.Errorf("no active ledger for vendor %q and no --input given", opts.vendor)
	}
	items, err := readWorkItems(opts.input, opts.vendor)
	if err != nil {
		log.Error("reading input failed", "input", opts.input, "error", err)
		return nil, nil, err
	}
	items = normalize.FilterExcluded(items, cfg.Output.Exclude)
	if len(items) == 0 {
		return nil, nil, fmt.Errorf("input %s contains no usable items", opts.input)
	}

	path := filepath.Join(cfg.Output.LedgerDir,
		fmt.Sprintf("%s_%s.json", opts.vendor, time.Now().UTC().Format("20060102_150405")))
	file, led, err = ledger.Create(path, opts.vendor, items, cfg.Output.Exclude, []string{filepath.Base(opts.input)})
	if err != nil {
		log.Error("creating ledger failed", "error", err)
		return nil, nil, err
	}
	log.Info("created ledger", "path", path, "items", len(items))
	return file, led, nil
}

// readWorkItems accepts either a bare JSON array of work items or an object
// with an "items" array. URLs are cleaned and de-duplicated; the first
// occurrence wins.
func readWorkItems(path, vendor string) ([]models.WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var items []models.WorkItem
	if err := json.Unmarshal(data, &items); err != nil {
		var doc struct {
			Items []models.WorkItem `json:"items"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		items = doc.Items
	}

	seen := make(map[string]bool, len(items))
	out := make([]models.WorkItem, 0, len(items))
	for _, item := range items {
		item.URL = normalize.CleanURL(item.URL)
		if item.URL == "" || seen[item.URL] {
			continue
		}
		seen[item.URL] = true
		if item.Vendor == "" {
			item.Vendor = vendor
		}
		for i := range item.Variants {
			item.Variants[i].URL = normalize.CleanURL(item.Variants[i].URL)
			if item.Variants[i].Vendor == "" {
				item.Variants[i].Vendor = vendor
			}
		}
		out = append(out, item)
	}
	return out, nil
}

func filterFresh(items []models.WorkItem, updater *output.Updater, keyField string, staleDays int) []models.WorkItem {
	out := items[:0]
	for _, item := range items {
		key := item.SKU
		if keyField == "url" || keyField == "source_url" || key == "" {
			key = item.URL
		}
		if updater.Stale(key, staleDays) {
			out = append(out, item)
		}
	}
	return out
}
