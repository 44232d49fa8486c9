// Package ledger persists the resumable processing document for one batch
// job. Successful items are removed, failures are annotated in place, and a
// drained ledger is deactivated and archived so interrupted runs resume
// exactly where they stopped.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/jsonstore"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/normalize"
)

// ErrMalformed marks a ledger file whose structure cannot be trusted. It
// aborts the run rather than risking item loss.
var ErrMalformed = errors.New("malformed ledger")

// File is a handle on one ledger document. All mutations are read-modify-write
// cycles under the per-path lock shared with every other writer in the
// process.
type File struct {
	path   string
	logger *slog.Logger
}

func Open(path string) *File {
	return &File{
		path:   path,
		logger: slog.Default().With("component", "ledger", "path", path),
	}
}

// Path returns the backing file path.
func (f *File) Path() string { return f.path }

// Load reads and validates the ledger.
func (f *File) Load() (*models.Ledger, error) {
	unlock := jsonstore.Lock(f.path)
	defer unlock()
	return f.loadLocked()
}

func (f *File) loadLocked() (*models.Ledger, error) {
	var led models.Ledger
	if err := jsonstore.Read(f.path, &led); err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	if err := validate(&led); err != nil {
		return nil, err
	}
	return &led, nil
}

// Create writes a fresh active ledger for the given items.
func Create(path, vendor string, items []models.WorkItem, exclude, sourceFiles []string) (*File, *models.Ledger, error) {
	led := &models.Ledger{
		Active:      true,
		Vendor:      vendor,
		TotalCount:  len(items),
		Exclude:     exclude,
		SourceFiles: sourceFiles,
		Items:       items,
	}
	if err := validate(led); err != nil {
		return nil, nil, err
	}
	f := Open(path)
	unlock := jsonstore.Lock(path)
	defer unlock()
	if err := jsonstore.Write(path, led); err != nil {
		return nil, nil, fmt.Errorf("writing ledger: %w", err)
	}
	return f, led, nil
}

// FindActive scans dir for the vendor's active ledger. When several are
// active at once the most recently modified wins and the rest are
// deactivated in place.
func FindActive(dir, vendor string) (*File, *models.Ledger, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("scanning ledger dir: %w", err)
	}

	type candidate struct {
		path    string
		modTime time.Time
		led     *models.Ledger
	}
	var active []candidate
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		var led models.Ledger
		if err := jsonstore.Read(path, &led); err != nil {
			continue
		}
		if err := validate(&led); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		if !led.Active || !strings.EqualFold(led.Vendor, vendor) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, nil, err
		}
		active = append(active, candidate{path: path, modTime: info.ModTime(), led: &led})
	}
	if len(active) == 0 {
		return nil, nil, nil
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].modTime.After(active[j].modTime)
	})
	for _, stale := range active[1:] {
		stale.led.Active = false
		unlock := jsonstore.Lock(stale.path)
		if err := jsonstore.Write(stale.path, stale.led); err != nil {
			slog.Warn("deactivating duplicate ledger failed", "path", stale.path, "error", err)
		}
		unlock()
		slog.Info("deactivated duplicate active ledger", "path", stale.path, "vendor", vendor)
	}

	return Open(active[0].path), active[0].led, nil
}

// MarkProcessed removes the given URLs and bumps processed_count in one
// atomic write. A fully drained ledger is deactivated and archived.
func (f *File) MarkProcessed(urls []string) (*models.Ledger, error) {
	if len(urls) == 0 {
		return f.Load()
	}
	done := make(map[string]bool, len(urls))
	for _, u := range urls {
		done[u] = true
	}

	unlock := jsonstore.Lock(f.path)
	defer unlock()

	led, err := f.loadLocked()
	if err != nil {
		return nil, err
	}

	kept := led.Items[:0]
	removed := 0
	for _, item := range led.Items {
		if done[item.URL] {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	led.Items = kept
	led.ProcessedCount += removed

	if len(led.Items) == 0 {
		led.Active = false
	}
	if err := jsonstore.Write(f.path, led); err != nil {
		return nil, fmt.Errorf("writing ledger: %w", err)
	}
	if len(led.Items) == 0 {
		f.archive()
	}
	return led, nil
}

// MarkFailed annotates items in place with their error, timestamp and
// incremented retry count. Failed items stay in the ledger for the next run.
func (f *File) MarkFailed(failures map[string]string) (*models.Ledger, error) {
	if len(failures) == 0 {
		return f.Load()
	}

	unlock := jsonstore.Lock(f.path)
	defer unlock()

	led, err := f.loadLocked()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for i := range led.Items {
		msg, ok := failures[led.Items[i].URL]
		if !ok {
			continue
		}
		led.Items[i].Error = msg
		led.Items[i].ErrorTimestamp = now
		led.Items[i].RetryCount++
	}
	if err := jsonstore.Write(f.path, led); err != nil {
		return nil, fmt.Errorf("writing ledger: %w", err)
	}
	return led, nil
}

// archive moves the drained ledger file into a sibling archive directory.
// Best effort: a failed move leaves the deactivated ledger in place.
func (f *File) archive() {
	dir := filepath.Join(filepath.Dir(f.path), "archive")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		f.logger.Warn("creating archive dir failed", "error", err)
		return
	}
	dest := filepath.Join(dir, filepath.Base(f.path))
	if err := os.Rename(f.path, dest); err != nil {
		f.logger.Warn("archiving ledger failed", "error", err)
		return
	}
	f.logger.Info("ledger drained and archived", "archive", dest)
}

// validate rejects structurally broken ledgers: missing vendor, negative
// counts, duplicate or invalid item URLs.
func validate(led *models.Ledger) error {
	if led.Vendor == "" {
		return fmt.Errorf("%w: missing vendor", ErrMalformed)
	}
	if led.TotalCount < 0 || led.ProcessedCount < 0 {
		return fmt.Errorf("%w: negative counts", ErrMalformed)
	}
	if led.ProcessedCount+len(led.Items) > led.TotalCount {
		// Older jobs tracked total_count loosely; repair rather than reject.
		led.TotalCount = led.ProcessedCount + len(led.Items)
	}
	seen := make(map[string]bool, len(led.Items))
	for _, item := range led.Items {
		if !normalize.ValidURL(item.URL) {
			return fmt.Errorf("%w: invalid item url %q", ErrMalformed, item.URL)
		}
		if seen[item.URL] {
			return fmt.Errorf("%w: duplicate item url %q", ErrMalformed, item.URL)
		}
		seen[item.URL] = true
	}
	return nil
}
