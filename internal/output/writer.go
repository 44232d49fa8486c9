// Package output persists extraction results: append-only JSON documents
// with price normalization, dead-listing filtering and rotation at an item
// cap, plus update-mode merging against a baseline index.
package output

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/jsonstore"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/normalize"
)

const DefaultRotateAt = 10000

// Writer appends extracted products to one logical output, rotating to
// indexed sibling files once the active file reaches the item cap.
type Writer struct {
	dir        string
	name       string
	vendor     string
	sourceFile string
	rotateAt   int
	logger     *slog.Logger
}

func NewWriter(dir, name, vendor, sourceFile string, rotateAt int) *Writer {
	if rotateAt <= 0 {
		rotateAt = DefaultRotateAt
	}
	return &Writer{
		dir:        dir,
		name:       strings.TrimSuffix(name, ".json"),
		vendor:     vendor,
		sourceFile: sourceFile,
		rotateAt:   rotateAt,
		logger:     slog.Default().With("component", "output_writer", "name", name),
	}
}

// FilePath returns the path of the output file at the given rotation index.
// Index 0 is the unindexed base file.
func (w *Writer) FilePath(index int) string {
	if index == 0 {
		return filepath.Join(w.dir, w.name+".output.json")
	}
	return filepath.Join(w.dir, fmt.Sprintf("%s.output_%d.json", w.name, index))
}

// Files lists the output files written so far, in rotation order.
func (w *Writer) Files() []string {
	var files []string
	for i := 0; ; i++ {
		path := w.FilePath(i)
		if !jsonstore.Exists(path) {
			break
		}
		files = append(files, path)
	}
	return files
}

// Append sanitizes and persists items, filtering dead listings (empty price
// with an in-stock status). It returns how many items were written and how
// many were filtered. The whole append is serialized per logical output.
func (w *Writer) Append(items []*models.ExtractedProduct) (written, filtered int, err error) {
	if len(items) == 0 {
		return 0, 0, nil
	}

	keep := make([]*models.ExtractedProduct, 0, len(items))
	for _, item := range items {
		item.Price = normalize.Price(item.Price)
		for _, v := range item.Variants {
			v.Price = normalize.Price(v.Price)
		}
		if item.Price == "" && item.InStock() {
			filtered++
			continue
		}
		keep = append(keep, item)
	}

	// Rotation index changes under us only via this lock.
	unlock := jsonstore.Lock(w.FilePath(0))
	defer unlock()

	index := w.activeIndex()
	pendingFiltered := filtered
	for len(keep) > 0 || pendingFiltered > 0 {
		doc, err := w.loadOrCreate(index)
		if err != nil {
			return written, filtered, err
		}
		room := w.rotateAt - len(doc.Items)
		if room <= 0 {
			index++
			continue
		}
		chunk := keep
		if len(chunk) > room {
			chunk = chunk[:room]
		}
		doc.Items = append(doc.Items, chunk...)
		doc.TotalItems = len(doc.Items)
		doc.FilteredInvalidCount += pendingFiltered
		doc.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		if err := jsonstore.Write(w.FilePath(index), doc); err != nil {
			return written, filtered, fmt.Errorf("writing output: %w", err)
		}
		pendingFiltered = 0
		written += len(chunk)
		keep = keep[len(chunk):]
	}
	return written, filtered, nil
}

// activeIndex finds the newest existing rotation index, or 0.
func (w *Writer) activeIndex() int {
	index := 0
	for jsonstore.Exists(w.FilePath(index + 1)) {
		index++
	}
	return index
}

func (w *Writer) loadOrCreate(index int) (*models.OutputDocument, error) {
	path := w.FilePath(index)
	if !jsonstore.Exists(path) {
		if err := os.MkdirAll(w.dir, 0o755); err != nil {
			return nil, err
		}
		return &models.OutputDocument{
			Vendor:     w.vendor,
			SourceFile: w.sourceFile,
			CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		}, nil
	}
	var doc models.OutputDocument
	if err := jsonstore.Read(path, &doc); err != nil {
		return nil, fmt.Errorf("reading output %s: %w", path, err)
	}
	return &doc, nil
}
