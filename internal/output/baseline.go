package output

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
)

// BaselineIndex is a durable key to (file, offset) index over all prior
// output for a vendor. Update mode uses it to fetch an item's previous
// snapshot without loading whole output files into memory.
type BaselineIndex struct {
	db     *sql.DB
	logger *slog.Logger
}

func OpenBaselineIndex(path string) (*BaselineIndex, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening baseline index: %w", err)
	}
	// One writer at a time; the index is only built and queried from the
	// main goroutine.
	db.SetMaxOpenConns(1)

	schema := `
CREATE TABLE IF NOT EXISTS baseline_items (
	key    TEXT PRIMARY KEY,
	file   TEXT NOT NULL,
	offset INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS indexed_files (
	path  TEXT PRIMARY KEY,
	mtime INTEGER NOT NULL,
	size  INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating baseline schema: %w", err)
	}
	return &BaselineIndex{
		db:     db,
		logger: slog.Default().With("component", "baseline_index"),
	}, nil
}

func (ix *BaselineIndex) Close() error {
	return ix.db.Close()
}

// Build indexes every output document under dir for the vendor, keyed by
// keyField. Files whose size and mtime match the previous build are skipped,
// so a build after an unchanged run is free.
func (ix *BaselineIndex) Build(dir, vendor, keyField string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scanning output dir: %w", err)
	}

	indexed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.Contains(entry.Name(), ".output") || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			return err
		}

		var mtime, size int64
		err = ix.db.QueryRow(`SELECT mtime, size FROM indexed_files WHERE path = ?`, path).Scan(&mtime, &size)
		if err == nil && mtime == info.ModTime().UnixNano() && size == info.Size() {
			continue
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		n, err := ix.indexFile(path, vendor, keyField)
		if err != nil {
			return fmt.Errorf("indexing %s: %w", path, err)
		}
		if _, err := ix.db.Exec(
			`INSERT INTO indexed_files (path, mtime, size) VALUES (?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET mtime = excluded.mtime, size = excluded.size`,
			path, info.ModTime().UnixNano(), info.Size(),
		); err != nil {
			return err
		}
		indexed += n
	}
	if indexed > 0 {
		ix.logger.Info("baseline index built", "dir", dir, "items", indexed)
	}
	return nil
}

// indexFile streams one output document and records the byte offset of every
// item element. Later files win on key collisions, so the newest snapshot of
// a product is the one fetched.
func (ix *BaselineIndex) indexFile(path, vendor, keyField string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := seekItemsArray(dec); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, err
	}

	tx, err := ix.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO baseline_items (key, file, offset) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET file = excluded.file, offset = excluded.offset`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	n := 0
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return 0, err
		}
		// RawMessage holds the element's literal bytes, so its start is the
		// decoder position minus its length.
		offset := dec.InputOffset() - int64(len(raw))

		var item models.ExtractedProduct
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		if vendor != "" && !strings.EqualFold(item.Vendor, vendor) {
			continue
		}
		key := item.KeyField(keyField)
		if key == "" {
			continue
		}
		if _, err := stmt.Exec(key, path, offset); err != nil {
			return 0, err
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// Fetch returns the baseline snapshot for a key, or (nil, nil) when the key
// has never been written.
func (ix *BaselineIndex) Fetch(key string) (*models.ExtractedProduct, error) {
	var file string
	var offset int64
	err := ix.db.QueryRow(`SELECT file, offset FROM baseline_items WHERE key = ?`, key).Scan(&file, &offset)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("opening baseline file: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	var item models.ExtractedProduct
	if err := json.NewDecoder(f).Decode(&item); err != nil {
		return nil, fmt.Errorf("decoding baseline item: %w", err)
	}
	return &item, nil
}

// seekItemsArray advances the decoder to just inside the top-level "items"
// array. Key positions are tracked per container so a string value that
// happens to equal "items" is never mistaken for the key.
func seekItemsArray(dec *json.Decoder) error {
	type frame struct {
		object  bool
		nextKey bool
	}
	var stack []frame
	var lastKey string

	valueDone := func() {
		if n := len(stack); n > 0 && stack[n-1].object {
			stack[n-1].nextKey = true
		}
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{':
				stack = append(stack, frame{object: true, nextKey: true})
			case '[':
				if len(stack) == 1 && stack[0].object && lastKey == "items" {
					return nil
				}
				stack = append(stack, frame{})
			case '}', ']':
				stack = stack[:len(stack)-1]
				valueDone()
			}
		default:
			if n := len(stack); n > 0 && stack[n-1].object && stack[n-1].nextKey {
				if s, ok := tok.(string); ok && n == 1 {
					lastKey = s
				}
				stack[len(stack)-1].nextKey = false
			} else {
				valueDone()
			}
		}
	}
}
