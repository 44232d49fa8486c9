// Package jsonstore provides the JSON document persistence used by the
// selector store, ledgers and output files: pretty-printed documents written
// atomically, with one process-wide mutex per path so concurrent
// read-modify-write sequences never interleave.
package jsonstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

var (
	locksMu sync.Mutex
	locks   = make(map[string]*sync.Mutex)
)

// Lock acquires the process-wide mutex for path and returns its unlock func.
func Lock(path string) func() {
	locksMu.Lock()
	mu, ok := locks[path]
	if !ok {
		mu = &sync.Mutex{}
		locks[path] = mu
	}
	locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Read decodes the JSON document at path into v.
func Read(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Write encodes v pretty-printed and writes it atomically via a temp file
// rename, creating parent directories as needed.
func Write(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Exists reports whether a regular file exists at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
