// Package cache stores transformed file contents on disk, addressed by a
// fingerprint of their inputs.
//
// Entries are plain files named by the hex fingerprint directly under the
// cache directory. Every read failure is a miss and every write failure is
// reported as false; neither ever aborts a build, it only costs a
// recomputation.
//
// There is no locking between processes. Two writers of the same fingerprint
// write identical bytes, and renames make the last one win atomically.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
)

// ErrNotDirectory is returned by Open when the cache path is missing or is
// not a directory.
var ErrNotDirectory = errors.New("cache path is not a directory")

// Cache is a content-addressed blob store rooted at a directory.
type Cache struct {
	dir string
}

// Open returns a Cache over dir, which must already exist.
func Open(dir string) (*Cache, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("couldn't open cache directory %s: %w", abs, ErrNotDirectory)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("couldn't open cache directory %s: %w", abs, ErrNotDirectory)
	}
	return &Cache{dir: abs}, nil
}

// Dir returns the absolute cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Path returns the entry file for f.
func (c *Cache) Path(f Fingerprint) string {
	return filepath.Join(c.dir, f.String())
}

// Get returns the stored bytes for f. ok is false on any failure.
func (c *Cache) Get(f Fingerprint) (data []byte, ok bool) {
	data, err := os.ReadFile(c.Path(f))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set stores data under f and reports whether the write landed.
func (c *Cache) Set(f Fingerprint, data []byte) bool {
	return renameio.WriteFile(c.Path(f), data, 0644) == nil
}

// Remove deletes the entry for f. A missing entry is not an error.
func (c *Cache) Remove(f Fingerprint) error {
	if err := os.Remove(c.Path(f)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Entries lists the fingerprints currently stored. Files that are not
// fingerprint-named (the index database, stray temp files) are skipped.
func (c *Cache) Entries() ([]Fingerprint, error) {
	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache directory: %w", err)
	}
	var out []Fingerprint
	for _, de := range dirents {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		f, err := ParseFingerprint(de.Name())
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// Clear removes every entry and returns how many were removed.
func (c *Cache) Clear() (int, error) {
	entries, err := c.Entries()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range entries {
		if err := c.Remove(f); err != nil {
			return n, fmt.Errorf("failed to remove %s: %w", f, err)
		}
		n++
	}
	return n, nil
}
