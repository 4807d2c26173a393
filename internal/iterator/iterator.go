// Package iterator walks a directory tree once and yields the paths of its
// regular files relative to the root.
//
// The walk is depth-first over an explicit stack, so deep trees do not grow
// the goroutine stack. Every node is identified by device and inode before it
// is expanded; a node seen earlier in the same walk is skipped, which breaks
// symlink cycles and visits hard-linked files once.
//
// Sibling order is lexical: directory listings come back sorted and are
// pushed in reverse so they pop in order.
package iterator

import (
	"iter"
	"os"
	"path/filepath"

	"github.com/mirrorkit/mirror/internal/inodeset"
	"github.com/mirrorkit/mirror/internal/logging"
)

// Iterator is a one-shot, lazy walk. It is not safe for concurrent use and
// cannot be restarted; call New again for a fresh walk.
type Iterator struct {
	root   string
	stack  []string
	seen   *inodeset.Set
	logger *logging.Logger
	done   bool
}

// New prepares a walk of root. No filesystem access happens until the first
// call to Next.
func New(root string, logger *logging.Logger) *Iterator {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Iterator{
		root:   filepath.Clean(root),
		stack:  []string{""},
		seen:   inodeset.New(),
		logger: logger,
	}
}

// Root returns the normalized absolute root of the walk.
func (it *Iterator) Root() string {
	return it.root
}

// Next returns the next file path relative to the root. ok is false once the
// walk is exhausted, after which Done reports true.
func (it *Iterator) Next() (rel string, ok bool) {
	for len(it.stack) > 0 {
		rel = it.stack[len(it.stack)-1]
		it.stack = it.stack[:len(it.stack)-1]

		abs := filepath.Join(it.root, rel)
		it.logger.Debugf("iterator looking at %s", abs)

		tok, kind, err := inodeset.Identify(abs)
		if err != nil {
			if inodeset.IsNotExist(err) {
				it.logger.Errorf("race: %s vanished before the iterator could stat it", abs)
			} else {
				it.logger.Warnf("iterator: %v", err)
			}
			continue
		}
		if !it.seen.Visit(tok) {
			it.logger.Debugf("iterator: already visited %s (%s)", abs, tok)
			continue
		}

		switch kind {
		case inodeset.KindFile:
			return rel, true
		case inodeset.KindDir:
			it.push(abs, rel)
		default:
			it.logger.Warnf("iterator: don't know what to do with %s (not a file or directory)", abs)
		}
	}

	if !it.done {
		it.done = true
		it.logger.Debugf("iterator: done walking %s", it.root)
	}
	return "", false
}

func (it *Iterator) push(abs, rel string) {
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			it.logger.Errorf("race: directory %s vanished before the iterator could list it", abs)
		} else {
			it.logger.Warnf("iterator: cannot list %s: %v", abs, err)
		}
		return
	}
	for i := len(entries) - 1; i >= 0; i-- {
		it.stack = append(it.stack, filepath.Join(rel, entries[i].Name()))
	}
}

// Done reports whether the walk has been exhausted.
func (it *Iterator) Done() bool {
	return it.done
}

// All adapts the iterator to a range-over-func sequence. Breaking out of the
// loop leaves the iterator where it stopped.
func (it *Iterator) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			rel, ok := it.Next()
			if !ok || !yield(rel) {
				return
			}
		}
	}
}

// Collect walks root to completion and returns every file path in walk order.
func Collect(root string, logger *logging.Logger) []string {
	var paths []string
	for rel := range New(root, logger).All() {
		paths = append(paths, rel)
	}
	return paths
}
