// Package watcher turns native per-directory change notifications into
// semantic added, deleted and changed events for a whole directory tree.
//
// fsnotify watches a single directory, so the Watcher fans out one watch per
// directory and keeps a snapshot of each directory's entry names. Whenever a
// notification arrives for a directory it is re-listed and diffed against its
// snapshot. Bursts may coalesce into fewer notifications than edits, but the
// diff converges on the true contents once the burst is over.
package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/mirrorkit/mirror/internal/inodeset"
	"github.com/mirrorkit/mirror/internal/logging"
)

// Op is the kind of a semantic event.
type Op int

const (
	// OpAdded means a new entry appeared in a watched directory.
	OpAdded Op = iota
	// OpDeleted means an entry disappeared from a watched directory.
	OpDeleted
	// OpChanged means an existing entry was modified in place.
	OpChanged
	// OpReady is emitted once, after the initial tree is being watched.
	OpReady
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch op {
	case OpAdded:
		return "added"
	case OpDeleted:
		return "deleted"
	case OpChanged:
		return "changed"
	case OpReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Event is a semantic change. Path is relative to the watcher's root and is
// empty for OpReady.
type Event struct {
	Op   Op
	Path string
}

func (e Event) String() string {
	if e.Op == OpReady {
		return e.Op.String()
	}
	return e.Op.String() + " " + e.Path
}

// dirState is the registry record for one watched directory.
type dirState struct {
	path    string
	entries []string // sorted
	token   inodeset.Token
	gone    bool // a remove or rename named this directory itself
}

// Watcher watches every directory under a root.
// It must be started with Start before it emits events.
type Watcher struct {
	root   string
	fsw    *fsnotify.Watcher
	logger *logging.Logger

	// Owned by the event goroutine.
	dirs   map[string]*dirState
	tokens *inodeset.Set

	events  chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopped bool
}

// New creates a Watcher rooted at root, which must be an existing directory.
func New(root string, logger *logging.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", root, err)
	}
	abs = filepath.Clean(abs)

	_, kind, err := inodeset.Identify(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat root: %w", err)
	}
	if kind != inodeset.KindDir {
		return nil, fmt.Errorf("root %s is a %s, not a directory", abs, kind)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		root:   abs,
		fsw:    fsw,
		logger: logger,
		dirs:   make(map[string]*dirState),
		tokens: inodeset.New(),
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}, nil
}

// Root returns the absolute root directory.
func (w *Watcher) Root() string {
	return w.root
}

// Start schedules activation of the root on the watcher's goroutine and
// returns immediately, so the caller can begin reading Events before the
// first one is produced. OpReady follows once the initial tree is watched.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if w.stopped {
		return fmt.Errorf("watcher already stopped")
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching and releases every native watch. It blocks until the
// event goroutine has exited, then closes the Events channel.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	wasRunning := w.running
	w.running = false
	w.stopped = true
	w.mu.Unlock()

	close(w.done)

	// Closing the fsnotify watcher unblocks the event loop.
	err := w.fsw.Close()
	w.wg.Wait()
	if wasRunning {
		close(w.events)
	}
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Events returns the channel of semantic events. It is closed by Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// processEvents is the single goroutine that owns the directory registry.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	w.activate(w.root, false)
	if !w.emit(Event{Op: OpReady}) {
		return
	}
	w.logger.Infof("watching %d directories under %s", len(w.dirs), w.root)

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warnf("notification queue overflowed, rescanning all %d directories", len(w.dirs))
				w.resync()
				continue
			}
			w.logger.Errorf("watch error: %v", err)
		}
	}
}

// handle routes a raw notification to the diff handler of the directory
// containing the named entry.
func (w *Watcher) handle(ev fsnotify.Event) {
	w.logger.Debugf("raw notification %s", ev)

	dir := filepath.Dir(ev.Name)
	if _, ok := w.dirs[dir]; !ok {
		return
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if st, ok := w.dirs[ev.Name]; ok {
			st.gone = true
		}
	}
	hint := filepath.Base(ev.Name)
	if ev.Op == fsnotify.Chmod {
		hint = ""
	}
	w.rescan(dir, hint)
}

// resync rescans every registered directory without hints.
func (w *Watcher) resync() {
	paths := make([]string, 0, len(w.dirs))
	for p := range w.dirs {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	for _, p := range paths {
		w.rescan(p, "")
	}
}

// activate starts watching dir and, recursively, every directory below it.
// It is a no-op for a directory already being watched. With announce set,
// every entry found below dir is emitted as added, since those entries
// appeared together with dir and will never show up in a later diff.
func (w *Watcher) activate(dir string, announce bool) {
	if _, ok := w.dirs[dir]; ok {
		return
	}

	tok, kind, err := inodeset.Identify(dir)
	if err != nil {
		if inodeset.IsNotExist(err) {
			w.logger.Errorf("race: %s vanished before it could be watched", w.rel(dir))
		} else {
			w.logger.Errorf("failed to stat %s: %v", w.rel(dir), err)
		}
		return
	}
	if kind != inodeset.KindDir {
		return
	}
	if w.tokens.Has(tok) {
		w.logger.Warnf("not watching %s: the same directory is already watched through another path", w.rel(dir))
		return
	}

	if err := w.fsw.Add(dir); err != nil {
		w.logger.Errorf("failed to watch %s: %v", w.rel(dir), err)
		return
	}
	names, err := listNames(dir)
	if err != nil {
		_ = w.fsw.Remove(dir)
		w.logger.Errorf("failed to list %s: %v", w.rel(dir), err)
		return
	}

	w.tokens.Add(tok)
	w.dirs[dir] = &dirState{path: dir, entries: names, token: tok}
	w.logger.Debugf("watching %s", w.rel(dir))

	for _, name := range names {
		child := filepath.Join(dir, name)
		if announce {
			if !w.emit(Event{Op: OpAdded, Path: w.rel(child)}) {
				return
			}
		}
		if isDir(child) {
			w.activate(child, announce)
		}
	}
}

// rescan is the diff handler for one watched directory. hint names the
// entry the notification was about, or is empty when unknown.
func (w *Watcher) rescan(dir, hint string) {
	st, ok := w.dirs[dir]
	if !ok {
		return
	}

	current, err := listNames(dir)
	if err != nil {
		// The parent's diff reports the deletion and discards this state.
		if dir == w.root {
			w.logger.Errorf("failed to list root %s: %v", dir, err)
		} else {
			w.logger.Debugf("failed to list %s: %v", w.rel(dir), err)
		}
		return
	}

	deleted := difference(st.entries, current)
	added := difference(current, st.entries)
	st.entries = current

	var goneDirs []string
	for _, name := range deleted {
		child := filepath.Join(dir, name)
		if _, watched := w.dirs[child]; watched {
			goneDirs = append(goneDirs, name)
			w.discard(child)
		}
		if !w.emit(Event{Op: OpDeleted, Path: w.rel(child)}) {
			return
		}
	}

	// A watched directory replaced under the same name is in both
	// listings, but its native watch died with the old directory.
	var replaced []string
	for _, name := range current {
		child := filepath.Join(dir, name)
		cst, watched := w.dirs[child]
		if !watched || !w.replaced(cst) {
			continue
		}
		replaced = append(replaced, name)
		w.discard(child)
		w.logger.Infof("%s was replaced, watching it again", w.rel(child))
		if !w.emit(Event{Op: OpDeleted, Path: w.rel(child)}) {
			return
		}
		if !w.emit(Event{Op: OpAdded, Path: w.rel(child)}) {
			return
		}
		if isDir(child) {
			w.activate(child, true)
		}
	}

	var newDirs []string
	for _, name := range added {
		child := filepath.Join(dir, name)
		if !w.emit(Event{Op: OpAdded, Path: w.rel(child)}) {
			return
		}
		if isDir(child) {
			newDirs = append(newDirs, name)
			w.activate(child, true)
		}
	}

	if len(goneDirs) > 0 && len(newDirs) > 0 {
		w.logger.Noticef("possible rename in %s: %s -> %s (handled as delete and add)",
			w.rel(dir), strings.Join(goneDirs, ", "), strings.Join(newDirs, ", "))
	}

	if hint != "" && !slices.Contains(deleted, hint) && !slices.Contains(added, hint) && !slices.Contains(replaced, hint) {
		w.emit(Event{Op: OpChanged, Path: w.rel(filepath.Join(dir, hint))})
	}
}

// replaced reports whether the directory at st.path is no longer the one
// st was recorded for.
func (w *Watcher) replaced(st *dirState) bool {
	if st.gone {
		return true
	}
	tok, kind, err := inodeset.Identify(st.path)
	if err != nil {
		// Vanished after the listing; the next diff reports the deletion.
		return false
	}
	return kind != inodeset.KindDir || tok != st.token
}

// discard drops the state of dir and every registered directory below it,
// removing their native watches. The kernel may already have dropped them,
// so removal errors are ignored.
func (w *Watcher) discard(dir string) {
	prefix := dir + string(filepath.Separator)
	for p, st := range w.dirs {
		if p != dir && !strings.HasPrefix(p, prefix) {
			continue
		}
		_ = w.fsw.Remove(p)
		w.tokens.Remove(st.token)
		delete(w.dirs, p)
		w.logger.Debugf("stopped watching %s", w.rel(p))
	}
}

// emit sends ev unless the watcher is stopping.
func (w *Watcher) emit(ev Event) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.done:
		return false
	}
}

// rel converts an absolute path below the root into a root-relative one.
func (w *Watcher) rel(abs string) string {
	r, err := filepath.Rel(w.root, abs)
	if err != nil {
		return abs
	}
	return r
}

// listNames returns the sorted entry names of dir.
func listNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

// isDir follows symlinks.
func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// difference returns the names in a that are not in b. Both are sorted.
func difference(a, b []string) []string {
	var out []string
	for _, name := range a {
		if _, found := slices.BinarySearch(b, name); !found {
			out = append(out, name)
		}
	}
	return out
}
