package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/mirrorkit/mirror/internal/iterator"
	"github.com/mirrorkit/mirror/internal/logging"
	"github.com/mirrorkit/mirror/internal/watcher"
)

// Runner drives a Pipeline: the initial walk of the input tree, then watcher
// events until the context is cancelled. Events are dispatched from a single
// goroutine, so no two handlers ever run at once.
type Runner struct {
	pipeline *Pipeline
	logger   *logging.Logger
	notifier Notifier

	mu      sync.Mutex
	running bool

	// ready, if set, is closed once the watcher has activated the tree and
	// the initial pass is done. Used by tests.
	ready chan struct{}
}

// NewRunner creates a Runner for p. notifier may be nil.
func NewRunner(p *Pipeline, logger *logging.Logger, notifier Notifier) (*Runner, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	return &Runner{pipeline: p, logger: logger, notifier: notifier}, nil
}

// Build performs the initial pass: every file under the input root is handled
// as if it had just been added. It returns the number of files seen.
func (r *Runner) Build(ctx context.Context) (int, error) {
	r.logger.Infof("initial pass over %s", r.pipeline.Input())

	it := iterator.New(r.pipeline.Input(), r.logger)
	n := 0
	for rel := range it.All() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		r.pipeline.InitialFile(rel)
		n++
	}

	st := r.pipeline.Stats()
	r.logger.Noticef("initial pass complete: %d files, %d transformed, %d cache hits, %d errors",
		n, st.Transformed, st.Hits, st.Errors)
	return n, nil
}

// Watch runs the initial pass and then mirrors watcher events until ctx is
// cancelled. The watcher is started before the walk so that changes made
// during the walk are not lost; they are handled once the walk finishes.
//
// This blocks until ctx is cancelled or the watcher cannot be created.
func (r *Runner) Watch(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("runner already running")
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	w, err := watcher.New(r.pipeline.Input(), r.logger)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer func() {
		if err := w.Stop(); err != nil {
			r.logger.Warnf("error stopping watcher: %v", err)
		}
	}()

	if _, err := r.Build(ctx); err != nil {
		r.logger.Infof("shutdown during initial pass")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Infof("shutdown signal received")
			return nil

		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			r.dispatch(ev)
		}
	}
}

// dispatch hands one watcher event to its handler.
func (r *Runner) dispatch(ev watcher.Event) {
	r.logger.Debugf("event %s", ev)

	switch ev.Op {
	case watcher.OpAdded:
		r.pipeline.OnAdded(ev.Path)
	case watcher.OpDeleted:
		r.pipeline.OnDeleted(ev.Path)
	case watcher.OpChanged:
		r.pipeline.OnChanged(ev.Path)
	case watcher.OpReady:
		r.logger.Noticef("watching %s for changes", r.pipeline.Input())
		if r.notifier != nil {
			r.notifier.Notify(NotifyReady, "")
		}
		if r.ready != nil {
			close(r.ready)
			r.ready = nil
		}
	default:
		r.logger.Warnf("unknown watcher event %s", ev)
	}
}

// IsRunning returns true while Watch is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
