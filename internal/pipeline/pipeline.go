// Package pipeline keeps an output tree consistent with an input tree.
//
// The Pipeline handles one semantic event at a time: added, deleted and
// changed paths relative to the input root. For every file it computes a
// fingerprint over the contents and the identities of the selected
// transformers, consults the content cache, and runs the transformers only on
// a miss. Errors never escape a handler; they are logged and the event is
// dropped.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/mirrorkit/mirror/internal/cache"
	"github.com/mirrorkit/mirror/internal/logging"
	"github.com/mirrorkit/mirror/internal/transform"
)

// Notification kinds passed to a Notifier.
const (
	NotifyBuilt   = "built"
	NotifyRemoved = "removed"
	NotifyReady   = "ready"
	NotifyError   = "error"
)

// Notifier is told about every output change, e.g. to reload a browser.
type Notifier interface {
	Notify(kind, relPath string)
}

// Recorder keeps a ledger of cache activity. *cache.Index implements it.
type Recorder interface {
	RecordWrite(f cache.Fingerprint, relPath string, transformers []string, size int64) error
	RecordHit(f cache.Fingerprint) error
}

// Options configures a Pipeline. Input, Output, Cache and Chain are required.
type Options struct {
	Input  string
	Output string
	Cache  *cache.Cache
	Chain  *transform.Chain
	Logger *logging.Logger

	// Recorder, if set, is updated on cache writes and hits.
	Recorder Recorder
	// Notifier, if set, is told about built and removed outputs.
	Notifier Notifier

	// DryRun leaves the output tree and the cache untouched and writes a
	// unified diff of every would-be change to DiffWriter.
	DryRun     bool
	DiffWriter io.Writer
}

// Stats counts what a Pipeline has done.
type Stats struct {
	Transformed int // cache misses that ran the transformers
	Hits        int // cache hits
	Written     int // output files written (or diffed in a dry run)
	Removed     int // output paths removed
	Errors      int // dropped events
}

// Pipeline mirrors input paths into the output tree. It is not safe for
// concurrent use; events are handled one at a time.
type Pipeline struct {
	input    string
	output   string
	cache    *cache.Cache
	chain    *transform.Chain
	logger   *logging.Logger
	recorder Recorder
	notifier Notifier
	dryRun   bool
	diffs    io.Writer

	stats Stats
}

// New validates opts and returns a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Input == "" {
		return nil, fmt.Errorf("input directory cannot be empty")
	}
	if opts.Output == "" {
		return nil, fmt.Errorf("output directory cannot be empty")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if opts.Chain == nil {
		return nil, fmt.Errorf("transformer chain cannot be nil")
	}
	input, err := filepath.Abs(opts.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve input: %w", err)
	}
	output, err := filepath.Abs(opts.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output: %w", err)
	}
	diffs := opts.DiffWriter
	if diffs == nil {
		diffs = io.Discard
	}
	return &Pipeline{
		input:    input,
		output:   output,
		cache:    opts.Cache,
		chain:    opts.Chain,
		logger:   opts.Logger,
		recorder: opts.Recorder,
		notifier: opts.Notifier,
		dryRun:   opts.DryRun,
		diffs:    diffs,
	}, nil
}

// Stats returns the counters accumulated so far.
func (p *Pipeline) Stats() Stats {
	return p.stats
}

// Input returns the absolute input root.
func (p *Pipeline) Input() string { return p.input }

// Output returns the absolute output root.
func (p *Pipeline) Output() string { return p.output }

// OnAdded mirrors a new input path: directories are created in the output
// tree, files are processed.
func (p *Pipeline) OnAdded(rel string) {
	fi, err := os.Stat(p.inputPath(rel))
	if err != nil {
		p.race(rel, "stat", err)
		return
	}
	switch {
	case fi.IsDir():
		p.mkdir(rel)
	case fi.Mode().IsRegular():
		p.ProcessFile(rel)
	default:
		p.logger.Warnf("don't know what to do with %s (%s)", rel, fi.Mode().Type())
	}
}

// OnDeleted removes the mirrored output path and, for a directory,
// everything beneath it.
func (p *Pipeline) OnDeleted(rel string) {
	out := p.outputPath(rel)
	fi, err := os.Lstat(out)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			p.logger.Infof("nothing to remove for %s", rel)
		} else {
			p.fail(rel, "stat output", err)
		}
		return
	}

	if p.dryRun {
		fmt.Fprintf(p.diffs, "remove %s\n", filepath.ToSlash(rel))
		p.stats.Removed++
		return
	}

	if fi.IsDir() {
		err = os.RemoveAll(out)
	} else {
		err = os.Remove(out)
	}
	if err != nil {
		p.fail(rel, "remove output", err)
		return
	}
	p.stats.Removed++
	p.logger.Infof("removed %s", rel)
	p.notify(NotifyRemoved, rel)
}

// OnChanged reprocesses a modified file. A changed directory has no defined
// meaning and is only logged.
func (p *Pipeline) OnChanged(rel string) {
	fi, err := os.Stat(p.inputPath(rel))
	if err != nil {
		p.race(rel, "stat", err)
		return
	}
	switch {
	case fi.IsDir():
		p.logger.Noticef("not sure what to do with changed directory %s", rel)
	case fi.Mode().IsRegular():
		p.ProcessFile(rel)
	default:
		p.logger.Warnf("don't know what to do with %s (%s)", rel, fi.Mode().Type())
	}
}

// InitialFile handles a file found by the startup walk. The walk yields no
// directory events, so the mirrored parent is created first.
func (p *Pipeline) InitialFile(rel string) {
	if !p.dryRun {
		if err := os.MkdirAll(filepath.Dir(p.outputPath(rel)), 0755); err != nil {
			p.fail(rel, "create output parent", err)
			return
		}
	}
	p.ProcessFile(rel)
}

// ProcessFile brings the output for one input file up to date.
//
// On a cache hit no transformer runs; the output is rewritten only when it
// differs from the cached bytes. On a miss the selected transformers run in
// order and the result is written to both the output and the cache. The
// parent output directory must already exist.
func (p *Pipeline) ProcessFile(rel string) {
	code, err := os.ReadFile(p.inputPath(rel))
	if err != nil {
		p.race(rel, "read", err)
		return
	}

	selected := p.chain.Select(code, rel)
	fp := p.chain.Fingerprint(code, selected)
	out := p.outputPath(rel)

	if cached, ok := p.cache.Get(fp); ok {
		p.stats.Hits++
		p.logger.Debugf("cache hit for %s (%s)", rel, fp)
		if p.recorder != nil && !p.dryRun {
			if err := p.recorder.RecordHit(fp); err != nil {
				p.logger.Warnf("failed to record cache hit for %s: %v", rel, err)
			}
		}
		if current, err := os.ReadFile(out); err == nil && bytes.Equal(current, cached) {
			return
		}
		p.write(rel, out, cached)
		return
	}

	result, err := transform.Apply(code, rel, selected)
	if err != nil {
		p.fail(rel, "transform", err)
		return
	}
	p.stats.Transformed++

	if !p.write(rel, out, result) || p.dryRun {
		return
	}

	if !p.cache.Set(fp, result) {
		p.logger.Warnf("failed to write cache entry %s for %s", fp, rel)
		return
	}
	if p.recorder != nil {
		if err := p.recorder.RecordWrite(fp, filepath.ToSlash(rel), transform.Names(selected), int64(len(result))); err != nil {
			p.logger.Warnf("failed to record cache entry for %s: %v", rel, err)
		}
	}
}

// write replaces the output file atomically, or diffs it in a dry run.
func (p *Pipeline) write(rel, out string, data []byte) bool {
	if p.dryRun {
		if err := p.diff(rel, out, data); err != nil {
			p.fail(rel, "diff", err)
			return false
		}
		p.stats.Written++
		return true
	}
	if err := renameio.WriteFile(out, data, 0644); err != nil {
		p.fail(rel, "write output", err)
		return false
	}
	p.stats.Written++
	p.logger.Infof("wrote %s", rel)
	p.notify(NotifyBuilt, rel)
	return true
}

// diff writes a unified diff between the current output and data.
func (p *Pipeline) diff(rel, out string, data []byte) error {
	from := "a/" + filepath.ToSlash(rel)
	current, err := os.ReadFile(out)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		from = "/dev/null"
	}
	if bytes.Equal(current, data) {
		return nil
	}
	return difflib.WriteUnifiedDiff(p.diffs, difflib.UnifiedDiff{
		A:        splitLines(current),
		B:        splitLines(data),
		FromFile: from,
		ToFile:   "b/" + filepath.ToSlash(rel),
		Context:  3,
	})
}

func splitLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	return difflib.SplitLines(string(b))
}

func (p *Pipeline) mkdir(rel string) {
	if p.dryRun {
		p.logger.Infof("would create directory %s", rel)
		return
	}
	err := os.Mkdir(p.outputPath(rel), 0755)
	if err != nil && !errors.Is(err, fs.ErrExist) {
		p.fail(rel, "create output directory", err)
		return
	}
	if err == nil {
		p.logger.Infof("created directory %s", rel)
	}
}

// race logs a path that vanished (or never became readable) between the
// event and the access.
func (p *Pipeline) race(rel, op string, err error) {
	p.stats.Errors++
	if errors.Is(err, fs.ErrNotExist) {
		p.logger.Errorf("race: %s vanished before %s", rel, op)
		return
	}
	p.logger.Errorf("failed to %s %s: %v", op, rel, err)
	p.notify(NotifyError, rel)
}

func (p *Pipeline) fail(rel, op string, err error) {
	p.stats.Errors++
	p.logger.Errorf("failed to %s %s: %v", op, rel, err)
	p.notify(NotifyError, rel)
}

func (p *Pipeline) notify(kind, rel string) {
	if p.notifier != nil {
		p.notifier.Notify(kind, filepath.ToSlash(rel))
	}
}

func (p *Pipeline) inputPath(rel string) string  { return filepath.Join(p.input, rel) }
func (p *Pipeline) outputPath(rel string) string { return filepath.Join(p.output, rel) }
