package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirrorkit/mirror/internal/cache"
	"github.com/mirrorkit/mirror/internal/config"
	"github.com/mirrorkit/mirror/internal/livereload"
	"github.com/mirrorkit/mirror/internal/pipeline"
	"github.com/mirrorkit/mirror/internal/transform"
)

// session holds everything opened for one build or watch run.
type session struct {
	cache    *cache.Cache
	index    *cache.Index
	chain    *transform.Chain
	pipeline *pipeline.Pipeline
}

func (s *session) Close() error {
	var errs []error
	if s.chain != nil {
		errs = append(errs, s.chain.Close())
	}
	if s.index != nil {
		errs = append(errs, s.index.Close())
	}
	return errors.Join(errs...)
}

// closeSession releases s, logging anything that did not close cleanly.
func (a *app) closeSession(s *session) {
	if err := s.Close(); err != nil {
		a.logger.Warnf("%v", err)
	}
}

// closeIndex closes idx, logging a failed checkpoint or close.
func (a *app) closeIndex(idx *cache.Index) {
	if err := idx.Close(); err != nil {
		a.logger.Warnf("%v", err)
	}
}

// applyArgs overrides the configured input, output and cache directories
// with positional arguments.
func (a *app) applyArgs(args []string) error {
	if len(args) > 0 {
		a.cfg.Input = args[0]
	}
	if len(args) > 1 {
		a.cfg.Output = args[1]
	}
	if len(args) > 2 {
		a.cfg.CacheDir = args[2]
	}
	if a.cfg.Input == "" || a.cfg.Output == "" {
		return fmt.Errorf("input and output directories are required (pass them as arguments or set input and output in mirror.toml)")
	}
	fi, err := os.Stat(a.cfg.Input)
	if err != nil {
		return fmt.Errorf("input directory: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("input %s is not a directory", a.cfg.Input)
	}
	return nil
}

// openCache opens the configured cache directory. The default location is
// created on first use; an explicitly configured one must already exist.
func (a *app) openCache() (*cache.Cache, error) {
	dir := a.cfg.CacheDir
	if dir == "" {
		dir = config.DefaultCacheDir()
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	return cache.Open(dir)
}

// openSession validates the paths and assembles the pipeline.
func (a *app) openSession(ctx context.Context, opts pipeline.Options) (*session, error) {
	c, err := a.openCache()
	if err != nil {
		return nil, err
	}
	s := &session{cache: c}

	if idx, err := cache.OpenIndexFor(c); err != nil {
		a.logger.Warnf("cache index unavailable, continuing without it: %v", err)
	} else {
		s.index = idx
		opts.Recorder = idx
	}

	chain, err := transform.FromConfig(ctx, a.cfg, a.configDir())
	if err != nil {
		s.Close()
		return nil, err
	}
	s.chain = chain
	if chain.Len() == 0 {
		a.logger.Noticef("no transformers configured, files are copied unchanged")
	}

	if !opts.DryRun {
		if err := os.MkdirAll(a.cfg.Output, 0755); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	opts.Input = a.cfg.Input
	opts.Output = a.cfg.Output
	opts.Cache = c
	opts.Chain = chain
	opts.Logger = a.logger
	p, err := pipeline.New(opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.pipeline = p
	return s, nil
}

func newBuildCmd(a *app) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:     "build [input] [output] [cache]",
		GroupID: "build",
		Short:   "Mirror the input tree once and exit",
		Long: `Walk the input tree once, transforming every file whose output is out of
date, then exit. Exits non-zero if any file failed.

With --dry-run nothing is written; a unified diff of every pending output
change is printed instead.`,
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.applyArgs(args); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			opts := pipeline.Options{}
			if dryRun {
				opts.DryRun = true
				opts.DiffWriter = out
			}
			s, err := a.openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.closeSession(s)

			runner, err := pipeline.NewRunner(s.pipeline, a.logger, nil)
			if err != nil {
				return err
			}
			start := time.Now()
			n, err := runner.Build(cmd.Context())
			if err != nil {
				return err
			}
			return report(out, n, s.pipeline.Stats(), time.Since(start), dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print a diff of pending changes without writing anything")
	cmd.Flags().String("policy", "", "transformer selection policy: selective or all")
	return cmd
}

func report(w io.Writer, files int, st pipeline.Stats, elapsed time.Duration, dryRun bool) error {
	verb := "Mirrored"
	if dryRun {
		verb = "Checked"
	}
	fmt.Fprintf(w, "%s %s %d files in %v\n", passStyle.Render("✓"), verb, files, elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "   Transformed: %d\n", st.Transformed)
	fmt.Fprintf(w, "   Cache hits: %d\n", st.Hits)
	if dryRun {
		fmt.Fprintf(w, "   Would write: %d\n", st.Written)
	}
	if st.Errors > 0 {
		fmt.Fprintf(w, "%s %d files failed, see the log\n", warnStyle.Render("⚠"), st.Errors)
		return fmt.Errorf("%d files failed", st.Errors)
	}
	return nil
}

func newWatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "watch [input] [output] [cache]",
		GroupID: "build",
		Short:   "Mirror the input tree and keep mirroring changes",
		Long: `Mirror the input tree, then watch it and mirror every change until
interrupted (Ctrl+C or SIGTERM).

With --livereload, build events are broadcast over WebSocket so pages that
include /livereload.js reload themselves.

Example usage:
  mirror watch src public
  mirror watch src public ~/.cache/mirror --livereload 127.0.0.1:35729`,
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.applyArgs(args); err != nil {
				return err
			}

			var server *livereload.Server
			var notifier pipeline.Notifier
			if addr := a.cfg.LiveReload.Addr; addr != "" {
				server = livereload.NewServer(livereload.Config{Addr: addr, Logger: a.logger})
				if err := server.Start(); err != nil {
					return err
				}
				defer server.Stop()
				notifier = server
				fmt.Fprintf(cmd.OutOrStdout(), "%s Live reload on http://%s\n", accentStyle.Render("↻"), server.Addr())
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			s, err := a.openSession(ctx, pipeline.Options{Notifier: notifier})
			if err != nil {
				return err
			}
			defer a.closeSession(s)

			runner, err := pipeline.NewRunner(s.pipeline, a.logger, notifier)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s -> %s (Ctrl+C to stop)\n", a.cfg.Input, a.cfg.Output)
			return runner.Watch(ctx)
		},
	}
	cmd.Flags().String("livereload", "", "serve live-reload WebSocket events on this address")
	cmd.Flags().String("policy", "", "transformer selection policy: selective or all")
	return cmd
}
