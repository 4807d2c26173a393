package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mirrorkit/mirror/internal/cache"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cache",
		GroupID: "maintenance",
		Short:   "Inspect and maintain the transform cache",
		Long: `Inspect and maintain the content cache.

Entries are named by the fingerprint of a file's contents and the transformers
applied to it. An index (index.db in the cache directory) records when each
entry was written and how often it was reused.`,
	}
	cmd.PersistentFlags().String("dir", "", "cache directory (default: cache_dir from the config, or ~/.mirrorCache)")
	cmd.AddCommand(newCacheStatusCmd(a), newCachePruneCmd(a), newCacheClearCmd(a))
	return cmd
}

// cacheFromFlags opens the cache named by --dir, or the configured one.
func (a *app) cacheFromFlags(cmd *cobra.Command) (*cache.Cache, error) {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		a.cfg.CacheDir = dir
	}
	return a.openCache()
}

// existingIndex opens the index only if one has been created.
func existingIndex(c *cache.Cache) (*cache.Index, error) {
	path := filepath.Join(c.Dir(), cache.IndexFileName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return cache.OpenIndex(path)
}

func newCacheStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cache location, size, and usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.cacheFromFlags(cmd)
			if err != nil {
				return err
			}
			entries, err := c.Entries()
			if err != nil {
				return err
			}
			var size int64
			for _, f := range entries {
				if fi, err := os.Stat(c.Path(f)); err == nil {
					size += fi.Size()
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n%s Cache: %s\n", accentStyle.Render("●"), c.Dir())
			fmt.Fprintf(out, "   Entries: %d\n", len(entries))
			fmt.Fprintf(out, "   Size: %s\n", formatSize(size))

			idx, err := existingIndex(c)
			if err != nil {
				return err
			}
			if idx == nil {
				fmt.Fprintf(out, "   Index: none (created by the next build)\n\n")
				return nil
			}
			defer a.closeIndex(idx)

			st, err := idx.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "   Indexed: %d entries, %d hits\n", st.Entries, st.Hits)
			if st.Entries > 0 {
				fmt.Fprintf(out, "   Oldest: %s\n", st.Oldest.Local().Format(time.DateTime))
				fmt.Fprintf(out, "   Newest: %s\n", st.Newest.Local().Format(time.DateTime))
			}
			if !st.LastHitAt.IsZero() {
				fmt.Fprintf(out, "   Last hit: %s\n", st.LastHitAt.Local().Format(time.DateTime))
			}
			fmt.Fprintln(out)
			return nil
		},
	}
}

func newCachePruneCmd(a *app) *cobra.Command {
	var before string

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove cache entries written before a point in time",
		Long: `Remove cache entries written before a point in time.

--before accepts a date (2024-05-01), an RFC 3339 timestamp, or natural
language such as "2 weeks ago" or "last monday".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if before == "" {
				return fmt.Errorf("--before is required")
			}
			cutoff, err := parseWhen(before, time.Now())
			if err != nil {
				return err
			}
			c, err := a.cacheFromFlags(cmd)
			if err != nil {
				return err
			}
			idx, err := existingIndex(c)
			if err != nil {
				return err
			}
			if idx == nil {
				return fmt.Errorf("no index in %s; nothing records when entries were written", c.Dir())
			}
			defer a.closeIndex(idx)

			n, err := cache.Prune(cmd.Context(), c, idx, cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Pruned %d entries written before %s\n",
				passStyle.Render("✓"), n, cutoff.Local().Format(time.DateTime))
			return nil
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "remove entries written before this time")
	return cmd
}

func newCacheClearCmd(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cache entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.cacheFromFlags(cmd)
			if err != nil {
				return err
			}
			if !yes {
				if !isTerminal() {
					return fmt.Errorf("refusing to clear %s without --yes", c.Dir())
				}
				confirmed := false
				prompt := huh.NewConfirm().
					Title(fmt.Sprintf("Remove every entry in %s?", c.Dir())).
					Value(&confirmed)
				if err := prompt.Run(); err != nil {
					return err
				}
				if !confirmed {
					return nil
				}
			}
			return clearCache(cmd.Context(), cmd, c)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func clearCache(ctx context.Context, cmd *cobra.Command, c *cache.Cache) error {
	n, err := c.Clear()
	if err != nil {
		return err
	}
	idx, err := existingIndex(c)
	if err != nil {
		return err
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.Reset(ctx); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %d entries from %s\n", passStyle.Render("✓"), n, c.Dir())
	return nil
}

// parseWhen accepts a date, an RFC 3339 timestamp, or natural language
// relative to now.
func parseWhen(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, time.Local); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", s)
	}
	return r.Time, nil
}

func formatSize(n int64) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	case n >= 1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
