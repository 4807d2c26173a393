// Command mirror incrementally mirrors an input tree into an output tree,
// running each file through a chain of transformers and caching the results
// by content.
package main

import (
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/mirrorkit/mirror/internal/config"
	"github.com/mirrorkit/mirror/internal/logging"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

// flagKeys binds command-line flags to config keys, for every command that
// declares the flag.
var flagKeys = map[string]string{
	"log-level":  "log.level",
	"log-file":   "log.file",
	"policy":     "policy",
	"livereload": "livereload.addr",
}

// isTerminal reports whether prompts can be shown. Tests replace it.
var isTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// app carries state shared by every command: the loaded configuration and
// the logger built from it.
type app struct {
	configFile string
	v          *viper.Viper
	cfg        *config.Config
	logger     *logging.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "mirror",
		Short: "Mirror a directory tree through a chain of cached transformers",
		Long: `mirror keeps an output directory in step with an input directory.

Every file under the input is run through the configured transformers and
written to the same relative path under the output. Results are cached by
content, so an unchanged file (or one reverted to an earlier version) is never
transformed twice.

Settings come from mirror.toml (or --config), MIRROR_* environment variables,
and flags, in increasing precedence.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.logger.Close()
		},
	}

	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file (default ./mirror.toml or ./mirror.yaml)")
	root.PersistentFlags().String("log-level", "", "minimum log severity: debug, info, notice, warn, error")
	root.PersistentFlags().String("log-file", "", "write logs to a rotating file instead of stderr")

	root.AddGroup(
		&cobra.Group{ID: "build", Title: "Building:"},
		&cobra.Group{ID: "maintenance", Title: "Maintenance:"},
	)
	root.AddCommand(
		newWatchCmd(a),
		newBuildCmd(a),
		newCacheCmd(a),
		newConfigCmd(a),
		newInitCmd(a),
	)
	return root
}

// load reads the configuration and opens the logger.
func (a *app) load(cmd *cobra.Command) error {
	v, err := config.NewViper(a.configFile)
	if err != nil {
		return err
	}
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	threshold, err := logging.ParseSeverity(cfg.Log.Level)
	if err != nil {
		return err
	}

	a.v = v
	a.cfg = cfg
	a.logger = logging.Open(logging.Config{
		Threshold:  threshold,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	return nil
}

// configDir is the directory relative module paths are resolved against.
func (a *app) configDir() string {
	if used := a.v.ConfigFileUsed(); used != "" {
		return filepath.Dir(used)
	}
	return "."
}
