package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/google/renameio"
	"github.com/spf13/cobra"

	"github.com/mirrorkit/mirror/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		GroupID: "maintenance",
		Short:   "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Long: `Print the configuration after merging the config file, MIRROR_*
environment variables, and flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			if used := a.v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# from %s\n", used)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

func newInitCmd(a *app) *cobra.Command {
	var (
		path     string
		input    string
		output   string
		cacheDir string
		policy   string
		force    bool
	)

	cmd := &cobra.Command{
		Use:     "init",
		GroupID: "maintenance",
		Short:   "Write a starter mirror.toml",
		Long: `Write a starter config file. Values not given as flags are asked for
interactively when stdin is a terminal.

Example usage:
  mirror init --input src --output public`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}

			if (input == "" || output == "") && isTerminal() {
				form := huh.NewForm(huh.NewGroup(
					huh.NewInput().Title("Input directory").Value(&input),
					huh.NewInput().Title("Output directory").Value(&output),
					huh.NewSelect[string]().
						Title("Transformer policy").
						Options(
							huh.NewOption("selective: each transformer decides per file", "selective"),
							huh.NewOption("all: every transformer runs on every file", "all"),
						).
						Value(&policy),
				))
				if err := form.Run(); err != nil {
					return err
				}
			}
			if input == "" || output == "" {
				return fmt.Errorf("--input and --output are required")
			}

			cfg := config.Default()
			cfg.Input = input
			cfg.Output = output
			cfg.CacheDir = cacheDir
			cfg.Policy = policy
			cfg.Transformers = []config.TransformerConfig{}
			if err := cfg.Validate(); err != nil {
				return err
			}

			var buf bytes.Buffer
			buf.WriteString("# mirror configuration. Add [[transformers]] tables to transform files.\n")
			if err := cfg.WriteTOML(&buf); err != nil {
				return err
			}
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return err
				}
			}
			if err := renameio.WriteFile(path, buf.Bytes(), 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", passStyle.Render("✓"), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "mirror.toml", "file to write")
	cmd.Flags().StringVar(&input, "input", "", "input directory")
	cmd.Flags().StringVar(&output, "output", "", "output directory")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "cache directory (default ~/.mirrorCache)")
	cmd.Flags().StringVar(&policy, "policy", "selective", "transformer selection policy: selective or all")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}
