// Package config loads mirror's settings from a config file, MIRROR_*
// environment variables, and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// CurrentVersion is the config schema version written by `mirror init`.
const CurrentVersion = "v1"

// ErrUnsupportedVersion is returned for a config whose major version this
// build cannot read.
var ErrUnsupportedVersion = errors.New("unsupported config version")

// Transformer kinds.
const (
	KindUpper  = "upper"
	KindSuffix = "suffix"
	KindExec   = "exec"
	KindWASM   = "wasm"
)

// Config is the full set of settings.
type Config struct {
	Version     string `mapstructure:"version" toml:"version" yaml:"version"`
	Input       string `mapstructure:"input" toml:"input" yaml:"input"`
	Output      string `mapstructure:"output" toml:"output" yaml:"output"`
	CacheDir    string `mapstructure:"cache_dir" toml:"cache_dir" yaml:"cache_dir"`
	Policy      string `mapstructure:"policy" toml:"policy" yaml:"policy"`
	ExecTimeout string `mapstructure:"exec_timeout" toml:"exec_timeout" yaml:"exec_timeout"`

	Log          LogConfig           `mapstructure:"log" toml:"log" yaml:"log"`
	LiveReload   LiveReloadConfig    `mapstructure:"livereload" toml:"livereload" yaml:"livereload"`
	Transformers []TransformerConfig `mapstructure:"transformers" toml:"transformers" yaml:"transformers"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level      string `mapstructure:"level" toml:"level" yaml:"level"`
	File       string `mapstructure:"file" toml:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days" yaml:"max_age_days"`
}

// LiveReloadConfig controls the WebSocket notifier. An empty Addr disables it.
type LiveReloadConfig struct {
	Addr string `mapstructure:"addr" toml:"addr" yaml:"addr"`
}

// TransformerConfig describes one transformer. Which of Suffix, Command and
// Module is required depends on Kind.
type TransformerConfig struct {
	Name    string   `mapstructure:"name" toml:"name" yaml:"name"`
	Kind    string   `mapstructure:"kind" toml:"kind" yaml:"kind"`
	Match   []string `mapstructure:"match" toml:"match,omitempty" yaml:"match,omitempty"`
	Suffix  string   `mapstructure:"suffix" toml:"suffix,omitempty" yaml:"suffix,omitempty"`
	Command string   `mapstructure:"command" toml:"command,omitempty" yaml:"command,omitempty"`
	Module  string   `mapstructure:"module" toml:"module,omitempty" yaml:"module,omitempty"`
}

// Default returns the settings used when nothing else is configured.
func Default() *Config {
	return &Config{
		Version:     CurrentVersion,
		Policy:      "selective",
		ExecTimeout: "30s",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// DefaultCacheDir is $HOME/.mirrorCache.
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(strings.TrimRight(home, `/\`), ".mirrorCache")
}

// NewViper returns a viper instance with defaults, environment binding, and
// the config file read in. configFile may be empty, in which case mirror.toml
// or mirror.yaml in the working directory is used if present.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	d := Default()
	v.SetDefault("version", d.Version)
	v.SetDefault("input", "")
	v.SetDefault("output", "")
	v.SetDefault("cache_dir", "")
	v.SetDefault("log.file", "")
	v.SetDefault("livereload.addr", "")
	v.SetDefault("policy", d.Policy)
	v.SetDefault("exec_timeout", d.ExecTimeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetEnvPrefix("MIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
		return v, nil
	}

	v.SetConfigName("mirror")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks version, policy, timeouts and transformer definitions.
// Paths are not checked here; the commands using them do that.
func (c *Config) Validate() error {
	if err := checkVersion(c.Version); err != nil {
		return err
	}
	switch c.Policy {
	case "", "selective", "all":
	default:
		return fmt.Errorf("policy must be \"selective\" or \"all\", got %q", c.Policy)
	}
	if _, err := c.Timeout(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, t := range c.Transformers {
		if t.Name == "" {
			return fmt.Errorf("transformers[%d]: name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("transformers[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = true

		switch t.Kind {
		case KindUpper:
		case KindSuffix:
			if t.Suffix == "" {
				return fmt.Errorf("transformer %q: kind suffix needs suffix", t.Name)
			}
		case KindExec:
			if strings.TrimSpace(t.Command) == "" {
				return fmt.Errorf("transformer %q: kind exec needs command", t.Name)
			}
		case KindWASM:
			if t.Module == "" {
				return fmt.Errorf("transformer %q: kind wasm needs module", t.Name)
			}
		default:
			return fmt.Errorf("transformer %q: unknown kind %q", t.Name, t.Kind)
		}
	}
	return nil
}

// Timeout parses ExecTimeout. Empty means no limit.
func (c *Config) Timeout() (time.Duration, error) {
	if c.ExecTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.ExecTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid exec_timeout %q: %w", c.ExecTimeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid exec_timeout %q: negative", c.ExecTimeout)
	}
	return d, nil
}

func checkVersion(v string) error {
	if v == "" {
		return nil
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: %q is not a semantic version", ErrUnsupportedVersion, v)
	}
	if semver.Major(v) != semver.Major(CurrentVersion) {
		return fmt.Errorf("%w: %s (this build reads %s)", ErrUnsupportedVersion, v, semver.Major(CurrentVersion))
	}
	return nil
}

// WriteTOML renders c as a mirror.toml file.
func (c *Config) WriteTOML(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// YAML renders the effective configuration for display.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return out, nil
}
