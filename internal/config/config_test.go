package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "mirror.toml", `
version = "v1.2.0"
input = "src"
output = "out"
cache_dir = "/tmp/cache"
policy = "all"
exec_timeout = "5s"

[log]
level = "debug"

[livereload]
addr = "127.0.0.1:35729"

[[transformers]]
name = "shout"
kind = "upper"
match = ["*.txt"]

[[transformers]]
name = "banner"
kind = "suffix"
suffix = "\n// built\n"
`)

	v, err := NewViper(path)
	if err != nil {
		t.Fatalf("NewViper() failed: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Input != "src" || cfg.Output != "out" || cfg.CacheDir != "/tmp/cache" {
		t.Errorf("paths = %q %q %q", cfg.Input, cfg.Output, cfg.CacheDir)
	}
	if cfg.Policy != "all" {
		t.Errorf("Policy = %q", cfg.Policy)
	}
	if d, _ := cfg.Timeout(); d != 5*time.Second {
		t.Errorf("Timeout() = %v", d)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Log.MaxBackups != 3 {
		t.Errorf("Log.MaxBackups default lost: %d", cfg.Log.MaxBackups)
	}
	if cfg.LiveReload.Addr != "127.0.0.1:35729" {
		t.Errorf("LiveReload.Addr = %q", cfg.LiveReload.Addr)
	}
	if len(cfg.Transformers) != 2 {
		t.Fatalf("Transformers = %+v", cfg.Transformers)
	}
	if cfg.Transformers[0].Name != "shout" || cfg.Transformers[0].Match[0] != "*.txt" {
		t.Errorf("Transformers[0] = %+v", cfg.Transformers[0])
	}
	if cfg.Transformers[1].Suffix != "\n// built\n" {
		t.Errorf("Transformers[1].Suffix = %q", cfg.Transformers[1].Suffix)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "mirror.yaml", "input: from-file\npolicy: selective\n")
	t.Setenv("MIRROR_INPUT", "from-env")
	t.Setenv("MIRROR_LOG_LEVEL", "warn")

	v, err := NewViper(path)
	if err != nil {
		t.Fatalf("NewViper() failed: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Input != "from-env" {
		t.Errorf("Input = %q, want from-env", cfg.Input)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
}

func TestNewViper_MissingExplicitFile(t *testing.T) {
	if _, err := NewViper(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("NewViper() with a missing explicit file should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"default", func(c *Config) {}, ""},
		{"empty version", func(c *Config) { c.Version = "" }, ""},
		{"bad version", func(c *Config) { c.Version = "one" }, "not a semantic version"},
		{"future major", func(c *Config) { c.Version = "v2.0.0" }, "this build reads v1"},
		{"bad policy", func(c *Config) { c.Policy = "some" }, "policy"},
		{"bad timeout", func(c *Config) { c.ExecTimeout = "soon" }, "exec_timeout"},
		{"unnamed", func(c *Config) {
			c.Transformers = []TransformerConfig{{Kind: KindUpper}}
		}, "name is required"},
		{"duplicate", func(c *Config) {
			c.Transformers = []TransformerConfig{{Name: "a", Kind: KindUpper}, {Name: "a", Kind: KindUpper}}
		}, "duplicate"},
		{"unknown kind", func(c *Config) {
			c.Transformers = []TransformerConfig{{Name: "a", Kind: "magic"}}
		}, "unknown kind"},
		{"suffix without text", func(c *Config) {
			c.Transformers = []TransformerConfig{{Name: "a", Kind: KindSuffix}}
		}, "needs suffix"},
		{"exec without command", func(c *Config) {
			c.Transformers = []TransformerConfig{{Name: "a", Kind: KindExec}}
		}, "needs command"},
		{"wasm without module", func(c *Config) {
			c.Transformers = []TransformerConfig{{Name: "a", Kind: KindWASM}}
		}, "needs module"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_VersionSentinel(t *testing.T) {
	c := Default()
	c.Version = "v3"
	if err := c.Validate(); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("Validate() = %v, want ErrUnsupportedVersion", err)
	}
}

func TestWriteTOML_RoundTrip(t *testing.T) {
	c := Default()
	c.Input = "input"
	c.Output = "output"
	c.Transformers = []TransformerConfig{{Name: "shout", Kind: KindUpper, Match: []string{"*.md"}}}

	var buf bytes.Buffer
	if err := c.WriteTOML(&buf); err != nil {
		t.Fatalf("WriteTOML() failed: %v", err)
	}

	path := writeConfig(t, "mirror.toml", buf.String())
	v, err := NewViper(path)
	if err != nil {
		t.Fatalf("NewViper() failed: %v", err)
	}
	got, err := Load(v)
	if err != nil {
		t.Fatalf("Load() failed on written config:\n%s\n%v", buf.String(), err)
	}
	if got.Input != "input" || len(got.Transformers) != 1 || got.Transformers[0].Match[0] != "*.md" {
		t.Errorf("round trip lost data: %+v", got)
	}
}

func TestYAML(t *testing.T) {
	c := Default()
	c.Input = "in"
	out, err := c.YAML()
	if err != nil {
		t.Fatalf("YAML() failed: %v", err)
	}
	var back map[string]interface{}
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("output is not YAML: %v", err)
	}
	if back["input"] != "in" {
		t.Errorf("input = %v", back["input"])
	}
}

func TestDefaultCacheDir(t *testing.T) {
	t.Setenv("HOME", "/home/someone/")
	if got := DefaultCacheDir(); got != filepath.Join("/home/someone", ".mirrorCache") {
		t.Errorf("DefaultCacheDir() = %q", got)
	}
}
