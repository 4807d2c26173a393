package transform

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mirrorkit/mirror/internal/config"
)

// BuildOptions carries settings shared by every configured transformer.
type BuildOptions struct {
	// ExecTimeout bounds each external command or WASM module run.
	ExecTimeout time.Duration
	// BaseDir resolves relative WASM module paths (the config file's dir).
	BaseDir string
}

// Build constructs one transformer from its configuration.
func Build(ctx context.Context, tc config.TransformerConfig, opts BuildOptions) (Transformer, error) {
	predicate, err := Match(tc.Match...)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalid, tc.Name, err)
	}
	switch tc.Kind {
	case config.KindUpper:
		return Upper(tc.Name, predicate)
	case config.KindSuffix:
		return Suffix(tc.Name, tc.Suffix, predicate)
	case config.KindExec:
		return NewExec(tc.Name, tc.Command, predicate, opts.ExecTimeout)
	case config.KindWASM:
		module := tc.Module
		if !filepath.IsAbs(module) && opts.BaseDir != "" {
			module = filepath.Join(opts.BaseDir, module)
		}
		return NewWASM(ctx, tc.Name, module, predicate, opts.ExecTimeout)
	default:
		return nil, fmt.Errorf("%w %q: unknown kind %q", ErrInvalid, tc.Name, tc.Kind)
	}
}

// FromConfig builds the chain described by cfg. Transformers already built
// are closed if a later one fails.
func FromConfig(ctx context.Context, cfg *config.Config, baseDir string) (*Chain, error) {
	policy, err := ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.Timeout()
	if err != nil {
		return nil, err
	}
	opts := BuildOptions{ExecTimeout: timeout, BaseDir: baseDir}

	built := make([]Transformer, 0, len(cfg.Transformers))
	for _, tc := range cfg.Transformers {
		t, err := Build(ctx, tc, opts)
		if err != nil {
			_ = closeAll(built)
			return nil, err
		}
		built = append(built, t)
	}

	chain, err := NewChain(policy, built...)
	if err != nil {
		_ = closeAll(built)
		return nil, err
	}
	return chain, nil
}
