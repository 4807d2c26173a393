package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WASM runs a WASI command module as a transformer. The module is compiled
// once; every file gets a fresh instance with the contents on stdin and the
// relative path as argv[1]. Exit code 0 means success.
type WASM struct {
	name      string
	identity  string
	predicate PredicateFunc
	timeout   time.Duration

	mu       sync.Mutex
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// NewWASM compiles the module at modulePath. A zero timeout means a run is
// never interrupted.
func NewWASM(ctx context.Context, name, modulePath string, predicate PredicateFunc, timeout time.Duration) (*WASM, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: no name passed", ErrInvalid)
	}
	if predicate == nil {
		return nil, fmt.Errorf("%w %q: no shouldTransform passed", ErrInvalid, name)
	}
	bin, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, fmt.Errorf("%w %q: failed to read module: %v", ErrInvalid, name, err)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("%w %q: failed to compile module: %v", ErrInvalid, name, err)
	}
	return &WASM{
		name:      name,
		identity:  identity("wasm", name, bin),
		predicate: predicate,
		timeout:   timeout,
		runtime:   rt,
		compiled:  compiled,
	}, nil
}

// Name implements Transformer.
func (w *WASM) Name() string { return w.name }

// Identity includes a digest of the module bytes.
func (w *WASM) Identity() string { return w.identity }

// ShouldTransform implements Transformer.
func (w *WASM) ShouldTransform(code []byte, relPath string) bool {
	return w.predicate(code, relPath)
}

// Transform implements Transformer.
func (w *WASM) Transform(code []byte, relPath string) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.runtime == nil {
		return nil, fmt.Errorf("transformer %s is closed", w.name)
	}

	ctx := context.Background()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(w.name, filepath.ToSlash(relPath)).
		WithStdin(bytes.NewReader(code)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, cfg)
	if mod != nil {
		_ = mod.Close(ctx)
	}
	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("module %s: %w", w.name, ctx.Err())
			}
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return nil, fmt.Errorf("module %s: %w: %s", w.name, err, msg)
			}
			return nil, fmt.Errorf("module %s: %w", w.name, err)
		}
	}
	return stdout.Bytes(), nil
}

// Close releases the runtime and compiled module.
func (w *WASM) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.runtime == nil {
		return nil
	}
	err := w.runtime.Close(context.Background())
	w.runtime = nil
	w.compiled = nil
	return err
}
