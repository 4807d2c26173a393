// Package transform defines the units that rewrite file contents on their way
// from the input tree to the output tree, and the ordered chain that selects
// and applies them.
package transform

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
)

// ErrInvalid is returned when a transformer is missing its name or one of
// its operations.
var ErrInvalid = errors.New("invalid transformer")

// Transformer is one named content rewrite. Its identity is part of the
// cache key, so two transformers that produce different output must not
// share one. Implementations whose output depends on more than the name
// report that through an Identity method.
type Transformer interface {
	Name() string
	ShouldTransform(code []byte, relPath string) bool
	Transform(code []byte, relPath string) ([]byte, error)
}

type identifier interface {
	Identity() string
}

// Identity returns the string that keys t's output in the cache: t's own
// Identity when it has one, otherwise its name.
func Identity(t Transformer) string {
	if id, ok := t.(identifier); ok {
		if s := id.Identity(); s != "" {
			return s
		}
	}
	return t.Name()
}

// identity joins a kind, a name and a digest of the settings that shape the
// output.
func identity(kind, name string, settings ...[]byte) string {
	if len(settings) == 0 {
		return kind + ":" + name
	}
	h := md5.New()
	for _, s := range settings {
		h.Write(s)
		h.Write([]byte{0})
	}
	return kind + ":" + name + ":" + hex.EncodeToString(h.Sum(nil))
}

// PredicateFunc decides whether a transformer applies to a file.
type PredicateFunc func(code []byte, relPath string) bool

// TransformFunc produces the transformed contents of a file.
type TransformFunc func(code []byte, relPath string) ([]byte, error)

// Func is a Transformer built from two functions.
type Func struct {
	name      string
	identity  string
	predicate PredicateFunc
	transform TransformFunc
}

// New builds a Func, failing with ErrInvalid if any part is absent.
func New(name string, predicate PredicateFunc, transform TransformFunc) (*Func, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: no name passed", ErrInvalid)
	}
	if predicate == nil {
		return nil, fmt.Errorf("%w %q: no shouldTransform passed", ErrInvalid, name)
	}
	if transform == nil {
		return nil, fmt.Errorf("%w %q: no transform passed", ErrInvalid, name)
	}
	return &Func{name: name, predicate: predicate, transform: transform}, nil
}

// Name implements Transformer.
func (f *Func) Name() string { return f.name }

// Identity returns the cache identity. Funcs built with New use their name.
func (f *Func) Identity() string {
	if f.identity == "" {
		return f.name
	}
	return f.identity
}

// ShouldTransform implements Transformer.
func (f *Func) ShouldTransform(code []byte, relPath string) bool {
	return f.predicate(code, relPath)
}

// Transform implements Transformer.
func (f *Func) Transform(code []byte, relPath string) ([]byte, error) {
	return f.transform(code, relPath)
}

// Always is a predicate that accepts every file.
func Always(code []byte, relPath string) bool { return true }

// Match returns a predicate accepting files whose slash-separated relative
// path, or whose base name, matches any of the glob patterns. No patterns
// means every file. Patterns are validated up front.
func Match(patterns ...string) (PredicateFunc, error) {
	if len(patterns) == 0 {
		return Always, nil
	}
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("bad match pattern %q: %w", p, err)
		}
	}
	pats := append([]string(nil), patterns...)
	return func(code []byte, relPath string) bool {
		slashed := filepath.ToSlash(relPath)
		base := path.Base(slashed)
		for _, p := range pats {
			if ok, _ := path.Match(p, slashed); ok {
				return true
			}
			if ok, _ := path.Match(p, base); ok {
				return true
			}
		}
		return false
	}, nil
}

// closeAll closes every transformer that holds resources.
func closeAll(ts []Transformer) error {
	var errs []error
	for _, t := range ts {
		if c, ok := t.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", t.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
