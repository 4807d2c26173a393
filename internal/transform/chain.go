package transform

import (
	"fmt"

	"github.com/mirrorkit/mirror/internal/cache"
)

// Policy chooses how a Chain decides which transformers run on a file.
type Policy int

const (
	// Selective evaluates each transformer's predicate per file and
	// fingerprints only the selected identities.
	Selective Policy = iota
	// All applies every transformer to every file without evaluating
	// predicates, fingerprinting against a precomputed salt of all
	// identities.
	All
)

// String returns the configuration spelling of the policy.
func (p Policy) String() string {
	switch p {
	case Selective:
		return "selective"
	case All:
		return "all"
	default:
		return "unknown"
	}
}

// ParsePolicy parses "selective" or "all". Empty means Selective.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "selective":
		return Selective, nil
	case "all":
		return All, nil
	default:
		return 0, fmt.Errorf("unknown transformer policy %q", s)
	}
}

// Chain is an ordered list of transformers under a selection policy.
type Chain struct {
	transformers []Transformer
	policy       Policy
	salt         cache.Fingerprint
}

// NewChain builds a chain. Names must be unique.
func NewChain(policy Policy, transformers ...Transformer) (*Chain, error) {
	seen := make(map[string]bool, len(transformers))
	for i, t := range transformers {
		if t == nil || t.Name() == "" {
			return nil, fmt.Errorf("%w: transformer %d has no name", ErrInvalid, i)
		}
		if seen[t.Name()] {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalid, t.Name())
		}
		seen[t.Name()] = true
	}
	c := &Chain{
		transformers: append([]Transformer(nil), transformers...),
		policy:       policy,
	}
	if policy == All {
		c.salt = cache.Salt(Identities(c.transformers))
	}
	return c, nil
}

// Policy returns the chain's selection policy.
func (c *Chain) Policy() Policy { return c.policy }

// Len returns the number of configured transformers.
func (c *Chain) Len() int { return len(c.transformers) }

// Names returns the configured names in order.
func (c *Chain) Names() []string {
	return Names(c.transformers)
}

// Select returns the transformers that apply to the file, in order.
func (c *Chain) Select(code []byte, relPath string) []Transformer {
	if c.policy == All {
		return c.transformers
	}
	var out []Transformer
	for _, t := range c.transformers {
		if t.ShouldTransform(code, relPath) {
			out = append(out, t)
		}
	}
	return out
}

// Fingerprint keys the cache for code transformed by selected.
func (c *Chain) Fingerprint(code []byte, selected []Transformer) cache.Fingerprint {
	if c.policy == All {
		return cache.SumSalted(code, c.salt)
	}
	return cache.Sum(code, Identities(selected))
}

// Apply runs selected in order, each consuming the previous output.
func Apply(code []byte, relPath string, selected []Transformer) ([]byte, error) {
	out := code
	for _, t := range selected {
		next, err := t.Transform(out, relPath)
		if err != nil {
			return nil, fmt.Errorf("transformer %s: %w", t.Name(), err)
		}
		out = next
	}
	return out, nil
}

// Close releases transformers holding resources (compiled modules).
func (c *Chain) Close() error {
	return closeAll(c.transformers)
}

// Names returns the names of ts in order.
func Names(ts []Transformer) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Name()
	}
	return out
}

// Identities returns the cache identities of ts in order.
func Identities(ts []Transformer) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = Identity(t)
	}
	return out
}
