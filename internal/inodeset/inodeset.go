// Package inodeset tracks physical filesystem nodes already visited during a
// traversal, so symlink and hard-link cycles are walked only once.
package inodeset

import "fmt"

// Kind classifies a node by what a traversal should do with it.
type Kind int

const (
	// KindOther is anything that is neither a regular file nor a directory
	// (devices, sockets, fifos).
	KindOther Kind = iota
	// KindFile is a regular file.
	KindFile
	// KindDir is a directory.
	KindDir
)

// String returns a short name for the kind.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	default:
		return "other"
	}
}

// Token identifies one physical node for the lifetime of a traversal.
// It is never persisted.
type Token struct {
	Dev uint64
	Ino uint64
}

// String renders the token as dev:ino.
func (t Token) String() string {
	return fmt.Sprintf("%d:%d", t.Dev, t.Ino)
}

// Set is a set of tokens. The zero value is not usable; call New.
type Set struct {
	seen map[Token]struct{}
}

// New returns an empty Set.
func New() *Set {
	return &Set{seen: make(map[Token]struct{})}
}

// Add records tok.
func (s *Set) Add(tok Token) {
	s.seen[tok] = struct{}{}
}

// Remove forgets tok. Removing an absent token is a no-op.
func (s *Set) Remove(tok Token) {
	delete(s.seen, tok)
}

// Has reports whether tok was added and not removed.
func (s *Set) Has(tok Token) bool {
	_, ok := s.seen[tok]
	return ok
}

// Visit adds tok and reports whether it was new.
func (s *Set) Visit(tok Token) bool {
	if s.Has(tok) {
		return false
	}
	s.Add(tok)
	return true
}

// Len returns the number of tokens held.
func (s *Set) Len() int {
	return len(s.seen)
}
