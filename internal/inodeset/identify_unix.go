//go:build unix

package inodeset

import (
	"golang.org/x/sys/unix"
)

// Identify stats path, following symlinks, and returns its token and kind.
// The returned error wraps the underlying errno, so callers can test for
// fs.ErrNotExist when a node vanished between listing and stat.
func Identify(path string) (Token, Kind, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Token{}, KindOther, &statError{path: path, err: err}
	}
	tok := Token{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}
	switch uint32(st.Mode) & unix.S_IFMT {
	case unix.S_IFREG:
		return tok, KindFile, nil
	case unix.S_IFDIR:
		return tok, KindDir, nil
	default:
		return tok, KindOther, nil
	}
}
