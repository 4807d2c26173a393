//go:build !unix

package inodeset

import (
	"hash/fnv"
	"os"
	"path/filepath"
)

// Identify stats path, following symlinks, and returns its token and kind.
// Without device and inode numbers the token is derived from the fully
// resolved path, which still breaks symlink cycles.
func Identify(path string) (Token, Kind, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Token{}, KindOther, &statError{path: path, err: err}
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return Token{}, KindOther, &statError{path: path, err: err}
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(filepath.Clean(resolved)))
	tok := Token{Ino: h.Sum64()}
	switch {
	case info.Mode().IsRegular():
		return tok, KindFile, nil
	case info.IsDir():
		return tok, KindDir, nil
	default:
		return tok, KindOther, nil
	}
}
