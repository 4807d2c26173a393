package inodeset

import (
	"errors"
	"io/fs"
	"syscall"
)

type statError struct {
	path string
	err  error
}

func (e *statError) Error() string {
	return "stat " + e.path + ": " + e.err.Error()
}

func (e *statError) Unwrap() error {
	return e.err
}

// IsNotExist reports whether err means the node is gone, either removed or
// replaced by a dangling symlink.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOENT)
}
