package transform

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"
)

// Exec pipes a file through an external command: contents on stdin,
// relative path in MIRROR_PATH, transformed contents on stdout.
type Exec struct {
	name      string
	argv      []string
	predicate PredicateFunc
	timeout   time.Duration
}

// NewExec splits command with shell quoting rules. A zero timeout means no
// limit.
func NewExec(name, command string, predicate PredicateFunc, timeout time.Duration) (*Exec, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: no name passed", ErrInvalid)
	}
	if predicate == nil {
		return nil, fmt.Errorf("%w %q: no shouldTransform passed", ErrInvalid, name)
	}
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("%w %q: bad command: %v", ErrInvalid, name, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w %q: empty command", ErrInvalid, name)
	}
	return &Exec{name: name, argv: argv, predicate: predicate, timeout: timeout}, nil
}

// Name implements Transformer.
func (e *Exec) Name() string { return e.name }

// Identity includes the command line, so editing the command invalidates
// cached output.
func (e *Exec) Identity() string {
	args := make([][]byte, len(e.argv))
	for i, a := range e.argv {
		args[i] = []byte(a)
	}
	return identity("exec", e.name, args...)
}

// Argv returns the split command line.
func (e *Exec) Argv() []string { return append([]string(nil), e.argv...) }

// ShouldTransform implements Transformer.
func (e *Exec) ShouldTransform(code []byte, relPath string) bool {
	return e.predicate(code, relPath)
}

// Transform implements Transformer. A non-zero exit is an error carrying the
// command's stderr.
func (e *Exec) Transform(code []byte, relPath string) ([]byte, error) {
	ctx := context.Background()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdin = bytes.NewReader(code)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "MIRROR_PATH="+filepath.ToSlash(relPath))

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", e.argv[0], err, msg)
		}
		return nil, fmt.Errorf("%s: %w", e.argv[0], err)
	}
	return stdout.Bytes(), nil
}
