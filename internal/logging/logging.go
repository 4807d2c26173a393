// Package logging provides the severity-filtered logger shared by the
// watcher, iterator, and pipeline.
//
// Severities are ascending integers. A Logger drops every message whose
// severity is below its threshold. A nil *Logger is valid and discards
// everything, which keeps call sites free of nil checks in tests.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity orders log messages. Higher is more severe.
type Severity int

const (
	// Debug is per-path tracing (iterator steps, raw notifications).
	Debug Severity = iota + 1
	// Info is routine activity (files written, directories mirrored).
	Info
	// Notice is a milestone or a heuristic worth surfacing.
	Notice
	// Warn is a recoverable anomaly (unknown node type, cache write failure).
	Warn
	// Error is a dropped event (races, failed transforms).
	Error
)

// String returns the label printed in front of each message.
func (s Severity) String() string {
	switch s {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Notice:
		return "notice"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("sev%d", int(s))
	}
}

// ParseSeverity accepts a label ("info") or a number ("2").
func ParseSeverity(s string) (Severity, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for sev := Debug; sev <= Error; sev++ {
		if s == sev.String() {
			return sev, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n >= int(Debug) && n <= int(Error) {
		return Severity(n), nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

var labelStyles = map[Severity]lipgloss.Style{
	Debug:  lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	Info:   lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
	Notice: lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true),
	Warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
	Error:  lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
}

// Logger writes severity-tagged lines through a standard log.Logger.
type Logger struct {
	mu        sync.Mutex
	out       *log.Logger
	threshold Severity
	color     bool
	closer    io.Closer
}

// Config controls where and how much a Logger writes.
type Config struct {
	// Threshold suppresses messages below this severity.
	Threshold Severity

	// Prefix is prepended to every line (default "[mirror] ").
	Prefix string

	// File, if set, receives log output through a rotating writer instead
	// of the console.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a Logger writing to w at the given threshold. Labels are
// never colored.
func New(w io.Writer, threshold Severity) *Logger {
	return &Logger{
		out:       log.New(w, "[mirror] ", log.LstdFlags),
		threshold: threshold,
	}
}

// Open builds a Logger from cfg. Without a file it writes to stderr and
// colors labels when stderr is a terminal whose profile supports color.
func Open(cfg Config) *Logger {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "[mirror] "
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = Info
	}

	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		return &Logger{
			out:       log.New(lj, prefix, log.LstdFlags),
			threshold: cfg.Threshold,
			closer:    lj,
		}
	}

	color := false
	if term.IsTerminal(int(os.Stderr.Fd())) {
		profile := termenv.NewOutput(os.Stderr).EnvColorProfile()
		if profile != termenv.Ascii {
			lipgloss.SetColorProfile(profile)
			color = true
		}
	}
	return &Logger{
		out:       log.New(os.Stderr, prefix, log.LstdFlags),
		threshold: cfg.Threshold,
		color:     color,
	}
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, Error+1)
}

// Enabled reports whether a message at sev would be written.
func (l *Logger) Enabled(sev Severity) bool {
	return l != nil && sev >= l.threshold
}

// Log writes msg at sev. It never fails from the caller's point of view.
func (l *Logger) Log(sev Severity, msg string) {
	if !l.Enabled(sev) {
		return
	}
	label := "[" + sev.String() + "]"
	if l.color {
		if style, ok := labelStyles[sev]; ok {
			label = style.Render(label)
		}
	}
	l.mu.Lock()
	_ = l.out.Output(2, label+" "+msg)
	l.mu.Unlock()
}

// Logf formats and writes at sev.
func (l *Logger) Logf(sev Severity, format string, args ...interface{}) {
	if !l.Enabled(sev) {
		return
	}
	l.Log(sev, fmt.Sprintf(format, args...))
}

// Debugf logs at Debug.
func (l *Logger) Debugf(format string, args ...interface{}) { l.Logf(Debug, format, args...) }

// Infof logs at Info.
func (l *Logger) Infof(format string, args ...interface{}) { l.Logf(Info, format, args...) }

// Noticef logs at Notice.
func (l *Logger) Noticef(format string, args ...interface{}) { l.Logf(Notice, format, args...) }

// Warnf logs at Warn.
func (l *Logger) Warnf(format string, args ...interface{}) { l.Logf(Warn, format, args...) }

// Errorf logs at Error.
func (l *Logger) Errorf(format string, args ...interface{}) { l.Logf(Error, format, args...) }

// Close releases the rotating file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
