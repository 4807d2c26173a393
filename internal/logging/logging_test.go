package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogger_Threshold(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Warn)

	l.Infof("hidden %d", 1)
	l.Warnf("shown %d", 2)
	l.Errorf("shown %d", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("message below threshold was written: %q", out)
	}
	if !strings.Contains(out, "[warn] shown 2") {
		t.Errorf("missing warn line in %q", out)
	}
	if !strings.Contains(out, "[error] shown 3") {
		t.Errorf("missing error line in %q", out)
	}
	if !strings.HasPrefix(out, "[mirror] ") {
		t.Errorf("missing prefix in %q", out)
	}
}

func TestLogger_NilIsSilent(t *testing.T) {
	var l *Logger
	l.Errorf("nothing %s", "happens")
	if l.Enabled(Error) {
		t.Error("nil logger should not be enabled")
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close() on nil logger: %v", err)
	}
}

func TestDiscard(t *testing.T) {
	if Discard().Enabled(Error) {
		t.Error("Discard() logger should drop every severity")
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in      string
		want    Severity
		wantErr bool
	}{
		{"debug", Debug, false},
		{"INFO", Info, false},
		{" notice ", Notice, false},
		{"warn", Warn, false},
		{"error", Error, false},
		{"3", Notice, false},
		{"0", 0, true},
		{"9", 0, true},
		{"loud", 0, true},
		{"2abc", 0, true},
		{"4 ", Warn, false},
		{"+2", Info, false},
	}

	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSeverity(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSeverity(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSeverity_String(t *testing.T) {
	if got := Severity(42).String(); got != "sev42" {
		t.Errorf("Severity(42).String() = %q", got)
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.log")
	l := Open(Config{Threshold: Debug, File: path, MaxSizeMB: 1})
	l.Noticef("to %s", "file")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "[notice] to file") {
		t.Errorf("log file contents = %q", data)
	}
}
