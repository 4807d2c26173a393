package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mirrorkit/mirror/internal/cache"
	"github.com/mirrorkit/mirror/internal/config"
	"github.com/mirrorkit/mirror/internal/transform"
)

// countingUpper uppercases every file and counts its invocations.
type countingUpper struct {
	calls int
}

func (c *countingUpper) transformer(t *testing.T) transform.Transformer {
	t.Helper()
	fn, err := transform.New("upper", transform.Always, func(code []byte, relPath string) ([]byte, error) {
		c.calls++
		return bytes.ToUpper(code), nil
	})
	if err != nil {
		t.Fatalf("transform.New() failed: %v", err)
	}
	return fn
}

type fixture struct {
	input, output string
	cache         *cache.Cache
	upper         *countingUpper
	chain         *transform.Chain
}

func newFixture(t *testing.T, policy transform.Policy) *fixture {
	t.Helper()
	tmp := t.TempDir()
	f := &fixture{
		input:  filepath.Join(tmp, "input"),
		output: filepath.Join(tmp, "output"),
		upper:  &countingUpper{},
	}
	for _, dir := range []string{f.input, f.output, filepath.Join(tmp, "cache")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create %s: %v", dir, err)
		}
	}
	c, err := cache.Open(filepath.Join(tmp, "cache"))
	if err != nil {
		t.Fatalf("cache.Open() failed: %v", err)
	}
	f.cache = c
	chain, err := transform.NewChain(policy, f.upper.transformer(t))
	if err != nil {
		t.Fatalf("NewChain() failed: %v", err)
	}
	f.chain = chain
	return f
}

func (f *fixture) pipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	opts.Input, opts.Output, opts.Cache, opts.Chain = f.input, f.output, f.cache, f.chain
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return p
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return string(data)
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t, transform.Selective)
	tests := []struct {
		name string
		opts Options
	}{
		{"no input", Options{Output: f.output, Cache: f.cache, Chain: f.chain}},
		{"no output", Options{Input: f.input, Cache: f.cache, Chain: f.chain}},
		{"no cache", Options{Input: f.input, Output: f.output, Chain: f.chain}},
		{"no chain", Options{Input: f.input, Output: f.output, Cache: f.cache}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestPipeline_EditAndRevert(t *testing.T) {
	f := newFixture(t, transform.Selective)
	p := f.pipeline(t, Options{})
	src := filepath.Join(f.input, "foo.txt")
	dst := filepath.Join(f.output, "foo.txt")

	writeFile(t, src, "hello")
	r, _ := NewRunner(p, nil, nil)
	if n, err := r.Build(context.Background()); err != nil || n != 1 {
		t.Fatalf("Build() = %d, %v", n, err)
	}
	if got := readFile(t, dst); got != "HELLO" {
		t.Errorf("output = %q, want HELLO", got)
	}
	helloFP := cache.Sum([]byte("hello"), []string{"upper"})
	if data, ok := f.cache.Get(helloFP); !ok || string(data) != "HELLO" {
		t.Errorf("cache entry for hello = %q, %v", data, ok)
	}

	writeFile(t, src, "world")
	p.OnChanged("foo.txt")
	if got := readFile(t, dst); got != "WORLD" {
		t.Errorf("output = %q, want WORLD", got)
	}
	if _, ok := f.cache.Get(cache.Sum([]byte("world"), []string{"upper"})); !ok {
		t.Error("no cache entry for world")
	}
	if f.upper.calls != 2 {
		t.Errorf("transform calls = %d, want 2", f.upper.calls)
	}

	writeFile(t, src, "hello")
	p.OnChanged("foo.txt")
	if got := readFile(t, dst); got != "HELLO" {
		t.Errorf("output after revert = %q, want HELLO", got)
	}
	if f.upper.calls != 2 {
		t.Errorf("transform re-invoked on a cache hit: %d calls", f.upper.calls)
	}
	if st := p.Stats(); st.Hits != 1 || st.Transformed != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPipeline_HitLeavesMatchingOutputAlone(t *testing.T) {
	f := newFixture(t, transform.Selective)
	p := f.pipeline(t, Options{})
	writeFile(t, filepath.Join(f.input, "a.txt"), "abc")
	p.InitialFile("a.txt")

	dst := filepath.Join(f.output, "a.txt")
	before, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	p.ProcessFile("a.txt")
	after, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !os.SameFile(before, after) {
		t.Error("output rewritten although it already matched the cache")
	}
}

func TestPipeline_DeletionMirroring(t *testing.T) {
	f := newFixture(t, transform.Selective)
	p := f.pipeline(t, Options{})
	writeFile(t, filepath.Join(f.input, "dir", "file.txt"), "x")
	writeFile(t, filepath.Join(f.input, "dir", "sub", "deep.txt"), "y")
	r, _ := NewRunner(p, nil, nil)
	if _, err := r.Build(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(f.input, "dir", "file.txt")); err != nil {
		t.Fatal(err)
	}
	p.OnDeleted(filepath.Join("dir", "file.txt"))
	if _, err := os.Stat(filepath.Join(f.output, "dir", "file.txt")); !os.IsNotExist(err) {
		t.Errorf("output file still present: %v", err)
	}

	if err := os.RemoveAll(filepath.Join(f.input, "dir")); err != nil {
		t.Fatal(err)
	}
	p.OnDeleted("dir")
	if _, err := os.Stat(filepath.Join(f.output, "dir")); !os.IsNotExist(err) {
		t.Errorf("output directory still present: %v", err)
	}

	// Never materialized: logged, not an error.
	p.OnDeleted("ghost")
	if st := p.Stats(); st.Errors != 0 || st.Removed != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPipeline_AddedDirectory(t *testing.T) {
	f := newFixture(t, transform.Selective)
	p := f.pipeline(t, Options{})
	if err := os.Mkdir(filepath.Join(f.input, "d"), 0755); err != nil {
		t.Fatal(err)
	}
	p.OnAdded("d")
	p.OnAdded("d") // already present is fine

	fi, err := os.Stat(filepath.Join(f.output, "d"))
	if err != nil || !fi.IsDir() {
		t.Fatalf("output directory missing: %v", err)
	}

	writeFile(t, filepath.Join(f.input, "d", "x.txt"), "x")
	p.OnAdded(filepath.Join("d", "x.txt"))
	if got := readFile(t, filepath.Join(f.output, "d", "x.txt")); got != "X" {
		t.Errorf("output = %q", got)
	}
	if st := p.Stats(); st.Errors != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPipeline_RacesAreDropped(t *testing.T) {
	f := newFixture(t, transform.Selective)
	p := f.pipeline(t, Options{})

	p.OnAdded("missing.txt")
	p.OnChanged("missing.txt")
	p.ProcessFile("missing.txt")

	if st := p.Stats(); st.Errors != 3 || st.Written != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPipeline_ChangedDirectoryIsIgnored(t *testing.T) {
	f := newFixture(t, transform.Selective)
	p := f.pipeline(t, Options{})
	if err := os.Mkdir(filepath.Join(f.input, "d"), 0755); err != nil {
		t.Fatal(err)
	}
	p.OnChanged("d")
	if _, err := os.Stat(filepath.Join(f.output, "d")); !os.IsNotExist(err) {
		t.Error("changed directory should not be mirrored")
	}
}

func TestPipeline_TransformErrorIsIsolated(t *testing.T) {
	tmp := t.TempDir()
	input, output := filepath.Join(tmp, "in"), filepath.Join(tmp, "out")
	writeFile(t, filepath.Join(input, "bad.txt"), "bad")
	writeFile(t, filepath.Join(input, "good.txt"), "good")
	c, err := cache.Open(tmp)
	if err != nil {
		t.Fatal(err)
	}

	picky, _ := transform.New("picky", transform.Always, func(code []byte, relPath string) ([]byte, error) {
		if string(code) == "bad" {
			return nil, os.ErrInvalid
		}
		return code, nil
	})
	chain, _ := transform.NewChain(transform.Selective, picky)
	p, err := New(Options{Input: input, Output: output, Cache: c, Chain: chain})
	if err != nil {
		t.Fatal(err)
	}
	r, _ := NewRunner(p, nil, nil)
	if _, err := r.Build(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(output, "bad.txt")); !os.IsNotExist(err) {
		t.Error("failed transform produced output")
	}
	if got := readFile(t, filepath.Join(output, "good.txt")); got != "good" {
		t.Errorf("good output = %q", got)
	}
}

func TestPipeline_DryRun(t *testing.T) {
	f := newFixture(t, transform.Selective)
	var diffs bytes.Buffer
	p := f.pipeline(t, Options{DryRun: true, DiffWriter: &diffs})
	writeFile(t, filepath.Join(f.input, "sub", "foo.txt"), "hello\n")

	r, _ := NewRunner(p, nil, nil)
	if _, err := r.Build(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(f.output, "sub")); !os.IsNotExist(err) {
		t.Error("dry run created output directories")
	}
	if entries, _ := f.cache.Entries(); len(entries) != 0 {
		t.Errorf("dry run wrote %d cache entries", len(entries))
	}
	out := diffs.String()
	for _, want := range []string{"--- /dev/null", "+++ b/sub/foo.txt", "+HELLO"} {
		if !strings.Contains(out, want) {
			t.Errorf("diff missing %q:\n%s", want, out)
		}
	}
}

func TestPipeline_PolicyAll(t *testing.T) {
	f := newFixture(t, transform.All)
	p := f.pipeline(t, Options{})
	writeFile(t, filepath.Join(f.input, "a.md"), "md")
	p.InitialFile("a.md")

	want := cache.SumSalted([]byte("md"), cache.Salt([]string{"upper"}))
	if _, ok := f.cache.Get(want); !ok {
		t.Error("no cache entry under the salted fingerprint")
	}
}

func TestPipeline_EditedSettingsMissTheCache(t *testing.T) {
	for _, policy := range []string{"selective", "all"} {
		t.Run(policy, func(t *testing.T) {
			f := newFixture(t, transform.Selective)
			writeFile(t, filepath.Join(f.input, "foo.txt"), "hello")

			for _, suffix := range []string{"-v1", "-v2"} {
				cfg := config.Default()
				cfg.Policy = policy
				cfg.Transformers = []config.TransformerConfig{
					{Name: "tag", Kind: config.KindSuffix, Suffix: suffix},
				}
				chain, err := transform.FromConfig(context.Background(), cfg, "")
				if err != nil {
					t.Fatalf("FromConfig() failed: %v", err)
				}
				f.chain = chain
				p := f.pipeline(t, Options{})
				p.OnAdded("foo.txt")

				if got := readFile(t, filepath.Join(f.output, "foo.txt")); got != "hello"+suffix {
					t.Errorf("suffix %s: output = %q, want %q", suffix, got, "hello"+suffix)
				}
				if st := p.Stats(); st.Hits != 0 || st.Transformed != 1 {
					t.Errorf("suffix %s: stats = %+v, want a fresh transform", suffix, st)
				}
			}
		})
	}
}

type recorder struct {
	writes, hits int
	lastPath     string
}

func (r *recorder) RecordWrite(f cache.Fingerprint, relPath string, transformers []string, size int64) error {
	r.writes++
	r.lastPath = relPath
	return nil
}

func (r *recorder) RecordHit(f cache.Fingerprint) error {
	r.hits++
	return nil
}

type notes struct {
	mu   sync.Mutex
	seen []string
}

func (n *notes) Notify(kind, relPath string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, kind+":"+relPath)
}

func (n *notes) has(s string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, v := range n.seen {
		if v == s {
			return true
		}
	}
	return false
}

func TestPipeline_RecorderAndNotifier(t *testing.T) {
	f := newFixture(t, transform.Selective)
	rec := &recorder{}
	n := &notes{}
	p := f.pipeline(t, Options{Recorder: rec, Notifier: n})

	writeFile(t, filepath.Join(f.input, "d", "a.txt"), "a")
	p.InitialFile(filepath.Join("d", "a.txt"))
	p.ProcessFile(filepath.Join("d", "a.txt"))
	p.OnDeleted(filepath.Join("d", "a.txt"))

	if rec.writes != 1 || rec.hits != 1 || rec.lastPath != "d/a.txt" {
		t.Errorf("recorder = %+v", rec)
	}
	if !n.has("built:d/a.txt") || !n.has("removed:d/a.txt") {
		t.Errorf("notifications = %v", n.seen)
	}
}

func TestRunner_Watch(t *testing.T) {
	f := newFixture(t, transform.Selective)
	n := &notes{}
	p := f.pipeline(t, Options{})
	writeFile(t, filepath.Join(f.input, "first.txt"), "first")

	r, err := NewRunner(p, nil, n)
	if err != nil {
		t.Fatal(err)
	}
	ready := make(chan struct{})
	r.ready = ready

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("Timeout waiting for runner to become ready")
	}
	if got := readFile(t, filepath.Join(f.output, "first.txt")); got != "FIRST" {
		t.Errorf("initial output = %q", got)
	}
	if !n.has("ready:") {
		t.Error("ready was not notified")
	}

	writeFile(t, filepath.Join(f.input, "nested", "later.txt"), "later")
	waitForFile(t, filepath.Join(f.output, "nested", "later.txt"), "LATER")

	if err := os.RemoveAll(filepath.Join(f.input, "nested")); err != nil {
		t.Fatal(err)
	}
	waitForGone(t, filepath.Join(f.output, "nested"))

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch() did not return after cancel")
	}
}

func waitForFile(t *testing.T, path, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil && string(data) == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s to contain %q", path, want)
}

func waitForGone(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s to be removed", path)
}
