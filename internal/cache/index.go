package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// IndexFileName is the ledger database kept beside the cache entries.
const IndexFileName = "index.db"

// Index is a sqlite ledger describing the entries of a Cache: which file
// produced each one, through which transformers, and how often it was hit.
// The cache works without it; the ledger only feeds status and prune.
//
// The database runs in WAL mode so a `mirror cache status` can read while a
// watcher writes.
type Index struct {
	conn *sql.DB
	path string
}

// Stats summarizes an Index.
type Stats struct {
	Entries   int
	Bytes     int64
	Hits      int64
	Oldest    time.Time
	Newest    time.Time
	LastHitAt time.Time
}

// EntryInfo is one ledger row.
type EntryInfo struct {
	Fingerprint  Fingerprint
	Path         string
	Transformers []string
	Size         int64
	CreatedAt    time.Time
	LastHitAt    time.Time
	Hits         int64
}

// OpenIndex opens or creates the ledger at path and ensures its schema.
//
// The caller MUST call Close() when done.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping index: %w", err)
	}

	// A single connection keeps writes ordered; the pipeline is single
	// threaded anyway.
	conn.SetMaxOpenConns(1)

	idx := &Index{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = idx.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := idx.initSchema(context.Background()); err != nil {
		_ = idx.Close()
		return nil, err
	}
	return idx, nil
}

// OpenIndexFor opens the ledger stored inside c's directory.
func OpenIndexFor(c *Cache) (*Index, error) {
	return OpenIndex(filepath.Join(c.Dir(), IndexFileName))
}

func (idx *Index) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		fingerprint TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		transformers TEXT NOT NULL,  -- comma separated, in application order
		size INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		last_hit_at TEXT,
		hits INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(created_at);
	CREATE INDEX IF NOT EXISTS idx_entries_path ON entries(path);
	`
	if _, err := idx.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize index schema: %w", err)
	}
	return nil
}

// Path returns the database file.
func (idx *Index) Path() string {
	return idx.path
}

// Close checkpoints the WAL and closes the database. The database is closed
// even when the checkpoint fails; both failures are returned.
func (idx *Index) Close() error {
	if idx.conn == nil {
		return nil
	}
	var errs []error
	if _, err := idx.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		errs = append(errs, fmt.Errorf("failed to checkpoint index WAL: %w", err))
	}
	if err := idx.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close index: %w", err))
	}
	idx.conn = nil
	return errors.Join(errs...)
}

// RecordWrite notes that f was (re)written for relPath.
func (idx *Index) RecordWrite(f Fingerprint, relPath string, transformers []string, size int64) error {
	return idx.RecordWriteContext(context.Background(), f, relPath, transformers, size)
}

// RecordWriteContext is RecordWrite with context support.
func (idx *Index) RecordWriteContext(ctx context.Context, f Fingerprint, relPath string, transformers []string, size int64) error {
	query := `
	INSERT INTO entries (fingerprint, path, transformers, size, created_at, hits)
	VALUES (?, ?, ?, ?, ?, 0)
	ON CONFLICT(fingerprint) DO UPDATE SET
		path = excluded.path,
		transformers = excluded.transformers,
		size = excluded.size,
		created_at = excluded.created_at
	`
	_, err := idx.conn.ExecContext(ctx, query,
		f.String(),
		filepath.ToSlash(relPath),
		strings.Join(transformers, ","),
		size,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to record cache write: %w", err)
	}
	return nil
}

// RecordHit bumps the hit counter for f. Unknown fingerprints are ignored.
func (idx *Index) RecordHit(f Fingerprint) error {
	return idx.RecordHitContext(context.Background(), f)
}

// RecordHitContext is RecordHit with context support.
func (idx *Index) RecordHitContext(ctx context.Context, f Fingerprint) error {
	_, err := idx.conn.ExecContext(ctx,
		`UPDATE entries SET hits = hits + 1, last_hit_at = ? WHERE fingerprint = ?`,
		formatTime(time.Now()), f.String())
	if err != nil {
		return fmt.Errorf("failed to record cache hit: %w", err)
	}
	return nil
}

// Lookup returns the ledger row for f. found is false if there is none.
func (idx *Index) Lookup(ctx context.Context, f Fingerprint) (info EntryInfo, found bool, err error) {
	var (
		transformers string
		created      string
		lastHit      sql.NullString
	)
	row := idx.conn.QueryRowContext(ctx,
		`SELECT path, transformers, size, created_at, last_hit_at, hits FROM entries WHERE fingerprint = ?`,
		f.String())
	err = row.Scan(&info.Path, &transformers, &info.Size, &created, &lastHit, &info.Hits)
	if errors.Is(err, sql.ErrNoRows) {
		return EntryInfo{}, false, nil
	}
	if err != nil {
		return EntryInfo{}, false, fmt.Errorf("failed to look up %s: %w", f, err)
	}
	info.Fingerprint = f
	if transformers != "" {
		info.Transformers = strings.Split(transformers, ",")
	}
	info.CreatedAt = parseTime(created)
	if lastHit.Valid {
		info.LastHitAt = parseTime(lastHit.String)
	}
	return info, true, nil
}

// Stats summarizes the ledger.
func (idx *Index) Stats(ctx context.Context) (Stats, error) {
	var (
		s                       Stats
		oldest, newest, lastHit sql.NullString
	)
	row := idx.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(hits), 0),
		       MIN(created_at), MAX(created_at), MAX(last_hit_at)
		FROM entries`)
	if err := row.Scan(&s.Entries, &s.Bytes, &s.Hits, &oldest, &newest, &lastHit); err != nil {
		return Stats{}, fmt.Errorf("failed to read index stats: %w", err)
	}
	if oldest.Valid {
		s.Oldest = parseTime(oldest.String)
	}
	if newest.Valid {
		s.Newest = parseTime(newest.String)
	}
	if lastHit.Valid {
		s.LastHitAt = parseTime(lastHit.String)
	}
	return s, nil
}

// CreatedBefore returns the fingerprints of entries created before t.
func (idx *Index) CreatedBefore(ctx context.Context, t time.Time) ([]Fingerprint, error) {
	rows, err := idx.conn.QueryContext(ctx,
		`SELECT fingerprint FROM entries WHERE created_at < ? ORDER BY created_at`,
		formatTime(t))
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	defer rows.Close()

	var out []Fingerprint
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		f, err := ParseFingerprint(s)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Forget drops the ledger row for f.
func (idx *Index) Forget(ctx context.Context, f Fingerprint) error {
	if _, err := idx.conn.ExecContext(ctx, `DELETE FROM entries WHERE fingerprint = ?`, f.String()); err != nil {
		return fmt.Errorf("failed to forget %s: %w", f, err)
	}
	return nil
}

// Reset drops every ledger row.
func (idx *Index) Reset(ctx context.Context) error {
	if _, err := idx.conn.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("failed to reset index: %w", err)
	}
	return nil
}

// Prune removes every entry created before t from both the cache and the
// ledger, returning how many were removed.
func Prune(ctx context.Context, c *Cache, idx *Index, before time.Time) (int, error) {
	stale, err := idx.CreatedBefore(ctx, before)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range stale {
		if err := c.Remove(f); err != nil {
			return n, fmt.Errorf("failed to remove entry %s: %w", f, err)
		}
		if err := idx.Forget(ctx, f); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Fixed width so stored timestamps compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
