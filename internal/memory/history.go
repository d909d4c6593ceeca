// Package memory keeps a local SQLite record of interceptions and a small
// cache of the last retrieved context per soul. The cache lets the broker
// degrade to recently seen context instead of nothing when the backend is
// unreachable; the history powers `locket status`.
package memory

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Interception is one rewritten submission.
type Interception struct {
	ID        string
	SoulID    string
	SoulName  string
	Site      string
	TabID     string
	Mode      string
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS interceptions (
	id         TEXT PRIMARY KEY,
	soul_id    TEXT NOT NULL,
	soul_name  TEXT NOT NULL DEFAULT '',
	site       TEXT NOT NULL DEFAULT '',
	tab_id     TEXT NOT NULL DEFAULT '',
	mode       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interceptions_soul ON interceptions(soul_id);
CREATE INDEX IF NOT EXISTS idx_interceptions_created ON interceptions(created_at);

CREATE TABLE IF NOT EXISTS context_cache (
	soul_id    TEXT PRIMARY KEY,
	context    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store is the SQLite-backed history store.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes the database at path (":memory:" works for tests).
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one interception. A missing id is assigned; a missing
// timestamp becomes now.
func (s *Store) Record(rec Interception) error {
	if rec.SoulID == "" {
		return errors.New("memory: interception requires a soul id")
	}
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO interceptions (id, soul_id, soul_name, site, tab_id, mode, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SoulID, rec.SoulName, rec.Site, rec.TabID, rec.Mode, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record interception: %w", err)
	}
	return nil
}

// Recent returns the latest interceptions, newest first.
func (s *Store) Recent(limit int) ([]Interception, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, soul_id, soul_name, site, tab_id, mode, created_at
		 FROM interceptions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query interceptions: %w", err)
	}
	defer rows.Close()

	var out []Interception
	for rows.Next() {
		var rec Interception
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.SoulID, &rec.SoulName, &rec.Site, &rec.TabID, &rec.Mode, &ts); err != nil {
			return nil, fmt.Errorf("scan interception: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountBySoul returns the interception count per soul id.
func (s *Store) CountBySoul() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT soul_id, COUNT(*) FROM interceptions GROUP BY soul_id`)
	if err != nil {
		return nil, fmt.Errorf("count interceptions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// CacheContext stores the last successfully retrieved context for a soul.
// Empty context clears the entry.
func (s *Store) CacheContext(soulID, context string) error {
	if context == "" {
		_, err := s.db.Exec(`DELETE FROM context_cache WHERE soul_id = ?`, soulID)
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO context_cache (soul_id, context, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(soul_id) DO UPDATE SET context = excluded.context, updated_at = excluded.updated_at`,
		soulID, context, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("cache context: %w", err)
	}
	return nil
}

// CachedContext returns the cached context for a soul if it is newer than
// maxAge. maxAge <= 0 disables the age check.
func (s *Store) CachedContext(soulID string, maxAge time.Duration) (string, bool, error) {
	var context string
	var ts int64
	err := s.db.QueryRow(
		`SELECT context, updated_at FROM context_cache WHERE soul_id = ?`, soulID,
	).Scan(&context, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read cached context: %w", err)
	}
	if maxAge > 0 && time.Since(time.UnixMilli(ts)) > maxAge {
		return "", false, nil
	}
	return context, true, nil
}
