package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/drfirst/go-rxverify/internal/domain/medication"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS verification_cache (
		normalized_name TEXT PRIMARY KEY,
		result          TEXT NOT NULL,
		written_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS verification_cache_written_at_idx
		ON verification_cache (written_at);
`

// SQLiteBackend persists verdicts in a local SQLite file, so a single-node
// deployment keeps its cache across restarts.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path (":memory:" for a
// throwaway store) and applies the schema.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; also keeps a :memory: database on a single connection
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate verification_cache: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Load(ctx context.Context, key string) (Record, bool, error) {
	var raw string
	var writtenAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT result, written_at FROM verification_cache WHERE normalized_name = ?`, key,
	).Scan(&raw, &writtenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load cache record: %w", err)
	}

	var result medication.VerificationResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return Record{}, false, fmt.Errorf("decode cache record: %w", err)
	}
	return Record{Key: key, Result: result, WrittenAt: time.Unix(0, writtenAt).UTC()}, true, nil
}

func (s *SQLiteBackend) Save(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO verification_cache (normalized_name, result, written_at)
		VALUES (?, ?, ?)
		ON CONFLICT (normalized_name) DO UPDATE
		SET result = excluded.result, written_at = excluded.written_at`,
		rec.Key, string(raw), rec.WrittenAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save cache record: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM verification_cache WHERE normalized_name = ?`, key); err != nil {
		return fmt.Errorf("delete cache record: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM verification_cache WHERE written_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
