package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/export-queue/pkg/types"

	_ "modernc.org/sqlite" // pure Go driver, registers "sqlite"
)

const sqlitePrefix = "sqlite:"

// SQLiteStore keeps artifacts as rows in an artifacts table. Paths look like
// "sqlite:<job-id>.<ext>".
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database and ensures the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = "file:data/exports.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("blob: open sqlite: %w", err)
	}
	// modernc serializes writers per connection; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("blob: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	q := `
	CREATE TABLE IF NOT EXISTS artifacts (
		name TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		format TEXT NOT NULL,
		size INTEGER NOT NULL,
		data BLOB NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id);
	`
	_, err := s.db.Exec(q)
	return err
}

// Save upserts the artifact row.
func (s *SQLiteStore) Save(ctx context.Context, jobID types.JobID, data []byte, format types.Format) (string, error) {
	name := ArtifactName(jobID, format)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts(name, job_id, format, size, data, created_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET data = excluded.data, size = excluded.size, created_at = excluded.created_at`,
		name, string(jobID), string(format), len(data), data, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("blob: insert %s: %w", name, err)
	}
	return sqlitePrefix + name, nil
}

// Open returns the artifact bytes.
func (s *SQLiteStore) Open(ctx context.Context, path string) ([]byte, error) {
	name, err := s.name(path)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.db.QueryRowContext(ctx, `SELECT data FROM artifacts WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes the artifact row.
func (s *SQLiteStore) Delete(ctx context.Context, path string) error {
	name, err := s.name(path)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of stored artifacts.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) name(path string) (string, error) {
	if !strings.HasPrefix(path, sqlitePrefix) || len(path) == len(sqlitePrefix) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	return strings.TrimPrefix(path, sqlitePrefix), nil
}
