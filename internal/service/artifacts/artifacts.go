// Package artifacts persists rendered report and export files. Artifacts
// live in a local SQLite database next to the service rather than in
// Postgres: they are opaque blobs served back by URL, not relational state.
package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no artifact exists for an id.
var ErrNotFound = errors.New("artifacts: not found")

// Artifact is one stored rendered file.
type Artifact struct {
	ID          uuid.UUID
	RunID       uuid.UUID
	Kind        string // "report" or "export"
	ContentType string
	Data        []byte
	CreatedAt   time.Time
}

// URL is the path the artifact is retrievable at.
func (a Artifact) URL() string {
	return "/v1/artifacts/" + a.ID.String()
}

// Store is the SQLite-backed artifact store.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL,
	kind         TEXT NOT NULL,
	content_type TEXT NOT NULL,
	data         BLOB NOT NULL,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS artifacts_run_id ON artifacts (run_id);
`

// Open opens (and initializes) the artifact database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("artifacts: open %s: %w", path, err)
	}
	// SQLite handles one writer at a time; serialize access through a
	// single connection instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("artifacts: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores an artifact. Artifacts are immutable; writing the same id
// twice is an error.
func (s *Store) Put(ctx context.Context, a Artifact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, run_id, kind, content_type, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.RunID.String(), a.Kind, a.ContentType, a.Data,
		a.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("artifacts: put %s: %w", a.ID, err)
	}
	return nil
}

// Get retrieves an artifact by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Artifact, error) {
	var (
		a         Artifact
		idStr     string
		runIDStr  string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, kind, content_type, data, created_at
		 FROM artifacts WHERE id = ?`,
		id.String(),
	).Scan(&idStr, &runIDStr, &a.Kind, &a.ContentType, &a.Data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("artifacts: get %s: %w", id, err)
	}

	if a.ID, err = uuid.Parse(idStr); err != nil {
		return Artifact{}, fmt.Errorf("artifacts: parse id: %w", err)
	}
	if a.RunID, err = uuid.Parse(runIDStr); err != nil {
		return Artifact{}, fmt.Errorf("artifacts: parse run id: %w", err)
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Artifact{}, fmt.Errorf("artifacts: parse created_at: %w", err)
	}
	return a, nil
}
