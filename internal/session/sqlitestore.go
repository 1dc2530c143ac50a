package session

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meow-stack/recipe-engine/internal/errors"
)

// SQLiteStore keeps sessions in a single SQLite database.
// Snapshots are stored as JSON, so numeric context values read back as float64.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(errors.CodeIOWriteError, err, "creating database dir for %s", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT NOT NULL,
		project_path TEXT NOT NULL,
		recipe TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (session_id, project_path)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrating session database: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save inserts or replaces the snapshot.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap.SessionID == "" {
		return fmt.Errorf("snapshot has no session id")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, project_path, recipe, status, updated_at, data)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, project_path) DO UPDATE SET
			recipe = excluded.recipe,
			status = excluded.status,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		snap.SessionID, snap.ProjectPath, snap.Recipe, string(snap.Status), snap.UpdatedAt.UnixNano(), string(data),
	)
	if err != nil {
		return errors.Wrapf(errors.CodeIOWriteError, err, "saving session %s", snap.SessionID)
	}
	return nil
}

// Load reads one session. An empty projectPath matches any project.
func (s *SQLiteStore) Load(ctx context.Context, sessionID, projectPath string) (*Snapshot, error) {
	query := `SELECT data FROM sessions WHERE session_id = ?`
	args := []any{sessionID}
	if projectPath != "" {
		query += ` AND project_path = ?`
		args = append(args, projectPath)
	}
	query += ` ORDER BY updated_at DESC LIMIT 1`

	var data string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.SessionNotFound(sessionID)
	}
	if err != nil {
		return nil, errors.Wrapf(errors.CodeIOReadError, err, "loading session %s", sessionID)
	}
	return decodeSnapshot(data)
}

// List returns sessions, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context, projectPath string) ([]*Snapshot, error) {
	query := `SELECT data FROM sessions`
	var args []any
	if projectPath != "" {
		query += ` WHERE project_path = ?`
		args = append(args, projectPath)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(errors.CodeIOReadError, err, "listing sessions")
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		snap, err := decodeSnapshot(data)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Delete removes a session. An empty projectPath matches any project.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID, projectPath string) error {
	query := `DELETE FROM sessions WHERE session_id = ?`
	args := []any{sessionID}
	if projectPath != "" {
		query += ` AND project_path = ?`
		args = append(args, projectPath)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(errors.CodeIOWriteError, err, "deleting session %s", sessionID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.SessionNotFound(sessionID)
	}
	return nil
}

// Cleanup deletes sessions last updated before cutoff.
func (s *SQLiteStore) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, errors.Wrapf(errors.CodeIOWriteError, err, "cleaning up sessions")
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func decodeSnapshot(data string) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &snap, nil
}

var _ Store = (*SQLiteStore)(nil)
