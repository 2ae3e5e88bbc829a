// Package store persists sessions, jobs, and pass history in SQLite.
// It is the shared document store sessions coordinate through: all
// mutation goes through the session state machine, dashboards read
// snapshots.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/krpothula/cryoprocess-sub001/internal/models"
)

var (
	// ErrNotFound is returned when a session or job id does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateName is returned by InsertJob when the (project, name)
	// pair is already taken. The chain builder retries on this.
	ErrDuplicateName = errors.New("job name already exists in project")
)

// Store is a SQLite-backed document store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// modernc sqlite allows one writer; serialize access through a single
	// connection and let busy_timeout absorb contention.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure store: %w", err)
	}

	s := &Store{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens a private in-memory store. Used in tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
  id         TEXT PRIMARY KEY,
  project_id TEXT NOT NULL,
  status     TEXT NOT NULL,
  doc        TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);

CREATE TABLE IF NOT EXISTS jobs (
  id         TEXT PRIMARY KEY,
  project_id TEXT NOT NULL,
  session_id TEXT NOT NULL,
  name       TEXT NOT NULL,
  seq        INTEGER NOT NULL DEFAULT 0,
  type       TEXT NOT NULL,
  status     TEXT NOT NULL,
  doc        TEXT NOT NULL,
  created_at TEXT NOT NULL,
  UNIQUE(project_id, name)
);
CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id);

CREATE TABLE IF NOT EXISTS passes (
  session_id   TEXT NOT NULL,
  number       INTEGER NOT NULL,
  doc          TEXT NOT NULL,
  completed_at TEXT NOT NULL,
  PRIMARY KEY(session_id, number)
);

CREATE TABLE IF NOT EXISTS ingested_files (
  session_id  TEXT NOT NULL,
  path        TEXT NOT NULL,
  ingested_at TEXT NOT NULL,
  PRIMARY KEY(session_id, path)
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// ---- sessions ----

// CreateSession inserts a new session record.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	doc, err := marshalSession(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, project_id, status, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, string(sess.Status), doc,
		sess.CreatedAt.UTC().Format(time.RFC3339Nano),
		sess.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession loads a session including its pass history.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM sessions WHERE id = ?`, id)
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	sess := &models.Session{}
	if err := json.Unmarshal([]byte(doc), sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}

	history, err := s.PassHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.PassHistory = history
	return sess, nil
}

// UpdateSession rewrites a session document.
func (s *Store) UpdateSession(ctx context.Context, sess *models.Session) error {
	sess.UpdatedAt = time.Now()
	doc, err := marshalSession(sess)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, doc = ?, updated_at = ? WHERE id = ?`,
		string(sess.Status), doc, sess.UpdatedAt.UTC().Format(time.RFC3339Nano), sess.ID)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
	}
	return nil
}

// ListSessions returns all sessions, optionally filtered by status.
func (s *Store) ListSessions(ctx context.Context, statuses ...models.SessionStatus) ([]*models.Session, error) {
	query := `SELECT id FROM sessions`
	var args []interface{}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	sessions := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// marshalSession encodes a session without its pass history; passes live
// in their own append-only table and are rehydrated on read.
func marshalSession(sess *models.Session) (string, error) {
	trimmed := *sess
	trimmed.PassHistory = nil
	doc, err := json.Marshal(&trimmed)
	if err != nil {
		return "", fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}
	return string(doc), nil
}

// ---- jobs ----

// InsertJob inserts a job record. Returns ErrDuplicateName when the
// (project, name) pair collides with an existing job.
func (s *Store) InsertJob(ctx context.Context, job *models.Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, project_id, session_id, name, seq, type, status, doc, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ProjectID, job.SessionID, job.Name, job.Seq,
		string(job.Type), string(job.Status), string(doc),
		job.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateName, job.Name)
		}
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM jobs WHERE id = ?`, id)
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	job := &models.Job{}
	if err := json.Unmarshal([]byte(doc), job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return job, nil
}

// UpdateJob rewrites a job document.
func (s *Store) UpdateJob(ctx context.Context, job *models.Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, doc = ? WHERE id = ?`,
		string(job.Status), string(doc), job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

// DeleteJob removes a job record, releasing its name. Used to unwind a
// reservation when job construction fails after the insert.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

// JobsBySession returns all jobs belonging to a session, oldest first.
func (s *Store) JobsBySession(ctx context.Context, sessionID string) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM jobs WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job := &models.Job{}
		if err := json.Unmarshal([]byte(doc), job); err != nil {
			return nil, fmt.Errorf("failed to decode job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MaxJobSeq returns the highest allocated sequence number in a project,
// zero when the project has no numbered jobs yet.
func (s *Store) MaxJobSeq(ctx context.Context, projectID string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM jobs WHERE project_id = ?`, projectID)
	var seq int
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read max job seq for project %s: %w", projectID, err)
	}
	return seq, nil
}

// CountJobs returns the number of jobs in a project.
func (s *Store) CountJobs(ctx context.Context, projectID string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE project_id = ?`, projectID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count jobs for project %s: %w", projectID, err)
	}
	return n, nil
}

// ---- ingested files ----

// MarkIngested records watch-directory files that have been handed to a
// pass, so a restarted process never re-imports them. Re-marking a path
// is a no-op.
func (s *Store) MarkIngested(ctx context.Context, sessionID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, path := range paths {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO ingested_files (session_id, path, ingested_at) VALUES (?, ?, ?)`,
			sessionID, path, now)
		if err != nil {
			return fmt.Errorf("failed to mark %s ingested for session %s: %w", path, sessionID, err)
		}
	}
	return nil
}

// IngestedFiles returns every file a session has already taken in.
func (s *Store) IngestedFiles(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM ingested_files WHERE session_id = ? ORDER BY path`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ingested files for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("failed to scan ingested path: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}

// ---- passes ----

// AppendPass records a completed pass. Passes are append-only; a
// duplicate pass number for the same session is a programming error and
// surfaces as a constraint violation.
func (s *Store) AppendPass(ctx context.Context, sessionID string, pass models.Pass) error {
	doc, err := json.Marshal(pass)
	if err != nil {
		return fmt.Errorf("failed to encode pass %d: %w", pass.Number, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO passes (session_id, number, doc, completed_at) VALUES (?, ?, ?, ?)`,
		sessionID, pass.Number, string(doc),
		pass.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append pass %d for session %s: %w", pass.Number, sessionID, err)
	}
	return nil
}

// PassHistory returns a session's passes in order.
func (s *Store) PassHistory(ctx context.Context, sessionID string) ([]models.Pass, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM passes WHERE session_id = ? ORDER BY number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pass history for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var history []models.Pass
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan pass: %w", err)
		}
		var pass models.Pass
		if err := json.Unmarshal([]byte(doc), &pass); err != nil {
			return nil, fmt.Errorf("failed to decode pass: %w", err)
		}
		history = append(history, pass)
	}
	return history, rows.Err()
}
