package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tecnicocursos/render-api/internal/model"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_render_jobs_project ON render_jobs(project_id, created_at DESC);
`

// SQLiteStore persists jobs in a single SQLite file. A single connection
// serializes writers, which makes Update atomic.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the job database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLiteStore) Create(ctx context.Context, job *model.Job) error {
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO render_jobs (id, project_id, status, created_at, updated_at, data) VALUES (?, ?, ?, ?, ?, ?)`,
			job.ID, job.ProjectID, string(job.Status), job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(), string(data),
		)
		if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return err
	})
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Job, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM render_jobs WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeJob([]byte(data))
}

func (s *SQLiteStore) Update(ctx context.Context, id string, fn UpdateFunc) (*model.Job, error) {
	var result *model.Job
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var data string
		if err := tx.QueryRowContext(ctx, `SELECT data FROM render_jobs WHERE id = ?`, id).Scan(&data); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		job, err := decodeJob([]byte(data))
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		out, err := encodeJob(job)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE render_jobs SET status = ?, updated_at = ?, data = ? WHERE id = ?`,
			string(job.Status), job.UpdatedAt.UnixNano(), string(out), id,
		); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) ListByProject(ctx context.Context, projectID string, filter ListFilter) ([]*model.Job, error) {
	query := `SELECT data FROM render_jobs WHERE project_id = ?`
	args := []any{projectID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, filter.limit())
	return s.queryJobs(ctx, query, args...)
}

// ListUnfinished returns queued and processing jobs, oldest first.
func (s *SQLiteStore) ListUnfinished(ctx context.Context) ([]*model.Job, error) {
	return s.queryJobs(ctx,
		`SELECT data FROM render_jobs WHERE status IN (?, ?) ORDER BY created_at ASC`,
		string(model.JobStatusQueued), string(model.JobStatusProcessing),
	)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		job, err := decodeJob([]byte(data))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// PurgeFinishedBefore deletes terminal jobs last updated before cutoff.
func (s *SQLiteStore) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM render_jobs WHERE status IN (?, ?, ?) AND updated_at < ?`,
			string(model.JobStatusCompleted), string(model.JobStatusFailed), string(model.JobStatusCancelled), cutoff.UnixNano(),
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
