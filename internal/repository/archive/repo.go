package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aliskhannn/upscaler/internal/model"
)

var ErrTaskNotFound = errors.New("archived task not found")

const schema = `
CREATE TABLE IF NOT EXISTS archived_tasks (
    id          TEXT PRIMARY KEY,
    source_path TEXT NOT NULL,
    output_path TEXT NOT NULL,
    media_type  TEXT NOT NULL,
    params_json TEXT NOT NULL,
    status      TEXT NOT NULL,
    progress    REAL NOT NULL,
    error_json  TEXT NULL,
    created_at  TEXT NOT NULL,
    started_at  TEXT NULL,
    finished_at TEXT NULL,
    archived_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS archived_tasks_archived_at ON archived_tasks (archived_at);
`

const columns = `id, source_path, output_path, media_type, params_json, status, progress, error_json, created_at, started_at, finished_at`

// Repository stores finished tasks removed from the queue.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the SQLite archive at path.
func Open(ctx context.Context, path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("open archive: %w", err)
	}

	r := NewRepository(db)
	if err := r.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// NewRepository wraps an existing connection. Call Migrate before use.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Migrate creates the schema if it does not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// SaveTasks archives tasks in one transaction. Archiving a task id twice
// replaces the earlier record.
func (r *Repository) SaveTasks(ctx context.Context, tasks []model.Task) error {
	query := `
		INSERT OR REPLACE INTO archived_tasks (` + columns + `, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	archivedAt := formatTime(r.now())
	for _, t := range tasks {
		paramsJSON, err := json.Marshal(t.Parameters)
		if err != nil {
			return fmt.Errorf("save: failed to marshal parameters: %w", err)
		}

		var errorJSON sql.NullString
		if t.Error != nil {
			data, err := json.Marshal(t.Error)
			if err != nil {
				return fmt.Errorf("save: failed to marshal error: %w", err)
			}
			errorJSON = sql.NullString{String: string(data), Valid: true}
		}

		_, err = tx.ExecContext(ctx, query,
			t.ID, t.SourcePath, t.OutputPath, string(t.MediaType), string(paramsJSON),
			string(t.Status), t.Progress, errorJSON,
			formatTime(t.CreatedAt), nullTime(t.StartedAt), nullTime(t.FinishedAt), archivedAt,
		)
		if err != nil {
			return fmt.Errorf("save: failed to archive task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save: failed to commit: %w", err)
	}
	return nil
}

// GetTask retrieves an archived task by id.
func (r *Repository) GetTask(ctx context.Context, id string) (model.Task, error) {
	query := `SELECT ` + columns + ` FROM archived_tasks WHERE id = ?`

	t, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Task{}, ErrTaskNotFound
		}
		return model.Task{}, fmt.Errorf("get: failed to get task: %w", err)
	}
	return t, nil
}

// ListTasks returns up to limit archived tasks, most recently archived
// first. limit <= 0 returns everything.
func (r *Repository) ListTasks(ctx context.Context, limit int) ([]model.Task, error) {
	query := `SELECT ` + columns + ` FROM archived_tasks ORDER BY archived_at DESC, created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list: failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list: failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return tasks, nil
}

// DeleteBefore removes tasks archived before cutoff and returns how many
// were deleted.
func (r *Repository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM archived_tasks WHERE archived_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete: failed to delete tasks: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete: failed to get number of rows affected: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (model.Task, error) {
	var (
		t                     model.Task
		mediaType, status     string
		paramsJSON, createdAt string
		errorJSON             sql.NullString
		startedAt, finishedAt sql.NullString
	)

	err := row.Scan(
		&t.ID, &t.SourcePath, &t.OutputPath, &mediaType, &paramsJSON, &status,
		&t.Progress, &errorJSON, &createdAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return model.Task{}, err
	}

	t.MediaType = model.MediaType(mediaType)
	t.Status = model.Status(status)

	if err := json.Unmarshal([]byte(paramsJSON), &t.Parameters); err != nil {
		return model.Task{}, fmt.Errorf("failed to unmarshal parameters: %w", err)
	}
	if errorJSON.Valid {
		t.Error = &model.TaskError{}
		if err := json.Unmarshal([]byte(errorJSON.String), t.Error); err != nil {
			return model.Task{}, fmt.Errorf("failed to unmarshal error: %w", err)
		}
	}

	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return model.Task{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if t.StartedAt, err = parseNullTime(startedAt); err != nil {
		return model.Task{}, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if t.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return model.Task{}, fmt.Errorf("failed to parse finished_at: %w", err)
	}

	return t, nil
}

// Timestamps are stored as fixed-width UTC text so that they sort correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
