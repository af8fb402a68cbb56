package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"gravity/internal/file"
	"gravity/internal/task"
)

// SQLite persists tasks and the bounded history list in a single
// database file under dataDir. Timestamps are stored as unix
// nanoseconds so ordering and TTL comparisons stay integer-only.
type SQLite struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	format TEXT NOT NULL,
	media_type TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	progress TEXT NOT NULL DEFAULT '',
	file_path TEXT NOT NULL DEFAULT '',
	file_size INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);

CREATE TABLE IF NOT EXISTS history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	url TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	file_size INTEGER NOT NULL DEFAULT 0,
	finished_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_finished_at ON history(finished_at);
`

// Open initializes the database under dataDir, enabling WAL mode and a
// busy timeout so concurrent worker writes do not trip SQLITE_BUSY.
func Open(dataDir string) (*SQLite, error) {
	if err := file.EnsureDir(dataDir); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "tasks.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close() //nolint:wrapcheck
}

func (s *SQLite) Create(ctx context.Context, t *task.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, url, format, media_type, title, status, progress, file_path, file_size, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.URL, t.Format, string(t.Type), t.Title, string(t.Status), t.Progress,
		t.FilePath, t.FileSize, t.Error, t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return task.ErrDuplicateTask
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

const taskColumns = `id, url, format, media_type, title, status, progress, file_path, file_size, error, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*task.Task, error) {
	var t task.Task
	var mediaType, status string
	var createdAt, updatedAt int64
	err := row.Scan(&t.ID, &t.URL, &t.Format, &mediaType, &t.Title, &status, &t.Progress,
		&t.FilePath, &t.FileSize, &t.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = task.MediaType(mediaType)
	t.Status = task.Status(status)
	t.CreatedAt = time.Unix(0, createdAt)
	t.UpdatedAt = time.Unix(0, updatedAt)
	return &t, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return t, nil
}

// UpdateStatus mutates status, progress and error in one statement so
// retries never observe a half-applied update.
func (s *SQLite) UpdateStatus(ctx context.Context, id string, status task.Status, progress, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, progress = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), progress, errMsg, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return checkAffected(res)
}

// SetResult records terminal success. The error column is cleared in
// the same statement, keeping the one-of-{result,error} invariant.
func (s *SQLite) SetResult(ctx context.Context, id, filePath string, fileSize int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, file_path = ?, file_size = ?, error = '', updated_at = ? WHERE id = ?`,
		string(task.StatusCompleted), filePath, fileSize, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("set result: %w", err)
	}
	return checkAffected(res)
}

// Delete removes the record and returns the stored file path (empty if
// none) so the caller can evict the artifact from disk. The single
// RETURNING statement means exactly one of two racing deletes wins.
func (s *SQLite) Delete(ctx context.Context, id string) (string, error) {
	var filePath string
	err := s.db.QueryRowContext(ctx, `DELETE FROM tasks WHERE id = ? RETURNING file_path`, id).Scan(&filePath)
	if errors.Is(err, sql.ErrNoRows) {
		return "", task.ErrTaskNotFound
	}
	if err != nil {
		return "", fmt.Errorf("delete task: %w", err)
	}
	return filePath, nil
}

func (s *SQLite) ListRecent(ctx context.Context, limit, offset int) ([]*task.Task, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*task.Task, 0, limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, total, nil
}

// AppendHistory inserts the entry and trims everything beyond cap,
// evicting strictly the oldest entries first.
func (s *SQLite) AppendHistory(ctx context.Context, entry *task.HistoryEntry, limit int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (task_id, url, title, status, error, file_size, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.URL, entry.Title, string(entry.Status), entry.Error,
		entry.FileSize, entry.FinishedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	if limit <= 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM history WHERE id NOT IN
		 (SELECT id FROM history ORDER BY finished_at DESC, id DESC LIMIT ?)`, limit)
	if err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}

func (s *SQLite) ListHistory(ctx context.Context, limit int) ([]*task.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, url, title, status, error, file_size, finished_at
		 FROM history ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	entries := make([]*task.HistoryEntry, 0, limit)
	for rows.Next() {
		var e task.HistoryEntry
		var status string
		var finishedAt int64
		if err := rows.Scan(&e.TaskID, &e.URL, &e.Title, &status, &e.Error, &e.FileSize, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Status = task.Status(status)
		e.FinishedAt = time.Unix(0, finishedAt)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// PurgeExpired removes records created before cutoff along with their
// history entries, returning the artifact paths of the removed tasks so
// the caller can delete the files too.
func (s *SQLite) PurgeExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_path FROM tasks WHERE created_at < ? AND file_path != ''`, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("select expired: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired: %w", err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE created_at < ?`, cutoff.UnixNano()); err != nil {
		return nil, fmt.Errorf("purge tasks: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE finished_at < ?`, cutoff.UnixNano()); err != nil {
		return nil, fmt.Errorf("purge history: %w", err)
	}
	return paths, nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}
