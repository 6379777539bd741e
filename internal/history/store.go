package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no record exists for the requested task ID.
var ErrNotFound = errors.New("task not found in history")

// Store is the sqlite-backed task archive. SQLite handles one writer at a
// time, so the pool is pinned to a single connection and WAL mode keeps
// readers unblocked.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at dbPath.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		task_id      TEXT PRIMARY KEY,
		seq          TEXT NOT NULL,
		title        TEXT NOT NULL,
		work_dir     TEXT NOT NULL,
		status       TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		conversation TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_tasks_work_dir ON tasks(work_dir);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Save inserts or updates a record. The created timestamp survives updates;
// everything else reflects the latest save.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.TaskID == "" {
		return fmt.Errorf("record has no task ID")
	}
	blob, err := encodeConversation(rec.Conversation)
	if err != nil {
		return err
	}
	now := time.Now()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, seq, title, work_dir, status, created_at, updated_at, conversation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			seq          = excluded.seq,
			title        = excluded.title,
			work_dir     = excluded.work_dir,
			status       = excluded.status,
			updated_at   = excluded.updated_at,
			conversation = excluded.conversation
	`, rec.TaskID, rec.Seq, rec.Title, rec.WorkDir, rec.Status,
		created.Unix(), updated.Unix(), string(blob))
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", rec.TaskID, err)
	}
	return nil
}

// Load returns the full record, conversation included.
func (s *Store) Load(ctx context.Context, taskID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, seq, title, work_dir, status, created_at, updated_at, conversation
		FROM tasks WHERE task_id = ?
	`, taskID)

	var rec Record
	var created, updated int64
	var blob string
	err := row.Scan(&rec.TaskID, &rec.Seq, &rec.Title, &rec.WorkDir, &rec.Status,
		&created, &updated, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	rec.CreatedAt = time.Unix(created, 0)
	rec.UpdatedAt = time.Unix(updated, 0)
	rec.Conversation, err = decodeConversation([]byte(blob))
	if err != nil {
		return Record{}, fmt.Errorf("task %s: %w", taskID, err)
	}
	return rec, nil
}

// List returns record metadata newest-first, without conversations. An empty
// workDir lists tasks from every working directory.
func (s *Store) List(ctx context.Context, workDir string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT task_id, seq, title, work_dir, status, created_at, updated_at
		FROM tasks
	`
	args := []any{}
	if workDir != "" {
		query += ` WHERE work_dir = ?`
		args = append(args, workDir)
	}
	query += ` ORDER BY updated_at DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var created, updated int64
		if err := rows.Scan(&rec.TaskID, &rec.Seq, &rec.Title, &rec.WorkDir,
			&rec.Status, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		rec.CreatedAt = time.Unix(created, 0)
		rec.UpdatedAt = time.Unix(updated, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a record. Deleting an absent task is not an error.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", taskID, err)
	}
	return nil
}
