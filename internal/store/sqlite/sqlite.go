// Package sqlite implements store.Store over an embedded, single-file
// SQLite database using the pure-Go modernc.org/sqlite driver (no cgo).
// Claims serialize through SQLite's single-writer transaction rather than
// row-level locks (spec §4.2: "SQLite uses a single-writer transaction").
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hypershell/hypershell/internal/domain"
	"github.com/hypershell/hypershell/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS task (
	id              TEXT PRIMARY KEY,
	args            TEXT NOT NULL,
	command         TEXT NOT NULL DEFAULT '',
	submit_id       TEXT NOT NULL,
	submit_host     TEXT NOT NULL,
	submit_time     DATETIME NOT NULL,
	server_id       TEXT,
	server_host     TEXT,
	schedule_time   DATETIME,
	client_id       TEXT,
	client_host     TEXT,
	start_time      DATETIME,
	completion_time DATETIME,
	exit_status     INTEGER,
	attempt         INTEGER NOT NULL DEFAULT 1,
	previous_id     TEXT,
	outpath         TEXT,
	errpath         TEXT
);
CREATE TABLE IF NOT EXISTS task_tag (
	task_id TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (task_id, key)
);
CREATE INDEX IF NOT EXISTS idx_task_submit_time ON task(submit_time);
CREATE INDEX IF NOT EXISTS idx_task_exit_status ON task(exit_status);
CREATE INDEX IF NOT EXISTS idx_task_schedule_exit ON task(schedule_time, exit_status);
`

const selectCols = `id, args, command, submit_id, submit_host, submit_time,
	server_id, server_host, schedule_time, client_id, client_host,
	start_time, completion_time, exit_status, attempt, previous_id, outpath, errpath`

// Store is a store.Store backed by a single-file SQLite database.
// Writes are serialized with an in-process mutex in addition to SQLite's
// own locking, since the driver otherwise surfaces SQLITE_BUSY under
// concurrent claims from multiple goroutines in the same process.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens path, initializing the schema automatically
// (spec §6: "Initialization is automatic for embedded... backends").
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer transaction model (spec §4.2)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *Store) Close()                         { s.db.Close() }

// IncompleteCount reports how many tasks have no exit_status yet.
func (s *Store) IncompleteCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM task WHERE exit_status IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: incomplete count: %w", err)
	}
	return n, nil
}

func (s *Store) Insert(ctx context.Context, tasks []*domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert tx: %w", err)
	}
	defer tx.Rollback()

	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.SubmitTime.IsZero() {
			t.SubmitTime = time.Now()
		}
		if t.Attempt == 0 {
			t.Attempt = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task (id, args, command, submit_id, submit_host, submit_time, attempt, previous_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Args, t.Command, t.SubmitID, t.SubmitHost, t.SubmitTime, t.Attempt, t.PreviousID,
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		for k, v := range t.Tags {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO task_tag (task_id, key, value) VALUES (?, ?, ?)`, t.ID, k, v,
			); err != nil {
				return fmt.Errorf("insert task tag: %w", err)
			}
		}
	}
	return tx.Commit()
}

func (s *Store) ClaimNext(ctx context.Context, n int, eager bool, serverID, serverHost string) ([]*domain.Task, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	order := "submit_time ASC"
	if eager {
		order = "(previous_id IS NULL) ASC, submit_time ASC"
	}
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT id FROM task WHERE schedule_time IS NULL ORDER BY %s LIMIT ?`, order), n)
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now()
	var tasks []*domain.Task
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE task SET schedule_time = ?, server_id = ?, server_host = ? WHERE id = ?`,
			now, serverID, serverHost, id,
		); err != nil {
			return nil, fmt.Errorf("claim task %s: %w", id, err)
		}
		t, err := s.queryOneTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return tasks, nil
}

func (s *Store) Complete(ctx context.Context, in store.CompleteInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE task SET exit_status = ?, client_id = ?, client_host = ?,
		       start_time = ?, completion_time = ?, outpath = ?, errpath = ?
		WHERE id = ? AND exit_status IS NULL`,
		in.ExitStatus, in.ClientID, in.ClientHost, in.StartTime, in.CompletionTime,
		in.OutPath, in.ErrPath, in.ID,
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var existing sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT exit_status FROM task WHERE id = ?`, in.ID).Scan(&existing)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrTaskNotFound
		}
		return fmt.Errorf("check existing completion: %w", err)
	}
	if int(existing.Int64) != in.ExitStatus {
		// first write wins; duplicate completion logged as anomaly by the caller
		return fmt.Errorf("duplicate completion for %s with differing outcome", in.ID)
	}
	return nil
}

func (s *Store) Revert(ctx context.Context, f store.RevertFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res sql.Result
	var err error
	switch {
	case f.Restart:
		res, err = s.db.ExecContext(ctx, `
			UPDATE task SET schedule_time = NULL, server_id = NULL, server_host = NULL
			WHERE schedule_time IS NOT NULL AND exit_status IS NULL`)
	case f.ClientID != "":
		res, err = s.db.ExecContext(ctx, `
			UPDATE task SET schedule_time = NULL, server_id = NULL, server_host = NULL
			WHERE schedule_time IS NOT NULL AND exit_status IS NULL AND client_id = ?`, f.ClientID)
	default:
		return 0, fmt.Errorf("revert: filter selects nothing")
	}
	if err != nil {
		return 0, fmt.Errorf("revert: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) Query(ctx context.Context, f store.QueryFilter) ([]*domain.Task, error) {
	where, args := buildFilter(f)
	order := "submit_time ASC"
	if f.OrderBy != "" {
		order = f.OrderBy + " ASC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM task WHERE %s ORDER BY %s LIMIT ?", selectCols, where, order), args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func (s *Store) Update(ctx context.Context, f store.QueryFilter, fields store.UpdateFields) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	where, args := buildFilter(f)
	var affected int

	if fields.Cancel {
		query := fmt.Sprintf(`
			UPDATE task SET schedule_time = ?, exit_status = ?
			WHERE %s AND exit_status IS NULL`, where)
		res, err := s.db.ExecContext(ctx, query, append([]any{time.Now(), domain.CancelledExitStatus}, args...)...)
		if err != nil {
			return 0, fmt.Errorf("cancel tasks: %w", err)
		}
		n, _ := res.RowsAffected()
		affected = int(n)
	}

	if len(fields.Tags) > 0 {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT id FROM task WHERE %s", where), args...)
		if err != nil {
			return affected, fmt.Errorf("matching ids: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return affected, err
			}
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			for k, v := range fields.Tags {
				if _, err := s.db.ExecContext(ctx, `
					INSERT INTO task_tag (task_id, key, value) VALUES (?, ?, ?)
					ON CONFLICT(task_id, key) DO UPDATE SET value = excluded.value`,
					id, k, v,
				); err != nil {
					return affected, fmt.Errorf("tag task: %w", err)
				}
			}
		}
	}
	return affected, nil
}

func (s *Store) RetryCandidates(ctx context.Context, maxAttempts int) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM task t
		WHERE t.exit_status IS NOT NULL AND t.exit_status != 0
		  AND t.attempt < ?
		  AND NOT EXISTS (SELECT 1 FROM task r WHERE r.previous_id = t.id)`, selectCols), maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("retry candidates: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func (s *Store) queryOneTx(ctx context.Context, tx *sql.Tx, id string) (*domain.Task, error) {
	row := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM task WHERE id = ?", selectCols), id)
	return scanOne(row)
}

func buildFilter(f store.QueryFilter) (string, []any) {
	where := []string{"1=1"}
	var args []any

	if len(f.IDs) > 0 {
		placeholders := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where = append(where, fmt.Sprintf("id IN (%s)", strings.Join(placeholders, ",")))
	}
	if f.SubmitID != "" {
		args = append(args, f.SubmitID)
		where = append(where, "submit_id = ?")
	}
	if f.OnlyFailed {
		where = append(where, "exit_status IS NOT NULL AND exit_status != 0")
	}
	if f.TagKey != "" {
		args = append(args, f.TagKey)
		tagClause := "EXISTS (SELECT 1 FROM task_tag tt WHERE tt.task_id = task.id AND tt.key = ?"
		if f.TagValue != "" {
			args = append(args, f.TagValue)
			tagClause += " AND tt.value = ?"
		}
		tagClause += ")"
		where = append(where, tagClause)
	}
	return strings.Join(where, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOne(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	err := row.Scan(
		&t.ID, &t.Args, &t.Command, &t.SubmitID, &t.SubmitHost, &t.SubmitTime,
		&t.ServerID, &t.ServerHost, &t.ScheduleTime, &t.ClientID, &t.ClientHost,
		&t.StartTime, &t.CompletionTime, &t.ExitStatus, &t.Attempt, &t.PreviousID,
		&t.OutPath, &t.ErrPath,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &t, nil
}

func scanAll(rows *sql.Rows) ([]*domain.Task, error) {
	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanOne(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
