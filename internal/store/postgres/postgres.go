// Package postgres implements store.Store over a Postgres database, using
// row-level locking (FOR UPDATE SKIP LOCKED) so concurrent schedulers never
// claim the same task twice (spec §4.2).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hypershell/hypershell/internal/domain"
	"github.com/hypershell/hypershell/internal/store"
)

// Schema is the logical schema from spec §6, applied by initdb.
const Schema = `
CREATE TABLE IF NOT EXISTS task (
	id              UUID PRIMARY KEY,
	args            TEXT NOT NULL,
	command         TEXT NOT NULL DEFAULT '',
	submit_id       TEXT NOT NULL,
	submit_host     TEXT NOT NULL,
	submit_time     TIMESTAMPTZ NOT NULL,
	server_id       TEXT,
	server_host     TEXT,
	schedule_time   TIMESTAMPTZ,
	client_id       TEXT,
	client_host     TEXT,
	start_time      TIMESTAMPTZ,
	completion_time TIMESTAMPTZ,
	exit_status     INTEGER,
	attempt         INTEGER NOT NULL DEFAULT 1,
	previous_id     UUID,
	outpath         TEXT,
	errpath         TEXT
);
CREATE TABLE IF NOT EXISTS task_tag (
	task_id UUID NOT NULL REFERENCES task(id) ON DELETE CASCADE,
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

// Store is a store.Store backed by a pgxpool.Pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New wraps an already-connected pool. Callers obtain the pool via NewPool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With("component", "store.postgres")}
}

// NewPool opens and verifies a connection pool, sized the way the teacher
// sizes its job-scheduler pool.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *Store) Close()                         { s.pool.Close() }

// IncompleteCount reports how many tasks have no exit_status yet.
func (s *Store) IncompleteCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM task WHERE exit_status IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: incomplete count: %w", err)
	}
	return n, nil
}

// Insert batch-inserts tasks inside one transaction; each gets a fresh id.
func (s *Store) Insert(ctx context.Context, tasks []*domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

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
		_, err := tx.Exec(ctx, `
			INSERT INTO task (id, args, command, submit_id, submit_host, submit_time,
				attempt, previous_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.ID, t.Args, t.Command, t.SubmitID, t.SubmitHost, t.SubmitTime,
			t.Attempt, t.PreviousID,
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		for k, v := range t.Tags {
			if _, err := tx.Exec(ctx,
				`INSERT INTO task_tag (task_id, key, value) VALUES ($1, $2, $3)`,
				t.ID, k, v,
			); err != nil {
				return fmt.Errorf("insert task tag: %w", err)
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit insert tx: %w", err)
	}
	return nil
}

// ClaimNext implements spec §4.2 claim_next under SKIP LOCKED.
func (s *Store) ClaimNext(ctx context.Context, n int, eager bool, serverID, serverHost string) ([]*domain.Task, error) {
	if n <= 0 {
		return nil, nil
	}
	order := "submit_time ASC"
	if eager {
		order = "(previous_id IS NULL) ASC, submit_time ASC"
	}
	query := fmt.Sprintf(`
		UPDATE task
		SET    schedule_time = NOW(), server_id = $1, server_host = $2
		WHERE  id IN (
			SELECT id FROM task
			WHERE  schedule_time IS NULL
			ORDER BY %s
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, order, selectCols)

	rows, err := s.pool.Query(ctx, query, serverID, serverHost, n)
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	defer rows.Close()

	tasks, err := scanAll(rows)
	if err != nil {
		return nil, err
	}
	return s.attachTags(ctx, tasks)
}

// Complete implements spec §4.2 complete(), idempotent on repeat with the
// same outcome (spec §8).
func (s *Store) Complete(ctx context.Context, in store.CompleteInput) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task
		SET    exit_status = $2, client_id = $3, client_host = $4,
		       start_time = $5, completion_time = $6, outpath = $7, errpath = $8
		WHERE  id = $1 AND exit_status IS NULL`,
		in.ID, in.ExitStatus, in.ClientID, in.ClientHost,
		in.StartTime, in.CompletionTime, in.OutPath, in.ErrPath,
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Already complete: idempotent no-op on identical outcome, logged
	// anomaly otherwise (spec §9 open question: "first write wins").
	var existing int
	err = s.pool.QueryRow(ctx, `SELECT exit_status FROM task WHERE id = $1`, in.ID).Scan(&existing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrTaskNotFound
		}
		return fmt.Errorf("check existing completion: %w", err)
	}
	if existing != in.ExitStatus {
		s.logger.Warn("duplicate completion with differing outcome, first write wins",
			"task_id", in.ID, "existing_exit_status", existing, "discarded_exit_status", in.ExitStatus)
	}
	return nil
}

// Revert implements spec §4.2 revert().
func (s *Store) Revert(ctx context.Context, f store.RevertFilter) (int, error) {
	var tag pgconn.CommandTag
	var err error
	switch {
	case f.Restart:
		tag, err = s.pool.Exec(ctx, `
			UPDATE task SET schedule_time = NULL, server_id = NULL, server_host = NULL
			WHERE schedule_time IS NOT NULL AND exit_status IS NULL`)
	case f.ClientID != "":
		tag, err = s.pool.Exec(ctx, `
			UPDATE task SET schedule_time = NULL, server_id = NULL, server_host = NULL
			WHERE schedule_time IS NOT NULL AND exit_status IS NULL AND client_id = $1`,
			f.ClientID)
	default:
		return 0, fmt.Errorf("revert: filter selects nothing")
	}
	if err != nil {
		return 0, fmt.Errorf("revert: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Query implements spec §4.2 query().
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
	query := fmt.Sprintf("SELECT %s FROM task WHERE %s ORDER BY %s LIMIT $%d",
		selectCols, where, order, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := scanAll(rows)
	if err != nil {
		return nil, err
	}
	return s.attachTags(ctx, tasks)
}

// Update implements spec §4.2 update()/operator cancellation.
func (s *Store) Update(ctx context.Context, f store.QueryFilter, fields store.UpdateFields) (int, error) {
	where, args := buildFilter(f)
	affected := 0

	if fields.Cancel {
		query := fmt.Sprintf(`
			UPDATE task SET schedule_time = NOW(), exit_status = %d
			WHERE %s AND exit_status IS NULL`, domain.CancelledExitStatus, where)
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("cancel tasks: %w", err)
		}
		affected = int(tag.RowsAffected())
	}

	if len(fields.Tags) > 0 {
		ids, err := s.matchingIDs(ctx, f)
		if err != nil {
			return affected, err
		}
		for _, id := range ids {
			for k, v := range fields.Tags {
				if _, err := s.pool.Exec(ctx, `
					INSERT INTO task_tag (task_id, key, value) VALUES ($1, $2, $3)
					ON CONFLICT (task_id, key) DO UPDATE SET value = EXCLUDED.value`,
					id, k, v,
				); err != nil {
					return affected, fmt.Errorf("tag task: %w", err)
				}
			}
		}
	}
	return affected, nil
}

// RetryCandidates implements spec §4.2 retry_candidates(): failed tasks
// under the attempt ceiling whose previous_id chain has no pending retry.
func (s *Store) RetryCandidates(ctx context.Context, maxAttempts int) ([]*domain.Task, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM task t
		WHERE t.exit_status IS NOT NULL AND t.exit_status != 0
		  AND t.attempt < $1
		  AND NOT EXISTS (
			SELECT 1 FROM task r WHERE r.previous_id = t.id
		  )`, selectCols)
	rows, err := s.pool.Query(ctx, query, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("retry candidates: %w", err)
	}
	defer rows.Close()
	tasks, err := scanAll(rows)
	if err != nil {
		return nil, err
	}
	return s.attachTags(ctx, tasks)
}

func (s *Store) matchingIDs(ctx context.Context, f store.QueryFilter) ([]string, error) {
	where, args := buildFilter(f)
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT id FROM task WHERE %s", where), args...)
	if err != nil {
		return nil, fmt.Errorf("matching ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) attachTags(ctx context.Context, tasks []*domain.Task) ([]*domain.Task, error) {
	for _, t := range tasks {
		rows, err := s.pool.Query(ctx, `SELECT key, value FROM task_tag WHERE task_id = $1`, t.ID)
		if err != nil {
			return nil, fmt.Errorf("load tags: %w", err)
		}
		tags := make(map[string]string)
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err != nil {
				rows.Close()
				return nil, err
			}
			tags[k] = v
		}
		rows.Close()
		if len(tags) > 0 {
			t.Tags = tags
		}
	}
	return tasks, nil
}

func buildFilter(f store.QueryFilter) (string, []any) {
	where := []string{"1=1"}
	var args []any

	if len(f.IDs) > 0 {
		args = append(args, f.IDs)
		where = append(where, fmt.Sprintf("id = ANY($%d)", len(args)))
	}
	if f.SubmitID != "" {
		args = append(args, f.SubmitID)
		where = append(where, fmt.Sprintf("submit_id = $%d", len(args)))
	}
	if f.OnlyFailed {
		where = append(where, "exit_status IS NOT NULL AND exit_status != 0")
	}
	if f.TagKey != "" {
		args = append(args, f.TagKey)
		tagClause := fmt.Sprintf("EXISTS (SELECT 1 FROM task_tag tt WHERE tt.task_id = task.id AND tt.key = $%d", len(args))
		if f.TagValue != "" {
			args = append(args, f.TagValue)
			tagClause += fmt.Sprintf(" AND tt.value = $%d", len(args))
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
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &t, nil
}

func scanAll(rows pgx.Rows) ([]*domain.Task, error) {
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
