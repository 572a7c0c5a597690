// Package store defines the task persistence contract consumed by the
// submitter, scheduler, and dispatcher (spec §4.2). Concrete providers live
// in the postgres and sqlite subpackages; the core never imports a SQL
// driver directly.
package store

import (
	"context"
	"time"

	"github.com/hypershell/hypershell/internal/domain"
)

// CompleteInput carries everything the receiver learns when a client
// returns a finished task (spec §4.2 complete()).
type CompleteInput struct {
	ID             string
	ExitStatus     int
	ClientID       string
	ClientHost     string
	StartTime      time.Time
	CompletionTime time.Time
	OutPath        string
	ErrPath        string
}

// RevertFilter selects which in-flight tasks to return to schedulable.
// Exactly one of Restart or ClientID should be set; it is never arbitrary
// SQL, by design, so every provider can implement it without a query
// builder (spec §4.2 revert(), used by restart and by client eviction).
type RevertFilter struct {
	// Restart reverts every scheduled-but-incomplete task, used once at
	// server startup in --restart mode (spec §4.4).
	Restart bool
	// ClientID reverts scheduled-but-incomplete tasks claimed by one
	// client, used on eviction (spec §4.5).
	ClientID string
}

// QueryFilter narrows Query/Update to a subset of tasks.
type QueryFilter struct {
	IDs       []string
	SubmitID  string
	TagKey    string
	TagValue  string
	OnlyFailed bool
	OrderBy   string // "submit_time" (default) or "schedule_time"
	Limit     int
}

// UpdateFields is the set of mutable columns an operator Update may set.
type UpdateFields struct {
	Cancel bool
	Tags   map[string]string
}

// Store is the typed CRUD surface over the task database (spec §4.2).
type Store interface {
	// Insert batch-inserts tasks, assigning ids and timestamps.
	Insert(ctx context.Context, tasks []*domain.Task) error

	// ClaimNext atomically claims up to n schedulable tasks, in a single
	// transaction, marking them with serverID/serverHost and now(). When
	// eager is true, retries (PreviousID != nil) are preferred over novel
	// work; otherwise ordering is strictly by submit time.
	ClaimNext(ctx context.Context, n int, eager bool, serverID, serverHost string) ([]*domain.Task, error)

	// Complete records a task's outcome. Repeating it with an identical
	// outcome is a no-op (spec §8 idempotence).
	Complete(ctx context.Context, in CompleteInput) error

	// Revert returns matching, not-yet-complete tasks to schedulable and
	// reports how many rows were affected.
	Revert(ctx context.Context, f RevertFilter) (int, error)

	// Query returns tasks matching f.
	Query(ctx context.Context, f QueryFilter) ([]*domain.Task, error)

	// Update applies fields to every task matching f and reports the
	// number of rows affected.
	Update(ctx context.Context, f QueryFilter, fields UpdateFields) (int, error)

	// RetryCandidates returns failed tasks eligible for a new attempt:
	// attempt < maxAttempts and no retry has already been inserted for
	// them (spec §4.2 retry_candidates()).
	RetryCandidates(ctx context.Context, maxAttempts int) ([]*domain.Task, error)

	// IncompleteCount reports how many tasks have no exit_status yet,
	// the "remaining" term in the autoscaler's pressure formula (spec
	// §4.8).
	IncompleteCount(ctx context.Context) (int, error)

	// Ping verifies connectivity, satisfying health.Pinger.
	Ping(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close()
}
