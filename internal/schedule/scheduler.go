// Package schedule implements the scheduler loop of spec §4.4: it claims
// schedulable tasks from the store in batches, partitions them into
// bundles, and publishes those bundles onto the outbound queue, backing
// off when idle and driving retry insertion.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/hypershell/hypershell/internal/domain"
	"github.com/hypershell/hypershell/internal/metrics"
	"github.com/hypershell/hypershell/internal/queue"
	"github.com/hypershell/hypershell/internal/store"
)

// ErrDrain is returned by Run when there is no more work and neither
// forever mode nor a live submitter justifies continuing to poll (spec
// §4.4 step 2: "schedule drain").
var ErrDrain = errors.New("schedule: no schedulable tasks remain, draining")

// Config holds the scheduler's tunables (spec's server.* option group).
type Config struct {
	QueueSize  int
	BundleSize int
	Eager      bool
	Wait       time.Duration
	MaxRetries int
	Forever    bool
	Restart    bool
	ServerID   string
	ServerHost string
}

// LiveSubmitter reports whether a submitter is still feeding the store,
// which keeps the scheduler polling through an empty queue instead of
// draining (spec §4.4 step 2). A nil value is treated as "no".
type LiveSubmitter func() bool

// Scheduler runs the claim/enqueue loop against one store and queue.
type Scheduler struct {
	store         store.Store
	queue         *queue.Outbound
	cfg           Config
	logger        *slog.Logger
	liveSubmitter LiveSubmitter
}

// New builds a Scheduler.
func New(st store.Store, q *queue.Outbound, cfg Config, live LiveSubmitter, logger *slog.Logger) *Scheduler {
	return &Scheduler{store: st, queue: q, cfg: cfg, liveSubmitter: live, logger: logger.With("component", "scheduler")}
}

// Run executes the scheduler loop until ctx is cancelled, the store
// reports no remaining work and draining is appropriate (returns
// ErrDrain), or an unrecoverable store error occurs.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.Restart {
		n, err := s.store.Revert(ctx, store.RevertFilter{Restart: true})
		if err != nil {
			return fmt.Errorf("schedule: restart revert: %w", err)
		}
		if n > 0 {
			s.logger.Info("reverted in-flight tasks on restart", "count", n)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.Wait
	bo.MaxInterval = 30 * s.cfg.Wait
	bo.MaxElapsedTime = 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		demand := s.cfg.QueueSize - s.queue.Len()
		if demand <= 0 {
			if !s.sleep(ctx, s.cfg.Wait) {
				return ctx.Err()
			}
			continue
		}

		n := s.cfg.BundleSize * demand
		tasks, err := s.store.ClaimNext(ctx, n, s.cfg.Eager, s.cfg.ServerID, s.cfg.ServerHost)
		if err != nil {
			s.logger.Error("claim_next failed", "error", err)
			if !s.sleep(ctx, bo.NextBackOff()) {
				return ctx.Err()
			}
			continue
		}

		if len(tasks) == 0 {
			if !s.cfg.Forever && !s.isLive() {
				return ErrDrain
			}
			if !s.sleep(ctx, s.cfg.Wait) {
				return ctx.Err()
			}
			continue
		}
		bo.Reset()
		metrics.TasksClaimedTotal.Add(float64(len(tasks)))

		if err := s.enqueue(ctx, tasks); err != nil {
			return err
		}

		if s.cfg.MaxRetries > 0 {
			if err := s.enqueueRetries(ctx); err != nil {
				s.logger.Error("retry candidate insertion failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) isLive() bool {
	if s.liveSubmitter == nil {
		return false
	}
	return s.liveSubmitter()
}

// sleep waits for d or ctx cancellation, reporting whether it completed
// the full wait.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// enqueue partitions claimed tasks into bundles of exactly BundleSize
// (the last may be short) and publishes each onto the outbound queue
// (spec §4.4 step 3).
func (s *Scheduler) enqueue(ctx context.Context, tasks []*domain.Task) error {
	for i := 0; i < len(tasks); i += s.cfg.BundleSize {
		end := i + s.cfg.BundleSize
		if end > len(tasks) {
			end = len(tasks)
		}
		bundle := &domain.Bundle{ID: uuid.NewString(), Tasks: tasks[i:end]}
		if err := s.queue.Publish(ctx, bundle); err != nil {
			return fmt.Errorf("schedule: publish bundle: %w", err)
		}
	}
	return nil
}

// enqueueRetries inserts a new attempt for every failed task eligible
// for retry (spec §4.4 step 4, §4.2 retry_candidates).
func (s *Scheduler) enqueueRetries(ctx context.Context) error {
	candidates, err := s.store.RetryCandidates(ctx, s.cfg.MaxRetries+1)
	if err != nil {
		return fmt.Errorf("schedule: retry candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	retries := make([]*domain.Task, 0, len(candidates))
	for _, original := range candidates {
		previousID := original.ID
		retries = append(retries, &domain.Task{
			Args:       original.Args,
			SubmitID:   original.SubmitID,
			SubmitHost: original.SubmitHost,
			SubmitTime: time.Now(),
			Attempt:    original.Attempt + 1,
			PreviousID: &previousID,
			Tags:       original.Tags,
		})
	}
	if err := s.store.Insert(ctx, retries); err != nil {
		return fmt.Errorf("schedule: insert retries: %w", err)
	}
	metrics.TasksRetriedTotal.Add(float64(len(retries)))
	s.logger.Info("enqueued retry attempts", "count", len(retries))
	return nil
}
