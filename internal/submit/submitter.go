// Package submit implements the submitter (spec §4.3): it reads task
// lines from an input source, optionally transforms each through a
// submit-time template, accumulates them into bundles bounded by size or
// wait time, and emits each bundle either into the task store (db mode)
// or directly onto the outbound queue (no-db mode).
package submit

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hypershell/hypershell/internal/domain"
	"github.com/hypershell/hypershell/internal/store"
	"github.com/hypershell/hypershell/internal/template"
)

// Publisher is the no-db-mode sink: a bundle goes straight onto the
// outbound queue without ever touching the database (spec §4.3
// "Emission goes either to insert (db mode) or directly onto the
// outbound queue (no-db mode)").
type Publisher interface {
	Publish(ctx context.Context, bundle *domain.Bundle) error
}

// Config holds the submitter's tunables (spec's submit.* option group).
type Config struct {
	BundleSize int
	BundleWait time.Duration
	// SubmitHost is recorded on every task as submit_host.
	SubmitHost string
	// ArgsTemplate, if non-empty, is expanded against each raw input
	// line (spec §4.9) to produce the task's args.
	ArgsTemplate string
}

// Submitter reads lines and emits bundles. Exactly one of Store or
// Publisher should be set, selecting db or no-db mode.
type Submitter struct {
	cfg       Config
	store     store.Store
	publisher Publisher
	logger    *slog.Logger
}

// New builds a Submitter. Pass a non-nil st for db mode, or a non-nil pub
// for no-db mode.
func New(cfg Config, st store.Store, pub Publisher, logger *slog.Logger) *Submitter {
	return &Submitter{cfg: cfg, store: st, publisher: pub, logger: logger.With("component", "submitter")}
}

// Submit reads r until EOF, emitting bundles as they fill or time out,
// and always flushes a final partial bundle before returning (spec §4.3:
// "Final partial bundle is always emitted before shutdown"). It returns
// the total number of tasks submitted.
func (s *Submitter) Submit(ctx context.Context, r io.Reader) (int, error) {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			scanErr <- err
		}
	}()

	var buf []*domain.Task
	total := 0

	wait := s.cfg.BundleWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	ticker := time.NewTicker(wait)
	defer ticker.Stop()

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		bundle := &domain.Bundle{ID: uuid.NewString(), Tasks: buf}
		if err := s.emit(ctx, bundle); err != nil {
			return fmt.Errorf("submit: emit bundle: %w", err)
		}
		total += len(buf)
		buf = nil
		ticker.Reset(wait)
		return nil
	}

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				if err := flush(); err != nil {
					return total, err
				}
				select {
				case err := <-scanErr:
					return total, fmt.Errorf("submit: read input: %w", err)
				default:
					return total, nil
				}
			}
			task, err := s.buildTask(line)
			if err != nil {
				s.logger.Warn("skipping line with template error", "line", line, "error", err)
				continue
			}
			buf = append(buf, task)
			if len(buf) >= s.cfg.BundleSize {
				if err := flush(); err != nil {
					return total, err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return total, err
			}
		case <-ctx.Done():
			return total, ctx.Err()
		}
	}
}

func (s *Submitter) emit(ctx context.Context, bundle *domain.Bundle) error {
	if s.store != nil {
		return s.store.Insert(ctx, bundle.Tasks)
	}
	return s.publisher.Publish(ctx, bundle)
}

func (s *Submitter) buildTask(line string) (*domain.Task, error) {
	args := line
	if s.cfg.ArgsTemplate != "" {
		expanded, err := template.Expand(s.cfg.ArgsTemplate, line)
		if err != nil {
			return nil, err
		}
		args = expanded
	}
	return &domain.Task{
		Args:       args,
		SubmitID:   uuid.NewString(),
		SubmitHost: s.cfg.SubmitHost,
		SubmitTime: time.Now(),
		Attempt:    1,
	}, nil
}
