// Package queue implements the server-local bounded FIFO of outbound
// bundles spec §2/§4.1 describes: a single producer (the scheduler),
// single consumer per live client connection (the dispatcher), plus an
// unbounded return path for completions flowing the other way.
package queue

import (
	"context"
	"fmt"

	"github.com/hypershell/hypershell/internal/domain"
	"github.com/hypershell/hypershell/internal/metrics"
)

// Outbound is the bounded FIFO of bundles awaiting dispatch to a client.
// Capacity equals server.queuesize (spec §3 "Queue").
type Outbound struct {
	ch chan *domain.Bundle
}

// NewOutbound builds an Outbound queue with the given capacity.
func NewOutbound(capacity int) *Outbound {
	if capacity <= 0 {
		capacity = 1
	}
	return &Outbound{ch: make(chan *domain.Bundle, capacity)}
}

// Publish enqueues bundle, blocking the caller (the scheduler) when the
// queue is full (spec §4.1: "The outbound queue blocks the scheduler
// when full").
func (q *Outbound) Publish(ctx context.Context, bundle *domain.Bundle) error {
	select {
	case q.ch <- bundle:
		metrics.OutboundQueueDepth.Set(float64(len(q.ch)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: publish: %w", ctx.Err())
	}
}

// Next blocks until a bundle is available or ctx is done.
func (q *Outbound) Next(ctx context.Context) (*domain.Bundle, error) {
	select {
	case b := <-q.ch:
		metrics.OutboundQueueDepth.Set(float64(len(q.ch)))
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports how many bundles are currently buffered, used by the
// scheduler's demand calculation (spec §4.4 step 1).
func (q *Outbound) Len() int { return len(q.ch) }

// Cap reports the queue's configured capacity.
func (q *Outbound) Cap() int { return cap(q.ch) }

// Return is the unbounded channel of completed bundles the dispatcher
// pushes after it has already persisted their completions (spec §4.1:
// "Return-path completions may overtake outbound").
type Return struct {
	ch chan *domain.Bundle
}

// NewReturn builds an unbounded-in-practice return channel (a large
// buffer; its consumer drains and discards bundles whose completions
// the dispatcher has already stored).
func NewReturn() *Return {
	return &Return{ch: make(chan *domain.Bundle, 4096)}
}

// Push enqueues a completed bundle.
func (r *Return) Push(ctx context.Context, bundle *domain.Bundle) error {
	select {
	case r.ch <- bundle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: push return: %w", ctx.Err())
	}
}

// Next blocks until a completed bundle is available or ctx is done.
func (r *Return) Next(ctx context.Context) (*domain.Bundle, error) {
	select {
	case b := <-r.ch:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
