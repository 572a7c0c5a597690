// Package dispatch implements the dispatcher/receiver of spec §4.5: it
// accepts client connections, maintains the registration table, sweeps
// for and evicts defunct clients, and ingests completed bundles back
// into the store.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hypershell/hypershell/internal/domain"
	"github.com/hypershell/hypershell/internal/metrics"
	"github.com/hypershell/hypershell/internal/queue"
	"github.com/hypershell/hypershell/internal/store"
	"github.com/hypershell/hypershell/internal/wire"
)

// FailureSink receives the original args of every task that completed
// with a non-zero exit status (spec §4.5 "emit failed-task args to the
// configured failure sink"). A nil sink disables this.
type FailureSink func(task *domain.Task)

// CompletionObserver receives every task's wall-clock duration as it is
// ingested, regardless of outcome. The autoscaler's dynamic policy hooks
// this to feed its avg_duration rolling window (spec §4.8). A nil
// observer disables this.
type CompletionObserver func(duration time.Duration)

// Config holds the dispatcher's tunables (spec's server.* option group).
type Config struct {
	ServerID      string
	ServerHost    string
	Token         string
	Evict         time.Duration // heartbeat silence before eviction
	SweepInterval time.Duration // spec's server.wait
	NoConfirm     bool
	AckTimeout    time.Duration
}

type registration struct {
	domain.Registration
	conn  *wire.Conn
	ackCh chan struct{}
}

// Dispatcher accepts client connections and drives both the heartbeat
// sweep and completion ingest sub-loops of spec §4.5.
type Dispatcher struct {
	store   store.Store
	outbox  *queue.Outbound
	returns *queue.Return
	cfg     Config
	logger  *slog.Logger
	sink     FailureSink
	observer CompletionObserver

	mu            sync.RWMutex
	registrations map[string]*registration
}

// New builds a Dispatcher.
func New(st store.Store, outbox *queue.Outbound, returns *queue.Return, cfg Config, sink FailureSink, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:         st,
		outbox:        outbox,
		returns:       returns,
		cfg:           cfg,
		sink:          sink,
		logger:        logger.With("component", "dispatcher"),
		registrations: make(map[string]*registration),
	}
}

// SetCompletionObserver installs the hook fed to every ingested task's
// duration. Call before Serve starts accepting connections.
func (d *Dispatcher) SetCompletionObserver(observer CompletionObserver) {
	d.observer = observer
}

// Serve accepts connections on ln until ctx is cancelled.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("dispatch: accept: %w", err)
		}
		go d.handleConn(ctx, nc)
	}
}

func (d *Dispatcher) handleConn(ctx context.Context, nc net.Conn) {
	conn, hello, err := wire.Accept(nc, d.cfg.Token, d.cfg.ServerID, d.cfg.ServerHost)
	if err != nil {
		// AuthError or malformed handshake: connection-fatal, logged
		// CRITICAL (spec §7 AuthError).
		d.logger.Error("handshake failed, closing connection", "remote", nc.RemoteAddr(), "error", err)
		return
	}

	now := time.Now()
	reg := &registration{
		Registration: domain.Registration{
			ClientID:      hello.ClientID,
			ClientHost:    hello.ClientHost,
			RegisteredAt:  now,
			LastHeartbeat: now,
		},
		conn:  conn,
		ackCh: make(chan struct{}, 1),
	}

	d.mu.Lock()
	d.registrations[hello.ClientID] = reg
	d.mu.Unlock()
	metrics.RegisteredClients.Inc()
	d.logger.Info("client registered", "client_id", hello.ClientID, "client_host", hello.ClientHost)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go d.senderLoop(connCtx, reg)
	d.receiveLoop(connCtx, reg)
}

// receiveLoop reads frames from one client until its socket closes or a
// framing/auth error occurs, at which point the registration becomes
// evictable (spec §4.1 "client socket EOF ⇒ mark registration evictable
// at next sweep").
func (d *Dispatcher) receiveLoop(ctx context.Context, reg *registration) {
	for {
		tag, payload, err := reg.conn.Recv()
		if err != nil {
			d.logger.Info("client connection closed", "client_id", reg.ClientID, "error", err)
			return
		}
		switch tag {
		case wire.TagHeartbeat:
			d.touch(reg.ClientID)
		case wire.TagBundleIn:
			d.ingest(ctx, payload)
		case wire.TagAck:
			select {
			case reg.ackCh <- struct{}{}:
			default:
			}
		default:
			d.logger.Warn("unexpected frame tag from client", "client_id", reg.ClientID, "tag", tag)
		}
	}
}

// senderLoop drains the shared outbound queue and forwards bundles to
// one client; many senderLoops pulling from the same queue is the
// "single consumer per client connection" fan-out spec §3 describes.
func (d *Dispatcher) senderLoop(ctx context.Context, reg *registration) {
	for {
		bundle, err := d.outbox.Next(ctx)
		if err != nil {
			return
		}
		if err := reg.conn.SendJSON(wire.TagBundleOut, bundle); err != nil {
			d.logger.Warn("send bundle failed, evicting client", "client_id", reg.ClientID, "error", err)
			d.evict(ctx, reg.ClientID, "send_failure")
			return
		}
		if d.cfg.NoConfirm {
			continue
		}
		timeout := d.cfg.AckTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		select {
		case <-reg.ackCh:
		case <-time.After(timeout):
			d.logger.Warn("ack timeout, evicting client", "client_id", reg.ClientID)
			d.evict(ctx, reg.ClientID, "ack_timeout")
			return
		case <-ctx.Done():
			return
		}
	}
}

// ingest records every task in a BUNDLE_IN payload as complete and
// forwards the bundle to the return path, emitting failed-task args to
// the failure sink (spec §4.5 "Completion ingest").
func (d *Dispatcher) ingest(ctx context.Context, payload []byte) {
	var bundle domain.Bundle
	if err := json.Unmarshal(payload, &bundle); err != nil {
		d.logger.Error("malformed bundle_in payload", "error", err)
		return
	}
	for _, task := range bundle.Tasks {
		if task.ExitStatus == nil || task.StartTime == nil || task.CompletionTime == nil {
			d.logger.Error("incomplete task in bundle_in, skipping", "task_id", task.ID)
			continue
		}
		in := store.CompleteInput{
			ID:             task.ID,
			ExitStatus:     *task.ExitStatus,
			StartTime:      *task.StartTime,
			CompletionTime: *task.CompletionTime,
		}
		if task.ClientID != nil {
			in.ClientID = *task.ClientID
		}
		if task.ClientHost != nil {
			in.ClientHost = *task.ClientHost
		}
		if task.OutPath != nil {
			in.OutPath = *task.OutPath
		}
		if task.ErrPath != nil {
			in.ErrPath = *task.ErrPath
		}
		if err := d.store.Complete(ctx, in); err != nil {
			d.logger.Error("complete failed", "task_id", task.ID, "error", err)
			continue
		}
		duration := task.CompletionTime.Sub(*task.StartTime)
		if d.observer != nil {
			d.observer(duration)
		}
		metrics.TaskExecutionDuration.Observe(duration.Seconds())
		if task.Failed() {
			metrics.TasksCompletedTotal.WithLabelValues("failed").Inc()
			d.logger.Warn("task failed", "task_id", task.ID, "exit_status", *task.ExitStatus, "args", task.Args)
			if d.sink != nil {
				d.sink(task)
			}
		} else {
			metrics.TasksCompletedTotal.WithLabelValues("success").Inc()
		}
	}
	if err := d.returns.Push(ctx, &bundle); err != nil {
		d.logger.Debug("return path push cancelled", "error", err)
	}
}

func (d *Dispatcher) touch(clientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reg, ok := d.registrations[clientID]; ok {
		reg.LastHeartbeat = time.Now()
	}
}

// SweepEvictions periodically evicts registrations whose heartbeat has
// gone silent for longer than Evict (spec §4.5 "Heartbeat monitor").
func (d *Dispatcher) SweepEvictions(ctx context.Context) {
	interval := d.cfg.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepOnce(ctx)
		}
	}
}

func (d *Dispatcher) sweepOnce(ctx context.Context) {
	now := time.Now()
	var stale []string

	d.mu.RLock()
	for id, reg := range d.registrations {
		if reg.Stale(now, d.cfg.Evict) {
			stale = append(stale, id)
		}
	}
	d.mu.RUnlock()

	for _, id := range stale {
		d.logger.Warn("evicting stale client", "client_id", id)
		d.evict(ctx, id, "heartbeat_stale")
	}
}

// evict removes a registration, closes its connection, and reverts any
// tasks it had claimed but not returned (spec §4.5 eviction semantics).
func (d *Dispatcher) evict(ctx context.Context, clientID, reason string) {
	d.mu.Lock()
	reg, ok := d.registrations[clientID]
	if ok {
		delete(d.registrations, clientID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	reg.conn.Close()
	metrics.RegisteredClients.Dec()
	metrics.ClientEvictionsTotal.WithLabelValues(reason).Inc()

	n, err := d.store.Revert(ctx, store.RevertFilter{ClientID: clientID})
	if err != nil {
		d.logger.Error("revert on eviction failed", "client_id", clientID, "error", err)
		return
	}
	if n > 0 {
		d.logger.Info("reverted in-flight tasks on eviction", "client_id", clientID, "count", n)
	}
}

// Drain broadcasts DISCONNECT to every registered client and waits for
// them to close or be evicted, bounded by timeout (spec §4.5 "Shutdown
// protocol").
func (d *Dispatcher) Drain(ctx context.Context, timeout time.Duration) error {
	d.mu.RLock()
	ids := make([]string, 0, len(d.registrations))
	for id, reg := range d.registrations {
		if err := reg.conn.SendEmpty(wire.TagDisconnect); err != nil {
			d.logger.Debug("disconnect send failed", "client_id", id, "error", err)
		}
		ids = append(ids, id)
	}
	d.mu.RUnlock()

	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		d.mu.RLock()
		remaining := len(d.registrations)
		d.mu.RUnlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-deadline:
			return fmt.Errorf("dispatch: drain: %w", errDrainTimeout)
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var errDrainTimeout = errors.New("timed out waiting for clients to disconnect")

// ActiveCount reports the number of currently registered clients, used
// by the autoscaler (spec §4.8 "Count active = registered clients").
func (d *Dispatcher) ActiveCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.registrations)
}
