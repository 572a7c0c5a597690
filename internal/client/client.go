// Package client implements the worker agent of spec §4.6: it registers
// with a server, pulls bundles, fans tasks out to a bounded executor
// pool, collects and returns finished tasks, and sends heartbeats.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hypershell/hypershell/internal/domain"
	"github.com/hypershell/hypershell/internal/exec"
	"github.com/hypershell/hypershell/internal/wire"
)

// State is the client's position in the spec §4.6 state machine.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateRunning
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Config holds the client's tunables (spec's client.* option group).
type Config struct {
	Addr         string
	Token        string
	ClientID     string
	ClientHost   string
	NumExecutors int
	BundleSize   int
	BundleWait   time.Duration
	HeartRate    time.Duration
	Timeout      time.Duration // idle timeout before draining
	DialTimeout  time.Duration
	Pattern      string
	Exec         exec.Config
}

// Client runs the full worker-agent lifecycle for one server connection.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	state State
}

// New builds a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{cfg: cfg, logger: logger.With("component", "client", "client_id", cfg.ClientID), state: StateConnecting}
}

// State reports the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.logger.Info("state transition", "state", s.String())
}

// Run connects, serves until ctx is cancelled, a DISCONNECT is received,
// or the idle timeout elapses, then drains cleanly and returns.
func (c *Client) Run(ctx context.Context) error {
	dialTimeout := c.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	nc, err := net.DialTimeout("tcp", c.cfg.Addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}
	return c.runOverConn(ctx, nc)
}

// runOverConn performs the handshake and full client lifecycle over an
// already-connected socket; Run uses it after dialing TCP, and tests
// exercise it directly over net.Pipe.
func (c *Client) runOverConn(ctx context.Context, nc net.Conn) error {
	conn, _, err := wire.DialConn(nc, c.cfg.Token, c.cfg.ClientID, c.cfg.ClientHost)
	if err != nil {
		return fmt.Errorf("client: handshake: %w", err)
	}
	defer conn.Close()
	c.setState(StateReady)

	numExecutors := c.cfg.NumExecutors
	if numExecutors <= 0 {
		numExecutors = 1
	}

	tasks := make(chan *domain.Task, numExecutors)
	results := make(chan *domain.Task, numExecutors)
	done := make(chan struct{})

	var wg sync.WaitGroup
	executor := exec.New(c.cfg.Pattern, c.cfg.Exec, c.logger)
	wg.Add(numExecutors)
	for i := 0; i < numExecutors; i++ {
		go func() {
			defer wg.Done()
			c.worker(ctx, executor, tasks, results)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	go c.collector(conn, results, done)
	go c.heartbeat(ctx, conn)

	frames := make(chan frameMsg, 16)
	go c.receive(conn, frames)

	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	idle := time.NewTimer(timeout)
	defer idle.Stop()

	for draining := false; !draining; {
		select {
		case <-ctx.Done():
			draining = true
		case msg, ok := <-frames:
			if !ok || msg.err != nil {
				draining = true
				continue
			}
			idle.Reset(timeout)
			switch msg.tag {
			case wire.TagBundleOut:
				if c.State() == StateReady {
					c.setState(StateRunning)
				}
				var bundle domain.Bundle
				if err := json.Unmarshal(msg.payload, &bundle); err != nil {
					c.logger.Error("malformed bundle_out payload", "error", err)
					continue
				}
				for _, task := range bundle.Tasks {
					tasks <- task
				}
				if err := conn.SendEmpty(wire.TagAck); err != nil {
					c.logger.Error("failed to send bundle ack", "error", err)
					draining = true
				}
			case wire.TagDisconnect:
				draining = true
			}
		case <-idle.C:
			c.logger.Info("idle timeout reached, draining")
			draining = true
		}
	}

	c.setState(StateDraining)
	close(tasks)
	<-done
	c.setState(StateDone)
	return nil
}

type frameMsg struct {
	tag     wire.Tag
	payload []byte
	err     error
}

func (c *Client) receive(conn *wire.Conn, out chan<- frameMsg) {
	for {
		tag, payload, err := conn.Recv()
		out <- frameMsg{tag: tag, payload: payload, err: err}
		if err != nil {
			close(out)
			return
		}
	}
}

func (c *Client) worker(ctx context.Context, executor *exec.Executor, tasks <-chan *domain.Task, results chan<- *domain.Task) {
	for task := range tasks {
		outcome := executor.Run(ctx, task)
		applyOutcome(task, outcome, c.cfg.ClientID, c.cfg.ClientHost)
		results <- task
	}
}

func applyOutcome(task *domain.Task, outcome exec.Outcome, clientID, clientHost string) {
	exitStatus := outcome.ExitStatus
	start := outcome.StartTime
	completion := outcome.CompletionTime
	task.ExitStatus = &exitStatus
	task.StartTime = &start
	task.CompletionTime = &completion
	task.ClientID = &clientID
	task.ClientHost = &clientHost
	if outcome.OutPath != "" {
		task.OutPath = &outcome.OutPath
	}
	if outcome.ErrPath != "" {
		task.ErrPath = &outcome.ErrPath
	}
	if outcome.Command != "" {
		task.Command = outcome.Command
	}
}

// collector accumulates finished tasks into return bundles, emitting on
// size or bundlewait, matching the submitter's policy (spec §4.6
// "Return-bundle policy matches the submitter's").
func (c *Client) collector(conn *wire.Conn, results <-chan *domain.Task, done chan<- struct{}) {
	defer close(done)

	wait := c.cfg.BundleWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	size := c.cfg.BundleSize
	if size <= 0 {
		size = 1
	}

	var buf []*domain.Task
	ticker := time.NewTicker(wait)
	defer ticker.Stop()

	flush := func() {
		if len(buf) == 0 {
			return
		}
		bundle := &domain.Bundle{ID: uuid.NewString(), Tasks: buf}
		if err := conn.SendJSON(wire.TagBundleIn, bundle); err != nil {
			c.logger.Error("failed to return bundle", "error", err)
		}
		buf = nil
		ticker.Reset(wait)
	}

	for {
		select {
		case task, ok := <-results:
			if !ok {
				flush()
				return
			}
			buf = append(buf, task)
			if len(buf) >= size {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *wire.Conn) {
	rate := c.cfg.HeartRate
	if rate <= 0 {
		rate = 10 * time.Second
	}
	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.SendEmpty(wire.TagHeartbeat); err != nil {
				c.logger.Debug("heartbeat send failed", "error", err)
				return
			}
		}
	}
}
