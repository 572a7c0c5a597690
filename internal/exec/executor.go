// Package exec runs one task per call: expand its template, spawn the
// shell process, enforce the signal-escalation timeout, and report the
// outcome (spec §4.7).
package exec

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	osexec "os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hypershell/hypershell/internal/domain"
	"github.com/hypershell/hypershell/internal/template"
)

// OutputMode selects where a task's stdout/stderr are redirected (spec
// §4.7 step 3).
type OutputMode int

const (
	// OutputFused sends the child's streams to the client process's own
	// stdout/stderr, interleaved with everything else it logs.
	OutputFused OutputMode = iota
	// OutputCapture writes to <lib>/<task_id>.out and .err.
	OutputCapture
	// OutputPath writes to a fixed, operator-configured file path shared
	// by every task the client runs.
	OutputPath
)

// Config carries the per-client executor settings (spec's task.* and
// client.* option groups).
type Config struct {
	WorkDir    string
	Timeout    time.Duration
	SignalWait time.Duration
	Mode       OutputMode
	CaptureDir string // used when Mode == OutputCapture
	OutPath    string // used when Mode == OutputPath
	ErrPath    string
	// Exports are HYPERSHELL_EXPORT_<NAME> values, keyed by <NAME>,
	// injected into every task's environment verbatim (spec §6).
	Exports map[string]string
}

// Outcome is everything the collector needs to report a finished task
// back to the server (spec §4.7 step 5).
type Outcome struct {
	Command        string
	ExitStatus     int
	StartTime      time.Time
	CompletionTime time.Time
	OutPath        string
	ErrPath        string
	TemplateErr    bool
}

// Executor runs tasks against one compiled command template.
type Executor struct {
	pattern string
	cfg     Config
	logger  *slog.Logger
}

// New builds an Executor for pattern, the operator-configured command
// template tasks are run through.
func New(pattern string, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{pattern: pattern, cfg: cfg, logger: logger.With("component", "executor")}
}

// escalationSignals is the fixed INT → TERM → KILL sequence spec §4.7
// step 4 requires, one signalwait pause between each.
var escalationSignals = []syscall.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGKILL}

// exitStatusForSignal follows the POSIX shell convention (128+signal) so
// a timed-out task's exit status is distinguishable from both a normal
// exit code and the template-error/cancelled sentinels (spec §7
// TaskTimeoutError: "exit status reflects escalated signal").
func exitStatusForSignal(sig syscall.Signal) int { return 128 + int(sig) }

// Run executes one task to completion or to forced termination,
// whichever comes first, and always returns an Outcome — it never
// panics, since a task-local failure (spec §7 TemplateError,
// TaskTimeoutError) must never bring down the client (spec §7
// Propagation).
func (e *Executor) Run(ctx context.Context, task *domain.Task) Outcome {
	start := time.Now()

	command, err := template.Expand(e.pattern, task.Args)
	if err != nil {
		e.logger.Error("template expansion failed", "task_id", task.ID, "error", err)
		return Outcome{
			Command:        e.pattern,
			ExitStatus:     domain.TemplateErrorExitStatus,
			StartTime:      start,
			CompletionTime: time.Now(),
			TemplateErr:    true,
		}
	}

	outPath, errPath, stdout, stderr, cleanup, err := e.openStreams(task)
	if err != nil {
		e.logger.Error("failed to open task output streams", "task_id", task.ID, "error", err)
		return Outcome{
			Command:        command,
			ExitStatus:     domain.TemplateErrorExitStatus,
			StartTime:      start,
			CompletionTime: time.Now(),
		}
	}
	defer cleanup()

	cmd := osexec.Command("/bin/sh", "-c", command)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = buildEnv(task, command, e.cfg.WorkDir, e.cfg.Exports)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		e.logger.Error("failed to start task", "task_id", task.ID, "error", err)
		return Outcome{
			Command:        command,
			ExitStatus:     exitStatusForSignal(syscall.SIGKILL),
			StartTime:      start,
			CompletionTime: time.Now(),
			OutPath:        outPath,
			ErrPath:        errPath,
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := e.cfg.Timeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}

	var (
		waitErr error
		signal  syscall.Signal
	)
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		signal, waitErr = e.escalate(task.ID, cmd, done)
	case <-time.After(timeout):
		e.logger.Warn("task exceeded timeout, escalating signals", "task_id", task.ID, "timeout", timeout)
		signal, waitErr = e.escalate(task.ID, cmd, done)
	}

	completion := time.Now()
	exitStatus := e.exitStatus(waitErr, signal)
	return Outcome{
		Command:        command,
		ExitStatus:     exitStatus,
		StartTime:      start,
		CompletionTime: completion,
		OutPath:        outPath,
		ErrPath:        errPath,
	}
}

// escalate sends INT, TERM, KILL in turn, waiting signalwait between
// each for the process to exit (spec §4.7 step 4). It returns the last
// signal sent and the process's wait error.
func (e *Executor) escalate(taskID string, cmd *osexec.Cmd, done chan error) (syscall.Signal, error) {
	wait := e.cfg.SignalWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	var last syscall.Signal
	for _, sig := range escalationSignals {
		last = sig
		if err := cmd.Process.Signal(sig); err != nil {
			e.logger.Debug("signal delivery failed", "task_id", taskID, "signal", sig, "error", err)
		}
		select {
		case err := <-done:
			return sig, err
		case <-time.After(wait):
			continue
		}
	}
	// Still alive after SIGKILL+signalwait: the executor gives up on
	// this task rather than block forever (spec §4.7 step 4: "if still
	// alive, the executor itself exits").
	e.logger.Error("task unresponsive to SIGKILL, abandoning", "task_id", taskID)
	return last, errAbandoned
}

var errAbandoned = fmt.Errorf("exec: task did not exit after signal escalation")

func (e *Executor) exitStatus(waitErr error, signal syscall.Signal) int {
	if waitErr == nil {
		return 0
	}
	if signal != 0 {
		return exitStatusForSignal(signal)
	}
	var exitErr *osexec.ExitError
	if ok := asExitError(waitErr, &exitErr); ok {
		return exitErr.ExitCode()
	}
	return exitStatusForSignal(syscall.SIGKILL)
}

func asExitError(err error, target **osexec.ExitError) bool {
	ee, ok := err.(*osexec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// openStreams resolves where stdout/stderr go for this task, per the
// configured OutputMode (spec §4.7 step 3).
func (e *Executor) openStreams(task *domain.Task) (outPath, errPath string, stdout, stderr io.Writer, cleanup func(), err error) {
	switch e.cfg.Mode {
	case OutputCapture:
		if err := os.MkdirAll(e.cfg.CaptureDir, 0o755); err != nil {
			return "", "", nil, nil, func() {}, fmt.Errorf("exec: create capture dir: %w", err)
		}
		outPath = filepath.Join(e.cfg.CaptureDir, task.ID+".out")
		errPath = filepath.Join(e.cfg.CaptureDir, task.ID+".err")
		outFile, err := os.Create(outPath)
		if err != nil {
			return "", "", nil, nil, func() {}, fmt.Errorf("exec: create stdout capture: %w", err)
		}
		errFile, err := os.Create(errPath)
		if err != nil {
			outFile.Close()
			return "", "", nil, nil, func() {}, fmt.Errorf("exec: create stderr capture: %w", err)
		}
		return outPath, errPath, outFile, errFile, func() { outFile.Close(); errFile.Close() }, nil

	case OutputPath:
		outPath, errPath = e.cfg.OutPath, e.cfg.ErrPath
		outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return "", "", nil, nil, func() {}, fmt.Errorf("exec: open stdout path: %w", err)
		}
		errFile, err := os.OpenFile(errPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			outFile.Close()
			return "", "", nil, nil, func() {}, fmt.Errorf("exec: open stderr path: %w", err)
		}
		return outPath, errPath, outFile, errFile, func() { outFile.Close(); errFile.Close() }, nil

	default: // OutputFused
		return "", "", os.Stdout, os.Stderr, func() {}, nil
	}
}
