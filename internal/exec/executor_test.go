package exec

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypershell/hypershell/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestExecutorRunSuccess(t *testing.T) {
	cfg := Config{Timeout: 5 * time.Second, SignalWait: time.Second}
	e := New("echo {}", cfg, discardLogger())

	task := &domain.Task{ID: "t1", Args: "hello", SubmitID: "s1", SubmitHost: "host", SubmitTime: time.Now()}
	outcome := e.Run(context.Background(), task)

	assert.Equal(t, 0, outcome.ExitStatus)
	assert.Equal(t, "echo hello", outcome.Command)
	assert.False(t, outcome.TemplateErr)
}

func TestExecutorRunNonZeroExit(t *testing.T) {
	cfg := Config{Timeout: 5 * time.Second, SignalWait: time.Second}
	e := New("exit 7", cfg, discardLogger())

	task := &domain.Task{ID: "t2", Args: "", SubmitTime: time.Now()}
	outcome := e.Run(context.Background(), task)

	assert.Equal(t, 7, outcome.ExitStatus)
}

func TestExecutorTemplateError(t *testing.T) {
	cfg := Config{Timeout: 5 * time.Second, SignalWait: time.Second}
	e := New("{[99]}", cfg, discardLogger())

	task := &domain.Task{ID: "t3", Args: "one two", SubmitTime: time.Now()}
	outcome := e.Run(context.Background(), task)

	assert.True(t, outcome.TemplateErr)
	assert.Equal(t, domain.TemplateErrorExitStatus, outcome.ExitStatus)
}

func TestExecutorTimeoutEscalates(t *testing.T) {
	cfg := Config{Timeout: 200 * time.Millisecond, SignalWait: 100 * time.Millisecond}
	e := New("trap '' TERM; sleep 5", cfg, discardLogger())

	task := &domain.Task{ID: "t4", Args: "", SubmitTime: time.Now()}
	start := time.Now()
	outcome := e.Run(context.Background(), task)

	require.Greater(t, outcome.ExitStatus, 128)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecutorCaptureMode(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Timeout: 5 * time.Second, SignalWait: time.Second, Mode: OutputCapture, CaptureDir: dir}
	e := New("echo out; echo err 1>&2", cfg, discardLogger())

	task := &domain.Task{ID: "t5", Args: "", SubmitTime: time.Now()}
	outcome := e.Run(context.Background(), task)

	require.Equal(t, 0, outcome.ExitStatus)
	outBytes, err := os.ReadFile(outcome.OutPath)
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(outBytes))
}
