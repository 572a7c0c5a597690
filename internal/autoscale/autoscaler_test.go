package autoscale

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeActive struct{ n int }

func (f *fakeActive) ActiveCount() int { return f.n }

type fakeIncomplete struct{ n int }

func (f *fakeIncomplete) IncompleteCount(ctx context.Context) (int, error) { return f.n, nil }

type fakeLauncher struct {
	calls int
	err   error
}

func (f *fakeLauncher) Launch(ctx context.Context) error {
	f.calls++
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFixedPolicyLaunchesUpToTarget(t *testing.T) {
	active := &fakeActive{n: 0}
	launch := &fakeLauncher{}
	a := New(Config{Policy: PolicyFixed, Init: 3, Min: 1, Max: 10}, active, &fakeIncomplete{}, launch, 16, testLogger())

	a.tick(context.Background())

	assert.Equal(t, 3, launch.calls)
}

func TestFixedPolicyRespectsMax(t *testing.T) {
	active := &fakeActive{n: 0}
	launch := &fakeLauncher{}
	a := New(Config{Policy: PolicyFixed, Init: 5, Min: 1, Max: 2}, active, &fakeIncomplete{}, launch, 16, testLogger())

	a.tick(context.Background())

	assert.Equal(t, 2, launch.calls)
}

func TestDynamicPolicyLaunchesWhenBelowMin(t *testing.T) {
	active := &fakeActive{n: 0}
	launch := &fakeLauncher{}
	a := New(Config{Policy: PolicyDynamic, Min: 2, Max: 10}, active, &fakeIncomplete{n: 100}, launch, 16, testLogger())

	a.tick(context.Background())

	assert.Equal(t, 1, launch.calls)
}

func TestDynamicPolicyNoLaunchWithoutHistory(t *testing.T) {
	active := &fakeActive{n: 3}
	launch := &fakeLauncher{}
	a := New(Config{Policy: PolicyDynamic, Min: 1, Max: 10, Factor: 1}, active, &fakeIncomplete{n: 1000}, launch, 16, testLogger())

	a.tick(context.Background())

	assert.Equal(t, 0, launch.calls, "no completions recorded yet, pressure should be zero")
}

func TestDynamicPolicyLaunchesUnderHighPressure(t *testing.T) {
	active := &fakeActive{n: 1}
	launch := &fakeLauncher{}
	a := New(Config{Policy: PolicyDynamic, Min: 1, Max: 10, Factor: 1, ExecutorsPerNode: 1}, active, &fakeIncomplete{n: 10000}, launch, 16, testLogger())

	for i := 0; i < 5; i++ {
		a.RecordCompletion(1 * time.Second)
	}

	a.tick(context.Background())

	assert.Equal(t, 1, launch.calls)
}

func TestDynamicPolicyNoLaunchUnderLowPressure(t *testing.T) {
	active := &fakeActive{n: 10}
	launch := &fakeLauncher{}
	a := New(Config{Policy: PolicyDynamic, Min: 1, Max: 20, Factor: 100, ExecutorsPerNode: 4}, active, &fakeIncomplete{n: 1}, launch, 16, testLogger())

	a.RecordCompletion(1 * time.Second)

	a.tick(context.Background())

	assert.Equal(t, 0, launch.calls)
}

func TestCircuitBreakerSkipsAfterRepeatedFailures(t *testing.T) {
	active := &fakeActive{n: 0}
	launch := &fakeLauncher{err: assert.AnError}
	a := New(Config{Policy: PolicyFixed, Init: 1, Min: 1, Max: 1, Period: time.Millisecond}, active, &fakeIncomplete{}, launch, 16, testLogger())

	for i := 0; i < 5; i++ {
		a.tick(context.Background())
	}

	assert.GreaterOrEqual(t, launch.calls, 3, "breaker should have attempted a few times before tripping")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	active := &fakeActive{n: 5}
	launch := &fakeLauncher{}
	a := New(Config{Policy: PolicyFixed, Init: 1, Min: 1, Max: 1, Period: 5 * time.Millisecond}, active, &fakeIncomplete{}, launch, 16, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := a.Run(ctx)
	require.Error(t, err)
}
