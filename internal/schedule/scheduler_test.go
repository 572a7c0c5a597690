package schedule

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypershell/hypershell/internal/domain"
	"github.com/hypershell/hypershell/internal/queue"
	"github.com/hypershell/hypershell/internal/store"
)

type fakeStore struct {
	store.Store
	mu             sync.Mutex
	claimResponses [][]*domain.Task
	claimCalls     int
	reverted       bool
	inserted       [][]*domain.Task
}

func (f *fakeStore) ClaimNext(_ context.Context, n int, eager bool, serverID, serverHost string) ([]*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimCalls >= len(f.claimResponses) {
		return nil, nil
	}
	resp := f.claimResponses[f.claimCalls]
	f.claimCalls++
	return resp, nil
}

func (f *fakeStore) Revert(_ context.Context, _ store.RevertFilter) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverted = true
	return 0, nil
}

func (f *fakeStore) RetryCandidates(_ context.Context, _ int) ([]*domain.Task, error) {
	return nil, nil
}

func (f *fakeStore) Insert(_ context.Context, tasks []*domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, tasks)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestSchedulerDrainsWhenNoWorkAndNotForever(t *testing.T) {
	fs := &fakeStore{claimResponses: [][]*domain.Task{{}}}
	q := queue.NewOutbound(10)
	s := New(fs, q, Config{QueueSize: 10, BundleSize: 2, Wait: 10 * time.Millisecond}, nil, testLogger())

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrDrain)
}

func TestSchedulerPartitionsIntoBundles(t *testing.T) {
	tasks := []*domain.Task{{ID: "1"}, {ID: "2"}, {ID: "3"}}
	fs := &fakeStore{claimResponses: [][]*domain.Task{tasks, {}}}
	q := queue.NewOutbound(10)
	s := New(fs, q, Config{QueueSize: 10, BundleSize: 2, Wait: 10 * time.Millisecond}, nil, testLogger())

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrDrain)

	assert.Equal(t, 2, q.Len())
	b1, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, b1.Tasks, 2)
	b2, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, b2.Tasks, 1)
}

func TestSchedulerRestartRevertsBeforeLoop(t *testing.T) {
	fs := &fakeStore{claimResponses: [][]*domain.Task{{}}}
	q := queue.NewOutbound(10)
	s := New(fs, q, Config{QueueSize: 10, BundleSize: 2, Wait: 10 * time.Millisecond, Restart: true}, nil, testLogger())

	_ = s.Run(context.Background())
	assert.True(t, fs.reverted)
}

func TestSchedulerForeverKeepsPollingUntilCancel(t *testing.T) {
	fs := &fakeStore{claimResponses: [][]*domain.Task{{}, {}, {}, {}, {}}}
	q := queue.NewOutbound(10)
	s := New(fs, q, Config{QueueSize: 10, BundleSize: 2, Wait: 5 * time.Millisecond, Forever: true}, nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
