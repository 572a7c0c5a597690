package submit

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypershell/hypershell/internal/domain"
	"github.com/hypershell/hypershell/internal/store"
)

type fakeStore struct {
	store.Store
	mu      sync.Mutex
	batches [][]*domain.Task
}

func (f *fakeStore) Insert(_ context.Context, tasks []*domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, tasks)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestSubmitBundlesBySize(t *testing.T) {
	fs := &fakeStore{}
	s := New(Config{BundleSize: 2, BundleWait: time.Hour, SubmitHost: "host1"}, fs, nil, testLogger())

	total, err := s.Submit(context.Background(), strings.NewReader("1\n2\n3\n4\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, total)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.batches, 2)
	assert.Len(t, fs.batches[0], 2)
	assert.Len(t, fs.batches[1], 2)
}

func TestSubmitFlushesFinalPartialBundle(t *testing.T) {
	fs := &fakeStore{}
	s := New(Config{BundleSize: 10, BundleWait: time.Hour, SubmitHost: "host1"}, fs, nil, testLogger())

	total, err := s.Submit(context.Background(), strings.NewReader("a\nb\nc\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.batches, 1)
	assert.Len(t, fs.batches[0], 3)
}

func TestSubmitSkipsBlankLines(t *testing.T) {
	fs := &fakeStore{}
	s := New(Config{BundleSize: 10, BundleWait: time.Hour, SubmitHost: "host1"}, fs, nil, testLogger())

	total, err := s.Submit(context.Background(), strings.NewReader("a\n\n   \nb\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestSubmitAppliesArgsTemplate(t *testing.T) {
	fs := &fakeStore{}
	s := New(Config{BundleSize: 10, BundleWait: time.Hour, SubmitHost: "host1", ArgsTemplate: "echo {}"}, fs, nil, testLogger())

	_, err := s.Submit(context.Background(), strings.NewReader("hi\n"))
	require.NoError(t, err)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.batches, 1)
	assert.Equal(t, "echo hi", fs.batches[0][0].Args)
}

type fakePublisher struct {
	mu      sync.Mutex
	bundles []*domain.Bundle
}

func (p *fakePublisher) Publish(_ context.Context, b *domain.Bundle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bundles = append(p.bundles, b)
	return nil
}

func TestSubmitNoDbModePublishesDirect(t *testing.T) {
	pub := &fakePublisher{}
	s := New(Config{BundleSize: 2, BundleWait: time.Hour, SubmitHost: "host1"}, nil, pub, testLogger())

	total, err := s.Submit(context.Background(), strings.NewReader("1\n2\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.bundles, 1)
}
