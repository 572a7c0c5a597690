package dispatch

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypershell/hypershell/internal/queue"
	"github.com/hypershell/hypershell/internal/store"
	"github.com/hypershell/hypershell/internal/wire"
)

type fakeStore struct {
	store.Store
	mu       sync.Mutex
	reverted []store.RevertFilter
	complete []store.CompleteInput
}

func (f *fakeStore) Revert(_ context.Context, filter store.RevertFilter) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverted = append(f.reverted, filter)
	return 1, nil
}

func (f *fakeStore) Complete(_ context.Context, in store.CompleteInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complete = append(f.complete, in)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestDispatcherHandshakeAndHeartbeat(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	fs := &fakeStore{}
	outbox := queue.NewOutbound(4)
	returns := queue.NewReturn()
	d := New(fs, outbox, returns, Config{ServerID: "srv1", ServerHost: "host", Token: "secret", Evict: time.Hour, SweepInterval: time.Hour}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.handleConn(ctx, serverConn)

	clientSide, hello, err := wire.DialConn(clientConn, "secret", "c1", "chost")
	require.NoError(t, err)
	assert.Equal(t, "srv1", hello.ServerID)
	defer clientSide.Close()

	require.NoError(t, clientSide.SendEmpty(wire.TagHeartbeat))

	require.Eventually(t, func() bool {
		d.mu.RLock()
		defer d.mu.RUnlock()
		_, ok := d.registrations["c1"]
		return ok
	}, time.Second, 10*time.Millisecond)

	d.mu.RLock()
	reg := d.registrations["c1"]
	d.mu.RUnlock()
	require.Eventually(t, func() bool {
		d.mu.RLock()
		defer d.mu.RUnlock()
		return time.Since(reg.LastHeartbeat) < time.Second
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcherEvictRevertsInFlightTasks(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	fs := &fakeStore{}
	outbox := queue.NewOutbound(4)
	returns := queue.NewReturn()
	d := New(fs, outbox, returns, Config{ServerID: "srv1", ServerHost: "host", Token: "secret", Evict: time.Hour, SweepInterval: time.Hour}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.handleConn(ctx, serverConn)

	clientSide, _, err := wire.DialConn(clientConn, "secret", "c1", "chost")
	require.NoError(t, err)
	defer clientSide.Close()

	require.Eventually(t, func() bool {
		d.mu.RLock()
		defer d.mu.RUnlock()
		_, ok := d.registrations["c1"]
		return ok
	}, time.Second, 10*time.Millisecond)

	d.evict(context.Background(), "c1", "test")

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.reverted, 1)
	assert.Equal(t, "c1", fs.reverted[0].ClientID)
}
