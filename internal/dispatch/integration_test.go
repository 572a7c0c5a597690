package dispatch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypershell/hypershell/internal/client"
	"github.com/hypershell/hypershell/internal/domain"
	"github.com/hypershell/hypershell/internal/exec"
	"github.com/hypershell/hypershell/internal/queue"
)

// TestDispatcherClientAckRoundTrip drives a real Dispatcher against a
// real client.Client over a loopback TCP connection through one full
// bundle_out/ack/bundle_in cycle, guarding against senderLoop's
// ack-wait regressing into evicting every client (it blocked on
// ackCh with nothing on the other end ever sending TagAck).
func TestDispatcherClientAckRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	fs := &fakeStore{}
	outbox := queue.NewOutbound(4)
	returns := queue.NewReturn()
	d := New(fs, outbox, returns, Config{
		ServerID: "srv1", ServerHost: "host", Token: "secret",
		Evict: time.Hour, SweepInterval: time.Hour, AckTimeout: 300 * time.Millisecond,
	}, nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go d.Serve(ctx, ln)

	c := client.New(client.Config{
		Addr:         ln.Addr().String(),
		Token:        "secret",
		ClientID:     "c1",
		ClientHost:   "chost",
		NumExecutors: 1,
		BundleSize:   1,
		BundleWait:   20 * time.Millisecond,
		HeartRate:    time.Hour,
		Timeout:      time.Hour,
		Pattern:      "echo {}",
		Exec:         exec.Config{Timeout: time.Second, SignalWait: 100 * time.Millisecond},
	}, testLogger())

	clientErr := make(chan error, 1)
	go func() { clientErr <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		d.mu.RLock()
		defer d.mu.RUnlock()
		_, ok := d.registrations["c1"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	bundle := &domain.Bundle{ID: "b1", Tasks: []*domain.Task{{ID: "t1", Args: "hi", SubmitTime: time.Now()}}}
	require.NoError(t, outbox.Publish(ctx, bundle))

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.complete) == 1
	}, 3*time.Second, 20*time.Millisecond, "ack round trip never completed the task")

	fs.mu.Lock()
	assert.Equal(t, "t1", fs.complete[0].ID)
	fs.mu.Unlock()

	// the server never evicted c1 for an ack timeout: the registration
	// must still be present well after AckTimeout would have fired.
	time.Sleep(400 * time.Millisecond)
	d.mu.RLock()
	_, stillRegistered := d.registrations["c1"]
	d.mu.RUnlock()
	assert.True(t, stillRegistered)

	cancel()
	select {
	case <-clientErr:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not shut down after context cancellation")
	}
}
