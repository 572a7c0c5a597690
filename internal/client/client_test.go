package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypershell/hypershell/internal/domain"
	"github.com/hypershell/hypershell/internal/exec"
	"github.com/hypershell/hypershell/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestClientRunsTaskAndReturnsBundle(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	serverAEAD, err := wire.NewAEAD("secret")
	require.NoError(t, err)

	serverDone := make(chan *domain.Bundle, 1)
	go func() {
		// server side handshake
		tag, payload, err := wire.ReadFrame(serverConn, serverAEAD)
		require.NoError(t, err)
		require.Equal(t, wire.TagHello, tag)
		var hello wire.Hello
		require.NoError(t, json.Unmarshal(payload, &hello))

		ackPayload, _ := json.Marshal(wire.HelloAck{ServerID: "srv", ServerHost: "shost"})
		require.NoError(t, wire.WriteFrame(serverConn, serverAEAD, wire.TagHelloAck, ackPayload))

		bundle := &domain.Bundle{ID: "b1", Tasks: []*domain.Task{{ID: "t1", Args: "hi", SubmitTime: time.Now()}}}
		bundlePayload, _ := json.Marshal(bundle)
		require.NoError(t, wire.WriteFrame(serverConn, serverAEAD, wire.TagBundleOut, bundlePayload))

		tag, _, err = wire.ReadFrame(serverConn, serverAEAD)
		require.NoError(t, err)
		require.Equal(t, wire.TagAck, tag)

		tag, payload, err = wire.ReadFrame(serverConn, serverAEAD)
		require.NoError(t, err)
		require.Equal(t, wire.TagBundleIn, tag)
		var returned domain.Bundle
		require.NoError(t, json.Unmarshal(payload, &returned))
		serverDone <- &returned

		require.NoError(t, wire.WriteFrame(serverConn, serverAEAD, wire.TagDisconnect, nil))
	}()

	c := New(Config{
		Token:        "secret",
		ClientID:     "c1",
		ClientHost:   "chost",
		NumExecutors: 2,
		BundleSize:   1,
		BundleWait:   20 * time.Millisecond,
		HeartRate:    time.Hour,
		Timeout:      time.Hour,
		Pattern:      "echo {}",
		Exec:         exec.Config{Timeout: time.Second, SignalWait: 100 * time.Millisecond},
	}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- c.runOverConn(ctx, clientConn)
	}()

	select {
	case returned := <-serverDone:
		require.Len(t, returned.Tasks, 1)
		require.NotNil(t, returned.Tasks[0].ExitStatus)
		assert.Equal(t, 0, *returned.Tasks[0].ExitStatus)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for returned bundle")
	}

	select {
	case err := <-runErrCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client to drain")
	}

	assert.Equal(t, StateDone, c.State())
}
