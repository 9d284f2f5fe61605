package cmd

import (
	"context"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/costap/discard/internal/pkg/config"
	"github.com/costap/discard/internal/pkg/server"
	"github.com/costap/discard/internal/pkg/telemetry/telemetrytest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testGrace = 10 * time.Second

func startServer(t *testing.T) (*server.Server, *telemetrytest.Recorder) {
	t.Helper()

	metrics := telemetrytest.New()
	srv, err := server.New(config.ServerConfig{
		Host:        "127.0.0.1",
		KeepAlive:   true,
		GracePeriod: testGrace,
	}, server.WithLogger(zaptest.NewLogger(t)), server.WithMetrics(metrics.Metrics))
	require.NoError(t, err)

	go func() { _ = srv.Run(context.Background()) }()
	<-srv.Ready()
	t.Cleanup(func() {
		srv.ForceClose()
		<-srv.Done()
	})
	return srv, metrics
}

func TestHandleSignals(t *testing.T) {
	srv, metrics := startServer(t)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.Active() == 1 }, 5*time.Second, 10*time.Millisecond)

	sigs := make(chan os.Signal, 2)
	returned := make(chan struct{})
	go func() {
		handleSignals(zaptest.NewLogger(t), srv, sigs, testGrace)
		close(returned)
	}()

	sigs <- syscall.SIGTERM
	require.Eventually(t, func() bool { return srv.State() == server.ShuttingDown }, 5*time.Second, 10*time.Millisecond)

	// The connection is left open during the grace period.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	require.Equal(t, int64(1), srv.Active())

	started := time.Now()
	sigs <- syscall.SIGINT
	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("second signal did not stop the server")
	}
	require.Less(t, time.Since(started), testGrace/2)
	require.Equal(t, server.Stopped, srv.State())
	require.Equal(t, int64(1), metrics.Sum(t, "discard.connections.forced_closed.total"))

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("signal handler did not return")
	}
}

func TestHandleSignalsReturnsWhenStopped(t *testing.T) {
	srv, _ := startServer(t)

	sigs := make(chan os.Signal, 2)
	returned := make(chan struct{})
	go func() {
		handleSignals(zaptest.NewLogger(t), srv, sigs, testGrace)
		close(returned)
	}()

	srv.Shutdown(0)
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("signal handler did not return after the server stopped")
	}
	require.Equal(t, server.Stopped, srv.State())
}

func TestHandleSignalsSingleSignalDrains(t *testing.T) {
	srv, _ := startServer(t)

	sigs := make(chan os.Signal, 2)
	returned := make(chan struct{})
	go func() {
		handleSignals(zaptest.NewLogger(t), srv, sigs, 0)
		close(returned)
	}()

	sigs <- syscall.SIGINT
	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after a signal")
	}
	<-returned
}
