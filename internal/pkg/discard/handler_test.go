package discard

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/chzyer/test"
	"github.com/costap/discard/internal/pkg/telemetry/telemetrytest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/nettest"
)

// dialPair returns both ends of a loopback TCP connection.
func dialPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)

	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return server, client
}

func TestDiscardUntilEOF(t *testing.T) {
	metrics := telemetrytest.New()
	h := New(zaptest.NewLogger(t), metrics.Metrics)
	server, client := dialPair(t)

	payload := test.RandBytes(3*bufferSize + 17)
	go func() {
		_, _ = client.Write(payload)
		_ = client.Close()
	}()

	next, err := h.Process(context.Background(), server)
	require.NoError(t, err)
	require.Nil(t, next, "discard consumes the connection")
	require.Equal(t, int64(len(payload)), metrics.Sum(t, "discard.bytes.discarded.total"))
	require.Zero(t, metrics.Sum(t, "discard.read.errors.total"))
}

func TestDiscardNeverWrites(t *testing.T) {
	h := New(zaptest.NewLogger(t), telemetrytest.New().Metrics)
	server, client := dialPair(t)

	recorder := &writeRecorder{Conn: server}
	go func() {
		_, _ = client.Write([]byte("ping"))
		_ = client.Close()
	}()

	n, err := h.Discard(context.Background(), recorder)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
	require.Zero(t, recorder.written.Len())
}

func TestDiscardReadError(t *testing.T) {
	metrics := telemetrytest.New()
	h := New(zaptest.NewLogger(t), metrics.Metrics)
	server, client := dialPair(t)

	_, err := client.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(100*time.Millisecond)))

	n, err := h.Discard(context.Background(), server)
	require.Equal(t, int64(3), n)

	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
	require.Equal(t, int64(3), readErr.Read)

	_, err = h.Process(context.Background(), server)
	require.Error(t, err)
	require.Equal(t, int64(1), metrics.Sum(t, "discard.read.errors.total"))
}

func TestReadErrorUnwrap(t *testing.T) {
	err := &ReadError{Read: 5, Err: io.ErrUnexpectedEOF}
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	require.Equal(t, "read failed after 5 bytes: unexpected EOF", err.Error())
}

type writeRecorder struct {
	net.Conn
	written bytes.Buffer
}

func (w *writeRecorder) Write(b []byte) (int, error) {
	w.written.Write(b)
	return w.Conn.Write(b)
}

func FuzzDiscard(f *testing.F) {
	f.Add([]byte("\x01\x02\x03\x04\x05\x06\a\b\t\x00"))
	f.Add(test.RandBytes(bufferSize + 1))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, payload []byte) {
		h := New(zap.NewNop(), telemetrytest.New().Metrics)
		server, client := dialPair(t)

		go func() {
			_, _ = client.Write(payload)
			_ = client.Close()
		}()

		n, err := h.Discard(context.Background(), server)
		require.NoError(t, err)
		require.Equal(t, int64(len(payload)), n)
	})
}
