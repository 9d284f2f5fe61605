package tcp

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/nettest"
)

func listenLocal(t *testing.T, backlog int) *Server {
	t.Helper()
	s, err := Listen(context.Background(), ListenConfig{Host: "127.0.0.1", Backlog: backlog, KeepAlive: true},
		WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestListen(t *testing.T) {
	for _, backlog := range []int{0, 128} {
		t.Run("backlog "+strconv.Itoa(backlog), func(t *testing.T) {
			s := listenLocal(t, backlog)

			addr, ok := s.Addr().(*net.TCPAddr)
			require.True(t, ok)
			require.NotZero(t, addr.Port)

			conn, err := net.Dial("tcp", s.Addr().String())
			require.NoError(t, err)
			require.NoError(t, conn.Close())
		})
	}
}

func TestListenAddressInUse(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port

	for _, backlog := range []int{0, 128} {
		t.Run("backlog "+strconv.Itoa(backlog), func(t *testing.T) {
			_, err := Listen(context.Background(), ListenConfig{Host: "127.0.0.1", Port: port, Backlog: backlog})

			var bindErr *BindError
			require.ErrorAs(t, err, &bindErr)
			require.True(t, errors.Is(err, syscall.EADDRINUSE), "got %v", err)
		})
	}
}

func TestListenInvalidPort(t *testing.T) {
	for _, port := range []int{-1, 65536} {
		_, err := Listen(context.Background(), ListenConfig{Port: port})

		var bindErr *BindError
		require.ErrorAs(t, err, &bindErr)
	}
}

func TestServeReturnsListenerClosed(t *testing.T) {
	s := listenLocal(t, 0)

	done := make(chan error, 1)
	go func() {
		done <- s.Serve(context.Background(), HandlerFunc(func(ctx context.Context, conn net.Conn) {
			conn.Close()
		}))
	}()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close must not close the socket again")

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrListenerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestServeDoesNotWaitForHandlers(t *testing.T) {
	s := listenLocal(t, 0)

	release := make(chan struct{})
	handled := make(chan struct{}, 2)
	go func() {
		_ = s.Serve(context.Background(), HandlerFunc(func(ctx context.Context, conn net.Conn) {
			defer conn.Close()
			handled <- struct{}{}
			<-release
		}))
	}()

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", s.Addr().String())
		require.NoError(t, err)
		defer conn.Close()

		select {
		case <-handled:
		case <-time.After(5 * time.Second):
			t.Fatalf("connection %d was not dispatched while an earlier handler is blocked", i)
		}
	}
	require.Equal(t, int64(2), s.Active())

	close(release)
	require.NoError(t, s.Close())
	s.Wait()
	require.Zero(t, s.Active())
}

func TestIsTemporary(t *testing.T) {
	require.True(t, isTemporary(&net.OpError{Op: "accept", Err: syscall.EMFILE}))
	require.True(t, isTemporary(&net.OpError{Op: "accept", Err: syscall.ECONNABORTED}))
	require.False(t, isTemporary(&net.OpError{Op: "accept", Err: syscall.EBADF}))
	require.False(t, isTemporary(errors.New("boom")))
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// scriptedListener returns the queued results from Accept, then blocks until
// closed.
type scriptedListener struct {
	results chan acceptResult
	closed  chan struct{}
	once    atomic.Bool
	accepts atomic.Int32
}

func newScriptedListener(results ...acceptResult) *scriptedListener {
	l := &scriptedListener{
		results: make(chan acceptResult, len(results)),
		closed:  make(chan struct{}),
	}
	for _, r := range results {
		l.results <- r
	}
	return l
}

func (l *scriptedListener) Accept() (net.Conn, error) {
	l.accepts.Add(1)
	select {
	case r := <-l.results:
		return r.conn, r.err
	default:
	}
	<-l.closed
	return nil, net.ErrClosed
}

func (l *scriptedListener) Close() error {
	if l.once.CompareAndSwap(false, true) {
		close(l.closed)
	}
	return nil
}

func (l *scriptedListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func acceptError(errno syscall.Errno) error {
	return &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", errno)}
}

func TestServeRetriesTemporaryAcceptErrors(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	l := newScriptedListener(
		acceptResult{err: acceptError(syscall.EMFILE)},
		acceptResult{err: acceptError(syscall.ECONNABORTED)},
		acceptResult{conn: server},
		acceptResult{err: acceptError(syscall.EBADF)},
	)
	s := NewServer(l, ListenConfig{}, WithLogger(zaptest.NewLogger(t)))

	handled := make(chan net.Conn, 1)
	err := s.Serve(context.Background(), HandlerFunc(func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		handled <- conn
	}))

	require.ErrorIs(t, err, syscall.EBADF)
	require.NotErrorIs(t, err, ErrListenerClosed)
	require.Equal(t, int32(4), l.accepts.Load())

	select {
	case conn := <-handled:
		require.Equal(t, server, conn)
	case <-time.After(5 * time.Second):
		t.Fatal("connection accepted between errors was not dispatched")
	}
	s.Wait()
	require.Zero(t, s.Active())
}

func TestServeClosedDuringRetry(t *testing.T) {
	l := newScriptedListener(acceptResult{err: acceptError(syscall.EMFILE)})
	s := NewServer(l, ListenConfig{}, WithLogger(zaptest.NewLogger(t)))

	done := make(chan error, 1)
	go func() {
		done <- s.Serve(context.Background(), HandlerFunc(func(ctx context.Context, conn net.Conn) {
			conn.Close()
		}))
	}()

	require.Eventually(t, func() bool { return l.accepts.Load() >= 2 }, 5*time.Second, time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrListenerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestAcceptBackOff(t *testing.T) {
	b := newAcceptBackOff()
	first := b.NextBackOff()
	require.Greater(t, first, time.Duration(0))
	require.LessOrEqual(t, first, 10*time.Millisecond)

	for i := 0; i < 50; i++ {
		d := b.NextBackOff()
		require.NotEqual(t, backoff.Stop, d)
		require.LessOrEqual(t, d, 1500*time.Millisecond)
	}

	b.Reset()
	require.LessOrEqual(t, b.NextBackOff(), 10*time.Millisecond)
}
