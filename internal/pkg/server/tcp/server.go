package tcp

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Handler serves one accepted connection. Handle owns conn and must close it
// before returning.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn net.Conn)

func (f HandlerFunc) Handle(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for accept errors.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server owns a listening socket and runs every accepted connection on its
// own goroutine.
type Server struct {
	log       *zap.Logger
	listener  net.Listener
	keepAlive bool

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	active   atomic.Int64
	handlers sync.WaitGroup
}

// NewServer serves an already bound listener. Only cfg.KeepAlive is used.
func NewServer(l net.Listener, cfg ListenConfig, opts ...Option) *Server {
	s := &Server{
		log:       zap.NewNop(),
		listener:  l,
		keepAlive: cfg.KeepAlive,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Active returns the number of handlers that have not returned yet.
func (s *Server) Active() int64 {
	return s.active.Load()
}

// Serve accepts connections until Close is called, dispatching each to
// handler without waiting for it. ctx is handed to every handler.
//
// Serve returns ErrListenerClosed after Close and any other error when the
// socket fails in a way that retrying cannot fix.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	retry := newAcceptBackOff()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return ErrListenerClosed
			}
			if !isTemporary(err) {
				return err
			}
			delay := retry.NextBackOff()
			s.log.Warn("accept failed, retrying", zap.Error(err), zap.Duration("delay", delay))
			time.Sleep(delay)
			continue
		}
		retry.Reset()

		if tc, ok := conn.(*net.TCPConn); ok {
			if err := tc.SetKeepAlive(s.keepAlive); err != nil {
				s.log.Debug("cannot set keep-alive", zap.Error(err))
			}
		}

		s.active.Add(1)
		s.handlers.Add(1)
		go func() {
			defer func() {
				s.active.Add(-1)
				s.handlers.Done()
			}()
			handler.Handle(ctx, conn)
		}()
	}
}

// Close stops the listener. A blocked Serve returns ErrListenerClosed.
// Only the first call closes the socket; later calls return the same result.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.listener.Close()
	})
	return s.closeErr
}

// Wait blocks until every dispatched handler has returned. Call it after
// Serve has returned so no handler is dispatched concurrently.
func (s *Server) Wait() {
	s.handlers.Wait()
}

func newAcceptBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// isTemporary reports accept errors that go away on their own: descriptor
// exhaustion, connections aborted before accept, and timeouts.
func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET)
}
