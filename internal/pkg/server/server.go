// Package server runs the discard service: it binds the listener, hands every
// connection to the stage pipeline and drains connections on shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/costap/discard/internal/pkg/config"
	"github.com/costap/discard/internal/pkg/discard"
	"github.com/costap/discard/internal/pkg/pipeline"
	"github.com/costap/discard/internal/pkg/security"
	"github.com/costap/discard/internal/pkg/server/tcp"
	"github.com/costap/discard/internal/pkg/telemetry"
	"go.uber.org/zap"
)

var (
	// ErrShutdownTimeout is logged when connections are still open at the end
	// of the grace period. The server force closes them and still stops.
	ErrShutdownTimeout = errors.New("shutdown grace period elapsed with open connections")

	ErrAlreadyStarted = errors.New("server already started")
)

// Option configures a Server.
type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTLSConfig replaces the certificate loading done for TLSEnabled.
func WithTLSConfig(c *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = c }
}

// Server is the lifecycle manager of one listener and its connections.
type Server struct {
	cfg       config.ServerConfig
	log       *zap.Logger
	metrics   *telemetry.Metrics
	tlsConfig *tls.Config
	pipeline  *pipeline.Pipeline
	listen    func(context.Context, tcp.ListenConfig, ...tcp.Option) (*tcp.Server, error)

	state    atomic.Int32
	started  atomic.Bool
	listener atomic.Pointer[tcp.Server]

	// forceCtx is handed to every connection; cancelling it interrupts reads.
	forceCtx context.Context
	force    context.CancelFunc

	stopOnce sync.Once
	grace    time.Duration
	stopping chan struct{}
	ready    chan struct{}
	done     chan struct{}
}

// New builds a Server from cfg. The TLS certificate is loaded here so that a
// bad key pair fails startup rather than the first handshake.
//
// cfg is not validated: a Port of 0 binds an ephemeral port.
func New(cfg config.ServerConfig, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		log:      zap.NewNop(),
		listen:   tcp.Listen,
		stopping: make(chan struct{}),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewMetrics()
	}
	s.forceCtx, s.force = context.WithCancel(context.Background())

	var stages []pipeline.Stage
	if cfg.TLSEnabled {
		tlsConfig, err := s.serverTLSConfig()
		if err != nil {
			return nil, err
		}
		stages = append(stages, security.NewTLS(tlsConfig, s.metrics))
	}
	stages = append(stages, discard.New(s.log, s.metrics))

	s.pipeline = pipeline.New(s.log, s.metrics, stages...)
	return s, nil
}

func (s *Server) serverTLSConfig() (*tls.Config, error) {
	if s.tlsConfig != nil {
		return s.tlsConfig, nil
	}

	if s.cfg.CertFile != "" {
		cert, err := security.LoadCertificate(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		s.log.Info("loaded TLS certificate", zap.String("cert", s.cfg.CertFile))
		return security.ServerConfig(cert), nil
	}

	cert, err := security.SelfSigned("localhost", "127.0.0.1", "::1")
	if err != nil {
		return nil, err
	}
	s.log.Warn("no TLS certificate configured, using a self-signed certificate",
		zap.String("sha256", security.Fingerprint(cert)))
	return security.ServerConfig(cert), nil
}

// Run binds the listener and serves connections until ctx is cancelled,
// Shutdown is called or the listener fails. It returns once the server is
// Stopped. The error is a *tcp.BindError when binding failed, the accept
// error when the listener failed for good, and nil after a requested
// shutdown, even one that had to force close connections.
func (s *Server) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer s.force()

	ln, err := s.listen(ctx, tcp.ListenConfig{
		Host:      s.cfg.Host,
		Port:      s.cfg.Port,
		Backlog:   s.cfg.Backlog,
		KeepAlive: s.cfg.KeepAlive,
	}, tcp.WithLogger(s.log))
	if err != nil {
		s.log.Error("failed to bind listener", zap.Error(err))
		s.transition(Stopped)
		close(s.done)
		return err
	}

	s.listener.Store(ln)
	s.transition(Running)
	close(s.ready)

	s.log.Info("server is running",
		zap.String("address", ln.Addr().String()),
		zap.Bool("tls", s.cfg.TLSEnabled),
		zap.Strings("pipeline", s.pipeline.Stages()))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- ln.Serve(s.forceCtx, s.pipeline)
	}()

	var runErr error
	served := false
	select {
	case <-ctx.Done():
		s.log.Info("shutdown requested", zap.Error(context.Cause(ctx)))
		s.Shutdown(s.cfg.GracePeriod)
	case <-s.stopping:
	case err := <-serveErr:
		served = true
		if !errors.Is(err, tcp.ErrListenerClosed) {
			runErr = err
			s.log.Error("listener failed", zap.Error(err))
		}
		s.Shutdown(s.cfg.GracePeriod)
	}

	<-s.stopping
	if err := ln.Close(); err != nil {
		s.log.Warn("failed to close listener", zap.Error(err))
	}
	if !served {
		<-serveErr
	}

	// Nothing is accepted past this point.
	s.transition(ShuttingDown)
	s.log.Info("shutting down",
		zap.Duration("grace_period", s.grace), zap.Int64("active", ln.Active()))

	s.drain(ln, s.grace)

	s.transition(Stopped)
	s.log.Info("server stopped")
	close(s.done)
	return runErr
}

// drain waits for the handlers to finish, force closing whatever is still
// open once grace has elapsed.
func (s *Server) drain(ln *tcp.Server, grace time.Duration) {
	drained := make(chan struct{})
	go func() {
		ln.Wait()
		close(drained)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-drained:
		return
	case <-timer.C:
	case <-s.forceCtx.Done():
	}

	select {
	case <-drained:
		return
	default:
	}

	s.log.Warn("force closing connections",
		zap.Error(ErrShutdownTimeout), zap.Int64("active", ln.Active()))
	s.force()
	<-drained
}

// Shutdown starts a graceful shutdown: no new connections are accepted and
// open ones get grace to disconnect before they are closed. Only the first
// call has an effect. Wait on Done for the server to stop.
func (s *Server) Shutdown(grace time.Duration) {
	s.stopOnce.Do(func() {
		s.grace = grace
		close(s.stopping)
	})
}

// ForceClose shuts down without a grace period and closes every open
// connection, including during a graceful shutdown already in progress.
func (s *Server) ForceClose() {
	s.Shutdown(0)
	s.force()
}

// State returns the current lifecycle phase.
func (s *Server) State() State {
	return State(s.state.Load())
}

// transition moves the state forward to next; moving backwards is ignored.
func (s *Server) transition(next State) {
	for {
		cur := s.state.Load()
		if State(cur) >= next {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			s.log.Info("state changed",
				zap.Stringer("from", State(cur)), zap.Stringer("to", next))
			return
		}
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Done is closed once the server is Stopped.
func (s *Server) Done() <-chan struct{} { return s.done }

// Addr returns the bound address, or nil before the server is running.
func (s *Server) Addr() net.Addr {
	if ln := s.listener.Load(); ln != nil {
		return ln.Addr()
	}
	return nil
}

// Active returns the number of open connections.
func (s *Server) Active() int64 {
	if ln := s.listener.Load(); ln != nil {
		return ln.Active()
	}
	return 0
}

// ExitCode maps the result of Run to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var bindErr *tcp.BindError
	if errors.As(err, &bindErr) {
		return 2
	}
	return 1
}
