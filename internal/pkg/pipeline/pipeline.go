// Package pipeline runs an ordered chain of stages over every accepted
// connection.
//
// Each stage receives the connection produced by the previous one and either
// returns the connection for the next stage (possibly wrapped, e.g. by TLS)
// or consumes it and returns nil. The pipeline owns the connection for its
// whole lifetime and closes it exactly once, whichever way the chain ends.
package pipeline

import (
	"context"
	"errors"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/costap/discard/internal/pkg/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Stage is one step of the per-connection chain.
type Stage interface {
	// Name identifies the stage in logs.
	Name() string

	// Process handles conn. It returns the connection for the next stage, or
	// nil when conn has been fully consumed. Stages never close conn.
	Process(ctx context.Context, conn net.Conn) (net.Conn, error)
}

// Pipeline is a fixed, ordered list of stages.
type Pipeline struct {
	log     *zap.Logger
	metrics *telemetry.Metrics
	stages  []Stage
}

func New(log *zap.Logger, metrics *telemetry.Metrics, stages ...Stage) *Pipeline {
	return &Pipeline{log: log, metrics: metrics, stages: stages}
}

// Stages returns the stage names in order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, st := range p.stages {
		names[i] = st.Name()
	}
	return names
}

// Handle runs the chain over conn. When ctx is cancelled any blocked read
// or handshake is interrupted so the chain ends promptly.
func (p *Pipeline) Handle(ctx context.Context, conn net.Conn) {
	log := p.log.With(
		zap.String("connection_id", uuid.New().String()),
		zap.String("remote", conn.RemoteAddr().String()),
	)

	p.metrics.ConnectionsAccepted.Add(ctx, 1)
	p.metrics.ActiveConnections.Add(ctx, 1)

	c := &ownedConn{raw: conn}
	defer p.closeAndRecover(log, c)

	// Expire every pending and future read on the raw socket. TLS reads go
	// through it, so this ends handshakes as well.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	log.Debug("accepted connection")

	for _, st := range p.stages {
		next, err := st.Process(ctx, c.current())
		if err != nil {
			p.report(ctx, log.With(zap.String("stage", st.Name())), err)
			return
		}
		if next == nil {
			return
		}
		c.replace(next)
	}
}

// report logs why the chain ended early. Stages record their own error
// metrics; only forced closes are counted here.
func (p *Pipeline) report(ctx context.Context, log *zap.Logger, err error) {
	if ctx.Err() != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		p.metrics.ConnectionsForcedClosed.Add(context.Background(), 1)
		log.Info("connection force closed on shutdown")
		return
	}
	log.Warn("connection closed on error", zap.Error(err))
}

// closeAndRecover closes the connection whatever happened in the chain,
// including a panic in one of the stages.
func (p *Pipeline) closeAndRecover(log *zap.Logger, c *ownedConn) {
	if r := recover(); r != nil {
		log.Error("panic in connection handler",
			zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
	}

	if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debug("failed to close connection", zap.Error(err))
	}
	p.metrics.ActiveConnections.Add(context.Background(), -1)

	log.Debug("connection closed")
}

// ownedConn tracks the outermost wrapper of an accepted connection so the
// close reaches every layer, and makes that close happen once.
type ownedConn struct {
	raw net.Conn

	mu    sync.Mutex
	outer net.Conn

	closeOnce sync.Once
	closeErr  error
}

func (c *ownedConn) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outer != nil {
		return c.outer
	}
	return c.raw
}

func (c *ownedConn) replace(conn net.Conn) {
	c.mu.Lock()
	c.outer = conn
	c.mu.Unlock()
}

func (c *ownedConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.current().Close()
	})
	return c.closeErr
}
