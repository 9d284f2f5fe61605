// Package discard implements the terminal stage of the connection pipeline:
// it reads everything the peer sends and drops it. Nothing is ever written
// back.
package discard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/costap/discard/internal/pkg/telemetry"
	"go.uber.org/zap"
)

// bufferSize is the read chunk; data is never retained past one read.
const bufferSize = 4096

// ReadError ends a single connection. Other connections are unaffected.
type ReadError struct {
	Read int64
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read failed after %d bytes: %v", e.Read, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Handler is the discard stage.
type Handler struct {
	log     *zap.Logger
	metrics *telemetry.Metrics
}

func New(log *zap.Logger, metrics *telemetry.Metrics) *Handler {
	return &Handler{log: log, metrics: metrics}
}

func (h *Handler) Name() string { return "discard" }

// Discard reads from conn until the peer closes it or a read fails. It
// returns the number of bytes dropped; a clean end of stream is not an error.
func (h *Handler) Discard(ctx context.Context, conn net.Conn) (int64, error) {
	buf := make([]byte, bufferSize)
	var total int64

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			total += int64(n)
			h.metrics.BytesDiscarded.Add(ctx, int64(n))
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, &ReadError{Read: total, Err: err}
		}
	}
}

// Process implements pipeline.Stage. It always consumes conn.
func (h *Handler) Process(ctx context.Context, conn net.Conn) (net.Conn, error) {
	n, err := h.Discard(ctx, conn)
	if err != nil {
		if ctx.Err() == nil {
			h.metrics.ReadErrors.Add(ctx, 1)
		}
		return nil, err
	}
	h.log.Debug("peer closed connection",
		zap.String("remote", conn.RemoteAddr().String()), zap.Int64("bytes", n))
	return nil, nil
}
