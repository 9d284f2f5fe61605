// Package security upgrades accepted connections to TLS before any
// application bytes are read.
package security

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/costap/discard/internal/pkg/telemetry"
)

// HandshakeError reports a failed TLS handshake. It only affects the
// connection it happened on.
type HandshakeError struct {
	Remote string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tls handshake with %s failed: %v", e.Remote, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TLS is the security-upgrade stage.
type TLS struct {
	config  *tls.Config
	metrics *telemetry.Metrics
}

func NewTLS(config *tls.Config, metrics *telemetry.Metrics) *TLS {
	return &TLS{config: config, metrics: metrics}
}

func (t *TLS) Name() string { return "tls" }

// Upgrade runs the server side of the handshake on raw. raw is left open on
// failure; whoever owns it closes it.
func (t *TLS) Upgrade(raw net.Conn) (*tls.Conn, error) {
	conn := tls.Server(raw, t.config)
	// Handshake rather than HandshakeContext: cancellation is delivered as a
	// deadline on raw so that the owner stays the only one closing it.
	if err := conn.Handshake(); err != nil {
		return nil, &HandshakeError{Remote: raw.RemoteAddr().String(), Err: err}
	}
	return conn, nil
}

// Process implements pipeline.Stage.
func (t *TLS) Process(ctx context.Context, conn net.Conn) (net.Conn, error) {
	secure, err := t.Upgrade(conn)
	if err != nil {
		if ctx.Err() == nil {
			t.metrics.HandshakeErrors.Add(ctx, 1)
		}
		return nil, err
	}
	return secure, nil
}
