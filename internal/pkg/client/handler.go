// Package client drives load against a discard server.
package client

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ConnectionHandler writes a fixed chunk of random bytes to the target over
// and over until it is closed or its context ends.
type ConnectionHandler struct {
	log       *zap.Logger
	target    string
	tlsConfig *tls.Config
	size      int

	written   atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnectionHandler returns a handler for target. A nil tlsConfig dials
// plain TCP.
func NewConnectionHandler(log *zap.Logger, target string, tlsConfig *tls.Config, size int) *ConnectionHandler {
	if size <= 0 {
		size = 256
	}
	return &ConnectionHandler{
		log:       log,
		target:    target,
		tlsConfig: tlsConfig,
		size:      size,
		done:      make(chan struct{}),
	}
}

// Run connects and writes until Close is called or ctx is done, which both
// return nil. Dial, handshake and write failures are returned.
func (h *ConnectionHandler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := h.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	h.log.Debug("connected to target", zap.String("target", h.target))

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		if stop() {
			_ = conn.Close()
		}
	}()

	buf := make([]byte, h.size)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("cannot generate payload: %w", err)
	}

	for {
		n, err := conn.Write(buf)
		h.written.Add(int64(n))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("cannot write to connection: %w", err)
		}
	}
}

func (h *ConnectionHandler) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", h.target)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to target: %w", err)
	}
	if h.tlsConfig == nil {
		return conn, nil
	}

	config := h.tlsConfig
	if config.ServerName == "" {
		config = config.Clone()
		config.ServerName, _, _ = net.SplitHostPort(h.target)
	}
	tlsConn := tls.Client(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake with %s failed: %w", h.target, err)
	}
	return tlsConn, nil
}

// Written returns the number of bytes handed to the connection so far.
func (h *ConnectionHandler) Written() int64 {
	return h.written.Load()
}

// Close stops Run. It is safe to call more than once.
func (h *ConnectionHandler) Close() error {
	h.closeOnce.Do(func() { close(h.done) })
	return nil
}
