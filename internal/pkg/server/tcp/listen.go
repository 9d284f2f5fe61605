package tcp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ListenConfig describes the listening socket.
type ListenConfig struct {
	Host string
	// Port 0 asks the kernel for an ephemeral port.
	Port int
	// Backlog is the pending connection queue length; 0 keeps the platform default.
	Backlog int
	// KeepAlive is applied to every accepted connection.
	KeepAlive bool
}

func (c ListenConfig) address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Listen binds the socket described by cfg. Failures are always *BindError.
func Listen(ctx context.Context, cfg ListenConfig, opts ...Option) (*Server, error) {
	addr := cfg.address()
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, &BindError{Addr: addr, Err: fmt.Errorf("invalid port %d", cfg.Port)}
	}
	if cfg.Backlog < 0 {
		return nil, &BindError{Addr: addr, Err: fmt.Errorf("invalid backlog %d", cfg.Backlog)}
	}

	var (
		l   net.Listener
		err error
	)
	if cfg.Backlog > 0 {
		l, err = listenBacklog(ctx, cfg)
	} else {
		l, err = listenDefault(ctx, cfg)
	}
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}

	return NewServer(l, cfg, opts...), nil
}

func listenDefault(ctx context.Context, cfg ListenConfig) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: keepAlivePeriod(cfg.KeepAlive)}
	return lc.Listen(ctx, "tcp", cfg.address())
}

// keepAlivePeriod converts the keep-alive switch into net.ListenConfig terms:
// zero selects the default period, negative disables it.
func keepAlivePeriod(enabled bool) time.Duration {
	if enabled {
		return 0
	}
	return -1
}
