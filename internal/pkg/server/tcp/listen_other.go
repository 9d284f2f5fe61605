//go:build !linux

package tcp

import (
	"context"
	"net"
)

// listenBacklog falls back to the platform default backlog.
func listenBacklog(ctx context.Context, cfg ListenConfig) (net.Listener, error) {
	return listenDefault(ctx, cfg)
}
