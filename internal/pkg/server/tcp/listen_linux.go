//go:build linux

package tcp

import (
	"context"
	"fmt"
	"net"
	"os"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// listenBacklog creates the listening socket by hand so that the backlog
// reaches listen(2); net.Listen always uses the kernel's somaxconn.
func listenBacklog(ctx context.Context, cfg ListenConfig) (net.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.address())
	if err != nil {
		return nil, err
	}

	family, sa, err := sockaddr(addr)
	if err != nil {
		return nil, err
	}

	fd, err := socket(family)
	if err == unix.EAFNOSUPPORT && addr.IP == nil {
		// No IPv6 on this host: fall back to the IPv4 wildcard.
		family, sa = unix.AF_INET, &unix.SockaddrInet4{Port: addr.Port}
		fd, err = socket(family)
	}
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}

	if err := setupSocket(fd, family, sa, cfg.Backlog); err != nil {
		return nil, multierr.Append(err, os.NewSyscallError("close", unix.Close(fd)))
	}

	// FileListener dups the descriptor, so the original is always closed here.
	f := os.NewFile(uintptr(fd), "tcp:"+cfg.address())
	defer f.Close()

	l, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("wrapping socket: %w", err)
	}
	return l, nil
}

func socket(family int) (int, error) {
	return unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
}

func setupSocket(fd, family int, sa unix.Sockaddr, backlog int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	if family == unix.AF_INET6 {
		// Accept IPv4 as well when bound to the IPv6 wildcard.
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			return os.NewSyscallError("setsockopt", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		return os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return os.NewSyscallError("listen", err)
	}
	return nil
}

func sockaddr(addr *net.TCPAddr) (int, unix.Sockaddr, error) {
	if addr.IP == nil || addr.IP.IsUnspecified() && addr.IP.To4() == nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		return unix.AF_INET6, sa, nil
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa, nil
	}
	ip6 := addr.IP.To16()
	if ip6 == nil {
		return 0, nil, fmt.Errorf("unsupported address %s", addr.IP)
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], ip6)
	if addr.Zone != "" {
		ifi, err := net.InterfaceByName(addr.Zone)
		if err != nil {
			return 0, nil, err
		}
		sa.ZoneId = uint32(ifi.Index)
	}
	return unix.AF_INET6, sa, nil
}
