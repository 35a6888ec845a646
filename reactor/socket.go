// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Socket construction helpers: listen, accept preparation and non-blocking connect.

package reactor

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

const listenBacklog = 1024

func prepareSocket(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("set nonblock: %w", err)
	}
	unix.CloseOnExec(fd)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return nil
}

func socketFamily(a netip.Addr) int {
	if a.Is4() || a.Is4In6() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func addrPortToSockaddr(ap netip.AddrPort) unix.Sockaddr {
	a := ap.Addr()
	if a.Is4() || a.Is4In6() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: a.Unmap().As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: a.As16()}
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port))
	}
	return netip.AddrPort{}
}

// Listen opens a non-blocking listening channel bound to addr.
func Listen(addr netip.AddrPort) (*Channel, error) {
	fd, err := unix.Socket(socketFamily(addr.Addr()), unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, addrPortToSockaddr(addr)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	unix.CloseOnExec(fd)
	return newChannel(fd, true), nil
}

// Connect starts a non-blocking connect to addr, optionally binding the local
// side to bind first. connected is true when the connect finished at once;
// otherwise the caller waits for connect readiness and calls FinishConnect.
func Connect(addr netip.AddrPort, bind netip.Addr) (ch *Channel, connected bool, err error) {
	fd, err := unix.Socket(socketFamily(addr.Addr()), unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, false, fmt.Errorf("socket: %w", err)
	}
	if err := prepareSocket(fd); err != nil {
		_ = unix.Close(fd)
		return nil, false, err
	}
	if bind.IsValid() {
		if err := unix.Bind(fd, addrPortToSockaddr(netip.AddrPortFrom(bind, 0))); err != nil {
			_ = unix.Close(fd)
			return nil, false, fmt.Errorf("bind %s: %w", bind, err)
		}
	}
	for {
		err = unix.Connect(fd, addrPortToSockaddr(addr))
		switch {
		case err == nil:
			return newChannel(fd, false), true, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EINPROGRESS):
			return newChannel(fd, false), false, nil
		default:
			_ = unix.Close(fd)
			return nil, false, fmt.Errorf("connect %s: %w", addr, err)
		}
	}
}

// Pair returns two connected non-blocking stream channels. It is used by
// tests and by in-process plumbing.
func Pair() (*Channel, *Channel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, nil, fmt.Errorf("set nonblock: %w", err)
		}
		unix.CloseOnExec(fd)
	}
	return newChannel(fds[0], false), newChannel(fds[1], false), nil
}
