// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package reactor

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-proxy/api"
)

// ErrClosed is returned by I/O on a closed channel.
var ErrClosed = api.ErrChannelClosed

var channelSeq atomic.Uint64

// Channel is a non-blocking socket. Read and Write never block: when the
// socket is not ready they return zero bytes and a nil error, and the caller
// must wait for readiness through a Core.
type Channel struct {
	id     uint64
	fd     int
	closed atomic.Bool
	listen bool
}

func newChannel(fd int, listen bool) *Channel {
	return &Channel{id: channelSeq.Add(1), fd: fd, listen: listen}
}

// ID returns a process-unique channel id.
func (c *Channel) ID() uint64 { return c.id }

// FD returns the underlying descriptor.
func (c *Channel) FD() int { return c.fd }

// IsClosed reports whether Close has been called.
func (c *Channel) IsClosed() bool { return c.closed.Load() }

// String implements fmt.Stringer for log fields.
func (c *Channel) String() string {
	return fmt.Sprintf("channel#%d(fd=%d)", c.id, c.fd)
}

// Read reads into p. It returns (0, nil) when no data is available and
// (0, io.EOF) once the peer has closed its side.
func (c *Channel) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == nil && n == 0:
			return 0, io.EOF
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		default:
			return 0, fmt.Errorf("read %s: %w", c, err)
		}
	}
}

// Write writes as much of p as the socket accepts without blocking.
func (c *Channel) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	total := 0
	for total < len(p) {
		n, err := unix.Write(c.fd, p[total:])
		switch {
		case err == nil:
			total += n
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return total, nil
		default:
			return total, fmt.Errorf("write %s: %w", c, err)
		}
	}
	return total, nil
}

// Accept accepts one pending connection. It returns (nil, nil) when the
// backlog is empty.
func (c *Channel) Accept() (*Channel, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	for {
		nfd, _, err := unix.Accept(c.fd)
		switch {
		case err == nil:
			if err := prepareSocket(nfd); err != nil {
				_ = unix.Close(nfd)
				return nil, err
			}
			return newChannel(nfd, false), nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil, nil
		default:
			return nil, fmt.Errorf("accept %s: %w", c, err)
		}
	}
}

// FinishConnect reports the outcome of a non-blocking connect once the
// channel became connectable.
func (c *Channel) FinishConnect() error {
	if c.closed.Load() {
		return ErrClosed
	}
	soErr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt %s: %w", c, err)
	}
	if soErr != 0 {
		return fmt.Errorf("connect %s: %w", c, unix.Errno(soErr))
	}
	return nil
}

// LocalAddr returns the bound local address.
func (c *Channel) LocalAddr() netip.AddrPort {
	sa, err := unix.Getsockname(c.fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return sockaddrToAddrPort(sa)
}

// RemoteAddr returns the peer address.
func (c *Channel) RemoteAddr() netip.AddrPort {
	sa, err := unix.Getpeername(c.fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return sockaddrToAddrPort(sa)
}

// Close closes the descriptor. It is idempotent. Channels registered with a
// Core must be closed through the Scheduler so pending handlers are told.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(c.fd)
}

// Alive peeks at the socket without consuming data. It reports false once the
// peer has sent EOF, has pending bytes, or the socket failed. It is used on
// idle sockets where any inbound byte means the stream is out of sync.
func (c *Channel) Alive() bool {
	if c.closed.Load() {
		return false
	}
	var b [1]byte
	for {
		_, _, err := unix.Recvfrom(c.fd, b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case err == nil: // EOF or unsolicited bytes
			return false
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return true
		default:
			return false
		}
	}
}

// CloseWrite shuts down the sending side, signalling EOF to the peer.
func (c *Channel) CloseWrite() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return unix.Shutdown(c.fd, unix.SHUT_WR)
}
