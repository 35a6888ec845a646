// Author: momentics <momentics@gmail.com>

package backend

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-proxy/reactor"
)

// Address is a resolved destination and the pooling key.
type Address struct {
	IP   netip.Addr
	Port uint16
}

// AddressFrom converts ap into an Address.
func AddressFrom(ap netip.AddrPort) Address {
	return Address{IP: ap.Addr().Unmap(), Port: ap.Port()}
}

// AddrPort returns the socket address.
func (a Address) AddrPort() netip.AddrPort { return netip.AddrPortFrom(a.IP, a.Port) }

// IsValid reports whether the address carries an IP.
func (a Address) IsValid() bool { return a.IP.IsValid() }

func (a Address) String() string { return a.AddrPort().String() }

var connSeq atomic.Uint64

// Conn is one outbound socket. Its keep-alive flag starts true and can only
// be cleared.
type Conn struct {
	id         uint64
	addr       Address
	ch         *reactor.Channel
	noKeep     atomic.Bool
	uses       atomic.Int32
	releasedAt atomic.Int64
}

func newConn(addr Address, ch *reactor.Channel) *Conn {
	return &Conn{id: connSeq.Add(1), addr: addr, ch: ch}
}

// ID returns a process-unique id.
func (c *Conn) ID() uint64 { return c.id }

// Address returns the destination.
func (c *Conn) Address() Address { return c.addr }

// Channel returns the socket.
func (c *Conn) Channel() *reactor.Channel { return c.ch }

// KeepAlive reports whether the socket may be pooled after use.
func (c *Conn) KeepAlive() bool { return !c.noKeep.Load() }

// DisableKeepAlive marks the socket for closing on release. There is no way
// back.
func (c *Conn) DisableKeepAlive() { c.noKeep.Store(true) }

// Reused reports whether the socket served an earlier exchange.
func (c *Conn) Reused() bool { return c.uses.Load() > 1 }

// ReleasedAt returns the time of the last release to the pool.
func (c *Conn) ReleasedAt() time.Time {
	ns := c.releasedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// IsClosed reports whether the socket is closed.
func (c *Conn) IsClosed() bool { return c.ch.IsClosed() }

func (c *Conn) String() string {
	return fmt.Sprintf("backend#%d(%s)", c.id, c.addr)
}
