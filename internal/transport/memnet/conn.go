package memnet

import (
	"net"
	"net/netip"
	"os"
	"sync"
	"time"
)

type datagram struct {
	from netip.AddrPort
	data []byte
}

// PacketConn is an endpoint on a Network. It implements net.PacketConn.
type PacketConn struct {
	network *Network

	// addr is guarded by network.mu
	addr netip.AddrPort

	queue     chan datagram
	closed    chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	readDeadline time.Time
	wake         chan struct{}
}

// ReadFrom blocks until a datagram arrives, the read deadline passes, or
// the endpoint is closed
func (c *PacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		c.mu.Lock()
		deadline, wake := c.readDeadline, c.wake
		c.mu.Unlock()

		select {
		case <-c.closed:
			return 0, nil, c.opError("read", net.ErrClosed)
		default:
		}

		var timer *time.Timer
		var expired <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, nil, c.opError("read", os.ErrDeadlineExceeded)
			}
			timer = time.NewTimer(d)
			expired = timer.C
		}

		var (
			dg  datagram
			got bool
			err error
		)
		select {
		case dg = <-c.queue:
			got = true
		case <-c.closed:
			err = c.opError("read", net.ErrClosed)
		case <-expired:
			err = c.opError("read", os.ErrDeadlineExceeded)
		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}

		if err != nil {
			return 0, nil, err
		}
		if got {
			n := copy(p, dg.data)
			return n, net.UDPAddrFromAddrPort(dg.from), nil
		}
	}
}

// WriteTo sends p to addr, which must be a *net.UDPAddr
func (c *PacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, c.opError("write", net.ErrClosed)
	default:
	}
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, c.opError("write", net.InvalidAddrError("not a UDP address"))
	}
	to := ua.AddrPort()
	to = netip.AddrPortFrom(to.Addr().Unmap(), to.Port())
	c.network.deliver(c.LocalAddrPort(), to, p)
	return len(p), nil
}

// Close unbinds the endpoint and unblocks readers
func (c *PacketConn) Close() error {
	err := c.opError("close", net.ErrClosed)
	c.closeOnce.Do(func() {
		close(c.closed)
		c.network.unbind(c)
		err = nil
	})
	return err
}

// LocalAddr returns the bound address as *net.UDPAddr
func (c *PacketConn) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(c.LocalAddrPort())
}

// LocalAddrPort returns the bound address
func (c *PacketConn) LocalAddrPort() netip.AddrPort {
	c.network.mu.Lock()
	defer c.network.mu.Unlock()
	return c.addr
}

// Rebind moves the endpoint to ip, keeping its port. Queued datagrams are
// kept.
func (c *PacketConn) Rebind(ip netip.Addr) error {
	return c.network.rebind(c, ip.Unmap())
}

func (c *PacketConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *PacketConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	close(c.wake)
	c.wake = make(chan struct{})
	return nil
}

// SetWriteDeadline is a no-op; writes never block
func (c *PacketConn) SetWriteDeadline(time.Time) error {
	return nil
}

func (c *PacketConn) enqueue(dg datagram) {
	select {
	case <-c.closed:
	case c.queue <- dg:
	default:
		// full queue drops, like a socket buffer
	}
}

func (c *PacketConn) opError(op string, err error) error {
	return &net.OpError{Op: op, Net: "udp", Addr: c.LocalAddr(), Err: err}
}
