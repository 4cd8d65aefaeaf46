// Package memnet is an in-memory IPv4 datagram network.
//
// It stands in for a local broadcast segment in tests and in the device
// emulator: endpoints bind to addr:port pairs, unicast datagrams are
// delivered to the matching endpoint, and datagrams sent to the segment's
// broadcast address reach every endpoint listening on that port. Addresses
// with a bound endpoint, plus any registered with AddHost, answer Probe.
package memnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"
)

const (
	firstEphemeralPort = 40000
	queueDepth         = 256
)

var (
	// ErrAddrInUse is returned when binding an occupied addr:port
	ErrAddrInUse = errors.New("address already in use")

	// ErrOutsideSegment is returned when binding outside the network prefix
	ErrOutsideSegment = errors.New("address outside network segment")
)

// LossFunc decides whether a datagram is dropped in flight
type LossFunc func(from, to netip.AddrPort, data []byte) bool

// Network is one broadcast segment
type Network struct {
	prefix netip.Prefix

	mu        sync.Mutex
	endpoints map[netip.AddrPort]*PacketConn
	hosts     map[netip.Addr]int
	nextPort  uint16
	loss      LossFunc
}

// New creates a segment covering prefix
func New(prefix netip.Prefix) *Network {
	return &Network{
		prefix:    prefix.Masked(),
		endpoints: make(map[netip.AddrPort]*PacketConn),
		hosts:     make(map[netip.Addr]int),
		nextPort:  firstEphemeralPort,
	}
}

// Prefix returns the segment prefix
func (n *Network) Prefix() netip.Prefix {
	return n.prefix
}

// Broadcast returns the directed broadcast address of the segment
func (n *Network) Broadcast() netip.Addr {
	b := n.prefix.Addr().As4()
	hostBits := 32 - n.prefix.Bits()
	for i := 0; i < hostBits; i++ {
		b[3-i/8] |= 1 << (i % 8)
	}
	return netip.AddrFrom4(b)
}

// SetLoss installs a drop policy. nil delivers everything.
func (n *Network) SetLoss(fn LossFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loss = fn
}

// AddHost makes ip answer Probe without binding a socket
func (n *Network) AddHost(ip netip.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hosts[ip]++
}

// RemoveHost undoes one AddHost
func (n *Network) RemoveHost(ip netip.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.release(ip)
}

// ListenPacket binds an endpoint. A zero port picks a free ephemeral one.
func (n *Network) ListenPacket(_ context.Context, local netip.AddrPort) (net.PacketConn, error) {
	return n.Listen(local)
}

// Listen is ListenPacket returning the concrete type
func (n *Network) Listen(local netip.AddrPort) (*PacketConn, error) {
	ip := local.Addr().Unmap()
	if !ip.IsValid() {
		ip = netip.IPv4Unspecified()
	}
	if !ip.IsUnspecified() && !n.prefix.Contains(ip) {
		return nil, fmt.Errorf("listen %s: %w", local, ErrOutsideSegment)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	port := local.Port()
	if port == 0 {
		var err error
		if port, err = n.freePort(ip); err != nil {
			return nil, err
		}
	}
	addr := netip.AddrPortFrom(ip, port)
	if _, busy := n.endpoints[addr]; busy {
		return nil, fmt.Errorf("listen %s: %w", addr, ErrAddrInUse)
	}

	c := &PacketConn{
		network: n,
		addr:    addr,
		queue:   make(chan datagram, queueDepth),
		closed:  make(chan struct{}),
		wake:    make(chan struct{}),
	}
	n.endpoints[addr] = c
	if !ip.IsUnspecified() {
		n.hosts[ip]++
	}
	return c, nil
}

// Probe reports whether ip is present on the segment
func (n *Network) Probe(ctx context.Context, ip netip.Addr, _ time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hosts[ip.Unmap()] > 0, nil
}

// freePort must be called with n.mu held
func (n *Network) freePort(ip netip.Addr) (uint16, error) {
	for i := 0; i < 65536-firstEphemeralPort; i++ {
		port := n.nextPort
		n.nextPort++
		if n.nextPort == 0 {
			n.nextPort = firstEphemeralPort
		}
		if _, busy := n.endpoints[netip.AddrPortFrom(ip, port)]; !busy {
			return port, nil
		}
	}
	return 0, fmt.Errorf("listen %s: %w", ip, ErrAddrInUse)
}

// release must be called with n.mu held
func (n *Network) release(ip netip.Addr) {
	if n.hosts[ip] <= 1 {
		delete(n.hosts, ip)
		return
	}
	n.hosts[ip]--
}

func (n *Network) deliver(from, to netip.AddrPort, data []byte) {
	n.mu.Lock()
	loss := n.loss
	var targets []*PacketConn
	if to.Addr() == n.Broadcast() || to.Addr() == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		for addr, c := range n.endpoints {
			if addr.Port() == to.Port() && addr != from {
				targets = append(targets, c)
			}
		}
	} else if c, ok := n.endpoints[to]; ok {
		targets = append(targets, c)
	} else if c, ok := n.endpoints[netip.AddrPortFrom(netip.IPv4Unspecified(), to.Port())]; ok {
		targets = append(targets, c)
	}
	n.mu.Unlock()

	for _, c := range targets {
		if loss != nil && loss(from, c.LocalAddrPort(), data) {
			continue
		}
		c.enqueue(datagram{from: from, data: append([]byte(nil), data...)})
	}
}

func (n *Network) unbind(c *PacketConn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[c.addr] == c {
		delete(n.endpoints, c.addr)
		if !c.addr.Addr().IsUnspecified() {
			n.release(c.addr.Addr())
		}
	}
}

func (n *Network) rebind(c *PacketConn, ip netip.Addr) error {
	if !n.prefix.Contains(ip) {
		return fmt.Errorf("rebind %s: %w", ip, ErrOutsideSegment)
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	next := netip.AddrPortFrom(ip, c.addr.Port())
	if next == c.addr {
		return nil
	}
	if _, busy := n.endpoints[next]; busy {
		return fmt.Errorf("rebind %s: %w", next, ErrAddrInUse)
	}
	delete(n.endpoints, c.addr)
	if !c.addr.Addr().IsUnspecified() {
		n.release(c.addr.Addr())
	}
	c.addr = next
	n.endpoints[next] = c
	n.hosts[ip]++
	return nil
}
