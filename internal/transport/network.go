package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
)

// DefaultPort is the CLU command port
const DefaultPort = 1234

// Network opens datagram sockets. UDPNetwork is the real implementation;
// tests use memnet.
type Network interface {
	ListenPacket(ctx context.Context, local netip.AddrPort) (net.PacketConn, error)
}

// UDPNetwork opens IPv4 UDP sockets on the host
type UDPNetwork struct {
	// TTL sets the unicast hop limit when non-zero
	TTL int
}

// ListenPacket binds an IPv4 UDP socket. An invalid or unspecified local
// address binds all interfaces.
func (n UDPNetwork) ListenPacket(ctx context.Context, local netip.AddrPort) (net.PacketConn, error) {
	bind := local
	if !bind.Addr().IsValid() {
		bind = netip.AddrPortFrom(netip.IPv4Unspecified(), local.Port())
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", bind.String())
	if err != nil {
		return nil, Classify(err, "listen", bind)
	}

	if n.TTL > 0 {
		if err := ipv4.NewPacketConn(pc).SetTTL(n.TTL); err != nil {
			pc.Close()
			return nil, Classify(fmt.Errorf("set ttl %d: %w", n.TTL, err), "listen", bind)
		}
	}
	return pc, nil
}

// OutboundIP returns the local address the host would use to reach remote.
// No datagram is sent. It returns the unspecified address when the route
// lookup fails.
func OutboundIP(remote netip.Addr) netip.Addr {
	conn, err := net.Dial("udp4", netip.AddrPortFrom(remote, DefaultPort).String())
	if err != nil {
		return netip.IPv4Unspecified()
	}
	defer conn.Close()
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		if ip, ok := netip.AddrFromSlice(ua.IP); ok {
			return ip.Unmap()
		}
	}
	return netip.IPv4Unspecified()
}
