package transport

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/muurk/cluctl/internal/logging"
)

// protocolICMP is the IANA protocol number used by icmp.ParseMessage
const protocolICMP = 1

// Prober checks whether an address is occupied
type Prober interface {
	Probe(ctx context.Context, ip netip.Addr, timeout time.Duration) (bool, error)
}

// ICMPProber sends one ICMP echo request per probe. It prefers the
// unprivileged datagram socket and falls back to a raw socket.
type ICMPProber struct {
	// LocalIP restricts the source address; zero means any
	LocalIP netip.Addr

	seq atomic.Uint32
}

// Probe returns true when ip answers an echo request within timeout
func (p *ICMPProber) Probe(ctx context.Context, ip netip.Addr, timeout time.Duration) (bool, error) {
	log := logging.Named("icmp").With(zap.Stringer("target", ip))

	conn, privileged, err := p.listen()
	if err != nil {
		return false, Classify(err, "probe", netip.AddrPortFrom(ip, 0))
	}
	defer conn.Close()

	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: 0x434c, Seq: seq, Data: []byte("cluctl-probe")},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return false, err
	}

	var dst net.Addr = &net.UDPAddr{IP: ip.AsSlice()}
	if privileged {
		dst = &net.IPAddr{IP: ip.AsSlice()}
	}
	if _, err := conn.WriteTo(wire, dst); err != nil {
		err = Classify(err, "probe", netip.AddrPortFrom(ip, 0))
		if IsRetryable(err) {
			log.Debug("echo not sent", zap.Error(err))
			return false, nil
		}
		return false, err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return false, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if IsTimeout(err) {
				log.Debug("no echo reply")
				return false, nil
			}
			return false, Classify(err, "probe", netip.AddrPortFrom(ip, 0))
		}
		if peerIP(from) != ip.Unmap() {
			continue
		}
		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		if echo, ok := reply.Body.(*icmp.Echo); ok && echo.Seq == seq {
			log.Debug("echo reply")
			return true, nil
		}
	}
}

func (p *ICMPProber) listen() (*icmp.PacketConn, bool, error) {
	addr := "0.0.0.0"
	if p.LocalIP.IsValid() {
		addr = p.LocalIP.String()
	}
	conn, err := icmp.ListenPacket("udp4", addr)
	if err == nil {
		return conn, false, nil
	}
	raw, rawErr := icmp.ListenPacket("ip4:icmp", addr)
	if rawErr != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func peerIP(addr net.Addr) netip.Addr {
	var ip net.IP
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		return netip.Addr{}
	}
	parsed, _ := netip.AddrFromSlice(ip)
	return parsed.Unmap()
}
