package transport

import (
	"context"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/cluctl/internal/logging"
)

// maxDatagram is the largest UDP payload over IPv4
const maxDatagram = 65507

// Acceptor inspects one received datagram. It performs source checks,
// decryption, structural matching and correlation, and reports whether
// the datagram is the awaited response.
type Acceptor[T any] func(data []byte, from netip.AddrPort) (T, bool)

// Conn is an exclusively owned datagram socket
type Conn struct {
	pc  net.PacketConn
	log *zap.Logger
}

// Listen opens a Conn on network bound to local
func Listen(ctx context.Context, network Network, local netip.AddrPort) (*Conn, error) {
	pc, err := network.ListenPacket(ctx, local)
	if err != nil {
		return nil, Classify(err, "listen", local)
	}
	return NewConn(pc), nil
}

// NewConn takes ownership of pc
func NewConn(pc net.PacketConn) *Conn {
	c := &Conn{pc: pc, log: logging.Named("transport")}
	c.log = c.log.With(zap.Stringer("local", c.LocalAddr()))
	return c
}

// LocalAddr returns the bound address
func (c *Conn) LocalAddr() netip.AddrPort {
	return addrPort(c.pc.LocalAddr())
}

// Send transmits one datagram
func (c *Conn) Send(to netip.AddrPort, payload []byte) error {
	logging.LogDatagram("send", to, payload)
	if _, err := c.pc.WriteTo(payload, net.UDPAddrFromAddrPort(to)); err != nil {
		return Classify(err, "send", to)
	}
	return nil
}

// Close releases the socket
func (c *Conn) Close() error {
	return c.pc.Close()
}

// receive reads one datagram before deadline. Context cancellation
// interrupts the read and is returned as the context's error.
func (c *Conn) receive(ctx context.Context, buf []byte, deadline time.Time) ([]byte, netip.AddrPort, error) {
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.pc.SetReadDeadline(deadline); err != nil {
		return nil, netip.AddrPort{}, Classify(err, "receive", netip.AddrPort{})
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.pc.SetReadDeadline(time.Now())
	})
	n, addr, err := c.pc.ReadFrom(buf)
	stop()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, netip.AddrPort{}, ctxErr
		}
		return nil, netip.AddrPort{}, Classify(err, "receive", netip.AddrPort{})
	}

	from := addrPort(addr)
	data := append([]byte(nil), buf[:n]...)
	logging.LogDatagram("recv", from, data)
	return data, from, nil
}

// Exchange sends payload to the peer once and waits up to timeout for a
// datagram that accept recognises. It returns ok == false with a nil error
// when the deadline passes without a match.
func Exchange[T any](ctx context.Context, c *Conn, to netip.AddrPort, payload []byte, timeout time.Duration, accept Acceptor[T]) (T, bool, error) {
	var zero T
	deadline := time.Now().Add(timeout)

	if err := c.Send(to, payload); err != nil {
		return zero, false, err
	}
	c.log.Debug("request sent", zap.Stringer("peer", to), zap.Duration("timeout", timeout))

	buf := make([]byte, maxDatagram)
	discarded := 0
	for {
		data, from, err := c.receive(ctx, buf, deadline)
		if err != nil {
			if IsTimeout(err) {
				c.log.Debug("request timed out",
					zap.Stringer("peer", to),
					zap.Int("discarded", discarded))
				return zero, false, nil
			}
			return zero, false, err
		}

		if v, ok := accept(data, from); ok {
			c.log.Debug("response matched", zap.Stringer("peer", from))
			return v, true, nil
		}
		discarded++
	}
}

// Collect sends payload once (typically to a broadcast address) and gathers
// accepted replies from any source until limit distinct keys are seen or
// window elapses. A limit of zero or less collects for the whole window.
func Collect[T any, K comparable](ctx context.Context, c *Conn, to netip.AddrPort, payload []byte, window time.Duration, limit int, accept Acceptor[T], key func(T) K) ([]T, error) {
	deadline := time.Now().Add(window)

	if err := c.Send(to, payload); err != nil {
		return nil, err
	}

	seen := make(map[K]bool)
	var out []T
	buf := make([]byte, maxDatagram)
	for limit <= 0 || len(out) < limit {
		data, from, err := c.receive(ctx, buf, deadline)
		if err != nil {
			if IsTimeout(err) {
				break
			}
			return out, err
		}
		v, ok := accept(data, from)
		if !ok {
			continue
		}
		k := key(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}

	c.log.Debug("collection finished", zap.Int("replies", len(out)), zap.Int("limit", limit))
	return out, nil
}

func addrPort(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	case nil:
		return netip.AddrPort{}
	default:
		ap, _ := netip.ParseAddrPort(addr.String())
		return ap
	}
}
