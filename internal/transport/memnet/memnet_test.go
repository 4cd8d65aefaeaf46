package memnet

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSegment() *Network {
	return New(netip.MustParsePrefix("192.168.1.0/24"))
}

func ap(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func read(t *testing.T, c *PacketConn, within time.Duration) (string, netip.AddrPort) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(within)))
	buf := make([]byte, 1500)
	n, from, err := c.ReadFrom(buf)
	require.NoError(t, err)
	return string(buf[:n]), from.(*net.UDPAddr).AddrPort()
}

func TestBroadcastAddress(t *testing.T) {
	assert.Equal(t, netip.MustParseAddr("192.168.1.255"), newSegment().Broadcast())
	assert.Equal(t, netip.MustParseAddr("10.0.255.255"), New(netip.MustParsePrefix("10.0.3.4/16")).Broadcast())
}

func TestUnicastDelivery(t *testing.T) {
	n := newSegment()
	a, err := n.Listen(ap("192.168.1.10:0"))
	require.NoError(t, err)
	b, err := n.Listen(ap("192.168.1.20:1234"))
	require.NoError(t, err)

	_, err = a.WriteTo([]byte("hello"), net.UDPAddrFromAddrPort(ap("192.168.1.20:1234")))
	require.NoError(t, err)

	data, from := read(t, b, time.Second)
	assert.Equal(t, "hello", data)
	assert.Equal(t, a.LocalAddrPort(), from)
	assert.GreaterOrEqual(t, int(from.Port()), firstEphemeralPort)
}

func TestBroadcastReachesEveryListenerButSender(t *testing.T) {
	n := newSegment()
	sender, err := n.Listen(ap("192.168.1.10:1234"))
	require.NoError(t, err)
	d1, err := n.Listen(ap("192.168.1.21:1234"))
	require.NoError(t, err)
	d2, err := n.Listen(ap("192.168.1.22:1234"))
	require.NoError(t, err)
	other, err := n.Listen(ap("192.168.1.23:999"))
	require.NoError(t, err)

	_, err = sender.WriteTo([]byte("who"), net.UDPAddrFromAddrPort(netip.AddrPortFrom(n.Broadcast(), 1234)))
	require.NoError(t, err)

	for _, c := range []*PacketConn{d1, d2} {
		data, _ := read(t, c, time.Second)
		assert.Equal(t, "who", data)
	}

	require.NoError(t, other.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, _, err = other.ReadFrom(make([]byte, 16))
	assert.True(t, errors.Is(err, os.ErrDeadlineExceeded))

	require.NoError(t, sender.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, _, err = sender.ReadFrom(make([]byte, 16))
	assert.True(t, errors.Is(err, os.ErrDeadlineExceeded))
}

func TestReadDeadlineIsATimeout(t *testing.T) {
	c, err := newSegment().Listen(ap("192.168.1.10:0"))
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(10*time.Millisecond)))

	_, _, err = c.ReadFrom(make([]byte, 8))
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout())
}

func TestDeadlineChangeWakesReader(t *testing.T) {
	c, err := newSegment().Listen(ap("192.168.1.10:0"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := c.ReadFrom(make([]byte, 8))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.SetReadDeadline(time.Now()))

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, os.ErrDeadlineExceeded))
	case <-time.After(time.Second):
		t.Fatal("reader not woken by deadline change")
	}
}

func TestCloseUnblocksReaderAndFreesAddress(t *testing.T) {
	n := newSegment()
	c, err := n.Listen(ap("192.168.1.10:1234"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := c.ReadFrom(make([]byte, 8))
		done <- err
	}()
	require.NoError(t, c.Close())
	assert.True(t, errors.Is(<-done, net.ErrClosed))
	assert.Error(t, c.Close())

	_, err = n.Listen(ap("192.168.1.10:1234"))
	assert.NoError(t, err)
}

func TestListenRejectsBusyAndForeignAddresses(t *testing.T) {
	n := newSegment()
	_, err := n.Listen(ap("192.168.1.10:1234"))
	require.NoError(t, err)

	_, err = n.Listen(ap("192.168.1.10:1234"))
	assert.ErrorIs(t, err, ErrAddrInUse)

	_, err = n.Listen(ap("10.0.0.1:1234"))
	assert.ErrorIs(t, err, ErrOutsideSegment)
}

func TestRebindMovesEndpointAndProbe(t *testing.T) {
	n := newSegment()
	ctx := context.Background()
	dev, err := n.Listen(ap("192.168.1.50:1234"))
	require.NoError(t, err)
	client, err := n.Listen(ap("192.168.1.10:0"))
	require.NoError(t, err)

	up, _ := n.Probe(ctx, netip.MustParseAddr("192.168.1.50"), time.Second)
	assert.True(t, up)

	require.NoError(t, dev.Rebind(netip.MustParseAddr("192.168.1.60")))

	up, _ = n.Probe(ctx, netip.MustParseAddr("192.168.1.50"), time.Second)
	assert.False(t, up)
	up, _ = n.Probe(ctx, netip.MustParseAddr("192.168.1.60"), time.Second)
	assert.True(t, up)

	_, err = client.WriteTo([]byte("x"), net.UDPAddrFromAddrPort(ap("192.168.1.60:1234")))
	require.NoError(t, err)
	data, _ := read(t, dev, time.Second)
	assert.Equal(t, "x", data)
}

func TestHostsAnswerProbe(t *testing.T) {
	n := newSegment()
	ip := netip.MustParseAddr("192.168.1.77")
	n.AddHost(ip)
	up, err := n.Probe(context.Background(), ip, time.Second)
	require.NoError(t, err)
	assert.True(t, up)

	n.RemoveHost(ip)
	up, _ = n.Probe(context.Background(), ip, time.Second)
	assert.False(t, up)
}

func TestLossPolicyDropsDatagrams(t *testing.T) {
	n := newSegment()
	a, err := n.Listen(ap("192.168.1.10:0"))
	require.NoError(t, err)
	b, err := n.Listen(ap("192.168.1.20:1234"))
	require.NoError(t, err)

	n.SetLoss(func(_, _ netip.AddrPort, data []byte) bool { return string(data) == "drop" })

	for _, msg := range []string{"drop", "keep"} {
		_, err = a.WriteTo([]byte(msg), b.LocalAddr())
		require.NoError(t, err)
	}
	data, _ := read(t, b, time.Second)
	assert.Equal(t, "keep", data)
}
