package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/cluctl/internal/cipherkey"
	"github.com/muurk/cluctl/internal/logging"
	"github.com/muurk/cluctl/internal/protocol"
	"github.com/muurk/cluctl/internal/transport"
)

// DefaultScanTimeout is the default discovery window
const DefaultScanTimeout = 3 * time.Second

// ErrNotFound is returned by WaitForDevice when the serial did not answer
var ErrNotFound = errors.New("device not found")

// LimitedBroadcast is 255.255.255.255
var LimitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// Scanner broadcasts discovery challenges
type Scanner struct {
	// Network opens the broadcast socket; the host UDP stack when nil
	Network transport.Network

	// Broadcast is the destination address; LimitedBroadcast when zero
	Broadcast netip.Addr

	// Port is the CLU command port; transport.DefaultPort when zero
	Port uint16

	// LocalIP is the caller address announced in the challenge
	LocalIP netip.Addr

	// Timeout is the discovery window
	Timeout time.Duration

	// Limit stops the scan after this many devices; zero means no limit
	Limit int

	// KnownKeys maps serial numbers to private keys on file
	KnownKeys map[uint64][]byte
}

// NewScanner creates a scanner with default settings
func NewScanner() *Scanner {
	return &Scanner{Timeout: DefaultScanTimeout}
}

// Scan broadcasts one challenge and returns every distinct device that
// answered within the window, classified against KnownKeys.
func (s *Scanner) Scan(ctx context.Context) ([]*Device, error) {
	return s.scan(ctx, s.Limit, func(*protocol.DiscoverResponse) bool { return true })
}

// WaitForDevice scans until the device with serial answers
func (s *Scanner) WaitForDevice(ctx context.Context, serial uint64) (*Device, error) {
	devices, err := s.scan(ctx, 1, func(r *protocol.DiscoverResponse) bool { return r.Serial == serial })
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%s: %w", protocol.FormatSerial(serial), ErrNotFound)
	}
	return devices[0], nil
}

type reply struct {
	resp *protocol.DiscoverResponse
	from netip.AddrPort
	at   time.Time
}

func (s *Scanner) scan(ctx context.Context, limit int, want func(*protocol.DiscoverResponse) bool) ([]*Device, error) {
	log := logging.Named("discovery")

	network := s.Network
	if network == nil {
		network = transport.UDPNetwork{}
	}
	port := s.Port
	if port == 0 {
		port = transport.DefaultPort
	}
	bcast := s.Broadcast
	if !bcast.IsValid() {
		bcast = LimitedBroadcast
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}

	conn, err := transport.Listen(ctx, network, netip.AddrPortFrom(s.LocalIP, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to open broadcast socket: %w", err)
	}
	defer conn.Close()

	caller := s.LocalIP
	if !caller.IsValid() || caller.IsUnspecified() {
		caller = transport.OutboundIP(bcast)
	}

	nonce, err := cipherkey.RandomNonce()
	if err != nil {
		return nil, err
	}
	ivBytes, err := cipherkey.RandomBytes(cipherkey.IVSize)
	if err != nil {
		return nil, err
	}
	var iv [cipherkey.IVSize]byte
	copy(iv[:], ivBytes)

	req, err := protocol.NewDiscoverRequest(nonce, iv, caller)
	if err != nil {
		return nil, err
	}

	accept := func(data []byte, from netip.AddrPort) (reply, bool) {
		resp, ok := protocol.ParseDiscoverResponse(data)
		if !ok || !want(resp) {
			return reply{}, false
		}
		return reply{resp: resp, from: from, at: time.Now()}, true
	}
	bySerial := func(r reply) uint64 { return r.resp.Serial }

	log.Debug("broadcasting discovery",
		zap.Stringer("broadcast", bcast),
		zap.Uint16("port", port),
		zap.Duration("window", timeout),
		zap.Int("limit", limit))

	replies, err := transport.Collect(ctx, conn, netip.AddrPortFrom(bcast, port), req.Encode(), timeout, limit, accept, bySerial)
	if err != nil {
		return nil, fmt.Errorf("discovery failed: %w", err)
	}

	devices := make([]*Device, 0, len(replies))
	for _, r := range replies {
		dev := &Device{
			Serial:       r.resp.Serial,
			MAC:          r.resp.MAC,
			IP:           r.from.Addr(),
			Auth:         protocol.ClassifyDiscovery(r.resp, nonce, s.KnownKeys),
			IV:           r.resp.IV,
			PrivateKey:   s.KnownKeys[r.resp.Serial],
			DiscoveredAt: r.at,
		}
		logging.LogDeviceEvent(dev.Serial, "discovered",
			zap.Stringer("ip", dev.IP),
			zap.String("mac", dev.MAC),
			zap.Stringer("auth", dev.Auth))
		devices = append(devices, dev)
	}
	return devices, nil
}
