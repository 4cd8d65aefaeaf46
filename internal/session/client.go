package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/cluctl/internal/cipherkey"
	"github.com/muurk/cluctl/internal/discovery"
	"github.com/muurk/cluctl/internal/logging"
	"github.com/muurk/cluctl/internal/protocol"
	"github.com/muurk/cluctl/internal/transport"
)

// DefaultTimeout bounds a single request
const DefaultTimeout = 2 * time.Second

// CheckAliveScript is the firmware liveness built-in
const CheckAliveScript = "checkAlive()"

// ErrRejected is returned when the device answers resp:ERROR
var ErrRejected = errors.New("device rejected the request")

// Options configure a Client
type Options struct {
	// Network opens the socket; the host UDP stack when nil
	Network transport.Network

	// LocalIP is the caller address embedded in requests. When unset it is
	// resolved from the route to the device.
	LocalIP netip.Addr

	// Port is the CLU command port; transport.DefaultPort when zero
	Port uint16

	// Timeout bounds each request; DefaultTimeout when zero
	Timeout time.Duration
}

// Client is a session with one device
type Client struct {
	conn     *transport.Conn
	serial   uint64
	callerIP netip.Addr
	timeout  time.Duration
	log      *zap.Logger

	// reqMu allows one request in flight
	reqMu sync.Mutex

	// mu guards key and addr
	mu   sync.RWMutex
	key  *cipherkey.Key
	addr netip.AddrPort
}

// Open binds a socket for dev. The initial key is dev.SessionKey().
func Open(ctx context.Context, dev *discovery.Device, opts Options) (*Client, error) {
	if dev == nil || !dev.IP.IsValid() {
		return nil, errors.New("device has no address")
	}
	if opts.Network == nil {
		opts.Network = transport.UDPNetwork{}
	}
	if opts.Port == 0 {
		opts.Port = transport.DefaultPort
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	conn, err := transport.Listen(ctx, opts.Network, netip.AddrPortFrom(opts.LocalIP, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to open session socket: %w", err)
	}

	caller := opts.LocalIP
	if !caller.IsValid() || caller.IsUnspecified() {
		caller = conn.LocalAddr().Addr()
	}
	if !caller.IsValid() || caller.IsUnspecified() {
		caller = transport.OutboundIP(dev.IP)
	}

	c := &Client{
		conn:     conn,
		serial:   dev.Serial,
		callerIP: caller,
		timeout:  opts.Timeout,
		key:      dev.SessionKey(),
		addr:     netip.AddrPortFrom(dev.IP, opts.Port),
	}
	c.log = logging.Named("session").With(zap.String("serial", dev.SerialHex()))
	c.log.Debug("session opened",
		zap.Stringer("device", c.addr),
		zap.Stringer("caller", caller),
		zap.String("key", c.key.Fingerprint()))
	return c, nil
}

// Close releases the socket
func (c *Client) Close() error {
	return c.conn.Close()
}

// Serial returns the device serial number
func (c *Client) Serial() uint64 { return c.serial }

// Key returns a copy of the active key
func (c *Client) Key() *cipherkey.Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key.Clone()
}

// Addr returns the device address the session talks to
func (c *Client) Addr() netip.AddrPort {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

func (c *Client) rotate(next *cipherkey.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = next.Clone()
}

func (c *Client) moveTo(ip netip.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addr = netip.AddrPortFrom(ip, c.addr.Port())
}

type outcome[T any] struct {
	value    T
	rejected bool
}

// request seals cmd with the active key, sends it and waits for a datagram
// from the device that satisfies match. The reply opens with next when it is
// set, and next becomes the active key on a match. commit, when set, runs
// on the matched value. Key and address are read and updated while reqMu is
// held so a queued request never uses stale ones.
func request[T any](ctx context.Context, c *Client, cmd protocol.Command, next *cipherkey.Key, match func(plain []byte) (T, bool), commit func(T)) (T, bool, error) {
	var zero T

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	sealKey := c.Key()
	openKey := sealKey
	if next != nil {
		openKey = next
	}

	data, err := protocol.Seal(sealKey, cmd)
	if err != nil {
		return zero, false, err
	}

	peer := c.Addr()
	accept := func(buf []byte, from netip.AddrPort) (outcome[T], bool) {
		if from.Addr() != peer.Addr() {
			return outcome[T]{}, false
		}
		plain, ok := protocol.Open(openKey, buf)
		if !ok {
			return outcome[T]{}, false
		}
		if v, ok := match(plain); ok {
			return outcome[T]{value: v}, true
		}
		if _, ok := protocol.ParseErrorResponse(plain); ok {
			return outcome[T]{rejected: true}, true
		}
		return outcome[T]{}, false
	}

	out, ok, err := transport.Exchange(ctx, c.conn, peer, data, c.timeout, accept)
	switch {
	case err != nil:
		return zero, false, fmt.Errorf("%s: %w", cmd.Kind(), err)
	case !ok:
		c.log.Debug("no response", zap.Stringer("kind", cmd.Kind()))
		return zero, false, nil
	case out.rejected:
		return zero, false, fmt.Errorf("%s: %w", cmd.Kind(), ErrRejected)
	}
	if next != nil {
		c.rotate(next)
	}
	if commit != nil {
		commit(out.value)
	}
	return out.value, true, nil
}

// Execute runs script on the device and returns its value
func (c *Client) Execute(ctx context.Context, script string) (string, bool, error) {
	sid := protocol.NewSessionID()
	req := &protocol.ExecuteRequest{CallerIP: c.callerIP, SessionID: sid, Script: script}

	return request(ctx, c, req, nil, func(plain []byte) (string, bool) {
		resp, ok := protocol.ParseExecuteResponse(plain)
		if !ok || resp.SessionID != sid {
			return "", false
		}
		return resp.Value, true
	}, nil)
}

// CheckAlive runs checkAlive() and applies IsAlive to the result
func (c *Client) CheckAlive(ctx context.Context) (bool, error) {
	value, ok, err := c.Execute(ctx, CheckAliveScript)
	if err != nil || !ok {
		return false, err
	}
	alive := IsAlive(value, c.serial)
	c.log.Debug("alive check", zap.String("value", value), zap.Bool("alive", alive))
	return alive, nil
}

// IsAlive reports whether a checkAlive() result means the device finished
// booting: "true" or the device's own serial in hex. "emergency" means the
// device booted into its recovery image and is not alive.
func IsAlive(value string, serial uint64) bool {
	switch value {
	case "true", protocol.FormatSerial(serial), strconv.FormatUint(serial, 16):
		return true
	default:
		return false
	}
}

// SetAddress asks the device to move to ip behind gateway. It returns the
// address the device reports. A device that refuses answers with its old
// address; that is a negative acknowledgement, not an error. On acceptance
// the session follows the device to ip.
func (c *Client) SetAddress(ctx context.Context, ip, gateway netip.Addr) (netip.Addr, bool, error) {
	req := &protocol.SetAddressRequest{Serial: c.serial, IP: ip, Gateway: gateway}

	accepted, ok, err := request(ctx, c, req, nil, func(plain []byte) (netip.Addr, bool) {
		resp, ok := protocol.ParseSetAddressResponse(plain)
		if !ok || resp.Serial != c.serial {
			return netip.Addr{}, false
		}
		return resp.IP, true
	}, func(accepted netip.Addr) {
		if accepted == ip {
			c.moveTo(ip)
		}
	})
	if err != nil || !ok {
		return netip.Addr{}, false, err
	}
	if accepted == ip {
		logging.LogDeviceEvent(c.serial, "address_set", zap.Stringer("ip", ip))
	} else {
		c.log.Info("address change refused", zap.Stringer("requested", ip), zap.Stringer("kept", accepted))
	}
	return accepted, true, nil
}

// SetKey hands the device next and, once acknowledged under next, makes it
// the active key. Sending the current key again is harmless.
func (c *Client) SetKey(ctx context.Context, next *cipherkey.Key) (bool, error) {
	nonce, err := cipherkey.RandomNonce()
	if err != nil {
		return false, err
	}
	req, err := protocol.NewSetKeyRequest(next, nonce)
	if err != nil {
		return false, err
	}

	_, ok, err := request(ctx, c, req, next, func(plain []byte) (struct{}, bool) {
		return struct{}{}, protocol.IsAck(plain)
	}, nil)
	if err != nil || !ok {
		return false, err
	}
	logging.LogDeviceEvent(c.serial, "key_set", zap.String("fingerprint", next.Fingerprint()))
	return true, nil
}

// Reset reboots the device. A missing acknowledgement is normal: the
// device may go down before answering.
func (c *Client) Reset(ctx context.Context) (bool, error) {
	req := &protocol.ResetRequest{CallerIP: c.callerIP}

	_, acked, err := request(ctx, c, req, nil, func(plain []byte) (netip.Addr, bool) {
		resp, ok := protocol.ParseResetResponse(plain)
		if !ok {
			return netip.Addr{}, false
		}
		return resp.DeviceIP, true
	}, nil)
	if err != nil {
		return false, err
	}
	logging.LogDeviceEvent(c.serial, "reset", zap.Bool("acked", acked))
	return acked, nil
}

// StartFileServer enables the device's file transfer service
func (c *Client) StartFileServer(ctx context.Context) (bool, error) {
	_, ok, err := request(ctx, c, protocol.StartFileServerRequest{}, nil, func(plain []byte) (struct{}, bool) {
		return struct{}{}, protocol.IsAck(plain)
	}, nil)
	return ok, err
}

// StopFileServer has no effect on the device and always succeeds
func (c *Client) StopFileServer(context.Context) (bool, error) {
	return true, nil
}
