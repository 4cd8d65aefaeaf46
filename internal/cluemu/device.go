package cluemu

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/cluctl/internal/cipherkey"
	"github.com/muurk/cluctl/internal/logging"
	"github.com/muurk/cluctl/internal/protocol"
	"github.com/muurk/cluctl/internal/transport"
)

// checkAliveScript is the liveness built-in
const checkAliveScript = "checkAlive()"

// Alive replies of the firmware
const (
	ReplyTrue      = "true"
	ReplyEmergency = "emergency"
)

// Rebinder is implemented by sockets that can move to another address
type Rebinder interface {
	Rebind(ip netip.Addr) error
}

// Evaluator runs a script and returns its value. ok == false keeps the
// device silent.
type Evaluator func(script string) (value string, ok bool)

// Config describes an emulated device
type Config struct {
	Serial uint64
	MAC    string // derived from Serial when empty
	IP     netip.Addr
	Port   uint16 // transport.DefaultPort when zero

	// PrivateKey seeds the bootstrap key; nil means the factory placeholder
	PrivateKey []byte
	// IV is announced in discovery responses; random when zero
	IV [cipherkey.IVSize]byte
	// Key is the active session key; the bootstrap key when nil
	Key *cipherkey.Key

	// RejectAddress keeps the current address on SetAddress
	RejectAddress bool
	// SilentReset reboots without acknowledging
	SilentReset bool
	// RebootDelay is how long the device stays silent after a reset
	RebootDelay time.Duration
	// AliveReply answers checkAlive(); ReplyTrue when empty
	AliveReply string

	Eval Evaluator
}

// Device is a running emulator
type Device struct {
	cfg       Config
	conn      net.PacketConn
	bootstrap *cipherkey.Key
	log       *zap.Logger
	done      chan struct{}
	serving   atomic.Bool

	mu           sync.Mutex
	key          *cipherkey.Key
	ip           netip.Addr
	gateway      netip.Addr
	bootingUntil time.Time
	fileServer   bool
	resets       int
}

// Start binds cfg.IP:cfg.Port on network and serves until ctx ends or the
// device is closed.
func Start(ctx context.Context, network transport.Network, cfg Config) (*Device, error) {
	if cfg.Port == 0 {
		cfg.Port = transport.DefaultPort
	}
	conn, err := network.ListenPacket(ctx, netip.AddrPortFrom(cfg.IP, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("emulator %08x: %w", cfg.Serial, err)
	}
	d, err := New(cfg, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	go d.Serve(ctx)
	return d, nil
}

// New prepares a device on an already bound socket. Call Serve to run it.
func New(cfg Config, conn net.PacketConn) (*Device, error) {
	if cfg.Serial > 0xffffffff {
		return nil, fmt.Errorf("serial %x does not fit 8 hex digits", cfg.Serial)
	}
	if cfg.MAC == "" {
		cfg.MAC = fmt.Sprintf("0a00%08x", cfg.Serial)
	}
	if cfg.IV == ([cipherkey.IVSize]byte{}) {
		iv, err := cipherkey.RandomBytes(cipherkey.IVSize)
		if err != nil {
			return nil, err
		}
		copy(cfg.IV[:], iv)
	}
	if cfg.AliveReply == "" {
		cfg.AliveReply = ReplyTrue
	}

	bootstrap := cipherkey.DeriveBootstrap(cfg.IV[:], cfg.PrivateKey)
	key := cfg.Key.Clone()
	if key == nil {
		key = bootstrap.Clone()
	}

	return &Device{
		cfg:       cfg,
		conn:      conn,
		bootstrap: bootstrap,
		log:       logging.Named("cluemu").With(zap.String("serial", protocol.FormatSerial(cfg.Serial))),
		done:      make(chan struct{}),
		key:       key,
		ip:        cfg.IP,
	}, nil
}

// Serve handles datagrams until ctx ends or the socket is closed
func (d *Device) Serve(ctx context.Context) error {
	if !d.serving.CompareAndSwap(false, true) {
		return errors.New("emulator already serving")
	}
	defer close(d.done)
	stop := context.AfterFunc(ctx, func() { d.conn.Close() })
	defer stop()

	d.log.Debug("emulator listening", zap.Stringer("addr", d.conn.LocalAddr()))
	buf := make([]byte, 65507)
	for {
		n, addr, err := d.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if transport.IsTimeout(err) {
				continue
			}
			return err
		}
		ua, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		from := ua.AddrPort()
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		d.handle(append([]byte(nil), buf[:n]...), from)
	}
}

// Close stops the device and waits for Serve to return
func (d *Device) Close() error {
	err := d.conn.Close()
	if d.serving.Load() {
		<-d.done
	}
	return err
}

// Key returns the active session key
func (d *Device) Key() *cipherkey.Key {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.key.Clone()
}

// BootstrapKey returns the key derived from the device IV and private key
func (d *Device) BootstrapKey() *cipherkey.Key {
	return d.bootstrap.Clone()
}

// IP returns the current device address
func (d *Device) IP() netip.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ip
}

// Gateway returns the gateway of the last accepted SetAddress
func (d *Device) Gateway() netip.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gateway
}

// FileServerRunning reports whether StartFileServer was received
func (d *Device) FileServerRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fileServer
}

// Resets returns the number of resets handled
func (d *Device) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Serial returns the configured serial number
func (d *Device) Serial() uint64 { return d.cfg.Serial }

// MAC returns the announced MAC address
func (d *Device) MAC() string { return d.cfg.MAC }

// IV returns the announced discovery IV
func (d *Device) IV() [cipherkey.IVSize]byte { return d.cfg.IV }

func (d *Device) booting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Now().Before(d.bootingUntil)
}

func (d *Device) handle(data []byte, from netip.AddrPort) {
	if d.booting() {
		d.log.Debug("dropped datagram while rebooting")
		return
	}

	if req, ok := protocol.ParseDiscoverRequest(data); ok {
		d.answerDiscovery(req, from)
		return
	}

	active := d.Key()
	if plain, ok := protocol.Open(active, data); ok {
		if cmd, ok := protocol.Decode(plain); ok {
			d.dispatch(cmd, active, from)
			return
		}
	}

	// The bootstrap key only unlocks key rotation
	if plain, ok := protocol.Open(d.bootstrap, data); ok {
		if req, ok := protocol.ParseSetKeyRequest(plain); ok {
			d.setKey(req, from)
			return
		}
	}
	logging.LogRawBytes("cluemu: ignored datagram", data,
		zap.String("serial", protocol.FormatSerial(d.cfg.Serial)),
		zap.Stringer("from", from))
}

func (d *Device) dispatch(cmd protocol.Command, key *cipherkey.Key, from netip.AddrPort) {
	switch req := cmd.(type) {
	case *protocol.SetKeyRequest:
		d.setKey(req, from)
	case *protocol.SetAddressRequest:
		d.setAddress(req, key, from)
	case *protocol.ResetRequest:
		d.reset(key, from)
	case *protocol.ExecuteRequest:
		d.execute(req, key, from)
	case protocol.StartFileServerRequest:
		d.mu.Lock()
		d.fileServer = true
		d.mu.Unlock()
		d.reply(key, protocol.OKResponse{}, from)
	default:
		if strings.HasPrefix(cmd.Kind().String(), "req") {
			d.reply(key, protocol.ErrorResponse{}, from)
		}
	}
}

func (d *Device) answerDiscovery(req *protocol.DiscoverRequest, from netip.AddrPort) {
	resp, err := protocol.NewDiscoverResponse(req, d.cfg.IV, d.cfg.PrivateKey, d.cfg.Serial, d.cfg.MAC)
	if err != nil {
		d.log.Debug("unreadable discovery challenge", zap.Error(err))
		return
	}
	d.reply(nil, resp, from)
}

func (d *Device) setKey(req *protocol.SetKeyRequest, from netip.AddrPort) {
	if !req.Verify() {
		d.log.Debug("set key proof rejected")
		return
	}
	next := req.Key()
	d.mu.Lock()
	d.key = next
	d.mu.Unlock()
	logging.LogDeviceEvent(d.cfg.Serial, "key_rotated", zap.String("fingerprint", next.Fingerprint()))
	d.reply(next, protocol.OKResponse{}, from)
}

func (d *Device) setAddress(req *protocol.SetAddressRequest, key *cipherkey.Key, from netip.AddrPort) {
	if req.Serial != d.cfg.Serial {
		return
	}

	current := d.IP()
	if d.cfg.RejectAddress || req.IP == current {
		d.reply(key, &protocol.SetAddressResponse{Serial: d.cfg.Serial, IP: current}, from)
		return
	}

	d.reply(key, &protocol.SetAddressResponse{Serial: d.cfg.Serial, IP: req.IP}, from)
	if r, ok := d.conn.(Rebinder); ok {
		if err := r.Rebind(req.IP); err != nil {
			d.log.Warn("rebind failed", zap.Stringer("ip", req.IP), zap.Error(err))
			return
		}
	}
	d.mu.Lock()
	d.ip = req.IP
	d.gateway = req.Gateway
	d.mu.Unlock()
	logging.LogDeviceEvent(d.cfg.Serial, "address_changed", zap.Stringer("ip", req.IP))
}

func (d *Device) reset(key *cipherkey.Key, from netip.AddrPort) {
	if !d.cfg.SilentReset {
		d.reply(key, &protocol.ResetResponse{DeviceIP: d.IP()}, from)
	}
	d.mu.Lock()
	d.bootingUntil = time.Now().Add(d.cfg.RebootDelay)
	d.fileServer = false
	d.resets++
	d.mu.Unlock()
	logging.LogDeviceEvent(d.cfg.Serial, "reset", zap.Duration("reboot", d.cfg.RebootDelay))
}

func (d *Device) execute(req *protocol.ExecuteRequest, key *cipherkey.Key, from netip.AddrPort) {
	var value string
	switch script := strings.TrimSpace(req.Script); {
	case script == "":
		d.reply(key, protocol.ErrorResponse{}, from)
		return
	case script == checkAliveScript:
		value = d.cfg.AliveReply
	case d.cfg.Eval != nil:
		v, ok := d.cfg.Eval(req.Script)
		if !ok {
			return
		}
		value = v
	default:
		value = "nil"
	}
	d.reply(key, &protocol.ExecuteResponse{CallerIP: req.CallerIP, SessionID: req.SessionID, Value: value}, from)
}

func (d *Device) reply(key *cipherkey.Key, cmd protocol.Command, to netip.AddrPort) {
	data, err := protocol.Seal(key, cmd)
	if err != nil {
		d.log.Warn("cannot seal reply", zap.Stringer("kind", cmd.Kind()), zap.Error(err))
		return
	}
	logging.LogDatagram("send", to, data)
	if _, err := d.conn.WriteTo(data, net.UDPAddrFromAddrPort(to)); err != nil {
		d.log.Debug("reply not sent", zap.Error(err))
	}
}
