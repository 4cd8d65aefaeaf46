package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/muurk/cluctl/internal/config"
	"github.com/muurk/cluctl/internal/discovery"
	"github.com/muurk/cluctl/internal/logging"
	"github.com/muurk/cluctl/internal/session"
	"github.com/muurk/cluctl/internal/transport"
)

// Device addressing flags shared by the single-controller commands
var (
	deviceIP     string
	useBootstrap bool
)

// settings are the effective network parameters: flags, then project, then
// defaults
type settings struct {
	LocalIP   netip.Addr
	Broadcast netip.Addr
	Port      uint16
	Timeout   time.Duration
	Discovery time.Duration
}

func loadProject() (*config.Registry, error) {
	reg, err := config.Load(projectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	logging.Debug("project loaded",
		zap.String("path", reg.Path()),
		zap.Int("devices", len(reg.Devices)))
	return reg, nil
}

func resolveSettings(reg *config.Registry) (settings, error) {
	s := settings{
		Port:      transport.DefaultPort,
		Timeout:   session.DefaultTimeout,
		Discovery: discovery.DefaultScanTimeout,
	}

	n := reg.Network
	if n == nil {
		n = &config.Network{}
	}
	t := reg.Timeouts
	if t == nil {
		t = &config.Timeouts{}
	}

	var err error
	if s.LocalIP, err = pickAddr(localIPFlag, n.LocalIP); err != nil {
		return s, fmt.Errorf("local IP: %w", err)
	}
	if s.Broadcast, err = pickAddr(broadcastFlag, n.Broadcast); err != nil {
		return s, fmt.Errorf("broadcast: %w", err)
	}
	if !s.Broadcast.IsValid() {
		s.Broadcast = discovery.LimitedBroadcast
	}
	if portFlag != 0 {
		s.Port = portFlag
	} else if n.Port != 0 {
		s.Port = n.Port
	}

	if timeoutFlag > 0 {
		s.Timeout = timeoutFlag
	} else if t.Request != "" {
		if s.Timeout, err = time.ParseDuration(t.Request); err != nil {
			return s, fmt.Errorf("timeouts.request: %w", err)
		}
	}
	if t.Discovery != "" {
		if s.Discovery, err = time.ParseDuration(t.Discovery); err != nil {
			return s, fmt.Errorf("timeouts.discovery: %w", err)
		}
	}
	return s, nil
}

func pickAddr(flag, project string) (netip.Addr, error) {
	v := flag
	if v == "" {
		v = project
	}
	if v == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(v)
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", v)
	}
	return addr, nil
}

// parseSerial accepts up to 8 hex digits with an optional 0x prefix
func parseSerial(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if s == "" || len(s) > 8 {
		return 0, fmt.Errorf("invalid serial %q: want up to 8 hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid serial %q: %w", s, err)
	}
	return v, nil
}

// resolveDevice finds the controller with serial: --ip first, then the
// project file, then a discovery broadcast
func resolveDevice(ctx context.Context, reg *config.Registry, s settings, serial uint64) (*discovery.Device, error) {
	key, err := reg.Key()
	if err != nil {
		return nil, err
	}
	pickKey := func(dev *discovery.Device) {
		dev.Key = nil
		if !useBootstrap && key != nil && reg.GetDevice(dev.SerialHex()) != nil {
			dev.Key = key.Clone()
		}
	}

	if deviceIP != "" {
		ip, err := pickAddr(deviceIP, "")
		if err != nil {
			return nil, fmt.Errorf("--ip: %w", err)
		}
		dev := &discovery.Device{Serial: serial, IP: ip}
		if d := reg.GetDevice(dev.SerialHex()); d != nil {
			if t, err := reg.Target(serial); err == nil {
				dev = t
				dev.IP = ip
			}
		}
		pickKey(dev)
		return dev, nil
	}

	// the bootstrap key needs the IV from a fresh discovery reply
	if !useBootstrap {
		if dev, err := reg.Target(serial); err == nil {
			pickKey(dev)
			return dev, nil
		}
	}

	dev, err := newScanner(reg, s).WaitForDevice(ctx, serial)
	if err != nil {
		return nil, err
	}
	pickKey(dev)
	return dev, nil
}

// newScanner returns a scanner for the resolved settings that classifies
// against the project's private keys
func newScanner(reg *config.Registry, s settings) *discovery.Scanner {
	scanner := discovery.NewScanner()
	scanner.Broadcast = s.Broadcast
	scanner.Port = s.Port
	scanner.LocalIP = s.LocalIP
	if s.Discovery > 0 {
		scanner.Timeout = s.Discovery
	}
	scanner.KnownKeys = reg.KnownKeys()
	return scanner
}

// openTarget loads the project, finds the controller and opens a session
func openTarget(ctx context.Context, serialArg string) (*session.Client, *discovery.Device, *config.Registry, error) {
	serial, err := parseSerial(serialArg)
	if err != nil {
		return nil, nil, nil, err
	}
	reg, err := loadProject()
	if err != nil {
		return nil, nil, nil, err
	}
	s, err := resolveSettings(reg)
	if err != nil {
		return nil, nil, nil, err
	}
	dev, err := resolveDevice(ctx, reg, s, serial)
	if err != nil {
		return nil, nil, nil, err
	}
	client, err := session.Open(ctx, dev, session.Options{
		LocalIP: s.LocalIP,
		Port:    s.Port,
		Timeout: s.Timeout,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return client, dev, reg, nil
}

// errNoResponse formats the "no answer" outcome of a request
func errNoResponse(op string, client *session.Client) error {
	return fmt.Errorf("%s: no response from %s within the timeout (wrong key or device offline)", op, client.Addr())
}

func printFormatted(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown format %q (want json or yaml)", format)
	}
}

func addDeviceFlags(flags *pflag.FlagSet) {
	flags.StringVar(&deviceIP, "ip", "", "Controller address (skips project lookup and discovery)")
	flags.BoolVar(&useBootstrap, "bootstrap", false, "Talk with the bootstrap key instead of the project key")
}
