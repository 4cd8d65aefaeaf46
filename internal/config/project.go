package config

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/muurk/cluctl/internal/cipherkey"
	"github.com/muurk/cluctl/internal/commission"
	"github.com/muurk/cluctl/internal/discovery"
	"github.com/muurk/cluctl/internal/protocol"
)

// Validate checks every field that has a fixed syntax.
func (r *Registry) Validate() error {
	if r.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", r.Version)
	}
	if r.ProjectKey != "" {
		if _, err := cipherkey.Parse(r.ProjectKey); err != nil {
			return fmt.Errorf("project_key: %w", err)
		}
	}
	if n := r.Network; n != nil {
		for name, v := range map[string]string{
			"local_ip":   n.LocalIP,
			"broadcast":  n.Broadcast,
			"gateway":    n.Gateway,
			"pool_start": n.PoolStart,
			"pool_end":   n.PoolEnd,
		} {
			if _, err := parseAddr(v); err != nil {
				return fmt.Errorf("network.%s: %w", name, err)
			}
		}
	}
	if t := r.Timeouts; t != nil {
		for name, v := range map[string]string{
			"discovery":     t.Discovery,
			"request":       t.Request,
			"address":       t.Address,
			"probe":         t.Probe,
			"alive":         t.Alive,
			"poll_interval": t.PollInterval,
		} {
			if _, err := parseDuration(v); err != nil {
				return fmt.Errorf("timeouts.%s: %w", name, err)
			}
		}
	}
	for serial, d := range r.Devices {
		if _, ok := protocol.ParseHex(serial, 8); !ok {
			return fmt.Errorf("devices: %q is not an 8-digit hex serial", serial)
		}
		if d == nil {
			continue
		}
		if _, err := hex.DecodeString(d.PrivateKey); err != nil {
			return fmt.Errorf("devices.%s.private_key: %w", serial, err)
		}
		if d.LastIP != "" {
			if _, err := parseAddr(d.LastIP); err != nil {
				return fmt.Errorf("devices.%s.last_ip: %w", serial, err)
			}
		}
	}
	for i, t := range r.DeviceTypes {
		if t == nil || t.Name == "" {
			return fmt.Errorf("device_types[%d]: name is required", i)
		}
	}
	return nil
}

// Key returns the project key, or nil when none is set.
func (r *Registry) Key() (*cipherkey.Key, error) {
	if r.ProjectKey == "" {
		return nil, nil
	}
	return cipherkey.Parse(r.ProjectKey)
}

// SetKey stores k as the project key.
func (r *Registry) SetKey(k *cipherkey.Key) {
	if k == nil {
		r.ProjectKey = ""
		return
	}
	r.ProjectKey = k.String()
}

// SetPrivateKey records the private key of a device.
func (r *Registry) SetPrivateKey(serial uint64, key []byte) {
	r.EnsureDevice(protocol.FormatSerial(serial)).PrivateKey = hex.EncodeToString(key)
}

// KnownKeys returns the serial to private key table for discovery.
func (r *Registry) KnownKeys() map[uint64][]byte {
	keys := make(map[uint64][]byte)
	for serialHex, d := range r.Devices {
		if d == nil || d.PrivateKey == "" {
			continue
		}
		serial, ok := protocol.ParseHex(serialHex, 8)
		if !ok {
			continue
		}
		key, err := hex.DecodeString(d.PrivateKey)
		if err != nil {
			continue
		}
		keys[serial] = key
	}
	return keys
}

// Serials returns the known serial numbers in ascending order.
func (r *Registry) Serials() []uint64 {
	out := make([]uint64, 0, len(r.Devices))
	for serialHex := range r.Devices {
		if serial, ok := protocol.ParseHex(serialHex, 8); ok {
			out = append(out, serial)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Target builds the device identity used to open a session without a
// discovery round. The project key is used when one is set.
func (r *Registry) Target(serial uint64) (*discovery.Device, error) {
	d := r.GetDevice(protocol.FormatSerial(serial))
	if d == nil {
		return nil, fmt.Errorf("device %s is not in the project", protocol.FormatSerial(serial))
	}
	ip, err := parseAddr(d.LastIP)
	if err != nil || !ip.IsValid() {
		return nil, fmt.Errorf("device %s has no known address", protocol.FormatSerial(serial))
	}
	key, err := r.Key()
	if err != nil {
		return nil, err
	}
	priv, _ := hex.DecodeString(d.PrivateKey)
	return &discovery.Device{
		Serial:     serial,
		MAC:        d.MAC,
		IP:         ip,
		Auth:       discovery.AuthProject,
		PrivateKey: priv,
		Key:        key,
	}, nil
}

// RecordDevice stores what discovery learned about a device.
func (r *Registry) RecordDevice(dev *discovery.Device) {
	d := r.EnsureDevice(dev.SerialHex())
	if dev.MAC != "" {
		d.MAC = strings.ToUpper(dev.MAC)
	}
	if dev.IP.IsValid() {
		d.LastIP = dev.IP.String()
	}
	if len(dev.PrivateKey) > 0 {
		d.PrivateKey = hex.EncodeToString(dev.PrivateKey)
	}
	d.LastSeen = dev.DiscoveredAt
	if d.LastSeen.IsZero() {
		d.LastSeen = time.Now()
	}
}

// RecordReport folds a commissioning run into the project: once any device
// accepted the run's key it becomes the project key, and every device that
// holds it is recorded at its last known address.
func (r *Registry) RecordReport(rep *commission.Report) {
	if rep == nil {
		return
	}
	if rep.KeysHandedOver() > 0 {
		r.SetKey(rep.ProjectKey)
	}
	for _, o := range rep.Outcomes {
		// a device holding the project key is kept even when a later step
		// failed, so it can still be reached
		if !o.KeySet || o.Device == nil {
			continue
		}
		r.RecordDevice(o.Device)
		if o.DeviceType != nil {
			r.Devices[o.Device.SerialHex()].DeviceType = o.DeviceType.Name
		}
	}
}

// InterfaceRegistry returns the configured device types keyed by descriptor.
func (r *Registry) InterfaceRegistry() commission.StaticRegistry {
	reg := make(commission.StaticRegistry, len(r.DeviceTypes))
	for _, t := range r.DeviceTypes {
		if t == nil {
			continue
		}
		reg[commission.Descriptor{
			HardwareType:    t.HardwareType,
			HardwareVersion: t.HardwareVersion,
			FirmwareType:    t.FirmwareType,
			FirmwareVersion: t.FirmwareVersion,
		}] = commission.DeviceType{Name: t.Name, Description: t.Description}
	}
	return reg
}

// Apply copies the project settings into a commissioning config. Fields the
// project leaves empty keep their value in cfg.
func (r *Registry) Apply(cfg *commission.Config) error {
	if err := r.Validate(); err != nil {
		return err
	}

	key, err := r.Key()
	if err != nil {
		return err
	}
	if key != nil && cfg.ProjectKey == nil {
		cfg.ProjectKey = key
	}
	if cfg.KnownKeys == nil {
		cfg.KnownKeys = make(map[uint64][]byte)
	}
	for serial, k := range r.KnownKeys() {
		if _, ok := cfg.KnownKeys[serial]; !ok {
			cfg.KnownKeys[serial] = k
		}
	}
	for _, d := range r.Devices {
		if d == nil {
			continue
		}
		if ip, _ := parseAddr(d.LastIP); ip.IsValid() {
			cfg.Used = append(cfg.Used, ip)
		}
	}

	if n := r.Network; n != nil {
		setAddr(&cfg.LocalIP, n.LocalIP)
		setAddr(&cfg.Broadcast, n.Broadcast)
		setAddr(&cfg.Gateway, n.Gateway)
		setAddr(&cfg.PoolStart, n.PoolStart)
		setAddr(&cfg.PoolEnd, n.PoolEnd)
		if n.Port != 0 && cfg.Port == 0 {
			cfg.Port = n.Port
		}
	}
	if t := r.Timeouts; t != nil {
		setDuration(&cfg.DiscoveryTimeout, t.Discovery)
		setDuration(&cfg.RequestTimeout, t.Request)
		setDuration(&cfg.AddressTimeout, t.Address)
		setDuration(&cfg.ProbeTimeout, t.Probe)
		setDuration(&cfg.AliveTimeout, t.Alive)
		setDuration(&cfg.PollInterval, t.PollInterval)
	}
	return nil
}

func parseAddr(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", s)
	}
	return addr, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

func setAddr(dst *netip.Addr, s string) {
	if dst.IsValid() {
		return
	}
	if addr, err := parseAddr(s); err == nil && addr.IsValid() {
		*dst = addr
	}
}

func setDuration(dst *time.Duration, s string) {
	if *dst > 0 {
		return
	}
	if d, err := parseDuration(s); err == nil && d > 0 {
		*dst = d
	}
}
