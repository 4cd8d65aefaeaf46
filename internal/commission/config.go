package commission

import (
	"errors"
	"net/netip"
	"time"

	"github.com/muurk/cluctl/internal/cipherkey"
)

// Defaults for zero Config fields
const (
	DefaultDiscoveryTimeout = 3 * time.Second
	DefaultRequestTimeout   = 2 * time.Second
	DefaultAddressTimeout   = 30 * time.Second
	DefaultAliveTimeout     = 60 * time.Second
	DefaultPollInterval     = 500 * time.Millisecond
	DefaultProbeTimeout     = 300 * time.Millisecond
)

// Config is the input of a commissioning run
type Config struct {
	// ProjectKey is handed to every device; generated when nil
	ProjectKey *cipherkey.Key

	// KnownKeys maps serial numbers to device private keys
	KnownKeys map[uint64][]byte

	// Limit stops discovery after this many devices; zero means no limit
	Limit int

	// LocalIP is the caller address; it is never allocated
	LocalIP netip.Addr

	// Gateway is sent with every SetAddress
	Gateway netip.Addr

	// PoolStart is the allocation floor, PoolEnd the last address handed
	// out (DefaultPoolEnd(PoolStart) when zero)
	PoolStart netip.Addr
	PoolEnd   netip.Addr

	// Used lists addresses known to be taken on the segment
	Used []netip.Addr

	Port      uint16
	Broadcast netip.Addr

	DiscoveryTimeout time.Duration
	RequestTimeout   time.Duration
	AddressTimeout   time.Duration
	AliveTimeout     time.Duration
	PollInterval     time.Duration
	ProbeTimeout     time.Duration

	// FetchDescriptor starts the file server after commissioning and reads
	// DescriptorPath to identify the device
	FetchDescriptor bool
	DescriptorPath  string
}

func (c *Config) applyDefaults() {
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.AddressTimeout <= 0 {
		c.AddressTimeout = DefaultAddressTimeout
	}
	if c.AliveTimeout <= 0 {
		c.AliveTimeout = DefaultAliveTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if !c.PoolEnd.IsValid() && c.PoolStart.IsValid() {
		c.PoolEnd = DefaultPoolEnd(c.PoolStart)
	}
	if c.DescriptorPath == "" {
		c.DescriptorPath = DefaultDescriptorPath
	}
}

// Validate checks the fields a run cannot default
func (c *Config) Validate() error {
	if !c.LocalIP.Is4() {
		return errors.New("local IP must be an IPv4 address")
	}
	if !c.PoolStart.Is4() {
		return errors.New("pool start must be an IPv4 address")
	}
	if !c.Gateway.Is4() {
		return errors.New("gateway must be an IPv4 address")
	}
	if c.Limit < 0 {
		return errors.New("device limit cannot be negative")
	}
	return nil
}
