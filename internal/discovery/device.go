package discovery

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/muurk/cluctl/internal/cipherkey"
	"github.com/muurk/cluctl/internal/protocol"
)

// Auth classification, re-exported so callers need not import protocol
type Auth = protocol.Auth

const (
	AuthUnknown = protocol.AuthUnknown
	AuthNone    = protocol.AuthNone
	AuthProject = protocol.AuthProject
)

// Device is the identity of a CLU
type Device struct {
	// Serial never changes; it is the only identity key
	Serial uint64

	// MAC is 12 hex characters without separators
	MAC string

	// IP is the address the device last answered from
	IP netip.Addr

	// Auth is the discovery classification
	Auth Auth

	// IV is the device's discovery IV
	IV [cipherkey.IVSize]byte

	// PrivateKey is the device-specific secret on file, if any
	PrivateKey []byte

	// Key is the session key to talk to the device with. nil means the
	// bootstrap key.
	Key *cipherkey.Key

	// DiscoveredAt is when the device answered
	DiscoveredAt time.Time
}

// Equal compares identities by serial number only
func (d *Device) Equal(other *Device) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.Serial == other.Serial
}

// SerialHex renders the serial the way the wire protocol does
func (d *Device) SerialHex() string {
	return protocol.FormatSerial(d.Serial)
}

// BootstrapKey derives the key the device accepts before provisioning
func (d *Device) BootstrapKey() *cipherkey.Key {
	return cipherkey.DeriveBootstrap(d.IV[:], d.PrivateKey)
}

// SessionKey returns Key, or the bootstrap key when none is set
func (d *Device) SessionKey() *cipherkey.Key {
	if d.Key != nil {
		return d.Key.Clone()
	}
	return d.BootstrapKey()
}

// String returns a human-readable representation of the device
func (d *Device) String() string {
	return fmt.Sprintf("CLU %s (%s) at %s [%s]", d.SerialHex(), d.MAC, d.IP, d.Auth)
}
