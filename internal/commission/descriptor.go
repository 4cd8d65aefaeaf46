package commission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
)

// DefaultDescriptorPath is the configuration descriptor on the device
const DefaultDescriptorPath = "a:\\CONFIG.JSON"

// ErrIncompleteDescriptor is returned when an identity field is missing
var ErrIncompleteDescriptor = errors.New("descriptor lacks hardware or firmware identity")

// Descriptor is the identity recovered from a configuration descriptor
type Descriptor struct {
	HardwareType    int `json:"hardwareType" yaml:"hardware_type" toml:"hardware_type"`
	HardwareVersion int `json:"hardwareVersion" yaml:"hardware_version" toml:"hardware_version"`
	FirmwareType    int `json:"firmwareType" yaml:"firmware_type" toml:"firmware_type"`
	FirmwareVersion int `json:"firmwareVersion" yaml:"firmware_version" toml:"firmware_version"`
}

func (d Descriptor) String() string {
	return fmt.Sprintf("hw %#x/%#x fw %#x/%#x", d.HardwareType, d.HardwareVersion, d.FirmwareType, d.FirmwareVersion)
}

// ParseDescriptor extracts the four identity integers from a JSON
// configuration descriptor. Other fields are ignored.
func ParseDescriptor(data []byte) (Descriptor, error) {
	var raw struct {
		HardwareType    *int `json:"hardwareType"`
		HardwareVersion *int `json:"hardwareVersion"`
		FirmwareType    *int `json:"firmwareType"`
		FirmwareVersion *int `json:"firmwareVersion"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Descriptor{}, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	if raw.HardwareType == nil || raw.HardwareVersion == nil || raw.FirmwareType == nil || raw.FirmwareVersion == nil {
		return Descriptor{}, ErrIncompleteDescriptor
	}
	return Descriptor{
		HardwareType:    *raw.HardwareType,
		HardwareVersion: *raw.HardwareVersion,
		FirmwareType:    *raw.FirmwareType,
		FirmwareVersion: *raw.FirmwareVersion,
	}, nil
}

// FileTransfer downloads named files from a device whose file server was
// started
type FileTransfer interface {
	Download(ctx context.Context, ip netip.Addr, remotePath string) ([]byte, error)
}

// DeviceType is what the interface registry knows about a hardware and
// firmware combination
type DeviceType struct {
	Name        string `json:"name" yaml:"name" toml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
}

// InterfaceRegistry resolves a descriptor to a device type
type InterfaceRegistry interface {
	Lookup(d Descriptor) (DeviceType, bool)
}

// StaticRegistry is an in-memory InterfaceRegistry
type StaticRegistry map[Descriptor]DeviceType

// Lookup implements InterfaceRegistry
func (r StaticRegistry) Lookup(d Descriptor) (DeviceType, bool) {
	t, ok := r[d]
	return t, ok
}

// DirectoryTransfer serves downloads from a local mirror laid out as
// <Root>/<device ip>/<remote path>. Drive prefixes and backslashes in the
// remote path are normalised.
type DirectoryTransfer struct {
	Root string
}

// Download implements FileTransfer
func (t DirectoryTransfer) Download(_ context.Context, ip netip.Addr, remotePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(t.Root, ip.String(), localPath(remotePath)))
}

func localPath(remote string) string {
	if len(remote) >= 2 && remote[1] == ':' {
		remote = remote[2:]
	}
	out := make([]byte, 0, len(remote))
	for i := 0; i < len(remote); i++ {
		c := remote[i]
		if c == '\\' {
			c = '/'
		}
		out = append(out, c)
	}
	return filepath.Clean("/" + string(out))[1:]
}
