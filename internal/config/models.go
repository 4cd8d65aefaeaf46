package config

import (
	"strings"
	"time"
)

// Registry represents the entire project file.
// It holds the project key, the segment settings and what is known about
// every CLU commissioned into the project.
type Registry struct {
	Version     int                `yaml:"version" toml:"version"`
	ProjectKey  string             `yaml:"project_key,omitempty" toml:"project_key,omitempty"` // "base64(secret):base64(iv)"
	Network     *Network           `yaml:"network,omitempty" toml:"network,omitempty"`
	Timeouts    *Timeouts          `yaml:"timeouts,omitempty" toml:"timeouts,omitempty"`
	Devices     map[string]*Device `yaml:"devices,omitempty" toml:"devices,omitempty"` // Keyed by 8-digit lower-case serial hex
	DeviceTypes []*DeviceType      `yaml:"device_types,omitempty" toml:"device_types,omitempty"`

	path string
}

// Device is what the project knows about a single CLU.
type Device struct {
	Nickname   string    `yaml:"nickname,omitempty" toml:"nickname,omitempty"`
	PrivateKey string    `yaml:"private_key,omitempty" toml:"private_key,omitempty"` // Hex
	MAC        string    `yaml:"mac,omitempty" toml:"mac,omitempty"`
	LastIP     string    `yaml:"last_ip,omitempty" toml:"last_ip,omitempty"`
	LastSeen   time.Time `yaml:"last_seen,omitempty" toml:"last_seen,omitempty"`
	DeviceType string    `yaml:"device_type,omitempty" toml:"device_type,omitempty"`
}

// Network describes the segment the controllers live on.
// Addresses are dotted IPv4 strings; empty means "detect" or "default".
type Network struct {
	LocalIP   string `yaml:"local_ip,omitempty" toml:"local_ip,omitempty"`
	Broadcast string `yaml:"broadcast,omitempty" toml:"broadcast,omitempty"`
	Port      uint16 `yaml:"port,omitempty" toml:"port,omitempty"`
	Gateway   string `yaml:"gateway,omitempty" toml:"gateway,omitempty"`
	PoolStart string `yaml:"pool_start,omitempty" toml:"pool_start,omitempty"`
	PoolEnd   string `yaml:"pool_end,omitempty" toml:"pool_end,omitempty"`
}

// Timeouts are Go duration strings ("3s", "500ms").
type Timeouts struct {
	Discovery    string `yaml:"discovery,omitempty" toml:"discovery,omitempty"`
	Request      string `yaml:"request,omitempty" toml:"request,omitempty"`
	Address      string `yaml:"address,omitempty" toml:"address,omitempty"` // wait for a moved device to answer ICMP
	Probe        string `yaml:"probe,omitempty" toml:"probe,omitempty"`     // one ICMP occupancy probe
	Alive        string `yaml:"alive,omitempty" toml:"alive,omitempty"`
	PollInterval string `yaml:"poll_interval,omitempty" toml:"poll_interval,omitempty"`
}

// DeviceType maps a descriptor read from a controller to a named type.
type DeviceType struct {
	Name            string `yaml:"name" toml:"name"`
	Description     string `yaml:"description,omitempty" toml:"description,omitempty"`
	HardwareType    int    `yaml:"hardware_type" toml:"hardware_type"`
	HardwareVersion int    `yaml:"hardware_version" toml:"hardware_version"`
	FirmwareType    int    `yaml:"firmware_type" toml:"firmware_type"`
	FirmwareVersion int    `yaml:"firmware_version" toml:"firmware_version"`
}

// NewRegistry creates a new registry with default values.
func NewRegistry() *Registry {
	return &Registry{
		Version:  1,
		Network:  &Network{},
		Timeouts: &Timeouts{},
		Devices:  make(map[string]*Device),
	}
}

// GetDevice returns the device metadata for a serial, or nil if not found.
func (r *Registry) GetDevice(serial string) *Device {
	if r.Devices == nil {
		return nil
	}
	return r.Devices[strings.ToLower(serial)]
}

// EnsureDevice returns the device for a serial, creating it if needed.
// Serial keys are stored in lower case, the way the wire protocol renders them.
func (r *Registry) EnsureDevice(serial string) *Device {
	serial = strings.ToLower(serial)
	if r.Devices == nil {
		r.Devices = make(map[string]*Device)
	}
	if r.Devices[serial] == nil {
		r.Devices[serial] = &Device{}
	}
	return r.Devices[serial]
}

// UpdateDeviceLastSeen updates the last seen timestamp and IP for a device.
func (r *Registry) UpdateDeviceLastSeen(serial, ip string) {
	device := r.EnsureDevice(serial)
	device.LastIP = ip
	device.LastSeen = time.Now()
}

// SetDeviceNickname sets the nickname for a device.
func (r *Registry) SetDeviceNickname(serial, nickname string) {
	r.EnsureDevice(serial).Nickname = nickname
}

// Path returns the file the registry was loaded from or will be saved to.
func (r *Registry) Path() string {
	return r.path
}
