package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/muurk/cluctl/internal/cipherkey"
	"github.com/muurk/cluctl/internal/commission"
	"github.com/muurk/cluctl/internal/discovery"
)

func TestGetConfigDir(t *testing.T) {
	configDir, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir() error = %v", err)
	}
	if configDir == "" {
		t.Error("GetConfigDir() returned empty string")
	}
	if !strings.Contains(configDir, "cluctl") {
		t.Errorf("GetConfigDir() = %v, should contain 'cluctl'", configDir)
	}

	switch runtime.GOOS {
	case "windows":
		if !strings.Contains(configDir, "AppData") && !strings.Contains(configDir, "Local") {
			t.Errorf("Windows config dir should contain 'AppData' or 'Local', got: %v", configDir)
		}
	case "darwin":
		if !strings.Contains(configDir, ".config") {
			t.Errorf("macOS config dir should contain '.config', got: %v", configDir)
		}
	}
}

func TestGetConfigDirHonoursXDG(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		t.Skip("XDG_CONFIG_HOME only applies on Linux and other Unix systems")
	}
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	got, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir() error = %v", err)
	}
	if want := filepath.Join(dir, "cluctl"); got != want {
		t.Errorf("GetConfigDir() = %v, want %v", got, want)
	}
}

func TestGetConfigPath(t *testing.T) {
	configPath, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath() error = %v", err)
	}
	if filepath.Base(configPath) != "project.yaml" {
		t.Errorf("GetConfigPath() should end with 'project.yaml', got: %v", configPath)
	}
}

func TestFormatFor(t *testing.T) {
	tests := []struct {
		path string
		want Format
	}{
		{"project.yaml", FormatYAML},
		{"project.yml", FormatYAML},
		{"project.toml", FormatTOML},
		{"PROJECT.TOML", FormatTOML},
		{"project", FormatYAML},
	}
	for _, tt := range tests {
		if got := FormatFor(tt.path); got != tt.want {
			t.Errorf("FormatFor(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()

	if reg.Version != 1 {
		t.Errorf("NewRegistry().Version = %v, want 1", reg.Version)
	}
	if reg.Devices == nil {
		t.Error("NewRegistry().Devices should not be nil")
	}
	if reg.Network == nil || reg.Timeouts == nil {
		t.Error("NewRegistry() should initialise network and timeouts")
	}
	if err := reg.Validate(); err != nil {
		t.Errorf("NewRegistry().Validate() = %v", err)
	}
}

func TestRegistryEnsureDevice(t *testing.T) {
	reg := NewRegistry()

	device1 := reg.EnsureDevice("0000ABCD")
	if device1 == nil {
		t.Fatal("EnsureDevice() returned nil")
	}
	if device2 := reg.EnsureDevice("0000ABCD"); device1 != device2 {
		t.Error("EnsureDevice() should return same instance for same serial")
	}
	if device3 := reg.EnsureDevice("0000ABCE"); device1 == device3 {
		t.Error("EnsureDevice() should create new instance for different serial")
	}
}

func TestRegistryUpdateDeviceLastSeen(t *testing.T) {
	reg := NewRegistry()

	before := time.Now()
	reg.UpdateDeviceLastSeen("0000ABCD", "10.0.0.5")
	after := time.Now()

	device := reg.GetDevice("0000ABCD")
	if device == nil {
		t.Fatal("Device should exist after UpdateDeviceLastSeen()")
	}
	if device.LastIP != "10.0.0.5" {
		t.Errorf("LastIP = %v, want 10.0.0.5", device.LastIP)
	}
	if device.LastSeen.Before(before) || device.LastSeen.After(after) {
		t.Errorf("LastSeen = %v, should be between %v and %v", device.LastSeen, before, after)
	}
}

func TestRegistrySetDeviceNickname(t *testing.T) {
	reg := NewRegistry()
	reg.SetDeviceNickname("0000ABCD", "Kitchen panel")

	device := reg.GetDevice("0000ABCD")
	if device == nil || device.Nickname != "Kitchen panel" {
		t.Errorf("Nickname not stored, got %+v", device)
	}
}

func TestRegistryValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Registry)
	}{
		{"bad version", func(r *Registry) { r.Version = 2 }},
		{"bad project key", func(r *Registry) { r.ProjectKey = "not-a-key" }},
		{"bad local ip", func(r *Registry) { r.Network.LocalIP = "10.0.0" }},
		{"ipv6 gateway", func(r *Registry) { r.Network.Gateway = "fe80::1" }},
		{"bad timeout", func(r *Registry) { r.Timeouts.Request = "soon" }},
		{"negative timeout", func(r *Registry) { r.Timeouts.Alive = "-1s" }},
		{"bad probe timeout", func(r *Registry) { r.Timeouts.Probe = "fast" }},
		{"bad serial", func(r *Registry) { r.EnsureDevice("xyz") }},
		{"bad private key", func(r *Registry) { r.EnsureDevice("00000001").PrivateKey = "zz" }},
		{"bad last ip", func(r *Registry) { r.EnsureDevice("00000001").LastIP = "nowhere" }},
		{"unnamed type", func(r *Registry) { r.DeviceTypes = append(r.DeviceTypes, &DeviceType{}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			tt.mutate(reg)
			if err := reg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestRegistryKnownKeys(t *testing.T) {
	reg := NewRegistry()
	reg.SetPrivateKey(0x0000ABCD, []byte{0xde, 0xad, 0xbe, 0xef})
	reg.SetDeviceNickname("00001234", "no key")

	keys := reg.KnownKeys()
	if len(keys) != 1 {
		t.Fatalf("KnownKeys() has %d entries, want 1", len(keys))
	}
	if got := keys[0xABCD]; string(got) != "\xde\xad\xbe\xef" {
		t.Errorf("KnownKeys()[0xABCD] = %x", got)
	}
	if got := reg.Serials(); len(got) != 2 || got[0] != 0x1234 || got[1] != 0xABCD {
		t.Errorf("Serials() = %v", got)
	}
}

func TestRegistryProjectKey(t *testing.T) {
	reg := NewRegistry()
	if k, err := reg.Key(); err != nil || k != nil {
		t.Fatalf("Key() on empty project = %v, %v", k, err)
	}

	key, err := cipherkey.Generate()
	if err != nil {
		t.Fatal(err)
	}
	reg.SetKey(key)

	got, err := reg.Key()
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	if !got.Equal(key) {
		t.Error("Key() should return the stored key")
	}
}

func TestRegistryTarget(t *testing.T) {
	reg := NewRegistry()
	key, _ := cipherkey.Generate()
	reg.SetKey(key)
	reg.SetPrivateKey(0x42, []byte{1, 2, 3})
	reg.UpdateDeviceLastSeen("00000042", "10.0.0.9")

	dev, err := reg.Target(0x42)
	if err != nil {
		t.Fatalf("Target() error = %v", err)
	}
	if dev.IP != netip.MustParseAddr("10.0.0.9") {
		t.Errorf("IP = %v", dev.IP)
	}
	if !dev.Key.Equal(key) {
		t.Error("Target() should carry the project key")
	}

	if _, err := reg.Target(0x43); err == nil {
		t.Error("Target() should fail for an unknown serial")
	}
	reg.SetDeviceNickname("00000044", "never seen")
	if _, err := reg.Target(0x44); err == nil {
		t.Error("Target() should fail without a known address")
	}
}

func TestRegistryRecordReport(t *testing.T) {
	reg := NewRegistry()
	key, _ := cipherkey.Generate()

	ok := &discovery.Device{
		Serial:       0x10,
		MAC:          "0a0b0c0d0e0f",
		IP:           netip.MustParseAddr("10.0.0.20"),
		PrivateKey:   []byte{9, 9},
		DiscoveredAt: time.Now(),
	}
	failed := &discovery.Device{Serial: 0x11, IP: netip.MustParseAddr("10.0.0.21")}

	reg.RecordReport(&commission.Report{
		ProjectKey: key,
		Outcomes: []*commission.Outcome{
			{Device: ok, KeySet: true, Alive: true, DeviceType: &commission.DeviceType{Name: "panel"}},
			{Device: failed, FailedStep: commission.StepSetKey},
		},
	})

	if got, _ := reg.Key(); !got.Equal(key) {
		t.Error("project key should be taken from the report")
	}
	d := reg.GetDevice("00000010")
	if d == nil {
		t.Fatal("commissioned device should be recorded")
	}
	if d.LastIP != "10.0.0.20" || d.MAC != "0A0B0C0D0E0F" || d.DeviceType != "panel" || d.PrivateKey != "0909" {
		t.Errorf("recorded device = %+v", d)
	}
	if reg.GetDevice("00000011") != nil {
		t.Error("failed device should not be recorded")
	}
}

func TestRegistryRecordReportKeepsKeyOfFailedDevices(t *testing.T) {
	reg := NewRegistry()
	key, _ := cipherkey.Generate()
	dev := &discovery.Device{Serial: 0x20, IP: netip.MustParseAddr("10.0.0.30")}

	reg.RecordReport(&commission.Report{
		ProjectKey: key,
		Outcomes: []*commission.Outcome{
			{Device: dev, KeySet: true, FailedStep: commission.StepAlive, Err: commission.ErrNotAlive},
		},
	})

	got, err := reg.Key()
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	if !got.Equal(key) {
		t.Error("project key must be stored once a device accepted it")
	}
	d := reg.GetDevice("00000020")
	if d == nil {
		t.Fatal("device holding the project key should be recorded")
	}
	if d.LastIP != "10.0.0.30" {
		t.Errorf("LastIP = %q, want 10.0.0.30", d.LastIP)
	}
}

func TestRegistryRecordReportWithoutKeyHandover(t *testing.T) {
	reg := NewRegistry()
	key, _ := cipherkey.Generate()

	reg.RecordReport(&commission.Report{
		ProjectKey: key,
		Outcomes: []*commission.Outcome{
			{Device: &discovery.Device{Serial: 0x21}, FailedStep: commission.StepSetKey, Err: commission.ErrKeyNotAccepted},
		},
	})

	if reg.ProjectKey != "" {
		t.Error("a key no device accepted should not become the project key")
	}
}

func TestRegistryApply(t *testing.T) {
	reg := NewRegistry()
	key, _ := cipherkey.Generate()
	reg.SetKey(key)
	reg.Network = &Network{
		LocalIP:   "10.0.0.1",
		Gateway:   "10.0.0.254",
		PoolStart: "10.0.0.100",
		Port:      1500,
	}
	reg.Timeouts = &Timeouts{Request: "750ms", Address: "45s", Probe: "200ms", Alive: "20s"}
	reg.SetPrivateKey(0x42, []byte{1})
	reg.UpdateDeviceLastSeen("00000042", "10.0.0.101")

	cfg := commission.Config{Gateway: netip.MustParseAddr("10.0.0.250")}
	if err := reg.Apply(&cfg); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if !cfg.ProjectKey.Equal(key) {
		t.Error("ProjectKey not applied")
	}
	if cfg.LocalIP != netip.MustParseAddr("10.0.0.1") || cfg.PoolStart != netip.MustParseAddr("10.0.0.100") {
		t.Errorf("addresses not applied: %+v", cfg)
	}
	if cfg.Gateway != netip.MustParseAddr("10.0.0.250") {
		t.Error("Apply() should keep fields already set")
	}
	if cfg.Port != 1500 || cfg.RequestTimeout != 750*time.Millisecond || cfg.AliveTimeout != 20*time.Second {
		t.Errorf("port/timeouts not applied: %+v", cfg)
	}
	if cfg.AddressTimeout != 45*time.Second || cfg.ProbeTimeout != 200*time.Millisecond {
		t.Errorf("address/probe timeouts not applied: %v %v", cfg.AddressTimeout, cfg.ProbeTimeout)
	}
	if len(cfg.KnownKeys) != 1 {
		t.Errorf("KnownKeys = %v", cfg.KnownKeys)
	}
	if len(cfg.Used) != 1 || cfg.Used[0] != netip.MustParseAddr("10.0.0.101") {
		t.Errorf("Used = %v", cfg.Used)
	}
}

func TestRegistryInterfaceRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.DeviceTypes = []*DeviceType{{
		Name:            "din-rail",
		HardwareType:    0x13,
		HardwareVersion: 1,
		FirmwareType:    3,
		FirmwareVersion: 0x0a,
	}}

	got, ok := reg.InterfaceRegistry().Lookup(commission.Descriptor{
		HardwareType: 0x13, HardwareVersion: 1, FirmwareType: 3, FirmwareVersion: 0x0a,
	})
	if !ok || got.Name != "din-rail" {
		t.Errorf("Lookup() = %+v, %v", got, ok)
	}
}

func TestRegistrySaveAndLoad(t *testing.T) {
	for _, name := range []string{"project.yaml", "project.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)

			reg := NewRegistry()
			key, _ := cipherkey.Generate()
			reg.SetKey(key)
			reg.Network.LocalIP = "10.0.0.1"
			reg.Timeouts.Discovery = "5s"
			reg.SetPrivateKey(0xABCD, []byte{1, 2, 3, 4})
			reg.SetDeviceNickname("0000ABCD", "Hall")
			reg.DeviceTypes = []*DeviceType{{Name: "panel", HardwareType: 1}}

			if err := reg.SaveTo(path); err != nil {
				t.Fatalf("SaveTo() error = %v", err)
			}
			if reg.Path() != path {
				t.Errorf("Path() = %v, want %v", reg.Path(), path)
			}

			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("saved file missing: %v", err)
			}
			if runtime.GOOS != "windows" && info.Mode().Perm() != 0600 {
				t.Errorf("file mode = %v, want 0600", info.Mode().Perm())
			}
			if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
				t.Error("temporary file should be renamed away")
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if got, _ := loaded.Key(); !got.Equal(key) {
				t.Error("project key lost")
			}
			if loaded.Network.LocalIP != "10.0.0.1" || loaded.Timeouts.Discovery != "5s" {
				t.Errorf("settings lost: %+v %+v", loaded.Network, loaded.Timeouts)
			}
			d := loaded.GetDevice("0000ABCD")
			if d == nil || d.Nickname != "Hall" || d.PrivateKey != "01020304" {
				t.Errorf("device lost: %+v", d)
			}
			if len(loaded.DeviceTypes) != 1 || loaded.DeviceTypes[0].Name != "panel" {
				t.Errorf("device types lost: %+v", loaded.DeviceTypes)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if reg.Version != 1 || len(reg.Devices) != 0 {
		t.Errorf("Load() of a missing file should return a new registry, got %+v", reg)
	}
	if reg.Path() != path {
		t.Errorf("Path() = %v, want %v", reg.Path(), path)
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"version.yaml": "version: 7\n",
		"syntax.yaml":  "version: [\n",
		"invalid.toml": "version = 1\n[network]\nlocal_ip = \"300.1.1.1\"\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("Load(%s) should fail", name)
		}
	}
}

func BenchmarkEnsureDevice(b *testing.B) {
	reg := NewRegistry()
	for i := 0; i < b.N; i++ {
		reg.EnsureDevice("0000ABCD")
	}
}
