package discovery

import (
	"net/netip"
	"testing"

	"github.com/muurk/cluctl/internal/cipherkey"
)

func TestDevice_String(t *testing.T) {
	device := &Device{
		Serial: 0x12c8f0d0,
		MAC:    "0a0012c8f0d0",
		IP:     netip.MustParseAddr("192.168.1.50"),
		Auth:   AuthProject,
	}

	expected := "CLU 12c8f0d0 (0a0012c8f0d0) at 192.168.1.50 [Project]"
	if device.String() != expected {
		t.Errorf("Device.String() = %v, want %v", device.String(), expected)
	}
}

func TestDevice_SerialHex(t *testing.T) {
	tests := []struct {
		name     string
		serial   uint64
		expected string
	}{
		{name: "padded", serial: 0x1a, expected: "0000001a"},
		{name: "full width", serial: 0xdeadbeef, expected: "deadbeef"},
		{name: "zero", serial: 0, expected: "00000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Device{Serial: tt.serial}
			if got := d.SerialHex(); got != tt.expected {
				t.Errorf("Device.SerialHex() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDevice_EqualBySerialOnly(t *testing.T) {
	a := &Device{Serial: 7, IP: netip.MustParseAddr("10.0.0.1"), Auth: AuthUnknown}
	b := &Device{Serial: 7, IP: netip.MustParseAddr("10.0.0.2"), Auth: AuthProject, MAC: "x"}
	c := &Device{Serial: 8, IP: a.IP}

	if !a.Equal(b) {
		t.Error("devices with the same serial should be equal")
	}
	if a.Equal(c) {
		t.Error("devices with different serials should differ")
	}
	if a.Equal(nil) {
		t.Error("device should not equal nil")
	}
	var none *Device
	if !none.Equal(nil) {
		t.Error("nil should equal nil")
	}
}

func TestDevice_BootstrapKey(t *testing.T) {
	iv := [cipherkey.IVSize]byte{1, 2, 3}

	factory := &Device{IV: iv}
	want := cipherkey.DeriveBootstrap(iv[:], cipherkey.FactoryPrivateKey)
	if !factory.BootstrapKey().Equal(want) {
		t.Error("device without private key should use the factory placeholder")
	}

	own := &Device{IV: iv, PrivateKey: []byte("secret01")}
	if own.BootstrapKey().Equal(want) {
		t.Error("private key should change the bootstrap key")
	}
}

func TestDevice_SessionKey(t *testing.T) {
	d := &Device{IV: [cipherkey.IVSize]byte{9}}
	if !d.SessionKey().Equal(d.BootstrapKey()) {
		t.Error("session key should default to the bootstrap key")
	}

	project, err := cipherkey.Generate()
	if err != nil {
		t.Fatal(err)
	}
	d.Key = project
	got := d.SessionKey()
	if !got.Equal(project) {
		t.Error("session key should be the configured key")
	}
	got.Secret[0] ^= 0xff
	if !d.Key.Equal(project) {
		t.Error("SessionKey should return a copy")
	}
}
