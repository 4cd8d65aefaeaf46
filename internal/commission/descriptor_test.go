package commission

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
)

func TestParseDescriptor(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    Descriptor
		wantErr error
	}{
		{
			name: "complete",
			data: `{"hardwareType":19,"hardwareVersion":2,"firmwareType":3,"firmwareVersion":1304,"objects":[]}`,
			want: Descriptor{HardwareType: 19, HardwareVersion: 2, FirmwareType: 3, FirmwareVersion: 1304},
		},
		{
			name: "zero values are present values",
			data: `{"hardwareType":0,"hardwareVersion":0,"firmwareType":0,"firmwareVersion":0}`,
			want: Descriptor{},
		},
		{
			name:    "missing firmware version",
			data:    `{"hardwareType":19,"hardwareVersion":2,"firmwareType":3}`,
			wantErr: ErrIncompleteDescriptor,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDescriptor([]byte(tt.data))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseDescriptor() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDescriptor() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseDescriptor() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseDescriptor_InvalidJSON(t *testing.T) {
	if _, err := ParseDescriptor([]byte("<xml/>")); err == nil {
		t.Error("expected error for non-JSON input")
	}
}

func TestStaticRegistry(t *testing.T) {
	d := Descriptor{HardwareType: 19, HardwareVersion: 2, FirmwareType: 3, FirmwareVersion: 1304}
	r := StaticRegistry{d: {Name: "CLU_ZWAVE"}}

	if got, ok := r.Lookup(d); !ok || got.Name != "CLU_ZWAVE" {
		t.Errorf("Lookup() = %v, %v", got, ok)
	}
	d.FirmwareVersion++
	if _, ok := r.Lookup(d); ok {
		t.Error("Lookup() should miss for another firmware version")
	}
}

func TestDirectoryTransfer(t *testing.T) {
	root := t.TempDir()
	ip := netip.MustParseAddr("192.168.1.101")
	dir := filepath.Join(root, ip.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "CONFIG.JSON"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	tr := DirectoryTransfer{Root: root}
	for _, remote := range []string{`a:\CONFIG.JSON`, "CONFIG.JSON", "/CONFIG.JSON"} {
		data, err := tr.Download(context.Background(), ip, remote)
		if err != nil {
			t.Errorf("Download(%q) error = %v", remote, err)
			continue
		}
		if string(data) != "{}" {
			t.Errorf("Download(%q) = %q", remote, data)
		}
	}

	if _, err := tr.Download(context.Background(), ip, `a:\..\..\etc\passwd`); err == nil {
		t.Error("path traversal should not escape the mirror")
	}
}
