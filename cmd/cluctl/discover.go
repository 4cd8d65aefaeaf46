package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/cluctl/internal/discovery"
	"github.com/muurk/cluctl/internal/ui"
)

var (
	discoverWindow time.Duration
	discoverLimit  int
	discoverSave   bool
	discoverFormat string
	discoverSerial string
)

type discoveredDevice struct {
	Serial string    `json:"serial" yaml:"serial"`
	IP     string    `json:"ip" yaml:"ip"`
	MAC    string    `json:"mac" yaml:"mac"`
	Auth   string    `json:"auth" yaml:"auth"`
	SeenAt time.Time `json:"seen_at" yaml:"seen_at"`
}

var discoverCmd = &cobra.Command{
	Use:     "discover",
	Aliases: []string{"scan"},
	Short:   "Find CLU controllers on the local segment",
	Long: `Broadcast a discovery challenge and list every controller that answers.

Each controller is classified by how it answered the challenge:
  Project  the answer proves the private key on file for its serial
  None     a private key is on file but the answer did not match it
  Unknown  no private key is on file for the serial`,
	Example: `  # Listen for the default window
  cluctl discover

  # Stop after the first two controllers and remember them
  cluctl discover --limit 2 --save

  # Machine readable output
  cluctl discover --format json

  # Wait for one controller
  cluctl discover --serial 00c0ffee`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().DurationVar(&discoverWindow, "window", 0, "How long to collect answers (default: project, then 3s)")
	discoverCmd.Flags().IntVar(&discoverLimit, "limit", 0, "Stop after this many controllers (0 = no limit)")
	discoverCmd.Flags().BoolVar(&discoverSave, "save", false, "Record found controllers in the project file")
	discoverCmd.Flags().StringVar(&discoverFormat, "format", "table", "Output format (table, json, yaml)")
	discoverCmd.Flags().StringVar(&discoverSerial, "serial", "", "Only report the controller with this serial")
	rootCmd.AddCommand(discoverCmd)
}

func runDiscover(cmd *cobra.Command, args []string) error {
	reg, err := loadProject()
	if err != nil {
		return err
	}
	s, err := resolveSettings(reg)
	if err != nil {
		return err
	}
	if discoverWindow > 0 {
		s.Discovery = discoverWindow
	}

	out := cmd.OutOrStdout()
	if discoverFormat == "table" {
		fmt.Fprintf(out, "Broadcasting to %s:%d for %s...\n\n", s.Broadcast, s.Port, s.Discovery)
	}

	scanner := newScanner(reg, s)
	scanner.Limit = discoverLimit

	var devices []*discovery.Device
	if discoverSerial != "" {
		serial, err := parseSerial(discoverSerial)
		if err != nil {
			return err
		}
		dev, err := scanner.WaitForDevice(cmd.Context(), serial)
		if err != nil && !errors.Is(err, discovery.ErrNotFound) {
			return err
		}
		if dev != nil {
			devices = append(devices, dev)
		}
	} else if devices, err = scanner.Scan(cmd.Context()); err != nil {
		return err
	}

	if discoverSave && len(devices) > 0 {
		for _, d := range devices {
			reg.RecordDevice(d)
		}
		if err := reg.Save(); err != nil {
			return fmt.Errorf("failed to save project: %w", err)
		}
	}

	if discoverFormat != "table" {
		list := make([]discoveredDevice, 0, len(devices))
		for _, d := range devices {
			list = append(list, discoveredDevice{
				Serial: d.SerialHex(),
				IP:     d.IP.String(),
				MAC:    d.MAC,
				Auth:   d.Auth.String(),
				SeenAt: d.DiscoveredAt,
			})
		}
		return printFormatted(out, discoverFormat, list)
	}

	fmt.Fprintln(out, ui.RenderDevices(devices))
	if len(devices) == 0 {
		fmt.Fprintln(out, "\nThings to check:")
		fmt.Fprintln(out, "  - Controllers are powered and on the same segment")
		fmt.Fprintln(out, "  - --broadcast matches the segment (directed broadcast may be needed)")
		fmt.Fprintln(out, "  - UDP port", s.Port, "is not filtered by a local firewall")
		return nil
	}
	if discoverSave {
		fmt.Fprintf(out, "\nRecorded %d controller(s) in %s\n", len(devices), reg.Path())
	}
	return nil
}
