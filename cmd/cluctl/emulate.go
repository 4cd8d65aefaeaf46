package main

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/cluctl/internal/cipherkey"
	"github.com/muurk/cluctl/internal/cluemu"
	"github.com/muurk/cluctl/internal/protocol"
	"github.com/muurk/cluctl/internal/transport"
)

var (
	emuSerial        string
	emuIP            string
	emuMAC           string
	emuPrivateKey    string
	emuKey           string
	emuRejectAddress bool
	emuSilentReset   bool
	emuRebootDelay   time.Duration
	emuAliveReply    string
	emuEcho          bool
)

var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Run a software CLU controller on this host",
	Long: `Answer discovery and commands on the controller port like a CLU would.
Useful for trying cluctl without hardware and for exercising commissioning
against controllers that refuse an address or reset silently.

The emulator listens on all interfaces; --ip is the address it reports.`,
	Example: `  # A factory-fresh controller
  cluctl emulate --serial 00c0ffee --ip 10.0.0.50 --private-key $(cluctl keygen --private)

  # One that keeps its address and reboots without acknowledging
  cluctl emulate --serial 1 --ip 10.0.0.51 --reject-address --silent-reset`,
	Args: cobra.NoArgs,
	RunE: runEmulate,
}

func init() {
	f := emulateCmd.Flags()
	f.StringVar(&emuSerial, "serial", "", "Serial number, up to 8 hex digits (required)")
	f.StringVar(&emuIP, "ip", "", "Address the controller reports (required)")
	f.StringVar(&emuMAC, "mac", "", "MAC address, 12 hex digits (default: derived from the serial)")
	f.StringVar(&emuPrivateKey, "private-key", "", "Device private key as hex (default: factory placeholder)")
	f.StringVar(&emuKey, "key", "", "Start already commissioned with this key")
	f.BoolVar(&emuRejectAddress, "reject-address", false, "Keep the current address on SetAddress")
	f.BoolVar(&emuSilentReset, "silent-reset", false, "Reboot without acknowledging resets")
	f.DurationVar(&emuRebootDelay, "reboot-delay", 2*time.Second, "Time the controller stays silent after a reset")
	f.StringVar(&emuAliveReply, "alive-reply", cluemu.ReplyTrue, "Value returned by checkAlive()")
	f.BoolVar(&emuEcho, "echo", false, "Answer every script with the script text")
	_ = emulateCmd.MarkFlagRequired("serial")
	_ = emulateCmd.MarkFlagRequired("ip")
	rootCmd.AddCommand(emulateCmd)
}

func runEmulate(cmd *cobra.Command, args []string) error {
	serial, err := parseSerial(emuSerial)
	if err != nil {
		return err
	}
	ip, err := pickAddr(emuIP, "")
	if err != nil || !ip.IsValid() {
		return fmt.Errorf("--ip: invalid address %q", emuIP)
	}

	cfg := cluemu.Config{
		Serial:        serial,
		MAC:           emuMAC,
		IP:            ip,
		RejectAddress: emuRejectAddress,
		SilentReset:   emuSilentReset,
		RebootDelay:   emuRebootDelay,
		AliveReply:    emuAliveReply,
	}
	if emuPrivateKey != "" {
		if cfg.PrivateKey, err = hex.DecodeString(emuPrivateKey); err != nil {
			return fmt.Errorf("--private-key: %w", err)
		}
	}
	if emuKey != "" {
		if cfg.Key, err = cipherkey.Parse(emuKey); err != nil {
			return fmt.Errorf("--key: %w", err)
		}
	}
	if emuEcho {
		cfg.Eval = func(script string) (string, bool) { return script, true }
	}

	port := portFlag
	if port == 0 {
		port = transport.DefaultPort
	}
	cfg.Port = port

	ctx := cmd.Context()
	conn, err := transport.UDPNetwork{}.ListenPacket(ctx, netip.AddrPortFrom(netip.IPv4Unspecified(), port))
	if err != nil {
		return err
	}
	dev, err := cluemu.New(cfg, conn)
	if err != nil {
		conn.Close()
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Emulating CLU %s (%s) at %s, listening on %s. Ctrl+C to stop.\n",
		protocol.FormatSerial(serial), dev.MAC(), ip, conn.LocalAddr())
	fmt.Fprintf(cmd.OutOrStdout(), "Active key %s\n", dev.Key().Fingerprint())

	err = dev.Serve(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "Stopped after %d reset(s); final key %s\n", dev.Resets(), dev.Key().Fingerprint())
	return err
}
