package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/muurk/cluctl/internal/cipherkey"
	"github.com/muurk/cluctl/internal/commission"
	"github.com/muurk/cluctl/internal/transport"
	"github.com/muurk/cluctl/internal/ui"
)

var (
	commissionLimit     int
	commissionPoolStart string
	commissionPoolEnd   string
	commissionGateway   string
	commissionYes       bool
	commissionNewKey    bool
	commissionIdentify  bool
	commissionMirror    string
	commissionDryRun    bool
)

var commissionCmd = &cobra.Command{
	Use:   "commission",
	Short: "Commission every controller on the segment into the project",
	Long: `Discover controllers and take each one through the commissioning
sequence: allocate an address from the pool, hand over the project key,
move the controller to its address, reset it and wait until it answers
the liveness check under the project key.

The project key is taken from the project file, or generated on the
first run. Commissioned controllers are recorded in the project file.`,
	Example: `  # Commission everything on 10.0.0.0/24, addresses from .100
  cluctl commission --local-ip 10.0.0.1 --gateway 10.0.0.254 --pool-start 10.0.0.100

  # Only the first controller, identify it from its descriptor mirror
  cluctl commission --limit 1 --identify --mirror ./mirror --yes`,
	RunE: runCommission,
}

func init() {
	f := commissionCmd.Flags()
	f.IntVar(&commissionLimit, "limit", 0, "Commission at most this many controllers (0 = all)")
	f.StringVar(&commissionPoolStart, "pool-start", "", "First address of the allocation pool (never assigned itself)")
	f.StringVar(&commissionPoolEnd, "pool-end", "", "Last address of the allocation pool (default: .254 of the pool start)")
	f.StringVar(&commissionGateway, "gateway", "", "Gateway sent to every controller")
	f.BoolVar(&commissionYes, "yes", false, "Do not ask for confirmation")
	f.BoolVar(&commissionNewKey, "new-key", false, "Generate a fresh project key even if one exists")
	f.BoolVar(&commissionIdentify, "identify", false, "Read the configuration descriptor to resolve each controller's type")
	f.StringVar(&commissionMirror, "mirror", "", "Directory holding <ip>/<file> copies served by the controllers' file servers")
	f.BoolVar(&commissionDryRun, "dry-run", false, "Print the effective settings and exit")
	rootCmd.AddCommand(commissionCmd)
}

func runCommission(cmd *cobra.Command, args []string) error {
	reg, err := loadProject()
	if err != nil {
		return err
	}
	s, err := resolveSettings(reg)
	if err != nil {
		return err
	}

	cfg := commission.Config{
		LocalIP:         s.LocalIP,
		Broadcast:       s.Broadcast,
		Port:            s.Port,
		RequestTimeout:  s.Timeout,
		Limit:           commissionLimit,
		FetchDescriptor: commissionIdentify,
	}
	if cfg.Gateway, err = pickAddr(commissionGateway, ""); err != nil {
		return fmt.Errorf("--gateway: %w", err)
	}
	if cfg.PoolStart, err = pickAddr(commissionPoolStart, ""); err != nil {
		return fmt.Errorf("--pool-start: %w", err)
	}
	if cfg.PoolEnd, err = pickAddr(commissionPoolEnd, ""); err != nil {
		return fmt.Errorf("--pool-end: %w", err)
	}
	if commissionNewKey {
		if cfg.ProjectKey, err = cipherkey.Generate(); err != nil {
			return err
		}
	}
	if err := reg.Apply(&cfg); err != nil {
		return fmt.Errorf("project %s: %w", reg.Path(), err)
	}
	if !cfg.LocalIP.IsValid() {
		cfg.LocalIP = transport.OutboundIP(cfg.Broadcast)
		if cfg.LocalIP.IsUnspecified() {
			return errors.New("cannot determine the local address; pass --local-ip")
		}
	}

	out := cmd.OutOrStdout()
	header := ui.NewHeader("Commissioning", cmd.CommandPath(),
		ui.Field{Key: "Project", Value: reg.Path()},
		ui.Field{Key: "Local IP", Value: cfg.LocalIP.String()},
		ui.Field{Key: "Broadcast", Value: fmt.Sprintf("%s:%d", cfg.Broadcast, cfg.Port)},
		ui.Field{Key: "Gateway", Value: addrOrDash(cfg.Gateway)},
		ui.Field{Key: "Pool", Value: fmt.Sprintf("%s - %s", addrOrDash(cfg.PoolStart), addrOrDash(cfg.PoolEnd))},
	)
	header.Width = ui.TerminalWidth(out)
	fmt.Fprintln(out, header.Render())
	fmt.Fprintln(out)

	if commissionDryRun {
		return nil
	}
	if !commissionYes {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("refusing to commission without confirmation; pass --yes")
		}
		if !ui.ConfirmCommissioning(os.Stdin, out, cfg.Broadcast.String()) {
			return nil
		}
	}

	orch := commission.New(cfg)
	if len(reg.DeviceTypes) > 0 {
		orch.Registry = reg.InterfaceRegistry()
	}
	if commissionMirror != "" {
		orch.Files = commission.DirectoryTransfer{Root: commissionMirror}
	}

	report, runErr := ui.RunCommission(cmd.Context(), out, func(ctx context.Context, observe commission.Observer) (*commission.Report, error) {
		orch.Observer = observe
		return orch.Run(ctx)
	})
	if report == nil {
		return runErr
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, ui.RenderReport(report, ui.TerminalWidth(out)))

	reg.RecordReport(report)
	if report.KeysHandedOver() > 0 {
		if err := reg.Save(); err != nil {
			return fmt.Errorf("%d controller(s) hold the project key %s but the project could not be saved: %w",
				report.KeysHandedOver(), report.ProjectKey, err)
		}
		fmt.Fprintf(out, "\nProject saved to %s\n", reg.Path())
	}

	if runErr != nil {
		return runErr
	}
	if report.Failed() > 0 {
		return fmt.Errorf("%d controller(s) failed", report.Failed())
	}
	return nil
}

func addrOrDash(a netip.Addr) string {
	if !a.IsValid() {
		return "-"
	}
	return a.String()
}
