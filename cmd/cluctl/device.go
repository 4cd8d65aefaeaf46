package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/cluctl/internal/cipherkey"
	"github.com/muurk/cluctl/internal/session"
	"github.com/muurk/cluctl/internal/transport"
	"github.com/muurk/cluctl/internal/ui"
)

var (
	aliveWait      time.Duration
	aliveInterval  time.Duration
	setIPGateway   string
	setKeyGenerate bool
	setKeyValue    string
	resetWait      time.Duration
)

func init() {
	for _, c := range []*cobra.Command{execCmd, aliveCmd, setIPCmd, setKeyCmd, resetCmd, ftpStartCmd, ftpStopCmd, shellCmd} {
		addDeviceFlags(c.Flags())
	}

	aliveCmd.Flags().DurationVar(&aliveWait, "wait", 0, "Keep polling until alive or this long has passed")
	aliveCmd.Flags().DurationVar(&aliveInterval, "interval", 500*time.Millisecond, "Polling interval with --wait")
	setIPCmd.Flags().StringVar(&setIPGateway, "gateway", "", "Gateway to send (default: project gateway)")
	setKeyCmd.Flags().BoolVar(&setKeyGenerate, "generate", false, "Generate a new project key and hand it over")
	setKeyCmd.Flags().StringVar(&setKeyValue, "key", "", "Key to hand over as \"base64(secret):base64(iv)\" (default: project key)")
	resetCmd.Flags().DurationVar(&resetWait, "wait", 0, "Wait this long for the controller to come back alive")

	ftpCmd.AddCommand(ftpStartCmd, ftpStopCmd)
	rootCmd.AddCommand(execCmd, aliveCmd, setIPCmd, setKeyCmd, resetCmd, ftpCmd)
}

var execCmd = &cobra.Command{
	Use:   "exec <serial> <script>",
	Short: "Run a script on a controller and print its value",
	Example: `  cluctl exec 00c0ffee 'getVar("uptime")'
  cluctl exec 00c0ffee --ip 10.0.0.20 'checkAlive()'`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, _, err := openTarget(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer client.Close()

		value, ok, err := client.Execute(cmd.Context(), strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		if !ok {
			return errNoResponse("exec", client)
		}
		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	},
}

var aliveCmd = &cobra.Command{
	Use:   "alive <serial>",
	Short: "Check whether a controller has finished booting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, _, err := openTarget(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer client.Close()

		alive, err := checkAlive(cmd.Context(), client, aliveWait, aliveInterval)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !alive {
			fmt.Fprintln(out, ui.NewWarningResult("Controller is not alive", ui.Field{Key: "Address", Value: client.Addr().String()}).Render())
			return fmt.Errorf("%08x is not alive", client.Serial())
		}
		fmt.Fprintln(out, ui.NewSuccessResult("Controller is alive", ui.Field{Key: "Address", Value: client.Addr().String()}).Render())
		return nil
	},
}

func checkAlive(ctx context.Context, client *session.Client, wait, interval time.Duration) (bool, error) {
	if wait <= 0 {
		return client.CheckAlive(ctx)
	}
	return transport.PollUntil(ctx, wait, interval, client.CheckAlive)
}

var setIPCmd = &cobra.Command{
	Use:   "set-ip <serial> <address>",
	Short: "Move a controller to another address",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ip, err := pickAddr(args[1], "")
		if err != nil || !ip.IsValid() {
			return fmt.Errorf("invalid address %q", args[1])
		}
		client, dev, reg, err := openTarget(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer client.Close()

		gwText := setIPGateway
		if gwText == "" && reg.Network != nil {
			gwText = reg.Network.Gateway
		}
		gateway, err := pickAddr(gwText, "")
		if err != nil || !gateway.IsValid() {
			return fmt.Errorf("a gateway is required (--gateway or network.gateway in the project)")
		}

		accepted, ok, err := client.SetAddress(cmd.Context(), ip, gateway)
		if err != nil {
			return err
		}
		if !ok {
			return errNoResponse("set-ip", client)
		}
		out := cmd.OutOrStdout()
		if accepted != ip {
			fmt.Fprintln(out, ui.NewWarningResult("Address change refused", ui.Field{Key: "Kept", Value: accepted.String()}).Render())
			return nil
		}

		if reg.GetDevice(dev.SerialHex()) != nil {
			reg.UpdateDeviceLastSeen(dev.SerialHex(), ip.String())
			if err := reg.Save(); err != nil {
				return fmt.Errorf("address changed but failed to save project: %w", err)
			}
		}
		fmt.Fprintln(out, ui.NewSuccessResult("Address changed",
			ui.Field{Key: "Controller", Value: dev.SerialHex()},
			ui.Field{Key: "Address", Value: ip.String()},
			ui.Field{Key: "Gateway", Value: gateway.String()}).Render())
		return nil
	},
}

var setKeyCmd = &cobra.Command{
	Use:   "set-key <serial>",
	Short: "Hand a cipher key to a controller",
	Long: `Send a new cipher key to a controller. The request is sealed with the
key currently in use and the controller acknowledges under the new key.

By default the project key is sent; --generate creates and saves a new
project key first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, dev, reg, err := openTarget(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer client.Close()

		var next *cipherkey.Key
		switch {
		case setKeyValue != "":
			next, err = cipherkey.Parse(setKeyValue)
		case setKeyGenerate:
			next, err = cipherkey.Generate()
		default:
			next, err = reg.Key()
			if err == nil && next == nil {
				err = fmt.Errorf("the project has no key; use --generate or --key")
			}
		}
		if err != nil {
			return err
		}

		ok, err := client.SetKey(cmd.Context(), next)
		if err != nil {
			return err
		}
		if !ok {
			return errNoResponse("set-key", client)
		}

		if setKeyGenerate || setKeyValue == "" {
			reg.SetKey(next)
			reg.RecordDevice(dev)
			if err := reg.Save(); err != nil {
				return fmt.Errorf("key set but failed to save project: %w", err)
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.NewSuccessResult("Key accepted",
			ui.Field{Key: "Controller", Value: dev.SerialHex()},
			ui.Field{Key: "Fingerprint", Value: next.Fingerprint()}).Render())
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <serial>",
	Short: "Reboot a controller",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, _, err := openTarget(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer client.Close()

		acked, err := client.Reset(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if acked {
			fmt.Fprintln(out, "Reset acknowledged")
		} else {
			fmt.Fprintln(out, "Reset sent (no acknowledgement, the controller may already be rebooting)")
		}

		if resetWait <= 0 {
			return nil
		}
		fmt.Fprintf(out, "Waiting up to %s for the controller to come back...\n", resetWait)
		alive, err := checkAlive(cmd.Context(), client, resetWait, aliveInterval)
		if err != nil {
			return err
		}
		if !alive {
			return fmt.Errorf("%08x did not come back within %s", client.Serial(), resetWait)
		}
		fmt.Fprintln(out, "Controller is alive")
		return nil
	},
}

var ftpCmd = &cobra.Command{
	Use:   "ftp",
	Short: "Control a controller's file transfer service",
}

var ftpStartCmd = &cobra.Command{
	Use:   "start <serial>",
	Short: "Start the file transfer service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, _, err := openTarget(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer client.Close()

		ok, err := client.StartFileServer(cmd.Context())
		if err != nil {
			return err
		}
		if !ok {
			return errNoResponse("ftp start", client)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "File server running on %s\n", client.Addr().Addr())
		return nil
	},
}

var ftpStopCmd = &cobra.Command{
	Use:   "stop <serial>",
	Short: "Stop the file transfer service",
	Long: `The controller firmware has no stop request; the service ends with the
next reset, so this reports success without contacting the controller.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, _, err := openTarget(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer client.Close()

		if _, err := client.StopFileServer(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "File server stop acknowledged")
		return nil
	},
}
