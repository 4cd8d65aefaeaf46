// Cluctl discovers, commissions and drives CLU home automation controllers
// over their UDP command protocol.
//
// Usage:
//
//	cluctl [command] [flags]
//
// See 'cluctl --help' for available commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/cluctl/internal/logging"
	"github.com/muurk/cluctl/internal/version"
)

// Global flags
var (
	projectPath   string
	logLevel      string
	logFile       string
	localIPFlag   string
	broadcastFlag string
	portFlag      uint16
	timeoutFlag   time.Duration
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cluctl",
	Short: "CLU controller commissioning and control utility",
	Long: `A utility for CLU home automation controllers.

Finds controllers on the local segment, commissions factory-fresh units
into a project (shared cipher key, addresses from a pool), and runs
scripts and maintenance commands against commissioned controllers.

Project state (key, known controllers, network settings) is kept in a
project file, by default in the user configuration directory.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.InitializeWithFile(logLevel, logFile); err != nil {
			return fmt.Errorf("failed to initialise logging: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&projectPath, "project", "", "Project file (default: user config dir, .toml selects TOML)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: $"+logging.LogLevelEnvVar+", silent when unset)")
	pf.StringVar(&logFile, "log-file", "", "Also write JSON logs to this rotating file (default: $"+logging.LogFileEnvVar+")")
	pf.StringVar(&localIPFlag, "local-ip", "", "Local IPv4 address on the controller segment (default: project, then route lookup)")
	pf.StringVar(&broadcastFlag, "broadcast", "", "Discovery broadcast address (default: project, then 255.255.255.255)")
	pf.Uint16Var(&portFlag, "port", 0, "Controller command port (default: project, then 1234)")
	pf.DurationVar(&timeoutFlag, "timeout", 0, "Per-request timeout (default: project, then 2s)")

	rootCmd.AddCommand(versionCmd)
}

var versionFormat string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionFormat != "text" {
			return printFormatted(cmd.OutOrStdout(), versionFormat, version.Get())
		}
		info := version.Get()
		fmt.Fprintf(cmd.OutOrStdout(), "cluctl %s (commit: %s) %s %s\n", info.Version, info.Commit, info.GoVersion, info.Platform)
		return nil
	},
}

func init() {
	versionCmd.Flags().StringVar(&versionFormat, "format", "text", "Output format (text, json, yaml)")
}
