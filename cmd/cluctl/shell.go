package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/muurk/cluctl/internal/config"
	"github.com/muurk/cluctl/internal/session"
)

var shellCmd = &cobra.Command{
	Use:   "shell <serial>",
	Short: "Interactive script console for a controller",
	Long: `Open a session with a controller and evaluate each entered line as a
script. Lines starting with '.' are console commands; type .help for a list.`,
	Args: cobra.ExactArgs(1),
	RunE: runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

func runShell(cmd *cobra.Command, args []string) error {
	client, dev, _, err := openTarget(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer client.Close()

	historyFile := ""
	if dir, err := config.GetConfigDir(); err == nil {
		historyFile = filepath.Join(dir, "shell_history")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          dev.SerialHex() + "> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       ".quit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	out := rl.Stdout()
	fmt.Fprintf(out, "Connected to %s at %s (key %s). Type .help for commands.\n", dev.SerialHex(), client.Addr(), client.Key().Fingerprint())

	ctx := cmd.Context()
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return nil
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, ".") {
			if quit := shellCommand(cmd, client, out, input); quit {
				return nil
			}
			continue
		}

		value, ok, err := client.Execute(ctx, input)
		switch {
		case err != nil:
			fmt.Fprintf(out, "error: %v\n", err)
		case !ok:
			fmt.Fprintln(out, "(no response)")
		default:
			fmt.Fprintln(out, value)
		}
	}
}

func shellCommand(cmd *cobra.Command, client *session.Client, out io.Writer, input string) (quit bool) {
	ctx := cmd.Context()
	switch strings.Fields(input)[0] {
	case ".help", ".?":
		fmt.Fprintln(out, `Console commands:
  .alive   run the liveness check
  .addr    show the session address and key fingerprint
  .reset   reboot the controller
  .quit    leave the console
Anything else is sent to the controller as a script.`)
	case ".alive":
		alive, err := client.CheckAlive(ctx)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "alive: %t\n", alive)
	case ".addr":
		fmt.Fprintf(out, "%s key %s\n", client.Addr(), client.Key().Fingerprint())
	case ".reset":
		acked, err := client.Reset(ctx)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "reset sent (acknowledged: %t)\n", acked)
	case ".quit", ".exit", ".q":
		return true
	default:
		fmt.Fprintf(out, "unknown command %s (type .help)\n", input)
	}
	return false
}
