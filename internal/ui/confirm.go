package ui

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Confirm prints a warning box and asks the user to type phrase. It returns
// true only when the reply matches, ignoring case and surrounding space.
func Confirm(in io.Reader, out io.Writer, title string, warnings []string, phrase string) bool {
	var lines []string
	lines = append(lines, "", WarningTitleStyle.Render(fmt.Sprintf(" %s  WARNING  %s", MarkerWarning, title)), "")
	for _, w := range warnings {
		lines = append(lines, ValueStyle.Render("   • "+w))
	}
	lines = append(lines, "")

	fmt.Fprintln(out, boxStyle(WarningColor, TerminalWidth(out)).Render(strings.Join(lines, "\n")))
	fmt.Fprintln(out)
	fmt.Fprint(out, WarningTitleStyle.Render(fmt.Sprintf("To proceed, type %q and press Enter: ", phrase)))

	reply, err := bufio.NewReader(in).ReadString('\n')
	fmt.Fprintln(out)
	if err != nil && reply == "" {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(reply), phrase) {
		return true
	}
	fmt.Fprintln(out, KeyStyle.Render("  Operation cancelled."))
	return false
}

// ConfirmCommissioning asks before a run rewrites keys and addresses
func ConfirmCommissioning(in io.Reader, out io.Writer, broadcast string) bool {
	return Confirm(in, out, "COMMISSIONING", []string{
		"Every controller answering on " + broadcast + " will receive the project key",
		"Controllers will be readdressed from the configured pool and rebooted",
		"Controllers owned by another project answer as Unknown and are left alone",
	}, "yes")
}
