package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/muurk/cluctl/internal/commission"
	"github.com/muurk/cluctl/internal/discovery"
)

// RenderTable lays out rows under a header with columns sized to content
func RenderTable(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if w := lipgloss.Width(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(widths))
		for i := range widths {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = style.Width(widths[i]).Render(cell)
		}
		return "  " + strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	lines := []string{line(header, TableHeaderStyle)}
	for _, row := range rows {
		lines = append(lines, line(row, ValueStyle))
	}
	return strings.Join(lines, "\n")
}

// RenderDevices lists discovered controllers
func RenderDevices(devices []*discovery.Device) string {
	if len(devices) == 0 {
		return "  " + StepPendingStyle.Render("No controllers found.")
	}
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, []string{d.SerialHex(), d.IP.String(), d.MAC, d.Auth.String()})
	}
	return RenderTable([]string{"SERIAL", "ADDRESS", "MAC", "AUTH"}, rows)
}

// RenderReport summarises a commissioning run as a result box followed by
// one row per device
func RenderReport(report *commission.Report, width int) string {
	res := NewSuccessResult("Commissioning complete")
	switch {
	case len(report.Outcomes) == 0:
		res = NewWarningResult("No controllers commissioned")
	case report.Failed() > 0:
		res = NewFailureResult("Commissioning incomplete", fmt.Errorf("%d of %d controller(s) failed", report.Failed(), len(report.Outcomes)))
	}
	res.Width = width
	res.Add("Run", report.RunID)
	if report.ProjectKey != nil {
		res.Add("Project key", report.ProjectKey.Fingerprint())
	}
	res.Add("Commissioned", fmt.Sprintf("%d", report.Succeeded()))
	res.Add("Duration", report.Finished.Sub(report.Started).Round(time.Millisecond).String())

	if len(report.Outcomes) == 0 {
		return res.Render()
	}

	rows := make([][]string, 0, len(report.Outcomes))
	for _, o := range report.Outcomes {
		status := MarkerComplete + " ok"
		switch {
		case !o.Succeeded():
			status = fmt.Sprintf("%s %s: %v", MarkerFailure, o.FailedStep, o.Err)
		case len(o.Warnings) > 0:
			status = MarkerWarning + " " + strings.Join(o.Warnings, "; ")
		}
		typ := "-"
		if o.DeviceType != nil {
			typ = o.DeviceType.Name
		}
		rows = append(rows, []string{o.Device.SerialHex(), o.Previous.String(), o.Device.IP.String(), typ, status})
	}
	return res.Render() + "\n\n" + RenderTable([]string{"SERIAL", "WAS", "NOW", "TYPE", "STATUS"}, rows)
}
