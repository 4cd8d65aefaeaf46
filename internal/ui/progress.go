package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/muurk/cluctl/internal/commission"
	"github.com/muurk/cluctl/internal/protocol"
)

// DeviceRow is the latest state of one device in a commissioning run
type DeviceRow struct {
	Serial   uint64
	Index    int
	Step     commission.Step
	Status   commission.Status
	Message  string
	Err      error
	Warnings int
	Finished bool
}

// Failed reports whether the device stopped on an error
func (r *DeviceRow) Failed() bool {
	return r.Status == commission.StatusFailed
}

// Tracker folds commissioning events into per-device rows
type Tracker struct {
	Total     int
	Discovery commission.Status
	Rows      []*DeviceRow
	Width     int

	discovered bool
	bar        progress.Model
}

// NewTracker creates an empty tracker
func NewTracker(width int) *Tracker {
	t := &Tracker{Width: clampWidth(width)}
	barWidth := t.Width - 30
	if barWidth > 50 {
		barWidth = 50
	}
	t.bar = progress.New(progress.WithDefaultGradient(), progress.WithWidth(barWidth))
	return t
}

// Apply records one event
func (t *Tracker) Apply(e commission.Event) {
	if e.Total > t.Total {
		t.Total = e.Total
	}
	if e.Serial == 0 {
		t.Discovery = e.Status
		if e.Step == commission.StepDiscover && e.Status != commission.StatusStarted {
			t.discovered = true
		}
		return
	}

	row := t.row(e.Serial, e.Index)
	if e.Status == commission.StatusWarning {
		row.Warnings++
	}
	row.Step, row.Status, row.Message, row.Err = e.Step, e.Status, e.Message, e.Err
	if e.Status == commission.StatusFailed || e.Step == commission.StepDone {
		row.Finished = true
	}
}

func (t *Tracker) row(serial uint64, index int) *DeviceRow {
	for _, r := range t.Rows {
		if r.Serial == serial {
			return r
		}
	}
	r := &DeviceRow{Serial: serial, Index: index}
	t.Rows = append(t.Rows, r)
	return r
}

// Finished returns the number of devices that reached a final state
func (t *Tracker) Finished() int {
	n := 0
	for _, r := range t.Rows {
		if r.Finished {
			n++
		}
	}
	return n
}

// Percent is the fraction of devices finished
func (t *Tracker) Percent() float64 {
	if t.Total == 0 {
		return 0
	}
	return float64(t.Finished()) / float64(t.Total)
}

// Render draws the bar and one line per device. spin is drawn next to the
// active device.
func (t *Tracker) Render(spin string) string {
	var b strings.Builder

	if !t.discovered {
		b.WriteString("  " + spin + " " + StepRunningStyle.Render("Discovering controllers..."))
		return b.String()
	}
	if t.Total == 0 {
		b.WriteString("  " + StepPendingStyle.Render("No controllers answered the discovery broadcast."))
		return b.String()
	}

	fmt.Fprintf(&b, "  %s  %3.0f%%  [%d/%d]\n\n", t.bar.ViewAs(t.Percent()), t.Percent()*100, t.Finished(), t.Total)
	for i, r := range t.Rows {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(t.renderRow(r, spin))
	}
	return b.String()
}

func (t *Tracker) renderRow(r *DeviceRow, spin string) string {
	var marker string
	var style lipgloss.Style
	switch {
	case r.Failed():
		marker, style = MarkerFailure, ErrorTitleStyle
	case r.Finished && r.Warnings > 0:
		marker, style = MarkerWarning, WarningTitleStyle
	case r.Finished:
		marker, style = MarkerComplete, StepCompleteStyle
	default:
		marker, style = spin, StepRunningStyle
	}

	line := fmt.Sprintf("  [%d/%d] %s  %s  %s", r.Index, t.Total,
		ValueStyle.Render(protocol.FormatSerial(r.Serial)),
		style.Render(marker),
		style.Render(r.Step.String()))

	note := r.Message
	if r.Err != nil {
		note = r.Err.Error()
	}
	if note != "" {
		line += "  " + StepNoteStyle.Render("("+note+")")
	}
	return line
}

// EventLine renders an event as a single plain line for logs and non
// terminal output
func EventLine(e commission.Event) string {
	var b strings.Builder
	if e.Serial == 0 {
		fmt.Fprintf(&b, "%s: %s", e.Step, e.Status)
	} else {
		fmt.Fprintf(&b, "[%d/%d] %s %s: %s", e.Index, e.Total, protocol.FormatSerial(e.Serial), e.Step, e.Status)
	}
	if e.Message != "" {
		b.WriteString(" (" + e.Message + ")")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}
