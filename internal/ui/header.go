package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Field is one labelled value in a header or result box
type Field struct {
	Key   string
	Value string
}

// Header is the banner printed before a command runs
type Header struct {
	Title   string  // e.g. "Commissioning"
	Command string  // e.g. "cluctl commission --limit 4"
	Params  []Field // shown in order
	Width   int
}

// NewHeader creates a header sized for MaxContentWidth
func NewHeader(title, command string, params ...Field) *Header {
	return &Header{Title: title, Command: command, Params: params, Width: MaxContentWidth}
}

// Render returns the styled header
func (h *Header) Render() string {
	width := clampWidth(h.Width)

	top := lipgloss.JoinVertical(lipgloss.Left,
		HeaderTitleStyle.Render(strings.ToUpper(h.Title)),
		HeaderCommandStyle.Render(h.Command))

	content := top
	if len(h.Params) > 0 {
		content = lipgloss.JoinVertical(lipgloss.Left, top, Divider(width-6), renderFields(h.Params, 2))
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(PrimaryColor).
		Width(width - 2).
		Render(content)
}

func (h *Header) String() string {
	return h.Render()
}

// renderFields aligns keys to the longest one
func renderFields(fields []Field, indent int) string {
	keyWidth := 0
	for _, f := range fields {
		if n := lipgloss.Width(f.Key) + 1; n > keyWidth {
			keyWidth = n
		}
	}
	pad := strings.Repeat(" ", indent)
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		key := KeyStyle.Width(keyWidth).Render(f.Key + ":")
		lines = append(lines, pad+key+" "+ValueStyle.Render(f.Value))
	}
	return strings.Join(lines, "\n")
}
