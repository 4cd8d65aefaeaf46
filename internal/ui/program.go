package ui

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/muurk/cluctl/internal/commission"
)

// RunFunc runs a commissioning pass, reporting progress to observe
type RunFunc func(ctx context.Context, observe commission.Observer) (*commission.Report, error)

type eventMsg commission.Event

type doneMsg struct {
	report *commission.Report
	err    error
}

// CommissionModel is the live view of a commissioning run
type CommissionModel struct {
	tracker  *Tracker
	spinner  spinner.Model
	cancel   context.CancelFunc
	aborting bool
	done     bool

	report *commission.Report
	err    error
}

// NewCommissionModel creates the model; cancel is called on ctrl+c
func NewCommissionModel(width int, cancel context.CancelFunc) CommissionModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = StepRunningStyle
	return CommissionModel{tracker: NewTracker(width), spinner: s, cancel: cancel}
}

// Init implements tea.Model
func (m CommissionModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model
func (m CommissionModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		m.tracker.Apply(commission.Event(msg))
		return m, nil
	case doneMsg:
		m.done = true
		m.report, m.err = msg.report, msg.err
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" && !m.aborting {
			m.aborting = true
			if m.cancel != nil {
				m.cancel()
			}
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.tracker.Width = clampWidth(msg.Width)
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model
func (m CommissionModel) View() string {
	spin := m.spinner.View()
	if m.done {
		spin = MarkerPending
	}
	view := m.tracker.Render(spin) + "\n"
	if m.aborting && !m.done {
		view += "\n  " + StepNoteStyle.Render("Cancelling, waiting for the current step...") + "\n"
	}
	return view
}

// RunCommission runs fn behind the live view when out is a terminal and
// prints one line per event otherwise.
func RunCommission(ctx context.Context, out io.Writer, fn RunFunc) (*commission.Report, error) {
	if !IsTerminal(out) {
		return fn(ctx, PlainObserver(out))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewCommissionModel(TerminalWidth(out), cancel), tea.WithOutput(out))

	result := make(chan doneMsg, 1)
	go func() {
		report, err := fn(ctx, func(e commission.Event) { p.Send(eventMsg(e)) })
		result <- doneMsg{report: report, err: err}
		p.Send(doneMsg{report: report, err: err})
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		cancel()
		done := <-result
		if done.err != nil {
			return done.report, done.err
		}
		return done.report, fmt.Errorf("terminal UI: %w", err)
	}
	done := <-result
	return done.report, done.err
}

// PlainObserver writes every event as a line to out
func PlainObserver(out io.Writer) commission.Observer {
	return func(e commission.Event) {
		fmt.Fprintln(out, EventLine(e))
	}
}
