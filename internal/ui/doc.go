// Package ui renders cluctl's terminal output.
//
// Output is built from a few lipgloss components:
//
//   - Header: command banner with ordered parameters
//   - Result: success, warning and failure boxes
//   - Tracker: per-controller progress of a commissioning run
//   - RenderTable, RenderDevices and RenderReport for tabular listings
//
// RunCommission drives a commissioning pass behind a Bubble Tea view with a
// spinner and progress bar when stdout is a terminal, and falls back to one
// plain line per event otherwise, so output piped to a file stays readable.
//
// # Logging Integration
//
// zap logging stays silent unless CLUCTL_LOG_LEVEL or --log-level is set,
// so the curated output here is not interleaved with log lines.
package ui
