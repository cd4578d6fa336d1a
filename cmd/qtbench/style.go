package main

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// stateStyles colors launch and query states. Colors are dropped when w is
// not a terminal.
type stateStyles struct {
	completed lipgloss.Style
	failed    lipgloss.Style
	running   lipgloss.Style
	aborted   lipgloss.Style
	dim       lipgloss.Style
}

func newStateStyles(w io.Writer) stateStyles {
	r := lipgloss.NewRenderer(w)
	return stateStyles{
		completed: r.NewStyle().Foreground(lipgloss.Color("46")),
		failed:    r.NewStyle().Foreground(lipgloss.Color("196")),
		running:   r.NewStyle().Foreground(lipgloss.Color("220")),
		aborted:   r.NewStyle().Foreground(lipgloss.Color("208")),
		dim:       r.NewStyle().Foreground(lipgloss.Color("243")),
	}
}

// render must only be used for the last column of a tabwriter table, escape
// sequences would break the alignment of later columns.
func (s stateStyles) render(state string) string {
	switch state {
	case "completed":
		return s.completed.Render(state)
	case "failed", "error":
		return s.failed.Render(state)
	case "running", "pending":
		return s.running.Render(state)
	case "aborted", "interrupted":
		return s.aborted.Render(state)
	default:
		return s.dim.Render(state)
	}
}
