package main

import (
	"github.com/charmbracelet/lipgloss"

	"hotforge/internal/artifact"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).TabWidth(lipgloss.NoTabConversion)

	statusStyles = map[artifact.Status]lipgloss.Style{
		artifact.StatusIntegrated: lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")),
		artifact.StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")).Bold(true),
		artifact.StatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C")),
	}
)

// styleStatus renders a status for terminal output. Without a color
// terminal the text is returned unchanged.
func styleStatus(s artifact.Status) string {
	st, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return st.Render(string(s))
}

func header(s string) string {
	return headerStyle.Render(s)
}
