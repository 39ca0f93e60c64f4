package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/germanamz/batchman/pkg/lifecycle"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")) // gray
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // red

	statusColors = map[lifecycle.Status]lipgloss.Color{
		lifecycle.Initializing: "8", // gray
		lifecycle.Validating:   "3", // yellow
		lifecycle.Registered:   "3",
		lifecycle.InProgress:   "4", // blue
		lifecycle.Completed:    "2", // green
		lifecycle.Downloaded:   "6", // cyan
		lifecycle.Cancelled:    "5", // magenta
		lifecycle.Failed:       "1", // red
	}
)

func statusStyle(s lifecycle.Status) lipgloss.Style {
	c, ok := statusColors[s]
	if !ok {
		return lipgloss.NewStyle()
	}

	return lipgloss.NewStyle().Foreground(c)
}
