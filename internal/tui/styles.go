package tui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	colorAccent  = lipgloss.Color("62")
	colorDim     = lipgloss.Color("240")
	colorRunning = lipgloss.Color("214")
	colorOK      = lipgloss.Color("42")
	colorReview  = lipgloss.Color("39")
	colorBad     = lipgloss.Color("196")
)

func paneStyle(focused bool) lipgloss.Style {
	border := colorDim
	if focused {
		border = colorAccent
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(border)
}

var (
	StyleStatusRunning  = lipgloss.NewStyle().Foreground(colorRunning).Bold(true)
	StyleStatusComplete = lipgloss.NewStyle().Foreground(colorOK).Bold(true)
	StyleStatusReview   = lipgloss.NewStyle().Foreground(colorReview).Bold(true)
	StyleStatusFailed   = lipgloss.NewStyle().Foreground(colorBad).Bold(true)
	StyleStatusPending  = lipgloss.NewStyle().Foreground(colorDim)

	StyleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleSelected = lipgloss.NewStyle().Background(colorAccent).Foreground(lipgloss.Color("0"))
	StyleMuted    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)
