// Package tui is the terminal dashboard for a running daemon. It only reads
// the event bus.
package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskforge/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PanePool
	PaneAlerts
	paneCount
)

// Model is the root Bubble Tea model: tasks on the left, pool load over
// alerts on the right, key help at the bottom.
type Model struct {
	taskPane   TaskPaneModel
	poolPane   PoolPaneModel
	alertsPane AlertsPaneModel
	help       help.Model
	focus      PaneID
	sub        <-chan events.Event
	width      int
	height     int
	quitting   bool
}

// New creates a dashboard subscribed to every topic on bus.
func New(bus *events.Bus) Model {
	return Model{
		taskPane:   NewTaskPaneModel(),
		poolPane:   NewPoolPaneModel(),
		alertsPane: NewAlertsPaneModel(),
		help:       help.New(),
		focus:      PaneTasks,
		sub:        bus.SubscribeAll(256),
	}
}

// Init starts listening on the bus.
func (m Model) Init() tea.Cmd {
	return nextEvent(m.sub)
}

// nextEvent delivers one bus event as a message. A closed bus ends the
// subscription.
func nextEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-sub
		if !ok {
			return nil
		}
		return evt
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.layout()
		return m, nil

	case events.TaskStageEvent, events.TaskFinishedEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		m.poolPane.SetCounts(m.taskPane.Counts())
		return m, tea.Batch(cmd, nextEvent(m.sub))

	case events.HealthSampleEvent:
		m.poolPane, _ = m.poolPane.Update(msg)
		return m, nextEvent(m.sub)

	case events.AlertEvent:
		m.alertsPane, _ = m.alertsPane.Update(msg)
		return m, nextEvent(m.sub)

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		m.quitting = true
		return m, tea.Quit
	case key.Matches(msg, keys.Next):
		m.setFocus((m.focus + 1) % paneCount)
	case key.Matches(msg, keys.Prev):
		m.setFocus((m.focus + paneCount - 1) % paneCount)
	case key.Matches(msg, keys.Tasks):
		m.setFocus(PaneTasks)
	case key.Matches(msg, keys.Pool):
		m.setFocus(PanePool)
	case key.Matches(msg, keys.Alerts):
		m.setFocus(PaneAlerts)
	default:
		var cmd tea.Cmd
		switch m.focus {
		case PaneTasks:
			m.taskPane, cmd = m.taskPane.Update(msg)
		case PaneAlerts:
			m.alertsPane, cmd = m.alertsPane.Update(msg)
		}
		return m, cmd
	}
	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	right := lipgloss.JoinVertical(lipgloss.Left, m.poolPane.View(), m.alertsPane.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), right)
	return lipgloss.JoinVertical(lipgloss.Left, body, m.help.View(keys))
}

// layout sizes the panes: tasks take 60% of the width, pool and alerts
// split the rest vertically. One line is kept for help.
func (m *Model) layout() {
	leftWidth := m.width * 60 / 100
	rightWidth := m.width - leftWidth
	bodyHeight := m.height - 1
	poolHeight := bodyHeight * 55 / 100

	m.taskPane.SetSize(leftWidth, bodyHeight)
	m.poolPane.SetSize(rightWidth, poolHeight)
	m.alertsPane.SetSize(rightWidth, bodyHeight-poolHeight)
	m.setFocus(m.focus)
}

func (m *Model) setFocus(p PaneID) {
	m.focus = p
	m.taskPane.SetFocused(p == PaneTasks)
	m.poolPane.SetFocused(p == PanePool)
	m.alertsPane.SetFocused(p == PaneAlerts)
}
