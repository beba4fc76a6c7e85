package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskforge/internal/events"
)

type alertKey struct{ kind, subject string }

// AlertsPaneModel lists raised alerts. A resolve event marks the matching
// alert resolved; resolved alerts stay until cleared.
type AlertsPaneModel struct {
	alerts  []events.AlertEvent
	width   int
	height  int
	focused bool
}

// NewAlertsPaneModel creates an empty alerts pane.
func NewAlertsPaneModel() AlertsPaneModel {
	return AlertsPaneModel{}
}

// Update handles messages for the alerts pane.
func (m AlertsPaneModel) Update(msg tea.Msg) (AlertsPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.AlertEvent:
		m.apply(msg)
	case tea.KeyMsg:
		if m.focused && key.Matches(msg, keys.Clear) {
			m.ClearResolved()
		}
	}
	return m, nil
}

func (m *AlertsPaneModel) apply(evt events.AlertEvent) {
	k := alertKey{evt.Kind, evt.Subject}
	for i := len(m.alerts) - 1; i >= 0; i-- {
		a := m.alerts[i]
		if (alertKey{a.Kind, a.Subject}) == k && !a.Resolved {
			if evt.Resolved {
				m.alerts[i].Resolved = true
				m.alerts[i].Timestamp = evt.Timestamp
			} else {
				m.alerts[i] = evt
			}
			return
		}
	}
	if !evt.Resolved {
		m.alerts = append(m.alerts, evt)
	}
}

// ClearResolved drops resolved alerts.
func (m *AlertsPaneModel) ClearResolved() {
	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if !a.Resolved {
			kept = append(kept, a)
		}
	}
	m.alerts = kept
}

// Active returns the number of unresolved alerts.
func (m AlertsPaneModel) Active() int {
	n := 0
	for _, a := range m.alerts {
		if !a.Resolved {
			n++
		}
	}
	return n
}

// View renders the alerts pane, newest last.
func (m AlertsPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(StyleTitle.Render(fmt.Sprintf("Alerts (%d)", m.Active())))
	b.WriteString("\n\n")

	if len(m.alerts) == 0 {
		b.WriteString(StyleStatusPending.Render("None"))
	}
	for _, a := range m.alerts {
		icon := StyleStatusFailed.Render("!")
		if a.Resolved {
			icon = StyleStatusComplete.Render("✓")
		}
		line := fmt.Sprintf("%s %s %s [%s] %s", icon, a.Timestamp.Format("15:04:05"), a.Kind, a.Subject, a.Message)
		if a.Resolved {
			line = StyleMuted.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return paneStyle(m.focused).
		Width(m.width - 2).
		Height(m.height - 2).
		Render(lipgloss.NewStyle().MaxWidth(m.width - 4).MaxHeight(m.height - 2).Render(b.String()))
}

// SetSize updates the pane dimensions.
func (m *AlertsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *AlertsPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
