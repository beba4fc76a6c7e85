package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/taskforge/internal/events"
)

const barWidth = 20

// PoolPaneModel shows the latest health sample: pool occupancy and
// per-class load.
type PoolPaneModel struct {
	sample  *events.HealthSampleEvent
	counts  [4]int // running, completed, review, failed
	width   int
	height  int
	focused bool
}

// NewPoolPaneModel creates a new pool pane.
func NewPoolPaneModel() PoolPaneModel {
	return PoolPaneModel{}
}

// Update handles messages for the pool pane.
func (m PoolPaneModel) Update(msg tea.Msg) (PoolPaneModel, tea.Cmd) {
	if sample, ok := msg.(events.HealthSampleEvent); ok {
		m.sample = &sample
	}
	return m, nil
}

// SetCounts records task totals shown under the pool stats.
func (m *PoolPaneModel) SetCounts(running, completed, review, failed int) {
	m.counts = [4]int{running, completed, review, failed}
}

// View renders the pool pane.
func (m PoolPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(StyleTitle.Render("Pool"))
	b.WriteString("\n\n")

	if m.sample == nil {
		b.WriteString(StyleStatusPending.Render("No samples yet"))
	} else {
		s := m.sample
		fmt.Fprintf(&b, "%s %s\n", bar(s.Utilization), humanize.FtoaWithDigits(s.Utilization, 1)+"%")
		fmt.Fprintf(&b, "%d/%d leased, %d available, %d waiting\n", s.Leased, s.Size, s.Available, s.Waiters)
		if s.Alerts > 0 {
			b.WriteString(StyleStatusFailed.Render(fmt.Sprintf("%d active alert(s)", s.Alerts)))
			b.WriteString("\n")
		}
		b.WriteString(StyleMuted.Render("sampled " + humanize.Time(s.Timestamp)))
		b.WriteString("\n\n")

		for _, c := range s.Classes {
			limit := "∞"
			if c.Limit > 0 {
				limit = fmt.Sprint(c.Limit)
			}
			fmt.Fprintf(&b, "%-12s %d/%s\n", c.Name, c.Active, limit)
		}
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %d  %s %d  %s %d  %s %d",
		StyleStatusRunning.Render("●"), m.counts[0],
		StyleStatusComplete.Render("✓"), m.counts[1],
		StyleStatusReview.Render("?"), m.counts[2],
		StyleStatusFailed.Render("✗"), m.counts[3],
	)

	return paneStyle(m.focused).
		Width(m.width - 2).
		Height(m.height - 2).
		Render(lipgloss.NewStyle().MaxHeight(m.height - 2).Render(b.String()))
}

func bar(pct float64) string {
	filled := int(pct / 100 * barWidth)
	filled = min(max(filled, 0), barWidth)
	style := StyleStatusComplete
	switch {
	case pct >= 100:
		style = StyleStatusFailed
	case pct >= 75:
		style = StyleStatusRunning
	}
	return "[" + style.Render(strings.Repeat("█", filled)) + strings.Repeat("░", barWidth-filled) + "]"
}

// SetSize updates the pane dimensions.
func (m *PoolPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *PoolPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
