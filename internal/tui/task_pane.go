package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/scheduler"
)

const taskListWidth = 28

// TaskState is what the dashboard knows about one task.
type TaskState struct {
	ID        string
	Title     string
	Stage     scheduler.Status // current stage, or the final status once finished
	Class     string
	HandleID  string
	StartTime time.Time
	Finished  bool
	Failure   scheduler.FailureKind
	Score     *float64
	CostUSD   float64
	ChangeURL string
	Err       string
	Duration  time.Duration
	Log       []string
}

// TaskPaneModel lists tasks seen on the bus and shows the selected task's
// stage timeline.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string // first-seen order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStageEvent:
		task := m.ensure(msg.ID, msg.Title, msg.Timestamp)
		if task.Finished {
			// Requeued and picked up again.
			task.Finished = false
			task.Failure = scheduler.FailureNone
			task.Err = ""
			task.StartTime = msg.Timestamp
		}
		task.Stage = msg.Stage
		if msg.Class != "" {
			task.Class = msg.Class
		}
		if msg.HandleID != "" {
			task.HandleID = msg.HandleID
		}
		task.Log = append(task.Log, fmt.Sprintf("%s  %s", msg.Timestamp.Format("15:04:05"), msg.Stage))
		return m, m.refresh(msg.ID)

	case events.TaskFinishedEvent:
		task := m.ensure(msg.ID, msg.Title, msg.Timestamp.Add(-msg.Duration))
		task.Finished = true
		task.Stage = msg.Status
		task.Failure = msg.Failure
		task.Score = msg.Score
		task.CostUSD = msg.CostUSD
		task.ChangeURL = msg.ChangeURL
		task.Err = msg.Err
		task.Duration = msg.Duration
		task.Log = append(task.Log, fmt.Sprintf("%s  %s after %s", msg.Timestamp.Format("15:04:05"), msg.Status, msg.Duration.Round(time.Second)))
		if msg.Err != "" {
			task.Log = append(task.Log, "  "+msg.Err)
		}
		return m, m.refresh(msg.ID)

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m *TaskPaneModel) ensure(id, title string, start time.Time) *TaskState {
	task, ok := m.tasks[id]
	if !ok {
		task = &TaskState{ID: id, Title: title, Stage: scheduler.StatusPending, StartTime: start}
		m.tasks[id] = task
		m.order = append(m.order, id)
		if len(m.order) == 1 {
			m.selectedIdx = 0
		}
	}
	return task
}

// refresh schedules a debounced redraw when id is the selected task.
func (m *TaskPaneModel) refresh(id string) tea.Cmd {
	if m.selectedTaskID() != id {
		return nil
	}
	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	detailWidth := m.width - taskListWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(taskListWidth),
		lipgloss.NewStyle().
			Width(detailWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	return paneStyle(m.focused).
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		task := m.tasks[id]
		name := task.Title
		if name == "" {
			name = task.ID
		}
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(task.Stage), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled indicator for a task status.
func StatusIcon(status scheduler.Status) string {
	switch {
	case status.InProgress():
		return StyleStatusRunning.Render("●")
	case status == scheduler.StatusCompleted:
		return StyleStatusComplete.Render("✓")
	case status == scheduler.StatusNeedsReview:
		return StyleStatusReview.Render("?")
	case status == scheduler.StatusFailed:
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

func (m *TaskPaneModel) updateViewportContent() {
	task, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(renderTaskDetail(task, time.Now()))
	m.viewport.GotoBottom()
}

func renderTaskDetail(task *TaskState, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", StatusIcon(task.Stage), StyleTitle.Render(task.ID))
	if task.Title != "" {
		fmt.Fprintf(&b, "%s\n", task.Title)
	}
	b.WriteString("\n")

	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s %s\n", StyleMuted.Render(fmt.Sprintf("%-8s", name)), value)
		}
	}
	field("status", string(task.Stage))
	field("class", task.Class)
	field("handle", task.HandleID)
	if !task.StartTime.IsZero() {
		field("started", humanize.RelTime(task.StartTime, now, "ago", "from now"))
	}
	if task.Finished {
		field("took", task.Duration.Round(time.Second).String())
		field("cost", fmt.Sprintf("$%.4f", task.CostUSD))
		if task.Score != nil {
			field("score", humanize.FtoaWithDigits(*task.Score, 2))
		}
		field("change", task.ChangeURL)
		if task.Failure != scheduler.FailureNone {
			field("failure", string(task.Failure))
		}
	}

	b.WriteString("\n")
	b.WriteString(strings.Join(task.Log, "\n"))
	return b.String()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-taskListWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

// Counts tallies tasks by coarse state for the pool pane.
func (m TaskPaneModel) Counts() (running, completed, review, failed int) {
	for _, task := range m.tasks {
		switch {
		case task.Stage.InProgress():
			running++
		case task.Stage == scheduler.StatusCompleted:
			completed++
		case task.Stage == scheduler.StatusNeedsReview:
			review++
		case task.Stage == scheduler.StatusFailed:
			failed++
		}
	}
	return running, completed, review, failed
}
