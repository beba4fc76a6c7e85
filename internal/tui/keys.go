package tui

import (
	"github.com/charmbracelet/bubbles/key"
)

// keyMap holds every binding the dashboard reacts to. It implements
// help.KeyMap for the footer.
type keyMap struct {
	Next   key.Binding
	Prev   key.Binding
	Tasks  key.Binding
	Pool   key.Binding
	Alerts key.Binding
	Up     key.Binding
	Down   key.Binding
	Clear  key.Binding
	Quit   key.Binding
}

var keys = keyMap{
	Next:   key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next pane")),
	Prev:   key.NewBinding(key.WithKeys("shift+tab"), key.WithHelp("shift+tab", "prev pane")),
	Tasks:  key.NewBinding(key.WithKeys("1"), key.WithHelp("1/2/3", "jump to pane")),
	Pool:   key.NewBinding(key.WithKeys("2")),
	Alerts: key.NewBinding(key.WithKeys("3")),
	Up:     key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "prev task")),
	Down:   key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "next task")),
	Clear:  key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "clear resolved alerts")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Next, k.Tasks, k.Down, k.Up, k.Clear, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Next, k.Prev, k.Tasks},
		{k.Down, k.Up},
		{k.Clear, k.Quit},
	}
}
