package main

import "github.com/charmbracelet/lipgloss"

type theme struct {
	cardTitle   lipgloss.Style
	muted       lipgloss.Style
	status      map[string]lipgloss.Style
	errorStatus lipgloss.Style
	frame       lipgloss.Style
}

func newTheme() theme {
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	pink := lipgloss.Color("#ff71ce")
	muted := lipgloss.Color("#9ca3d8")

	return theme{
		cardTitle:   lipgloss.NewStyle().Foreground(blue).Bold(true),
		muted:       lipgloss.NewStyle().Foreground(muted),
		errorStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
		frame: lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderLeft(true).
			BorderForeground(muted).
			PaddingLeft(1),
		status: map[string]lipgloss.Style{
			"accepted": lipgloss.NewStyle().Foreground(muted),
			"running":  lipgloss.NewStyle().Foreground(blue),
			"done":     lipgloss.NewStyle().Foreground(mint).Bold(true),
			"failed":   lipgloss.NewStyle().Foreground(pink).Bold(true),
		},
	}
}

// statusText renders a task status, falling back to plain text for values
// the theme does not know.
func (t theme) statusText(status string) string {
	if style, ok := t.status[status]; ok {
		return style.Render(status)
	}
	return status
}

var styles = newTheme()
