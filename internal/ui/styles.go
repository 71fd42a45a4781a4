package ui

import "github.com/charmbracelet/lipgloss"

// Styles holds all lipgloss styles for the dashboard
type Styles struct {
	App    lipgloss.Style
	Header lipgloss.Style
	Footer lipgloss.Style
	Notice lipgloss.Style

	ProjectList     lipgloss.Style
	ProjectItem     lipgloss.Style
	ProjectSelected lipgloss.Style

	StatusStopped  lipgloss.Style
	StatusStarting lipgloss.Style
	StatusRunning  lipgloss.Style
	StatusError    lipgloss.Style

	URL lipgloss.Style
	Dim lipgloss.Style

	MonitorBox    lipgloss.Style
	ProgressFill  lipgloss.Style
	ProgressEmpty lipgloss.Style

	LogViewport        lipgloss.Style
	LogViewportBlurred lipgloss.Style
	LogStderr          lipgloss.Style

	HelpKey lipgloss.Style
}

// DefaultStyles returns the default color scheme
func DefaultStyles() *Styles {
	return &Styles{
		App: lipgloss.NewStyle().
			Padding(1, 2),

		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(colorHighlight).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(colorSubtle).
			MarginBottom(1).
			Padding(0, 1),

		Footer: lipgloss.NewStyle().
			Foreground(colorSubtle).
			BorderStyle(lipgloss.NormalBorder()).
			BorderTop(true).
			BorderForeground(colorSubtle).
			MarginTop(1).
			Padding(0, 1),

		Notice: lipgloss.NewStyle().
			Foreground(colorWarning),

		ProjectList: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorSubtle).
			Padding(0, 1),

		ProjectItem: lipgloss.NewStyle().
			Padding(0, 1),

		ProjectSelected: lipgloss.NewStyle().
			Padding(0, 1).
			Background(lipgloss.AdaptiveColor{Light: "#E0E0E0", Dark: "#333333"}).
			Bold(true),

		StatusStopped: lipgloss.NewStyle().
			Foreground(colorSubtle),

		StatusStarting: lipgloss.NewStyle().
			Foreground(colorWarning),

		StatusRunning: lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true),

		StatusError: lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true),

		URL: lipgloss.NewStyle().
			Bold(true).
			Foreground(colorInfo).
			Underline(true),

		Dim: lipgloss.NewStyle().
			Foreground(colorDim),

		MonitorBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorSubtle).
			Padding(0, 1).
			MarginTop(1),

		ProgressFill: lipgloss.NewStyle().
			Foreground(colorSuccess),

		ProgressEmpty: lipgloss.NewStyle().
			Foreground(colorSubtle),

		LogViewport: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorHighlight).
			Padding(0, 1),

		LogViewportBlurred: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1),

		LogStderr: lipgloss.NewStyle().
			Foreground(colorError),

		HelpKey: lipgloss.NewStyle().
			Foreground(colorHighlight).
			Bold(true),
	}
}
