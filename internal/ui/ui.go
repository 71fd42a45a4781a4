// Package ui renders devsup in the terminal: the bubbletea dashboard for
// `devsup run`, interactive prompts and styled print helpers.
package ui

import "github.com/charmbracelet/lipgloss"

// Palette shared by the dashboard, prompts and print helpers.
var (
	colorSubtle    = lipgloss.AdaptiveColor{Light: "#666", Dark: "#999"}
	colorDim       = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#666666"}
	colorBorder    = lipgloss.AdaptiveColor{Light: "#CCCCCC", Dark: "#444444"}
	colorHighlight = lipgloss.AdaptiveColor{Light: "#7D56F4", Dark: "#AD8EE6"}
	colorSuccess   = lipgloss.AdaptiveColor{Light: "#00AA00", Dark: "#00FF00"}
	colorWarning   = lipgloss.AdaptiveColor{Light: "#CC6600", Dark: "#FFAA00"}
	colorError     = lipgloss.AdaptiveColor{Light: "#AA0000", Dark: "#FF0000"}
	colorInfo      = lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#00AAFF"}
	colorText      = lipgloss.AdaptiveColor{Light: "#333333", Dark: "#FFFFFF"}
)
