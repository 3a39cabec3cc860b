// Package theme holds the terminal palette and status styles shared by the
// CLI tables and the watch view.
package theme

import "github.com/charmbracelet/lipgloss"

// Catppuccin Mocha.
var (
	ColorOverlay0 = lipgloss.Color("#6c7086")
	ColorText     = lipgloss.Color("#cdd6f4")
	ColorSubtext0 = lipgloss.Color("#a6adc8")

	ColorRed      = lipgloss.Color("#f38ba8")
	ColorGreen    = lipgloss.Color("#a6e3a1")
	ColorYellow   = lipgloss.Color("#f9e2af")
	ColorBlue     = lipgloss.Color("#89b4fa")
	ColorMauve    = lipgloss.Color("#cba6f7")
	ColorPeach    = lipgloss.Color("#fab387")
	ColorLavender = lipgloss.Color("#b4befe")
)

var (
	Title  = lipgloss.NewStyle().Foreground(ColorMauve).Bold(true)
	Header = lipgloss.NewStyle().Foreground(ColorLavender).Bold(true)
	Dim    = lipgloss.NewStyle().Foreground(ColorOverlay0)
	Error  = lipgloss.NewStyle().Foreground(ColorRed).Bold(true)
	Key    = lipgloss.NewStyle().Foreground(ColorBlue)
)

// StatusColor maps run, stage, pipeline and health statuses onto the
// palette. Unknown statuses render in the plain text color.
func StatusColor(status string) lipgloss.Color {
	switch status {
	case "success", "completed", "healthy", "complete":
		return ColorGreen
	case "running", "in_progress", "retrying", "queued":
		return ColorYellow
	case "failed", "timeout", "critical", "aborted":
		return ColorRed
	case "blocked", "warning", "interrupted", "followup", "revision":
		return ColorPeach
	case "cancelled", "skipped", "pending":
		return ColorSubtext0
	}
	return ColorText
}

// Status renders status in its color.
func Status(status string) string {
	return lipgloss.NewStyle().Foreground(StatusColor(status)).Render(status)
}
