// Package tui is the terminal dashboard of MAL: live tasks with their
// progress and the status of every environment.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/dohr-michael/mal/internal/tasks"
)

// Adaptive colors (light/dark terminal detection).
var (
	ColorAccent   = lipgloss.AdaptiveColor{Light: "#6B21A8", Dark: "#D8A6FF"}
	ColorOK       = lipgloss.AdaptiveColor{Light: "#065F46", Dark: "#7EE2B8"}
	ColorRunning  = lipgloss.AdaptiveColor{Light: "#0070F3", Dark: "#79C0FF"}
	ColorWarn     = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"}
	ColorError    = lipgloss.AdaptiveColor{Light: "#DC2626", Dark: "#FF6B6B"}
	ColorMuted    = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}
	ColorStatusBg = lipgloss.AdaptiveColor{Light: "#F3F4F6", Dark: "#1F2937"}
	ColorStatusFg = lipgloss.AdaptiveColor{Light: "#374151", Dark: "#D1D5DB"}
)

var (
	TitleStyle = lipgloss.NewStyle().
			Foreground(ColorAccent).
			Bold(true)

	SectionStyle = lipgloss.NewStyle().
			Foreground(ColorMuted).
			Bold(true).
			MarginTop(1)

	SelectedStyle = lipgloss.NewStyle().
			Foreground(ColorAccent).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	MutedStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)

	StatusBarStyle = lipgloss.NewStyle().
			Background(ColorStatusBg).
			Foreground(ColorStatusFg).
			Padding(0, 1)
)

// statusStyle colors a task status.
func statusStyle(s tasks.Status) lipgloss.Style {
	st := lipgloss.NewStyle().Width(11)
	switch s {
	case tasks.StatusCompleted:
		return st.Foreground(ColorOK)
	case tasks.StatusRunning:
		return st.Foreground(ColorRunning)
	case tasks.StatusCancelling, tasks.StatusCancelled:
		return st.Foreground(ColorWarn)
	case tasks.StatusFailed:
		return st.Foreground(ColorError)
	default:
		return st.Foreground(ColorMuted)
	}
}
