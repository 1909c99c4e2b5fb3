package styles

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/allbin/go-usbuart/internal/tui/colors"
)

var (
	// Header styles
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colors.Mauve).
			Background(colors.Surface0).
			Padding(0, 1)

	DeviceStyle = lipgloss.NewStyle().
			Foreground(colors.Blue).
			Bold(true)

	// Status bit styles
	StatusOKStyle = lipgloss.NewStyle().
			Foreground(colors.Green).
			Bold(true)

	StatusDeadStyle = lipgloss.NewStyle().
			Foreground(colors.Red).
			Bold(true)

	StatusPausedStyle = lipgloss.NewStyle().
				Foreground(colors.Yellow).
				Bold(true)

	// Traffic viewport styles
	TrafficBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(colors.Surface2).
				Padding(0, 1)

	CounterStyle = lipgloss.NewStyle().
			Foreground(colors.Teal)

	ErrorCountStyle = lipgloss.NewStyle().
			Foreground(colors.Peach)

	HelpStyle = lipgloss.NewStyle().
			Foreground(colors.Overlay0)
)
