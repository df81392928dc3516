package console

import "github.com/charmbracelet/lipgloss"

var (
	colorRed    = lipgloss.Color("#FF0000")
	colorGreen  = lipgloss.Color("#00FF00")
	colorYellow = lipgloss.Color("#FFFF00")
	colorCyan   = lipgloss.Color("#00FFFF")
	colorGray   = lipgloss.Color("#666666")
)

type styles struct {
	timestamp lipgloss.Style
	label     lipgloss.Style
	transfer  lipgloss.Style
	stalled   lipgloss.Style
	errorText lipgloss.Style
	reset     lipgloss.Style
	dim       lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		timestamp: r.NewStyle().Foreground(colorGray),
		label:     r.NewStyle().Foreground(colorCyan),
		transfer:  r.NewStyle().Foreground(colorGreen).Bold(true),
		stalled:   r.NewStyle().Foreground(colorYellow).Bold(true),
		errorText: r.NewStyle().Foreground(colorRed),
		reset:     r.NewStyle().Foreground(colorYellow),
		dim:       r.NewStyle().Foreground(colorGray),
	}
}
