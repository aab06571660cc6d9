package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/thruflo/klipdeck/internal/stream"
)

// Theme is the dashboard color palette. Colors are ANSI 256-color codes.
type Theme struct {
	NormalText       lipgloss.Color
	FaintText        lipgloss.Color
	HeaderForeground lipgloss.Color
	BorderColor      lipgloss.Color

	// Connection badge colors.
	Connected    lipgloss.Color
	Connecting   lipgloss.Color
	Disconnected lipgloss.Color

	ProgressFilled  lipgloss.Color
	ProgressEmpty   lipgloss.Color
	ErrorForeground lipgloss.Color
}

// DefaultTheme is the built-in dark-terminal palette.
var DefaultTheme = Theme{
	NormalText:       lipgloss.Color("252"),
	FaintText:        lipgloss.Color("243"),
	HeaderForeground: lipgloss.Color("75"),
	BorderColor:      lipgloss.Color("240"),

	Connected:    lipgloss.Color("42"),
	Connecting:   lipgloss.Color("214"),
	Disconnected: lipgloss.Color("245"),

	ProgressFilled:  lipgloss.Color("39"),
	ProgressEmpty:   lipgloss.Color("238"),
	ErrorForeground: lipgloss.Color("196"),
}

// ConnectionColor returns the badge color for a client state.
func (theme Theme) ConnectionColor(s stream.State) lipgloss.Color {
	switch s {
	case stream.StateOpen:
		return theme.Connected
	case stream.StateConnecting, stream.StateReconnecting:
		return theme.Connecting
	case stream.StateGaveUp:
		return theme.ErrorForeground
	default:
		return theme.Disconnected
	}
}
