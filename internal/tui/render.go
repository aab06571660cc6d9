package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/thruflo/klipdeck/internal/state"
	"github.com/thruflo/klipdeck/internal/stream"
)

const (
	defaultWidth = 80
	minWidth     = 30
)

// StatusView is everything the dashboard draws in one frame.
type StatusView struct {
	Snapshot state.Snapshot

	// Live is set when the view is backed by a running client. When unset
	// the badge is derived from Snapshot.Connected alone.
	Live        bool
	Connection  stream.State
	Attempts    int
	MaxAttempts int

	// URL is shown under the title when set.
	URL string
	// Note is a faint line under the title, e.g. where a saved snapshot
	// came from.
	Note string
	// Help adds the key binding footer.
	Help bool
}

// Renderer draws StatusViews with a Theme at a fixed width.
type Renderer struct {
	theme Theme
	width int
}

// NewRenderer returns a Renderer. Widths below the minimum are raised to it;
// zero selects the default.
func NewRenderer(theme Theme, width int) Renderer {
	if width <= 0 {
		width = defaultWidth
	}
	if width < minWidth {
		width = minWidth
	}
	return Renderer{theme: theme, width: width}
}

// Width returns the render width.
func (r Renderer) Width() int {
	return r.width
}

// Render draws the full status screen.
func (r Renderer) Render(v StatusView) string {
	sections := []string{
		r.renderHeader(v),
		r.renderProgress(v.Snapshot.Progress),
		r.renderPrinters(v.Snapshot.PrinterStatuses),
	}
	if v.Snapshot.Error != nil {
		sections = append(sections, r.renderError(*v.Snapshot.Error))
	}
	if v.Help {
		sections = append(sections, r.faint().Render("r reconnect  d disconnect  c clear error  q quit"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

func (r Renderer) faint() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(r.theme.FaintText)
}

func (r Renderer) heading(s string) string {
	return lipgloss.NewStyle().Foreground(r.theme.HeaderForeground).Bold(true).Render(s)
}

func (r Renderer) renderHeader(v StatusView) string {
	title := lipgloss.NewStyle().Foreground(r.theme.NormalText).Bold(true).Render("klipdeck")

	conn := v.Connection
	if !v.Live {
		conn = stream.StateIdle
		if v.Snapshot.Connected {
			conn = stream.StateOpen
		}
	}
	badge := lipgloss.NewStyle().
		Foreground(r.theme.ConnectionColor(conn)).
		Bold(conn == stream.StateOpen).
		Render(ConnectionLabel(conn, v.Attempts, v.MaxAttempts))

	gap := r.width - lipgloss.Width(title) - lipgloss.Width(badge)
	if gap < 1 {
		gap = 1
	}
	lines := []string{title + strings.Repeat(" ", gap) + badge}
	if v.URL != "" {
		lines = append(lines, r.faint().Render(Truncate(v.URL, r.width)))
	}
	if v.Note != "" {
		lines = append(lines, r.faint().Render(Truncate(v.Note, r.width)))
	}

	rule := lipgloss.NewStyle().Foreground(r.theme.BorderColor).Render(strings.Repeat("─", r.width))
	lines = append(lines, rule)
	return strings.Join(lines, "\n")
}

// ConnectionLabel is the badge text for a connection state.
func ConnectionLabel(s stream.State, attempts, maxAttempts int) string {
	switch s {
	case stream.StateOpen:
		return "● connected"
	case stream.StateConnecting:
		return "◌ connecting"
	case stream.StateReconnecting:
		if maxAttempts > 0 {
			return fmt.Sprintf("◌ reconnecting (attempt %d/%d)", attempts, maxAttempts)
		}
		return "◌ reconnecting"
	case stream.StateGaveUp:
		return "✕ " + stream.GiveUpMessage
	default:
		return "○ disconnected"
	}
}

func (r Renderer) renderProgress(p state.InstallationProgress) string {
	lines := []string{r.heading("Installation")}
	if p.Step == "" {
		lines = append(lines, r.faint().Render("  No installation in progress"))
		return strings.Join(lines, "\n")
	}

	step := lipgloss.NewStyle().Foreground(r.theme.NormalText).Render("  " + Truncate(p.Step, r.width-2))
	lines = append(lines, step)

	bar := ProgressBar(p.Progress, 100, r.width-2)
	if bar != "" {
		lines = append(lines, "  "+lipgloss.NewStyle().Foreground(r.theme.ProgressFilled).Render(bar))
	}
	if p.Message != "" {
		lines = append(lines, r.faint().Render("  "+Truncate(p.Message, r.width-2)))
	}
	return strings.Join(lines, "\n")
}

func (r Renderer) renderPrinters(statuses map[string]json.RawMessage) string {
	lines := []string{r.heading("Printers")}
	if len(statuses) == 0 {
		lines = append(lines, r.faint().Render("  No printers reporting"))
		return strings.Join(lines, "\n")
	}

	ids := make([]string, 0, len(statuses))
	idWidth := 0
	for id := range statuses {
		ids = append(ids, id)
		if w := lipgloss.Width(id); w > idWidth {
			idWidth = w
		}
	}
	sort.Strings(ids)
	if limit := r.width / 3; idWidth > limit {
		idWidth = limit
	}

	idStyle := lipgloss.NewStyle().Foreground(r.theme.NormalText).Bold(true).Width(idWidth)
	for _, id := range ids {
		summary := Truncate(SummarizeStatus(statuses[id]), r.width-idWidth-4)
		lines = append(lines, "  "+idStyle.Render(Truncate(id, idWidth))+"  "+summary)
	}
	return strings.Join(lines, "\n")
}

func (r Renderer) renderError(notice state.ErrorNotice) string {
	body := lipgloss.NewStyle().Foreground(r.theme.ErrorForeground).Bold(true).Render(notice.Message)
	if notice.Details != "" {
		body += "\n" + lipgloss.NewStyle().Foreground(r.theme.NormalText).Render(notice.Details)
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(r.theme.ErrorForeground).
		Padding(0, 1).
		Width(r.width - 2).
		Render(body)
}

// SummarizeStatus renders an opaque printer status on one line. Objects
// show their "state" field first followed by the other scalar fields in
// key order; anything else is shown as compact JSON.
func SummarizeStatus(raw json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return compactJSON(raw)
	}

	var parts []string
	if s, ok := fields["state"].(string); ok {
		parts = append(parts, s)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != "state" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := fields[k].(type) {
		case map[string]any, []any:
		case nil:
			parts = append(parts, k+"=null")
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	if len(parts) == 0 {
		return compactJSON(raw)
	}
	return strings.Join(parts, " ")
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// Truncate shortens s to maxLen runes, ending with "..." when cut.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// ProgressBar renders "[████░░░░]  50%" in width columns. It returns ""
// when total is zero or width is too small to draw a bar.
func ProgressBar(current, total, width int) string {
	if total == 0 || width < 10 {
		return ""
	}

	pct := float64(current) / float64(total)
	if pct > 1 {
		pct = 1
	}
	if pct < 0 {
		pct = 0
	}

	barWidth := width - 7 // "[" "]" " " "XXX%"
	filled := int(pct * float64(barWidth))

	return "[" +
		strings.Repeat("█", filled) +
		strings.Repeat("░", barWidth-filled) +
		"] " + fmt.Sprintf("%3d%%", int(pct*100))
}
