package tui

import (
	"fmt"
	"io"

	"github.com/thruflo/klipdeck/internal/state"
)

// Notifier rings the terminal bell when a new error notice arrives.
type Notifier struct {
	out     io.Writer
	enabled bool
}

// NewNotifier creates a Notifier writing to out. A disabled Notifier
// never writes.
func NewNotifier(out io.Writer, enabled bool) *Notifier {
	return &Notifier{out: out, enabled: enabled}
}

// Bell writes the terminal bell character.
func (n *Notifier) Bell() {
	if n.enabled {
		fmt.Fprint(n.out, Bell)
	}
}

// Notify reacts to a store change and reports whether it alerted.
func (n *Notifier) Notify(change state.Change) bool {
	if !n.enabled || change.Kind != state.ChangeError {
		return false
	}
	n.Bell()
	return true
}
