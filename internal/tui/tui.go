package tui

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/thruflo/klipdeck/internal/clock"
	"github.com/thruflo/klipdeck/internal/logging"
	"github.com/thruflo/klipdeck/internal/state"
	"github.com/thruflo/klipdeck/internal/stream"
)

// DefaultRefresh is how often the dashboard polls the client's connection
// state, which the store does not publish.
const DefaultRefresh = 500 * time.Millisecond

// Controller is the part of stream.Client the dashboard drives.
type Controller interface {
	Connect() error
	Disconnect() error
	State() stream.State
	Attempts() int
	MaxAttempts() int
	URL() string
}

// Options configures a Dashboard.
type Options struct {
	// Terminal receives frames. Defaults to one that discards output.
	Terminal *Terminal
	Theme    Theme
	// Width overrides the terminal width.
	Width int
	// FullScreen clears the screen before each frame. Otherwise frames are
	// appended, which suits pipes and logs.
	FullScreen bool
	// Bell rings the terminal bell on new error notices.
	Bell    bool
	Refresh time.Duration
	Clock   clock.Clock
	Logger  *logging.Logger
}

// Dashboard redraws the store whenever it changes and maps key presses to
// client commands.
type Dashboard struct {
	store    *state.Store
	ctrl     Controller
	terminal *Terminal
	renderer Renderer
	notifier *Notifier
	refresh  time.Duration
	clock    clock.Clock
	logger   *logging.Logger
	full     bool

	mu        sync.Mutex
	lastConn  connKey
	frames    int
	cursorOff bool
}

type connKey struct {
	state    stream.State
	attempts int
}

// NewDashboard creates a Dashboard over store. ctrl may be nil for a
// read-only view.
func NewDashboard(store *state.Store, ctrl Controller, opts Options) *Dashboard {
	terminal := opts.Terminal
	if terminal == nil {
		terminal = NewTerminal(io.Discard)
	}
	theme := opts.Theme
	if theme == (Theme{}) {
		theme = DefaultTheme
	}
	width := opts.Width
	if width <= 0 {
		if w, _, err := terminal.Size(); err == nil {
			width = w
		}
	}
	refresh := opts.Refresh
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Dashboard{
		store:    store,
		ctrl:     ctrl,
		terminal: terminal,
		renderer: NewRenderer(theme, width),
		notifier: NewNotifier(terminal.out, opts.Bell),
		refresh:  refresh,
		clock:    clk,
		logger:   logger,
		full:     opts.FullScreen,
	}
}

// View assembles the current frame's data.
func (d *Dashboard) View() StatusView {
	v := StatusView{
		Snapshot: d.store.Snapshot(),
		Help:     d.ctrl != nil,
	}
	if d.ctrl != nil {
		v.Live = true
		v.Connection = d.ctrl.State()
		v.Attempts = d.ctrl.Attempts()
		v.MaxAttempts = d.ctrl.MaxAttempts()
		v.URL = d.ctrl.URL()
	}
	return v
}

// Draw renders one frame.
func (d *Dashboard) Draw() {
	frame := d.renderer.Render(d.View())

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.full {
		if !d.cursorOff {
			d.terminal.HideCursor()
			d.cursorOff = true
		}
		d.terminal.Clear()
	}
	d.terminal.Write(frame)
	d.frames++
	if d.ctrl != nil {
		d.lastConn = connKey{state: d.ctrl.State(), attempts: d.ctrl.Attempts()}
	}
}

// Frames returns how many frames have been drawn.
func (d *Dashboard) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// Handle executes cmd and reports whether the dashboard should exit.
func (d *Dashboard) Handle(cmd Command) (quit bool, err error) {
	switch cmd {
	case CommandQuit:
		return true, nil
	case CommandClearError:
		d.store.ClearError()
	case CommandReconnect:
		if d.ctrl != nil {
			err = d.ctrl.Connect()
		}
	case CommandDisconnect:
		if d.ctrl != nil {
			err = d.ctrl.Disconnect()
		}
	}
	return false, err
}

// connChanged reports whether the client moved since the last frame.
func (d *Dashboard) connChanged() bool {
	if d.ctrl == nil {
		return false
	}
	key := connKey{state: d.ctrl.State(), attempts: d.ctrl.Attempts()}
	d.mu.Lock()
	defer d.mu.Unlock()
	return key != d.lastConn
}

// Run draws until ctx is cancelled or a quit key arrives on keys. keys may
// be nil.
func (d *Dashboard) Run(ctx context.Context, keys <-chan KeyEvent) error {
	changes, cancel := d.store.Subscribe(16)
	defer cancel()

	ticker := d.clock.NewTicker(d.refresh)
	defer ticker.Stop()

	if d.full {
		defer d.terminal.ShowCursor()
	}

	d.Draw()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case change, ok := <-changes:
			if !ok {
				return nil
			}
			d.notifier.Notify(change)
			d.Draw()

		case <-ticker.C:
			if d.connChanged() {
				d.Draw()
			}

		case ev, ok := <-keys:
			if !ok {
				keys = nil
				continue
			}
			cmd := ParseCommand(ev)
			if cmd == CommandNone {
				continue
			}
			quit, err := d.Handle(cmd)
			if err != nil {
				d.logger.Warn("dashboard command failed", "command", cmd.String(), "error", err)
			}
			if quit {
				return nil
			}
			d.Draw()
		}
	}
}

// ReadKeys forwards key presses from r until it fails or ctx is done. The
// returned channel is closed when reading stops.
func ReadKeys(ctx context.Context, r io.Reader) <-chan KeyEvent {
	reader := NewKeyReader(r)
	keyCh := make(chan KeyEvent, 10)
	go func() {
		defer close(keyCh)
		for {
			ev, err := reader.ReadKey()
			if err != nil {
				return
			}
			select {
			case keyCh <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return keyCh
}
