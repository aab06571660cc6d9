package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/thruflo/klipdeck/internal/logging"
	"github.com/thruflo/klipdeck/internal/state"
	"github.com/thruflo/klipdeck/internal/tui"
)

var (
	statusOrigin  string
	statusOffline bool
	statusJSON    bool
	statusTimeout time.Duration
	statusWidth   int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the console's current status",
	Long: `Connects to the console, waits for the first status update and prints
one snapshot of the installation progress, printer statuses and error notice.
If nothing arrives within --timeout the state at that point is printed.

With --offline no connection is made and the status saved by the last
"watch" or "status" run is printed instead.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusOrigin, "origin", "", "console origin (overrides console.origin)")
	statusCmd.Flags().BoolVar(&statusOffline, "offline", false, "print the last saved status without connecting")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the status record as JSON")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "how long to wait for the first update")
	statusCmd.Flags().IntVar(&statusWidth, "width", 80, "render width")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	dir, cfg, logger, err := loadSettings()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if statusOffline {
		return showSaved(out, dir)
	}

	origin, err := resolveOrigin(cfg, statusOrigin)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	return showLive(ctx, out, dir, origin, logger)
}

func showSaved(out io.Writer, dir string) error {
	rec, err := state.NewSnapshotFile(dir).Load()
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no saved status in %s (run \"klipdeck watch\" or \"klipdeck status\" first)", dir)
	}

	note := fmt.Sprintf("saved %s from %s", rec.SavedAt.Format(time.RFC1123), rec.Origin)
	return printStatus(out, rec, tui.StatusView{Snapshot: rec.Snapshot, Note: note})
}

func showLive(ctx context.Context, out io.Writer, dir, origin string, logger *logging.Logger) error {
	sess, err := newSession(dir, origin, logger)
	if err != nil {
		return err
	}

	changes, unsubscribe := sess.store.Subscribe(16)
	defer unsubscribe()

	if err := sess.client.Connect(); err != nil {
		sess.client.Close()
		return fmt.Errorf("failed to connect: %w", err)
	}

	connected, err := awaitFirstUpdate(ctx, changes, sess.store, statusTimeout)
	if err != nil {
		sess.client.Close()
		return err
	}

	view := tui.StatusView{
		Snapshot:    sess.store.Snapshot(),
		Live:        true,
		Connection:  sess.client.State(),
		Attempts:    sess.client.Attempts(),
		MaxAttempts: sess.client.MaxAttempts(),
		URL:         sess.client.URL(),
	}

	if !connected {
		sess.client.Close()
		if err := printStatus(out, nil, view); err != nil {
			return err
		}
		return fmt.Errorf("could not reach console at %s", origin)
	}

	if _, err := sess.close(); err != nil {
		logger.Warn("status not saved", "error", err)
	}
	rec := &state.Record{
		Origin:   origin,
		ClientID: sess.client.ClientID(),
		SavedAt:  time.Now().UTC(),
		Snapshot: view.Snapshot,
	}
	return printStatus(out, rec, view)
}

// awaitFirstUpdate waits for the first piece of status data, a give-up
// notice, or the timeout. It reports whether the channel was ever open.
func awaitFirstUpdate(ctx context.Context, changes <-chan state.Change, store *state.Store, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	connected := store.Connected()
	for {
		select {
		case <-ctx.Done():
			return connected, ctx.Err()
		case <-timer.C:
			return connected || store.Connected(), nil
		case change := <-changes:
			switch change.Kind {
			case state.ChangeConnection:
				if store.Connected() {
					connected = true
				}
			case state.ChangeProgress, state.ChangePrinterStatus:
				return true, nil
			case state.ChangeError:
				return connected, nil
			}
		}
	}
}

// printStatus writes the view, or rec as JSON when --json is set.
func printStatus(out io.Writer, rec *state.Record, view tui.StatusView) error {
	if statusJSON {
		if rec == nil {
			rec = &state.Record{Snapshot: view.Snapshot}
		}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	_, err := io.WriteString(out, tui.NewRenderer(tui.DefaultTheme, statusWidth).Render(view))
	return err
}
