package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/thruflo/klipdeck/internal/config"
	"github.com/thruflo/klipdeck/internal/logging"
	"github.com/thruflo/klipdeck/internal/tui"
)

var (
	watchOrigin  string
	watchPlain   bool
	watchBell    bool
	watchNoSave  bool
	watchRefresh time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the console's live status",
	Long: `Connects to the console's status channel and redraws whenever the
installation progress, a printer status or the error notice changes.

On a terminal the view is full screen and takes single-key commands:
  r  reconnect (also restores the reconnect budget after giving up)
  d  disconnect
  c  clear the error notice
  q  quit

With --plain, or when output is not a terminal, each change appends a new
frame instead. The final status is saved to .klipdeck/last_status.json for
"klipdeck status --offline".

Example:
  klipdeck watch
  klipdeck watch --origin https://octopi.local
  klipdeck watch --plain > status.log`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchOrigin, "origin", "", "console origin (overrides console.origin)")
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "append frames instead of redrawing the screen")
	watchCmd.Flags().BoolVar(&watchBell, "bell", true, "ring the terminal bell on new errors")
	watchCmd.Flags().BoolVar(&watchNoSave, "no-save", false, "do not save the final status")
	watchCmd.Flags().DurationVar(&watchRefresh, "refresh", tui.DefaultRefresh, "how often to poll the connection state")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	dir, cfg, logger, err := loadSettings()
	if err != nil {
		return err
	}
	origin, err := resolveOrigin(cfg, watchOrigin)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	return watch(ctx, cmd.OutOrStdout(), dir, origin, logger)
}

// resolveOrigin applies a command-line origin override.
func resolveOrigin(cfg *config.Config, override string) (string, error) {
	if override == "" {
		return cfg.Console.Origin, nil
	}
	if err := config.ValidateOrigin(override); err != nil {
		return "", err
	}
	return override, nil
}

func watch(ctx context.Context, out io.Writer, dir, origin string, logger *logging.Logger) error {
	sess, err := newSession(dir, origin, logger)
	if err != nil {
		return err
	}

	terminal := tui.NewTerminal(out)
	interactive := !watchPlain && terminal.IsTerminal()

	var keys <-chan tui.KeyEvent
	if interactive {
		if err := terminal.EnterRaw(); err != nil {
			sess.client.Close()
			return err
		}
		defer terminal.ExitRaw()
		keys = tui.ReadKeys(ctx, terminal)
	}

	dash := tui.NewDashboard(sess.store, sess.client, tui.Options{
		Terminal:   terminal,
		FullScreen: interactive,
		Bell:       watchBell,
		Refresh:    watchRefresh,
		Logger:     logger,
	})

	if err := sess.client.Connect(); err != nil {
		sess.client.Close()
		return fmt.Errorf("failed to connect: %w", err)
	}
	logger.Info("watching console", "url", sess.client.URL())

	runErr := ignoreCancel(dash.Run(ctx, keys))

	if watchNoSave {
		sess.client.Close()
		return runErr
	}
	saved, err := sess.close()
	if err != nil {
		if runErr == nil {
			runErr = err
		}
	} else if saved {
		logger.Info("saved status", "path", sess.file.Path())
	}
	return runErr
}
