package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/thruflo/klipdeck/internal/auth"
	"github.com/thruflo/klipdeck/internal/config"
	"github.com/thruflo/klipdeck/internal/logging"
	"github.com/thruflo/klipdeck/internal/server"
)

var (
	mockPort     int
	mockInterval time.Duration
	mockDemo     bool
	mockFailStep string
	mockRepeat   bool
	mockSetPass  bool
)

// promptNewPassword reads the stats password. Replaced in tests.
var promptNewPassword = auth.PromptNewPassword

// clientPollInterval is how often the demo checks for a connected client.
const clientPollInterval = 100 * time.Millisecond

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Run a local mock of the console's status endpoint",
	Long: `Serves the status channel on 127.0.0.1 for trying out "watch" and
"status" without a printer host. Every ping is answered with a pong.

With --demo, a scripted Klipper installation is broadcast once a client
connects: each installer step reports progress and a printer status, ending
at 100%. --fail-step aborts the script with an error notice at that step.

--set-password prompts for a password, stores its hash in config.yaml and
then requires it (HTTP basic auth, any username) for /stats.

Steps: ` + strings.Join(demoStepNames(), ", ") + `

Example:
  klipdeck mock-server --demo
  klipdeck mock-server --demo --fail-step compile_firmware --interval 500ms`,
	Args: cobra.NoArgs,
	RunE: runMockServer,
}

func init() {
	mockServerCmd.Flags().IntVar(&mockPort, "port", config.DefaultServerPort, "listen port (overrides mock_server.port)")
	mockServerCmd.Flags().DurationVar(&mockInterval, "interval", config.DefaultStepInterval, "delay between demo updates (overrides mock_server.step_interval)")
	mockServerCmd.Flags().BoolVar(&mockDemo, "demo", false, "broadcast a scripted installation")
	mockServerCmd.Flags().StringVar(&mockFailStep, "fail-step", "", "fail the demo at this step")
	mockServerCmd.Flags().BoolVar(&mockRepeat, "repeat", false, "restart the demo after it ends")
	mockServerCmd.Flags().BoolVar(&mockSetPass, "set-password", false, "set the /stats password before starting")
	rootCmd.AddCommand(mockServerCmd)
}

func demoStepNames() []string {
	names := make([]string, len(server.DemoSteps))
	for i, step := range server.DemoSteps {
		names[i] = step.Name
	}
	return names
}

func runMockServer(cmd *cobra.Command, args []string) error {
	dir, cfg, logger, err := loadSettings()
	if err != nil {
		return err
	}

	if mockSetPass {
		hash, err := setStatsPassword(dir, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		cfg.MockServer.StatsPasswordHash = hash
	}

	ms := cfg.MockServer
	if cmd.Flags().Changed("port") {
		ms.Port = mockPort
	}
	if cmd.Flags().Changed("interval") {
		ms.StepInterval = mockInterval
	}
	if ms.StepInterval <= 0 {
		return fmt.Errorf("--interval must be positive, got %s", ms.StepInterval)
	}
	if mockFailStep != "" && !isDemoStep(mockFailStep) {
		return fmt.Errorf("unknown step %q (valid: %s)", mockFailStep, strings.Join(demoStepNames(), ", "))
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	return serveMock(ctx, cmd.OutOrStdout(), &ms, logger)
}

// setStatsPassword prompts for a new stats password and saves its hash to
// the config file. Only the file's own values are written back, not
// environment overrides.
func setStatsPassword(dir string, out io.Writer) (string, error) {
	password, err := promptNewPassword(out)
	if err != nil {
		return "", fmt.Errorf("password setup failed: %w", err)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	fileCfg, err := config.LoadConfig(dir)
	if err != nil {
		return "", err
	}
	fileCfg.MockServer.StatsPasswordHash = hash
	if err := config.SaveConfig(dir, fileCfg); err != nil {
		return "", fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Fprintln(out, "Stats password saved")
	return hash, nil
}

func isDemoStep(name string) bool {
	for _, step := range server.DemoSteps {
		if step.Name == name {
			return true
		}
	}
	return false
}

func serveMock(ctx context.Context, out io.Writer, ms *config.MockServer, logger *logging.Logger) error {
	srv, err := server.NewServerFromConfig(ms, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for srv.ListenAddr() == "" {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
		}
	}

	addr := srv.ListenAddr()
	fmt.Fprintf(out, "Mock server listening on %s\n", srv.Origin())
	fmt.Fprintf(out, "  status channel: ws://%s/ws/{clientId}\n", addr)
	if ms.StatsPasswordHash != "" {
		fmt.Fprintf(out, "  stats:          http://%s/stats (password required)\n", addr)
	} else {
		fmt.Fprintf(out, "  stats:          http://%s/stats\n", addr)
	}

	if mockDemo {
		opts := server.DemoOptions{Interval: ms.StepInterval, FailStep: mockFailStep}
		go runDemoLoop(ctx, out, srv.Hub(), opts, mockRepeat, logger)
	}

	return <-errCh
}

func runDemoLoop(ctx context.Context, out io.Writer, hub *server.Hub, opts server.DemoOptions, repeat bool, logger *logging.Logger) {
	for {
		if err := waitForClient(ctx, hub); err != nil {
			return
		}

		fmt.Fprintln(out, "Client connected, starting demo")
		err := server.RunDemo(ctx, hub, opts)
		switch {
		case err == nil:
			fmt.Fprintln(out, "Demo complete")
		case errors.Is(err, server.ErrDemoFailed):
			fmt.Fprintf(out, "Demo failed at %s\n", opts.FailStep)
		case ctx.Err() != nil:
			return
		default:
			logger.Error("demo stopped", "error", err)
			return
		}

		if !repeat {
			return
		}
	}
}

// waitForClient blocks until at least one client is connected.
func waitForClient(ctx context.Context, hub *server.Hub) error {
	ticker := time.NewTicker(clientPollInterval)
	defer ticker.Stop()
	for hub.Stats().ConnectedClients == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
