package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/thruflo/klipdeck/internal/config"
	"github.com/thruflo/klipdeck/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	baseDir  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "klipdeck",
	Short: "Live status console for Klipper printer hosts",
	Long: `klipdeck follows a Klipper console's status channel over WebSocket and
shows installation progress, per-printer status and error notices.

The connection reconnects on its own with exponential backoff and gives up
after a bounded number of attempts. Settings live in .klipdeck/config.yaml,
with overrides from .klipdeck/.env and KLIPDECK_* environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("klipdeck version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&baseDir, "dir", "", "project directory containing .klipdeck/ (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override: debug, info, warn or error")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// projectDir returns the directory holding .klipdeck/.
func projectDir() (string, error) {
	if baseDir != "" {
		return filepath.Abs(baseDir)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	return cwd, nil
}

// loadSettings resolves the project directory, loads its config and builds
// a logger at the configured level.
func loadSettings() (string, *config.Config, *logging.Logger, error) {
	dir, err := projectDir()
	if err != nil {
		return "", nil, nil, err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return "", nil, nil, err
	}
	logger := logging.New()
	logger.SetLevel(level)

	return dir, cfg, logger, nil
}
