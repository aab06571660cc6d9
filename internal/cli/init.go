package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/thruflo/klipdeck/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the .klipdeck/ directory",
	Long: `Creates the .klipdeck/ directory with default configuration files.

This command sets up:
  - config.yaml with the console origin, log level and mock server settings
  - .env with commented-out KLIPDECK_* overrides
  - .gitignore excluding .env and the saved status snapshot`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := projectDir()
	if err != nil {
		return err
	}

	klipdeckDir := config.Dir(dir)
	configPath := filepath.Join(klipdeckDir, "config.yaml")
	if fileExists(configPath) && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	if err := os.MkdirAll(klipdeckDir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", klipdeckDir, err)
	}

	files := []struct {
		name    string
		content string
		mode    os.FileMode
	}{
		{"config.yaml", configYAMLContent, 0o644},
		{".env", envFileContent, 0o600},
		{".gitignore", gitignoreContent, 0o644},
	}
	for _, f := range files {
		path := filepath.Join(klipdeckDir, f.name)
		if err := os.WriteFile(path, []byte(f.content), f.mode); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", klipdeckDir)
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

var configYAMLContent = fmt.Sprintf(`# klipdeck configuration

console:
  # Origin of the Klipper console. The status channel is derived from it:
  # http selects ws://, https selects wss://.
  origin: %s

logging:
  # debug, info, warn or error
  level: %s

mock_server:
  # Port for "klipdeck mock-server". The server binds to 127.0.0.1.
  port: %d

  # Delay between scripted demo updates.
  step_interval: %s
`, config.DefaultOrigin, config.DefaultLogLevel, config.DefaultServerPort, config.DefaultStepInterval)

const envFileContent = `# Local overrides (gitignored). Process environment variables win over
# values set here.

# KLIPDECK_ORIGIN=http://octopi.local:8000
# KLIPDECK_LOG_LEVEL=info
`

const gitignoreContent = `.env
last_status.json
`
