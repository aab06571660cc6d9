package testutil

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thruflo/klipdeck/internal/config"
	"github.com/thruflo/klipdeck/internal/logging"
	"github.com/thruflo/klipdeck/internal/server"
	"github.com/thruflo/klipdeck/internal/state"
	"github.com/thruflo/klipdeck/internal/stream"
)

// SetupTestDir creates a temporary project directory containing .klipdeck/.
// When configYAML is non-empty it is written as .klipdeck/config.yaml.
// The directory is automatically cleaned up when the test completes.
func SetupTestDir(t *testing.T, configYAML string) string {
	t.Helper()

	tmpDir := t.TempDir()
	require.NoError(t, os.MkdirAll(config.Dir(tmpDir), 0o755))
	if configYAML != "" {
		WriteTestFile(t, tmpDir, ".klipdeck/config.yaml", []byte(configYAML))
	}
	return tmpDir
}

// WriteTestFile writes content to a file under basePath, creating parent
// directories as needed.
func WriteTestFile(t *testing.T, basePath, relativePath string, content []byte) {
	t.Helper()

	fullPath := filepath.Join(basePath, relativePath)
	require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0o755))
	require.NoError(t, os.WriteFile(fullPath, content, 0o644))
}

// MustMarshalJSON marshals v to JSON or fails the test.
func MustMarshalJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// MustUnmarshalJSON unmarshals data into v or fails the test.
func MustUnmarshalJSON(t *testing.T, data []byte, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(data, v))
}

// QuietLogger returns a logger that discards everything.
func QuietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(log.New(io.Discard, "", 0))
	return l
}

// StartMockServer runs a mock status server on a free loopback port until
// the test ends. A zero limits value selects the default rate limit.
func StartMockServer(t *testing.T, limits server.RateLimitConfig) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Config{Addr: "127.0.0.1:0", RateLimit: limits, Logger: QuietLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	require.Eventually(t, func() bool { return srv.ListenAddr() != "" }, 5*time.Second, 5*time.Millisecond,
		"mock server did not start")

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("mock server: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("mock server did not stop")
		}
	})
	return srv
}

// WaitForClients polls until hub has at least n connected clients. It
// never fails the test, so it is safe to call from other goroutines.
func WaitForClients(hub *server.Hub, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if hub.Stats().ConnectedClients >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// NewClient creates a quiet stream client for origin feeding store and
// closes it when the test ends.
func NewClient(t *testing.T, origin string, store *state.Store, opts ...stream.ClientOption) *stream.Client {
	t.Helper()

	opts = append([]stream.ClientOption{stream.WithLogger(QuietLogger())}, opts...)
	client, err := stream.NewClient(origin, store, opts...)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}
