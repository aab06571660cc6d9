package config

import (
	"strconv"
	"time"
)

// Console identifies the web console the status channel connects to.
type Console struct {
	// Origin is the console's http(s) origin. The status endpoint is
	// derived from it: http selects ws, https selects wss.
	Origin string `yaml:"origin"`
}

// Logging controls log verbosity.
type Logging struct {
	Level string `yaml:"level"`
}

// MockServer configures the local mock status server.
type MockServer struct {
	Port         int           `yaml:"port"`
	StepInterval time.Duration `yaml:"step_interval"`
	// StatsPasswordHash protects the /stats endpoint. Set it with
	// "klipdeck mock-server --set-password".
	StatsPasswordHash string `yaml:"stats_password_hash,omitempty"`
}

// Config represents the .klipdeck/config.yaml file.
type Config struct {
	Console    Console    `yaml:"console"`
	Logging    Logging    `yaml:"logging"`
	MockServer MockServer `yaml:"mock_server"`
}

// ListenAddr returns the mock server's loopback listen address.
func (m MockServer) ListenAddr() string {
	return "127.0.0.1:" + strconv.Itoa(m.Port)
}
