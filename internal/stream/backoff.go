package stream

import "time"

// Reconnection defaults.
const (
	// DefaultMaxReconnectAttempts bounds consecutive reconnects without a
	// successful open.
	DefaultMaxReconnectAttempts = 5
	// DefaultBaseDelay is the backoff unit; attempt n waits base * 2^n.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps a single backoff delay.
	DefaultMaxDelay = 30 * time.Second
	// DefaultPingInterval is the keepalive period while open.
	DefaultPingInterval = 30 * time.Second
)

// BackoffDelay returns min(base * 2^attempt, max). With the defaults,
// attempts 1..5 wait 2s, 4s, 8s, 16s and 30s.
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
