package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/thruflo/klipdeck/internal/clock"
)

// RateLimitConfig bounds how often one address may open the status
// endpoint. A reconnecting client stays well below the defaults; a
// tight config lets tests force handshake rejections.
type RateLimitConfig struct {
	MaxAttempts int           // Maximum handshakes per window (default: 30)
	Window      time.Duration // Sliding window (default: 1 minute)
}

// DefaultRateLimitConfig returns the default handshake limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttempts: 30,
		Window:      time.Minute,
	}
}

// rateLimiter implements a sliding window limit per remote address.
type rateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	clock  clock.Clock

	// attempts tracks handshake timestamps per IP
	attempts map[string][]time.Time
}

func newRateLimiter(config RateLimitConfig, clk clock.Clock) *rateLimiter {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 30
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}

	return &rateLimiter{
		config:   config,
		clock:    clk,
		attempts: make(map[string][]time.Time),
	}
}

// checkResult is the outcome of a rate limit check.
type checkResult struct {
	Allowed    bool
	RetryAfter time.Duration
	Attempts   int
}

// check records a handshake from ip if it is within the limit.
func (rl *rateLimiter) check(ip string) checkResult {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	valid := pruneBefore(rl.attempts[ip], now.Add(-rl.config.Window))
	rl.attempts[ip] = valid

	if len(valid) >= rl.config.MaxAttempts {
		retryAfter := valid[0].Add(rl.config.Window).Sub(now)
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		return checkResult{Allowed: false, RetryAfter: retryAfter, Attempts: len(valid)}
	}

	rl.attempts[ip] = append(valid, now)
	return checkResult{Allowed: true, Attempts: len(valid) + 1}
}

// cleanup drops addresses with no attempts inside the window.
// Should be called periodically.
func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	windowStart := rl.clock.Now().Add(-rl.config.Window)
	for ip, timestamps := range rl.attempts {
		valid := pruneBefore(timestamps, windowStart)
		if len(valid) == 0 {
			delete(rl.attempts, ip)
		} else {
			rl.attempts[ip] = valid
		}
	}
}

func (rl *rateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.attempts)
}

func pruneBefore(timestamps []time.Time, windowStart time.Time) []time.Time {
	valid := make([]time.Time, 0, len(timestamps))
	for _, ts := range timestamps {
		if ts.After(windowStart) {
			valid = append(valid, ts)
		}
	}
	return valid
}

// extractIP extracts the client IP from the request.
// It checks X-Forwarded-For and X-Real-IP headers first (for reverse proxy scenarios),
// then falls back to the remote address.
func extractIP(r *http.Request) string {
	// X-Forwarded-For can be "client, proxy1, proxy2"
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return r.RemoteAddr
	}
	return ip
}
