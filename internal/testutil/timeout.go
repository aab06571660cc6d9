package testutil

import (
	"context"
	"testing"
	"time"
)

// Default timeouts for status channel tests.
const (
	// DefaultConnectTimeout bounds dialing and the first status update.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultDemoTimeout bounds a full scripted installation at test speed.
	DefaultDemoTimeout = 30 * time.Second

	// DefaultTestBuffer is the buffer time subtracted from test deadline
	// to allow for cleanup operations before the test times out.
	DefaultTestBuffer = 10 * time.Second
)

// ContextWithTestDeadline creates a context that respects the test's deadline.
// It subtracts a buffer from the test deadline to allow time for cleanup.
// If the test has no deadline, it falls back to the provided fallback duration.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    ctx, cancel := testutil.ContextWithTestDeadline(t, time.Minute)
//	    defer cancel()
//	    // ... test code using ctx
//	}
func ContextWithTestDeadline(t *testing.T, fallback time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()
	return ContextWithTestDeadlineBuffer(t, fallback, DefaultTestBuffer)
}

// ContextWithTestDeadlineBuffer creates a context that respects the test's deadline
// with a custom buffer. The buffer is subtracted from the test deadline to allow
// time for cleanup operations before the test times out.
//
// If the test has no deadline, it uses the fallback duration.
// If the calculated deadline (test deadline minus buffer) is in the past,
// or later than the fallback, the fallback is used instead.
func ContextWithTestDeadlineBuffer(t *testing.T, fallback, buffer time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()

	if deadline, ok := t.Deadline(); ok {
		adjusted := deadline.Add(-buffer)
		remaining := time.Until(adjusted)
		if remaining > 0 && remaining < fallback {
			t.Logf("Using test deadline: %v (buffer: %v)", remaining.Round(time.Second), buffer)
			return context.WithDeadline(context.Background(), adjusted)
		}
	}

	t.Logf("Using fallback timeout: %v", fallback)
	return context.WithTimeout(context.Background(), fallback)
}

// ConnectContext creates a context for dialing and awaiting the first
// update.
func ConnectContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return ContextWithTestDeadline(t, DefaultConnectTimeout)
}

// DemoContext creates a context long enough for a full scripted
// installation.
func DemoContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return ContextWithTestDeadline(t, DefaultDemoTimeout)
}
