package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thruflo/klipdeck/internal/state"
)

// WaitForStore blocks until cond holds for the store's snapshot, failing
// the test after timeout. cond is re-checked on every change.
func WaitForStore(t *testing.T, store *state.Store, timeout time.Duration, cond func(state.Snapshot) bool) state.Snapshot {
	t.Helper()

	changes, cancel := store.Subscribe(64)
	defer cancel()

	// Changes can be dropped when the buffer fills, so also poll.
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		snap := store.Snapshot()
		if cond(snap) {
			return snap
		}
		select {
		case <-changes:
		case <-ticker.C:
		case <-timer.C:
			data, _ := json.Marshal(snap)
			require.FailNow(t, "store did not reach the expected state", "last snapshot: %s", data)
			return snap
		}
	}
}

// PrinterState extracts the "state" field from an opaque printer status,
// or "" when there is none.
func PrinterState(raw json.RawMessage) string {
	var body struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.State
}

// AssertProgress checks the store's current installation step.
func AssertProgress(t *testing.T, store *state.Store, step string, progress int) {
	t.Helper()
	got := store.Progress()
	assert.Equal(t, step, got.Step, "step mismatch")
	assert.Equal(t, progress, got.Progress, "progress mismatch")
}

// AssertPrinterState checks the "state" field of a printer's status.
func AssertPrinterState(t *testing.T, store *state.Store, printerID, want string) {
	t.Helper()
	raw, ok := store.PrinterStatus(printerID)
	if !assert.True(t, ok, "no status for printer %s", printerID) {
		return
	}
	assert.Equal(t, want, PrinterState(raw), "printer %s state", printerID)
}

// AssertErrorNotice checks the outstanding error message.
func AssertErrorNotice(t *testing.T, store *state.Store, message string) {
	t.Helper()
	notice, ok := store.LastError()
	if !assert.True(t, ok, "expected error notice %q", message) {
		return
	}
	assert.Equal(t, message, notice.Message)
}

// AssertNoErrorNotice checks that no error is outstanding.
func AssertNoErrorNotice(t *testing.T, store *state.Store) {
	t.Helper()
	notice, ok := store.LastError()
	assert.False(t, ok, "unexpected error notice: %+v", notice)
}
