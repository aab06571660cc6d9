package tui

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/thruflo/klipdeck/internal/state"
)

func TestNotifier_RingsOnErrorOnly(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	n := NewNotifier(&buf, true)

	assert.False(t, n.Notify(state.Change{Kind: state.ChangeProgress}))
	assert.False(t, n.Notify(state.Change{Kind: state.ChangeErrorCleared}))
	assert.Empty(t, buf.String())

	assert.True(t, n.Notify(state.Change{Kind: state.ChangeError}))
	assert.Equal(t, Bell, buf.String())
}

func TestNotifier_Disabled(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	n := NewNotifier(&buf, false)

	assert.False(t, n.Notify(state.Change{Kind: state.ChangeError}))
	n.Bell()
	assert.Empty(t, buf.String())
}
