package state

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thruflo/klipdeck/internal/stream"
)

var _ stream.Reconciler = (*Store)(nil)

func TestNewStore(t *testing.T) {
	t.Parallel()

	s := NewStore()

	assert.False(t, s.Connected())
	assert.Equal(t, InstallationProgress{}, s.Progress())
	assert.Empty(t, s.PrinterStatuses())
	_, ok := s.LastError()
	assert.False(t, ok)

	snap := s.Snapshot()
	assert.NotNil(t, snap.PrinterStatuses)
	assert.Nil(t, snap.Error)
}

func TestStore_ApplyProgress(t *testing.T) {
	t.Parallel()

	t.Run("replaces wholesale", func(t *testing.T) {
		t.Parallel()

		s := NewStore()
		s.ApplyProgress("compile_firmware", 40, "Compiling")
		s.ApplyProgress("compile_firmware", 10, "")

		assert.Equal(t, InstallationProgress{Step: "compile_firmware", Progress: 10}, s.Progress(),
			"an update without a message clears the previous one")
	})

	t.Run("is idempotent", func(t *testing.T) {
		t.Parallel()

		s := NewStore()
		s.ApplyProgress("clone_klipper", 55, "Cloning")
		first := s.Snapshot()
		s.ApplyProgress("clone_klipper", 55, "Cloning")

		assert.Equal(t, first, s.Snapshot())
	})
}

func TestStore_ApplyPrinterStatus(t *testing.T) {
	t.Parallel()

	t.Run("upserts one printer at a time", func(t *testing.T) {
		t.Parallel()

		s := NewStore()
		s.ApplyPrinterStatus("voron", json.RawMessage(`{"state":"printing"}`))
		s.ApplyPrinterStatus("ender", json.RawMessage(`{"state":"offline"}`))
		s.ApplyPrinterStatus("voron", json.RawMessage(`{"state":"ready"}`))

		statuses := s.PrinterStatuses()
		require.Len(t, statuses, 2)
		assert.JSONEq(t, `{"state":"ready"}`, string(statuses["voron"]))
		assert.JSONEq(t, `{"state":"offline"}`, string(statuses["ender"]))

		_, ok := s.PrinterStatus("prusa")
		assert.False(t, ok)
	})

	t.Run("copies on the way in and out", func(t *testing.T) {
		t.Parallel()

		s := NewStore()
		raw := json.RawMessage(`{"state":"ready"}`)
		s.ApplyPrinterStatus("voron", raw)
		raw[2] = 'X'

		got, ok := s.PrinterStatus("voron")
		require.True(t, ok)
		assert.JSONEq(t, `{"state":"ready"}`, string(got))

		got[2] = 'Y'
		statuses := s.PrinterStatuses()
		statuses["ender"] = json.RawMessage(`{}`)

		again, _ := s.PrinterStatus("voron")
		assert.JSONEq(t, `{"state":"ready"}`, string(again))
		assert.Len(t, s.PrinterStatuses(), 1)
	})
}

func TestStore_ErrorNotice(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.ApplyErrorNotice("first", "")
	s.ApplyErrorNotice("connection failed", "gave up")

	notice, ok := s.LastError()
	require.True(t, ok)
	assert.Equal(t, ErrorNotice{Message: "connection failed", Details: "gave up"}, notice)

	s.ClearError()
	_, ok = s.LastError()
	assert.False(t, ok)
	assert.Nil(t, s.Snapshot().Error)
}

func TestStore_SetConnectedLeavesDataAlone(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.ApplyProgress("install_service", 90, "Enabling")
	s.ApplyPrinterStatus("voron", json.RawMessage(`{"state":"ready"}`))
	s.ApplyErrorNotice("boom", "")

	s.SetConnected(true)
	s.SetConnected(false)

	snap := s.Snapshot()
	assert.False(t, snap.Connected)
	assert.Equal(t, 90, snap.Progress.Progress)
	assert.Len(t, snap.PrinterStatuses, 1)
	require.NotNil(t, snap.Error)
	assert.Equal(t, "boom", snap.Error.Message)
}

func TestStore_SnapshotIsDetached(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.ApplyErrorNotice("boom", "")
	snap := s.Snapshot()

	snap.Error.Message = "changed"
	snap.PrinterStatuses["voron"] = json.RawMessage(`{}`)

	notice, _ := s.LastError()
	assert.Equal(t, "boom", notice.Message)
	assert.Empty(t, s.PrinterStatuses())
}

func TestStore_Subscribe(t *testing.T) {
	t.Parallel()

	t.Run("delivers one change per transition", func(t *testing.T) {
		t.Parallel()

		s := NewStore()
		changes, cancel := s.Subscribe(16)
		defer cancel()

		s.SetConnected(true)
		s.ApplyProgress("a", 1, "")
		s.ApplyPrinterStatus("voron", json.RawMessage(`{}`))
		s.ApplyErrorNotice("boom", "")
		s.ClearError()
		s.ClearError()

		want := []Change{
			{Kind: ChangeConnection},
			{Kind: ChangeProgress},
			{Kind: ChangePrinterStatus, PrinterID: "voron"},
			{Kind: ChangeError},
			{Kind: ChangeErrorCleared},
		}
		for _, w := range want {
			assert.Equal(t, w, <-changes)
		}
		assert.Empty(t, changes, "clearing an absent error is not a change")
	})

	t.Run("drops when the buffer is full", func(t *testing.T) {
		t.Parallel()

		s := NewStore()
		changes, cancel := s.Subscribe(1)
		defer cancel()

		s.ApplyProgress("a", 1, "")
		s.ApplyProgress("a", 2, "")

		assert.Len(t, changes, 1)
		assert.Equal(t, 2, s.Progress().Progress)
	})

	t.Run("cancel closes the channel and is idempotent", func(t *testing.T) {
		t.Parallel()

		s := NewStore()
		changes, cancel := s.Subscribe(0)
		cancel()
		cancel()

		_, open := <-changes
		assert.False(t, open)
		s.SetConnected(true)
	})
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := NewStore()
	changes, cancel := s.Subscribe(4)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.ApplyProgress("flash", j, "")
				s.ApplyPrinterStatus("voron", json.RawMessage(`{"n":1}`))
				s.SetConnected(j%2 == 0)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = s.Snapshot()
				_, _ = s.PrinterStatus("voron")
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, len(changes), 4)
	assert.Len(t, s.PrinterStatuses(), 1)
}
