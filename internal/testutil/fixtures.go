package testutil

import (
	"encoding/json"
	"time"

	"github.com/thruflo/klipdeck/internal/state"
	"github.com/thruflo/klipdeck/internal/stream"
)

// SampleClientID is a fixed client identifier for fixtures.
const SampleClientID = "3b241101-e2bb-4255-8caf-4136c566a962"

// SampleOrigin is the console origin used by fixtures.
const SampleOrigin = "http://octopi.local:8000"

// SampleProgressFrame returns an installation_progress frame as the server
// would send it.
func SampleProgressFrame(step string, progress float64, message string) []byte {
	return mustFrame(stream.MessageTypeInstallationProgress, stream.InstallationProgress{
		Step:     step,
		Progress: progress,
		Message:  message,
	})
}

// SamplePrinterStatusFrame returns a printer_status frame whose status is
// {"state": printerState}.
func SamplePrinterStatusFrame(printerID, printerState string) []byte {
	status, _ := json.Marshal(map[string]string{"state": printerState})
	return mustFrame(stream.MessageTypePrinterStatus, stream.PrinterStatus{
		PrinterID: printerID,
		Status:    status,
	})
}

// SampleErrorFrame returns an error frame.
func SampleErrorFrame(message, details string) []byte {
	return mustFrame(stream.MessageTypeError, stream.ErrorNotice{Message: message, Details: details})
}

func mustFrame(msgType stream.MessageType, data any) []byte {
	frame, err := stream.MustNewEnvelope(msgType, data).Marshal()
	if err != nil {
		panic(err)
	}
	return frame
}

// SampleSnapshot returns a mid-installation snapshot with two printers.
// Returns a new value each time to prevent test interference.
func SampleSnapshot() state.Snapshot {
	return state.Snapshot{
		Connected: true,
		Progress: state.InstallationProgress{
			Step:     "compile_firmware",
			Progress: 62,
			Message:  "Compiling firmware",
		},
		PrinterStatuses: map[string]json.RawMessage{
			"voron":  json.RawMessage(`{"state":"installing","step":"compile_firmware"}`),
			"ender3": json.RawMessage(`{"state":"ready"}`),
		},
	}
}

// SampleRecord returns SampleSnapshot as saved from SampleOrigin.
func SampleRecord() *state.Record {
	snap := SampleSnapshot()
	snap.Connected = false
	return &state.Record{
		Origin:   SampleOrigin,
		ClientID: SampleClientID,
		SavedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Snapshot: snap,
	}
}
