package state

import "encoding/json"

// InstallationProgress is the single current installation step. Each
// update replaces it wholesale; progress may go backwards when the
// installer restarts a step.
type InstallationProgress struct {
	Step     string `json:"step"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

// ErrorNotice is the outstanding error shown to the user.
type ErrorNotice struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Snapshot is a point-in-time copy of the whole store. It shares no
// memory with the store.
type Snapshot struct {
	Connected       bool                       `json:"connected"`
	Progress        InstallationProgress       `json:"installation_progress"`
	PrinterStatuses map[string]json.RawMessage `json:"printer_statuses"`
	Error           *ErrorNotice               `json:"error"`
}

// ChangeKind names the transition that produced a Change.
type ChangeKind string

// Change kinds.
const (
	ChangeConnection    ChangeKind = "connection"
	ChangeProgress      ChangeKind = "progress"
	ChangePrinterStatus ChangeKind = "printer_status"
	ChangeError         ChangeKind = "error"
	ChangeErrorCleared  ChangeKind = "error_cleared"
)

// Change is delivered to subscribers after every transition.
type Change struct {
	Kind ChangeKind
	// PrinterID is set for ChangePrinterStatus.
	PrinterID string
}
