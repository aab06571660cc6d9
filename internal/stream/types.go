// Package stream implements the console's real-time status channel: a
// reconnecting WebSocket client that decodes typed envelopes pushed by the
// Klipper host and routes them to a Reconciler.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// MessageType identifies the type of an envelope.
type MessageType string

const (
	// Client → server

	// MessageTypePing is the keepalive sent while the connection is open.
	MessageTypePing MessageType = "ping"

	// Server → client

	// MessageTypePong answers a ping. It carries no required data.
	MessageTypePong MessageType = "pong"
	// MessageTypeInstallationProgress reports the current install step.
	MessageTypeInstallationProgress MessageType = "installation_progress"
	// MessageTypePrinterStatus reports the latest status of one printer.
	MessageTypePrinterStatus MessageType = "printer_status"
	// MessageTypeError carries an error notice for the user.
	MessageTypeError MessageType = "error"
)

// Known reports whether t is one of the envelope types the channel defines.
func (t MessageType) Known() bool {
	switch t {
	case MessageTypePing, MessageTypePong, MessageTypeInstallationProgress,
		MessageTypePrinterStatus, MessageTypeError:
		return true
	}
	return false
}

// ErrMissingType is returned when a frame decodes but has no type.
var ErrMissingType = errors.New("envelope has no type")

// Envelope is one unit of traffic on the status channel, in either direction.
// On the wire it is a JSON object: {"type": ..., "data"?: ..., "timestamp"?: ...}.
type Envelope struct {
	// Type identifies what kind of envelope this is.
	Type MessageType `json:"type"`

	// Data contains the type-specific payload.
	// Use the typed accessor methods to get the concrete type.
	Data json.RawMessage `json:"data,omitempty"`

	// Timestamp is milliseconds since the Unix epoch. Only pings set it.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// NewEnvelope creates an Envelope with the given type and data.
// A nil data produces an envelope without a data field.
func NewEnvelope(msgType MessageType, data any) (*Envelope, error) {
	env := &Envelope{Type: msgType}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope data: %w", err)
	}
	env.Data = raw
	return env, nil
}

// MustNewEnvelope creates an Envelope, panicking on error.
// Use only when the data is known to be serializable.
func MustNewEnvelope(msgType MessageType, data any) *Envelope {
	env, err := NewEnvelope(msgType, data)
	if err != nil {
		panic(err)
	}
	return env
}

// NewPing creates the keepalive envelope stamped with now.
func NewPing(now time.Time) *Envelope {
	return &Envelope{Type: MessageTypePing, Timestamp: now.UnixMilli()}
}

// Marshal serializes the envelope to JSON bytes.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes a frame. It fails on invalid JSON, on anything
// other than a JSON object, and on a missing type. Unknown types decode
// successfully; deciding what to do with them is the caller's business.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if e.Type == "" {
		return nil, ErrMissingType
	}
	return &e, nil
}

// InstallationProgress is the data of an installation_progress envelope.
// The server may send progress as a float; it is rounded to an integer.
type InstallationProgress struct {
	Step     string  `json:"step,omitempty"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

// Percent returns Progress rounded to the nearest integer and clamped to
// 0..100. NaN counts as 0.
func (p *InstallationProgress) Percent() int {
	v := math.Round(p.Progress)
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= 100:
		return 100
	}
	return int(v)
}

// PrinterStatus is the data of a printer_status envelope. Status is kept
// opaque; its shape belongs to the printer subsystem.
type PrinterStatus struct {
	PrinterID string          `json:"printer_id"`
	Status    json.RawMessage `json:"status"`
}

// ErrorNotice is the data of an error envelope. Servers may send details
// as any JSON value; strings are kept as is and anything else is stored as
// compact JSON.
type ErrorNotice struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// UnmarshalJSON accepts details of any JSON type.
func (n *ErrorNotice) UnmarshalJSON(data []byte) error {
	var wire struct {
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	details, err := detailsText(wire.Details)
	if err != nil {
		return err
	}
	n.Message = wire.Message
	n.Details = details
	return nil
}

func detailsText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", fmt.Errorf("invalid details: %w", err)
	}
	return buf.String(), nil
}

// Pong is the optional data of a pong envelope: the echoed ping timestamp.
type Pong struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// InstallationProgressData returns the payload of an installation_progress envelope.
func (e *Envelope) InstallationProgressData() (*InstallationProgress, error) {
	if e.Type != MessageTypeInstallationProgress {
		return nil, fmt.Errorf("envelope is not installation_progress: %s", e.Type)
	}
	var data InstallationProgress
	if err := decodeData(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal installation_progress data: %w", err)
	}
	return &data, nil
}

// PrinterStatusData returns the payload of a printer_status envelope.
// A missing printer_id is an error: there is no entry to upsert.
func (e *Envelope) PrinterStatusData() (*PrinterStatus, error) {
	if e.Type != MessageTypePrinterStatus {
		return nil, fmt.Errorf("envelope is not printer_status: %s", e.Type)
	}
	var data PrinterStatus
	if err := decodeData(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal printer_status data: %w", err)
	}
	if data.PrinterID == "" {
		return nil, errors.New("printer_status has no printer_id")
	}
	return &data, nil
}

// ErrorNoticeData returns the payload of an error envelope.
func (e *Envelope) ErrorNoticeData() (*ErrorNotice, error) {
	if e.Type != MessageTypeError {
		return nil, fmt.Errorf("envelope is not error: %s", e.Type)
	}
	var data ErrorNotice
	if err := decodeData(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal error data: %w", err)
	}
	return &data, nil
}

// PongData returns the payload of a pong envelope. A pong without data
// yields a zero Pong.
func (e *Envelope) PongData() (*Pong, error) {
	if e.Type != MessageTypePong {
		return nil, fmt.Errorf("envelope is not pong: %s", e.Type)
	}
	var data Pong
	if len(e.Data) == 0 {
		return &data, nil
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pong data: %w", err)
	}
	return &data, nil
}

// decodeData requires a JSON object payload.
func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errors.New("missing data")
	}
	return json.Unmarshal(raw, v)
}
