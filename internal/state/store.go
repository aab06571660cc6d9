// Package state holds the console's live view of the Klipper host: transport
// liveness, installation progress, per-printer status and the outstanding
// error notice.
//
// The Store is the only place this state lives. Writers go through a closed
// set of transitions; everything else reads copies.
package state

import (
	"encoding/json"
	"sync"
)

// Store is the status aggregate. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	connected bool
	progress  InstallationProgress
	statuses  map[string]json.RawMessage
	lastError *ErrorNotice

	subMu       sync.Mutex
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	ch   chan Change
	once sync.Once
}

// NewStore returns a Store in its initial state: disconnected, empty
// progress, no printers and no error.
func NewStore() *Store {
	return &Store{
		statuses:    make(map[string]json.RawMessage),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// ApplyProgress replaces the installation progress.
func (s *Store) ApplyProgress(step string, progress int, message string) {
	s.mu.Lock()
	s.progress = InstallationProgress{Step: step, Progress: progress, Message: message}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeProgress})
}

// ApplyPrinterStatus upserts the status of one printer. Other printers are
// untouched. The status is copied.
func (s *Store) ApplyPrinterStatus(printerID string, status json.RawMessage) {
	s.mu.Lock()
	s.statuses[printerID] = cloneRaw(status)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangePrinterStatus, PrinterID: printerID})
}

// ApplyErrorNotice overwrites the outstanding error.
func (s *Store) ApplyErrorNotice(message, details string) {
	s.mu.Lock()
	s.lastError = &ErrorNotice{Message: message, Details: details}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeError})
}

// SetConnected records transport liveness.
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConnection})
}

// ClearError dismisses the outstanding error, if any.
func (s *Store) ClearError() {
	s.mu.Lock()
	had := s.lastError != nil
	s.lastError = nil
	s.mu.Unlock()

	if had {
		s.notify(Change{Kind: ChangeErrorCleared})
	}
}

// Connected reports whether the status channel is open.
func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Progress returns the current installation progress.
func (s *Store) Progress() InstallationProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}

// PrinterStatus returns a copy of one printer's latest status.
func (s *Store) PrinterStatus(printerID string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[printerID]
	if !ok {
		return nil, false
	}
	return cloneRaw(status), true
}

// PrinterStatuses returns a copy of every known printer status.
func (s *Store) PrinterStatuses() map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneStatuses(s.statuses)
}

// LastError returns the outstanding error notice.
func (s *Store) LastError() (ErrorNotice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastError == nil {
		return ErrorNotice{}, false
	}
	return *s.lastError, true
}

// Snapshot returns a consistent copy of the whole store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Connected:       s.connected,
		Progress:        s.progress,
		PrinterStatuses: cloneStatuses(s.statuses),
	}
	if s.lastError != nil {
		notice := *s.lastError
		snap.Error = &notice
	}
	return snap
}

// Subscribe registers for change notifications. Delivery never blocks a
// writer: when the channel's buffer is full the change is dropped, so
// subscribers should re-read the store rather than count changes. The
// returned function unsubscribes and closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan Change, buffer)}

	s.subMu.Lock()
	s.subscribers[sub] = struct{}{}
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		delete(s.subscribers, sub)
		s.subMu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}
	return sub.ch, cancel
}

func (s *Store) notify(change Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subscribers {
		select {
		case sub.ch <- change:
		default:
		}
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneStatuses(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for id, status := range in {
		out[id] = cloneRaw(status)
	}
	return out
}
