package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Record is a Snapshot saved to disk together with where and when it was
// observed.
type Record struct {
	Origin   string    `json:"origin"`
	ClientID string    `json:"client_id"`
	SavedAt  time.Time `json:"saved_at"`
	Snapshot Snapshot  `json:"snapshot"`
}

// SnapshotFile handles the last-known-status file.
type SnapshotFile struct {
	basePath string
}

// NewSnapshotFile creates a SnapshotFile rooted at the project base path.
// The record is stored at .klipdeck/last_status.json.
func NewSnapshotFile(basePath string) *SnapshotFile {
	return &SnapshotFile{basePath: basePath}
}

// Path returns the location of the record.
func (f *SnapshotFile) Path() string {
	return filepath.Join(f.basePath, ".klipdeck", "last_status.json")
}

// Save writes rec, replacing any previous record. The file is written to a
// temporary name first and renamed into place.
func (f *SnapshotFile) Save(rec *Record) error {
	path := f.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status record: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write status record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace status record: %w", err)
	}

	return nil
}

// Load reads the saved record. It returns nil, nil when nothing has been
// saved yet.
func (f *SnapshotFile) Load() (*Record, error) {
	data, err := os.ReadFile(f.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // Nothing saved yet
		}
		return nil, fmt.Errorf("failed to read status record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse status record: %w", err)
	}
	if rec.Snapshot.PrinterStatuses == nil {
		rec.Snapshot.PrinterStatuses = make(map[string]json.RawMessage)
	}

	return &rec, nil
}

// Remove deletes the saved record if there is one.
func (f *SnapshotFile) Remove() error {
	if err := os.Remove(f.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove status record: %w", err)
	}
	return nil
}
