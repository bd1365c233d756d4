package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SnapshotEntry is the on-disk record for one session. External tooling
// reads this file, so the field set is a stable contract.
type SnapshotEntry struct {
	ID            string    `json:"id"`
	RemoteAddress string    `json:"remote_address"`
	State         string    `json:"state"`
	ConnectedAt   time.Time `json:"connected_at"`
	Hostname      string    `json:"hostname"`
	Username      string    `json:"username"`
	Privilege     string    `json:"privilege"`
	OSType        string    `json:"os_type,omitempty"`
	Notes         string    `json:"notes,omitempty"`
}

// Snapshot is the full file payload.
type Snapshot struct {
	UpdatedAt time.Time       `json:"updated_at"`
	Sessions  []SnapshotEntry `json:"sessions"`
}

// SnapshotWriter persists the registry state as JSON, atomically via a
// temp file and rename so readers never observe a partial write.
type SnapshotWriter struct {
	mu   sync.Mutex
	path string
}

func NewSnapshotWriter(path string) *SnapshotWriter {
	return &SnapshotWriter{path: path}
}

func (w *SnapshotWriter) Write(sessions []*Session) error {
	snap := Snapshot{
		UpdatedAt: time.Now(),
		Sessions:  make([]SnapshotEntry, 0, len(sessions)),
	}
	for _, s := range sessions {
		meta := s.Metadata()
		snap.Sessions = append(snap.Sessions, SnapshotEntry{
			ID:            s.ID,
			RemoteAddress: s.RemoteAddr,
			State:         s.State().String(),
			ConnectedAt:   meta.ConnectedAt,
			Hostname:      meta.Hostname,
			Username:      meta.Username,
			Privilege:     string(meta.Privilege),
			OSType:        meta.OSType,
			Notes:         meta.OperatorNotes,
		})
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads a snapshot file written by Write. Viewer tooling uses
// it to show registry state from outside the handler process.
func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot file: %w", err)
	}
	return &snap, nil
}
