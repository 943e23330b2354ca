package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialize a derived run projection to a JSON snapshot file
// 2. Atomic write (temp file + fsync + rename) so a crash never leaves a torn snapshot
// 3. Validate the schema version on load
// 4. Stay non-authoritative: a missing, stale or broken snapshot only costs a full replay
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// SchemaVersion is bumped whenever the projection layout changes.
const SchemaVersion = 2

// ============================================================================
// Data structures
// ============================================================================

// Data is the on-disk snapshot envelope.
//
// Events, LastChecksum and ChainHash identify the journal prefix the payload was folded from;
// the reader must confirm that prefix against the live journal before trusting Payload.
type Data struct {
	SchemaVer    int             `json:"schemaVersion"`
	RunID        string          `json:"runId"`
	Events       int             `json:"events"`
	LastChecksum string          `json:"lastChecksum"`
	ChainHash    string          `json:"chainHash"`
	WrittenAt    time.Time       `json:"writtenAt"`
	Payload      json.RawMessage `json:"payload"`
}

// Manager owns one snapshot file.
type Manager struct {
	path string     // snapshot file path
	mu   sync.Mutex // guards file operations
}

// ============================================================================
// Core methods
// ============================================================================

// NewManager creates a manager for the given path. Nothing touches disk until Write.
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write atomically replaces the snapshot.
//
// Flow:
// 1. Write a temp file next to the target and fsync it
// 2. os.Rename over the target
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(jsonBytes); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot.
//
// Behavior:
//   - missing file returns an empty Data (Events == 0) and no error
//   - schema version mismatch returns ErrIncompatibleVersion
//   - unparseable file returns ErrCorruptedSnapshot
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data Data

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Data{SchemaVer: SchemaVersion}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	return data, nil
}

// Remove deletes the snapshot. Deleting a missing snapshot is not an error.
func (m *Manager) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists reports whether the snapshot file exists
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot path (tests and debugging)
func (m *Manager) GetPath() string {
	return m.path
}
