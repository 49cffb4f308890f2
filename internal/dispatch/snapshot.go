package dispatch

import (
	"encoding/json"
	"sync"
)

// Snapshot is the full mirrored representation of the remote session state.
// Message and tool bodies stay opaque; rendering them is the UI's concern.
type Snapshot struct {
	Messages      []json.RawMessage `json:"messages"`
	Tools         []json.RawMessage `json:"tools"`
	Model         string            `json:"model"`
	ThinkingLevel string            `json:"thinkingLevel"`
	SystemPrompt  string            `json:"systemPrompt"`
}

// snapshotStore holds the latest mirrored state. Every snapshot event
// replaces the previous value wholesale; there is no merging.
type snapshotStore struct {
	mu      sync.RWMutex
	current Snapshot
	valid   bool
}

// Replace decodes a snapshot payload and installs it as the new mirrored
// state (last-write-wins).
func (s *snapshotStore) Replace(payload json.RawMessage) error {
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = snap
	s.valid = true
	s.mu.Unlock()
	return nil
}

// Current returns the latest snapshot. The second return is false until the
// first snapshot event arrives.
func (s *snapshotStore) Current() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.valid
}
