// Package roster holds the list of currently connected users, keyed by
// connection id.
package roster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"chat-relay/internal/models"
)

// Store is the process-wide roster. Entries keep insertion order; a
// connection id appears at most once.
type Store struct {
	mu      sync.RWMutex
	entries []models.UserEntry
}

func NewStore() *Store {
	return &Store{}
}

// Announce inserts or replaces the entry for connID. An empty username is
// rejected with ErrInvalidInput and leaves the roster untouched.
func (s *Store) Announce(connID, username string) ([]models.UserEntry, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("announce %s: empty username: %w", connID, models.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := models.UserEntry{ID: connID, Username: username}
	if i := s.indexOf(connID); i >= 0 {
		s.entries[i] = entry
	} else {
		s.entries = append(s.entries, entry)
	}
	return s.snapshotLocked(), nil
}

// Remove drops the entry for connID if present. Removing an absent id is
// not an error.
func (s *Store) Remove(connID string) []models.UserEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(connID)
	return s.snapshotLocked()
}

// RemoveExisting drops the entry for connID, reporting ErrNotFound when
// there is none.
func (s *Store) RemoveExisting(connID string) ([]models.UserEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.removeLocked(connID) {
		return nil, fmt.Errorf("roster entry %q: %w", connID, models.ErrNotFound)
	}
	return s.snapshotLocked(), nil
}

// Replace overwrites the whole roster with a client-supplied snapshot.
// Concurrent replaces are last-writer-wins.
func (s *Store) Replace(raw json.RawMessage) ([]models.UserEntry, error) {
	entries, err := ParseSnapshot(raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = entries
	return s.snapshotLocked(), nil
}

// Snapshot returns a copy of the current roster.
func (s *Store) Snapshot() []models.UserEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Get returns the entry for connID.
func (s *Store) Get(connID string) (models.UserEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.indexOf(connID); i >= 0 {
		return s.entries[i], nil
	}
	return models.UserEntry{}, fmt.Errorf("roster entry %q: %w", connID, models.ErrNotFound)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) indexOf(connID string) int {
	for i := range s.entries {
		if s.entries[i].ID == connID {
			return i
		}
	}
	return -1
}

func (s *Store) removeLocked(connID string) bool {
	i := s.indexOf(connID)
	if i < 0 {
		return false
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	return true
}

func (s *Store) snapshotLocked() []models.UserEntry {
	out := make([]models.UserEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ParseSnapshot decodes a client-supplied roster. The payload must be a JSON
// array of objects, each carrying a distinct non-empty id.
func ParseSnapshot(raw json.RawMessage) ([]models.UserEntry, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("roster snapshot is not an array: %w", models.ErrInvalidFormat)
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, fmt.Errorf("roster snapshot: %v: %w", err, models.ErrInvalidFormat)
	}

	entries := make([]models.UserEntry, 0, len(elems))
	seen := make(map[string]bool, len(elems))
	for i, elem := range elems {
		elem = bytes.TrimSpace(elem)
		if len(elem) == 0 || elem[0] != '{' {
			return nil, fmt.Errorf("roster snapshot element %d is not an object: %w", i, models.ErrInvalidFormat)
		}
		var entry models.UserEntry
		if err := json.Unmarshal(elem, &entry); err != nil {
			return nil, fmt.Errorf("roster snapshot element %d: %v: %w", i, err, models.ErrInvalidFormat)
		}
		if strings.TrimSpace(entry.ID) == "" {
			return nil, fmt.Errorf("roster snapshot element %d has no id: %w", i, models.ErrInvalidFormat)
		}
		if seen[entry.ID] {
			return nil, fmt.Errorf("roster snapshot element %d repeats id %q: %w", i, entry.ID, models.ErrInvalidFormat)
		}
		seen[entry.ID] = true
		entries = append(entries, entry)
	}
	return entries, nil
}
