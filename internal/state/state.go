// Package state persists the agent's single process-wide state record: auth
// flag, active soul, cached soul list, and per-tab session markers. The record
// is written whole on every mutation, last write wins; correctness relies on
// the broker being the only writer inside a running agent, not on locking at
// the storage layer.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/remrin/locket/internal/soul"
)

// TabSession is the per-tab session record. Created lazily on first
// interception in a tab, deleted when the tab closes.
type TabSession struct {
	TabID        string `json:"tabId"`
	URL          string `json:"url"`
	Injected     bool   `json:"injected"`
	SoulID       string `json:"soulId"`
	MessageCount int    `json:"messageCount"`
}

// State is the full persisted record.
type State struct {
	IsAuthenticated bool                  `json:"isAuthenticated"`
	UserID          *string               `json:"userId"`
	ActiveSoulID    *string               `json:"activeSoulId"`
	Souls           []soul.Soul           `json:"souls"`
	SessionState    map[string]TabSession `json:"sessionState"`
}

// Default returns the documented default shape used when nothing is stored.
func Default() State {
	return State{
		Souls:        []soul.Soul{},
		SessionState: map[string]TabSession{},
	}
}

// clone keeps readers independent of later mutations.
func (s State) clone() State {
	out := s
	out.Souls = make([]soul.Soul, len(s.Souls))
	copy(out.Souls, s.Souls)
	out.SessionState = make(map[string]TabSession, len(s.SessionState))
	for k, v := range s.SessionState {
		out.SessionState[k] = v
	}
	return out
}

// Store is the file-backed state store.
type Store struct {
	mu        sync.RWMutex
	path      string
	st        State
	lastWrite []byte
	log       *zap.Logger
}

// Open loads the state file at path, falling back to the default shape when
// the file does not exist or cannot be decoded.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{path: path, st: Default(), log: log}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		log.Warn("state file corrupt, starting from defaults", zap.String("path", path), zap.Error(err))
		return s, nil
	}
	normalize(&st)
	s.st = st
	s.lastWrite = data
	return s, nil
}

func normalize(st *State) {
	if st.Souls == nil {
		st.Souls = []soul.Soul{}
	}
	if st.SessionState == nil {
		st.SessionState = map[string]TabSession{}
	}
}

// Get returns a copy of the current state.
func (s *Store) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.clone()
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Update applies mutate under the lock and writes the whole record back.
func (s *Store) Update(mutate func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.st)
	normalize(&s.st)
	return s.persistLocked()
}

// Reset restores the default shape (logout).
func (s *Store) Reset() error {
	return s.Update(func(st *State) {
		*st = Default()
	})
}

// SetSouls replaces the cached soul list wholesale. Cached copies are never
// merged field-by-field.
func (s *Store) SetSouls(souls []soul.Soul) error {
	return s.Update(func(st *State) {
		st.Souls = souls
	})
}

// SetActiveSoul persists the selection. No validation that the id exists;
// readers treat a stale id as "no active soul".
func (s *Store) SetActiveSoul(id *string) error {
	return s.Update(func(st *State) {
		st.ActiveSoulID = id
	})
}

// SetAuth records the signed-in user.
func (s *Store) SetAuth(authenticated bool, userID *string) error {
	return s.Update(func(st *State) {
		st.IsAuthenticated = authenticated
		st.UserID = userID
	})
}

// UpsertTabSession merges fn into the tab's session record, creating it
// lazily on first use.
func (s *Store) UpsertTabSession(tabID string, fn func(*TabSession)) error {
	return s.Update(func(st *State) {
		ts, ok := st.SessionState[tabID]
		if !ok {
			ts = TabSession{TabID: tabID}
		}
		fn(&ts)
		st.SessionState[tabID] = ts
	})
}

// DeleteTabSession drops a tab's session record. Deleting an absent record is
// a no-op, so tab-close garbage collection never fails.
func (s *Store) DeleteTabSession(tabID string) error {
	return s.Update(func(st *State) {
		delete(st.SessionState, tabID)
	})
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	// Write to a sibling temp file and rename so a watching process never
	// reads a half-written record.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	s.lastWrite = data
	return nil
}
