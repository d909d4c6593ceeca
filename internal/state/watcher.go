package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the store whenever another locket process rewrites the state
// file (e.g. `locket soul use` while the agent is running) and invokes
// onChange with the fresh state. Events caused by this process's own writes
// are ignored. Blocks until ctx is done.
//
// Semantics stay last-write-wins: a reload replaces the in-memory record
// wholesale, the same way a storage-change event would in a browser.
func (s *Store) Watch(ctx context.Context, onChange func(State)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors and atomic writers replace the file, which
	// drops a watch registered on the file itself.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != s.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if st, changed := s.reload(); changed && onChange != nil {
				onChange(st)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("state watcher error", zap.Error(err))
		}
	}
}

// reload reads the file back; returns the new state and whether it differed
// from what this process last wrote or loaded.
func (s *Store) reload() (State, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return State{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes.Equal(data, s.lastWrite) {
		return State{}, false
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.log.Warn("ignoring unreadable state file update", zap.Error(err))
		return State{}, false
	}
	normalize(&st)
	s.st = st
	s.lastWrite = data
	return s.st.clone(), true
}
