package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/allocrun/internal/domain"
)

// StateStore persists the ScheduleState checkpoint. Writes are atomic: the
// new state goes to a temporary file which is then renamed into place, so a
// crash mid-write leaves the previous valid state intact and loadable.
type StateStore struct {
	path string
}

// NewStateStore creates a store at path.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Load reads the persisted checkpoint. A missing file is a fresh start
// (found=false); an unreadable or unparsable file is StateCorruption and must
// be resolved against the broker before trading.
func (s *StateStore) Load() (domain.ScheduleState, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.ScheduleState{}, false, nil
		}
		return domain.ScheduleState{}, false, fmt.Errorf("%w: failed to read %s: %v", domain.ErrStateCorrupt, s.path, err)
	}
	if len(data) == 0 {
		return domain.ScheduleState{}, false, fmt.Errorf("%w: %s is empty", domain.ErrStateCorrupt, s.path)
	}

	// Unknown fields are tolerated so state written by a newer version stays
	// loadable: the schema only ever grows.
	var state domain.ScheduleState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.ScheduleState{}, false, fmt.Errorf("%w: failed to parse %s: %v", domain.ErrStateCorrupt, s.path, err)
	}
	if !state.Mode.Valid() {
		return domain.ScheduleState{}, false, fmt.Errorf("%w: %s has unknown mode %q", domain.ErrStateCorrupt, s.path, state.Mode)
	}
	return state, true, nil
}

// Save atomically replaces the checkpoint.
func (s *StateStore) Save(state domain.ScheduleState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to swap state file into place: %w", err)
	}

	log.Debug().Str("path", s.path).Str("last_run_date", state.LastRunDate).Msg("Schedule state persisted")
	return nil
}
