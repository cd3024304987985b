// Package assistant – settings.go persists runtime state that admin commands
// mutate (enabled groups, wheel membership). Every mutation performs one
// explicit write; reads never touch disk after load.
package assistant

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Settings is the persisted runtime state file (settings.json in the data
// dir). Unlike the static YAML config it changes while the daemon runs.
type Settings struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	data settingsData
}

type settingsData struct {
	// EnabledGroups lists group ids where chat is enabled.
	EnabledGroups []string `json:"enabled_groups"`

	// Wheel lists user ids allowed to run admin commands.
	Wheel []string `json:"wheel"`

	// Extras holds ad-hoc string settings with explicit defaulting.
	Extras map[string]string `json:"extras,omitempty"`
}

// OpenSettings loads the settings file, creating it when absent. Wheel
// entries from the static config are merged in (config wins for seeding,
// runtime grants persist on top).
func OpenSettings(dataDir string, seedWheel []string, logger *slog.Logger) (*Settings, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Settings{
		path:   filepath.Join(dataDir, "settings.json"),
		logger: logger.With("component", "settings"),
	}

	raw, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("parse settings file: %w", err)
		}
	case os.IsNotExist(err):
		// First run: start empty and write below.
	default:
		return nil, fmt.Errorf("read settings file: %w", err)
	}

	for _, id := range seedWheel {
		if !contains(s.data.Wheel, id) {
			s.data.Wheel = append(s.data.Wheel, id)
		}
	}

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// IsGroupEnabled reports whether chat is enabled in the group.
func (s *Settings) IsGroupEnabled(groupID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return contains(s.data.EnabledGroups, groupID)
}

// EnableGroup enables chat in the group and persists. Idempotent.
func (s *Settings) EnableGroup(groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contains(s.data.EnabledGroups, groupID) {
		return nil
	}
	s.data.EnabledGroups = append(s.data.EnabledGroups, groupID)
	return s.persistLocked()
}

// DisableGroup disables chat in the group and persists. Disabling a group
// that is not enabled is a no-op reporting false.
func (s *Settings) DisableGroup(groupID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, id := range s.data.EnabledGroups {
		if id == groupID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	s.data.EnabledGroups = append(s.data.EnabledGroups[:idx], s.data.EnabledGroups[idx+1:]...)
	return true, s.persistLocked()
}

// EnabledGroups returns a sorted copy of the enabled group ids.
func (s *Settings) EnabledGroups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.data.EnabledGroups))
	copy(out, s.data.EnabledGroups)
	sort.Strings(out)
	return out
}

// IsWheel reports whether the user may run admin commands.
func (s *Settings) IsWheel(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return contains(s.data.Wheel, userID)
}

// ValueOrDefault returns the stored value for key. On first use of a missing
// key the default is stored with one explicit write and returned.
func (s *Settings) ValueOrDefault(key, def string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if val, ok := s.data.Extras[key]; ok {
		return val, nil
	}
	if s.data.Extras == nil {
		s.data.Extras = make(map[string]string)
	}
	s.data.Extras[key] = def
	return def, s.persistLocked()
}

// persistLocked writes the settings file. Caller holds s.mu.
func (s *Settings) persistLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write settings file: %w", err)
	}
	s.logger.Debug("settings persisted", "path", s.path)
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
