package vmconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gaovm/gaovm/internal/atomicfile"
)

// EventFunc is how the store reports side effects. The store itself
// knows nothing about subscribers.
type EventFunc func(eventType string, payload interface{})

// Store owns config.json (current) and pending_config.json (pending)
// under a state directory.
type Store struct {
	mu          sync.Mutex
	currentPath string
	pendingPath string
	onEvent     EventFunc
}

// NewStore constructs a Store rooted at stateDir. onEvent may be nil.
func NewStore(stateDir string, onEvent EventFunc) *Store {
	if onEvent == nil {
		onEvent = func(string, interface{}) {}
	}
	return &Store{
		currentPath: filepath.Join(stateDir, "config.json"),
		pendingPath: filepath.Join(stateDir, "pending_config.json"),
		onEvent:     onEvent,
	}
}

// SetResult describes the outcome of setConfig/patchConfig.
type SetResult struct {
	Applied         bool   `json:"applied"`
	RestartRequired bool   `json:"restartRequired"`
	PendingReplaced bool   `json:"pendingReplaced"`
	Current         Config `json:"current"`
	Pending         *Config `json:"pending,omitempty"`
}

// GetCurrent returns the current config, or the hard-coded default when
// no config file exists yet.
func (s *Store) GetCurrent() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCurrentLocked()
}

func (s *Store) getCurrentLocked() (Config, error) {
	raw, err := os.ReadFile(s.currentPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read current config: %w", err)
	}
	cfg, err := Validate(raw)
	if err != nil {
		return Config{}, fmt.Errorf("current config on disk is invalid: %w", err)
	}
	return *cfg, nil
}

// GetPending returns the pending config and whether one exists.
func (s *Store) GetPending() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getPendingLocked()
}

func (s *Store) getPendingLocked() (*Config, error) {
	raw, err := os.ReadFile(s.pendingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pending config: %w", err)
	}
	cfg, err := Validate(raw)
	if err != nil {
		return nil, fmt.Errorf("pending config on disk is invalid: %w", err)
	}
	return cfg, nil
}

// SetConfig validates next against the full schema and applies it
// either directly to current or, if isRunning and the change touches a
// restart-required field, stages it as pending.
func (s *Store) SetConfig(raw json.RawMessage, isRunning bool) (*SetResult, error) {
	next, err := Validate(raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.getCurrentLocked()
	if err != nil {
		return nil, err
	}
	return s.commitLocked(cur, *next, isRunning)
}

// PatchConfig applies a sparse patch on top of pending (if running and
// present) else current, then validates and commits the merged result.
func (s *Store) PatchConfig(raw json.RawMessage, isRunning bool) (*SetResult, error) {
	patch, err := ValidatePatch(raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.getCurrentLocked()
	if err != nil {
		return nil, err
	}

	base := cur
	if isRunning {
		if pending, err := s.getPendingLocked(); err != nil {
			return nil, err
		} else if pending != nil {
			base = *pending
		}
	}

	baseMap, err := toRawMap(base)
	if err != nil {
		return nil, err
	}
	mergedMap, err := DeepMerge(baseMap, patch)
	if err != nil {
		return nil, err
	}
	mergedRaw, err := json.Marshal(mergedMap)
	if err != nil {
		return nil, fmt.Errorf("marshal merged config: %w", err)
	}
	next, err := Validate(mergedRaw)
	if err != nil {
		return nil, err
	}

	return s.commitLocked(cur, *next, isRunning)
}

func (s *Store) commitLocked(cur, next Config, isRunning bool) (*SetResult, error) {
	if isRunning && RestartRequired(cur, next) {
		_, err := s.getPendingLocked()
		if err != nil {
			return nil, err
		}
		pendingExisted := fileExists(s.pendingPath)
		if err := atomicfile.WriteJSON(s.pendingPath, next); err != nil {
			return nil, fmt.Errorf("write pending config: %w", err)
		}
		eventType := "pending_config_written"
		if pendingExisted {
			eventType = "pending_config_replaced"
		}
		nextCopy := next
		s.onEvent(eventType, map[string]interface{}{"pending": nextCopy, "ts": time.Now().UTC()})
		return &SetResult{
			Applied:         false,
			RestartRequired: true,
			PendingReplaced: pendingExisted,
			Current:         cur,
			Pending:         &nextCopy,
		}, nil
	}

	if err := atomicfile.WriteJSON(s.currentPath, next); err != nil {
		return nil, fmt.Errorf("write current config: %w", err)
	}
	if !isRunning {
		if err := atomicfile.Remove(s.pendingPath); err != nil {
			return nil, fmt.Errorf("remove pending config: %w", err)
		}
	}
	s.onEvent("config.updated", map[string]interface{}{"current": next, "ts": time.Now().UTC()})
	return &SetResult{Applied: true, RestartRequired: false, Current: next}, nil
}

// ActivatePendingIfPresent promotes pending to current atomically, used
// on the stopped->start transition. Returns whether activation occurred.
func (s *Store) ActivatePendingIfPresent() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.getPendingLocked()
	if err != nil {
		return false, err
	}
	if pending == nil {
		return false, nil
	}
	if err := atomicfile.WriteJSON(s.currentPath, *pending); err != nil {
		return false, fmt.Errorf("promote pending config: %w", err)
	}
	if err := atomicfile.Remove(s.pendingPath); err != nil {
		return false, fmt.Errorf("remove pending config: %w", err)
	}
	s.onEvent("config.pending_applied", map[string]interface{}{"current": *pending, "ts": time.Now().UTC()})
	return true, nil
}

func toRawMap(c Config) (map[string]json.RawMessage, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
