// Package settings implements the effective-configuration store (C1): a
// flat mapping of string keys to typed values, read-through with
// file-mtime invalidation, computed as
//
//	effective(session) = deep_merge(defaults, adaptive[session or "_global_"], overrides)
//
// The planner and streaming bridge only ever read through Effective/typed
// getters; mutation happens exclusively through PatchOverrides and
// ReplaceOverrides.
package settings

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const globalAdaptiveKey = "_global_"

// Store is the effective-configuration provider. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	defaults map[string]any
	adaptive map[string]map[string]any
	overrides map[string]any

	overridesPath string
	lastMtime     time.Time

	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// New creates a Store from a defaults map (required, must be non-empty —
// per spec §4.1 "defaults must be readable or the process aborts at init")
// and an overrides file path that may not yet exist.
func New(defaults map[string]any, overridesPath string) (*Store, error) {
	if len(defaults) == 0 {
		return nil, errNoDefaults
	}

	s := &Store{
		defaults:      cloneMap(defaults),
		adaptive:      make(map[string]map[string]any),
		overrides:     make(map[string]any),
		overridesPath: overridesPath,
		logger:        slog.Default().With("component", "settings"),
	}

	s.reloadOverridesLocked()
	s.startWatcher()
	return s, nil
}

var errNoDefaults = settingsError("settings: defaults map must be non-empty")

type settingsError string

func (e settingsError) Error() string { return string(e) }

// Effective returns deep_merge(defaults, adaptive[session or "_global_"],
// overrides). sessionID == "" resolves to the global adaptive layer.
func (s *Store) Effective(sessionID string) map[string]any {
	s.maybeReload()

	s.mu.RLock()
	defer s.mu.RUnlock()

	key := sessionID
	if key == "" {
		key = globalAdaptiveKey
	}
	merged := deepMerge(s.defaults, s.adaptive[key])
	merged = deepMerge(merged, s.overrides)
	return merged
}

// GetString/GetInt/GetFloat/GetBool are typed convenience getters over the
// global effective map.
func (s *Store) GetString(key, def string) string {
	if v, ok := s.Effective("")[key]; ok {
		if sv, ok := v.(string); ok {
			return sv
		}
	}
	return def
}

func (s *Store) GetInt(key string, def int) int {
	if v, ok := s.Effective("")[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return def
}

func (s *Store) GetFloat(key string, def float64) float64 {
	if v, ok := s.Effective("")[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return def
}

func (s *Store) GetBool(key string, def bool) bool {
	if v, ok := s.Effective("")[key]; ok {
		if bv, ok := v.(bool); ok {
			return bv
		}
	}
	return def
}

// SetAdaptive replaces the adaptive layer for a session (or the global
// layer when sessionID == "").
func (s *Store) SetAdaptive(sessionID string, values map[string]any) {
	key := sessionID
	if key == "" {
		key = globalAdaptiveKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adaptive[key] = cloneMap(values)
}

// PatchOverrides recursively merges patch into the overrides layer (nil
// values delete keys) and persists the result atomically.
func (s *Store) PatchOverrides(patch map[string]any) error {
	s.mu.Lock()
	merged := deepMerge(s.overrides, patch)
	s.mu.Unlock()
	return s.ReplaceOverrides(merged)
}

// ReplaceOverrides atomically replaces the entire overrides layer and
// persists it to disk via write-then-rename.
func (s *Store) ReplaceOverrides(next map[string]any) error {
	if s.overridesPath != "" {
		if err := atomicWriteJSON(s.overridesPath, next); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.overrides = cloneMap(next)
	if fi, err := os.Stat(s.overridesPath); err == nil {
		s.lastMtime = fi.ModTime()
	}
	s.mu.Unlock()
	return nil
}

func atomicWriteJSON(path string, v map[string]any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".overrides-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// maybeReload checks the overrides file's mtime and reloads on change. Per
// spec §4.1, a malformed overrides file fails closed: it is treated as
// empty rather than aborting the process.
func (s *Store) maybeReload() {
	if s.overridesPath == "" {
		return
	}
	fi, err := os.Stat(s.overridesPath)
	if err != nil {
		return
	}
	s.mu.RLock()
	changed := fi.ModTime().After(s.lastMtime)
	s.mu.RUnlock()
	if !changed {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadOverridesLocked()
}

func (s *Store) reloadOverridesLocked() {
	if s.overridesPath == "" {
		return
	}
	fi, err := os.Stat(s.overridesPath)
	if err != nil {
		return
	}
	data, err := os.ReadFile(s.overridesPath)
	if err != nil {
		s.logger.Warn("settings: failed to read overrides, treating as empty", "error", err)
		s.overrides = make(map[string]any)
		return
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Warn("settings: malformed overrides file, treating as empty", "error", err)
		s.overrides = make(map[string]any)
		return
	}
	s.overrides = m
	s.lastMtime = fi.ModTime()
}

// startWatcher installs an fsnotify watch on the overrides file's directory
// so externally-edited files are picked up promptly in addition to the
// on-read mtime check. Best-effort: failures are logged, not fatal.
func (s *Store) startWatcher() {
	if s.overridesPath == "" {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("settings: fsnotify unavailable, falling back to mtime polling only", "error", err)
		return
	}
	dir := filepath.Dir(s.overridesPath)
	if err := w.Add(dir); err != nil {
		s.logger.Warn("settings: failed to watch overrides directory", "dir", dir, "error", err)
		w.Close()
		return
	}
	s.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == filepath.Clean(s.overridesPath) {
					s.mu.Lock()
					s.reloadOverridesLocked()
					s.mu.Unlock()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("settings: fsnotify error", "error", err)
			}
		}
	}()
}

// Close releases the background file watcher, if any.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
