// Package prefs persists per-user preference documents as JSON files,
// overlaying a compiled-in default tree for missing keys.
package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrUnknownCategory is returned for categories outside the default tree.
	ErrUnknownCategory = errors.New("unknown preference category")
	// ErrInvalidValue is returned when validation rejects a value.
	ErrInvalidValue = errors.New("invalid preference value")
)

// Preferences is a two-level category → key → value document.
type Preferences map[string]map[string]any

// defaultTree is the compiled-in preference baseline. Reset operations
// restore these values verbatim.
func defaultTree() Preferences {
	return Preferences{
		"trading": {
			"default_position_size": 0.1,
			"max_slippage":          0.005,
			"confidence_threshold":  0.7,
			"auto_execute":          false,
			"preferred_networks":    []any{"arbitrum", "optimism", "base"},
		},
		"display": {
			"theme":             "dark",
			"default_timeframe": "1h",
			"show_gas_costs":    true,
			"currency":          "USD",
		},
		"notifications": {
			"opportunity_alerts": true,
			"execution_alerts":   true,
			"min_profit_alert":   10.0,
		},
		"risk": {
			"max_risk_score":     0.7,
			"daily_loss_limit":   500.0,
			"require_supervision": true,
		},
	}
}

var validTimeframes = map[string]bool{
	"1m": true, "5m": true, "15m": true, "1h": true, "4h": true, "1d": true, "1w": true,
}

var validThemes = map[string]bool{
	"light": true, "dark": true, "system": true,
}

// Store reads and writes preference documents. File I/O is serialized
// per user id.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir (created on demand).
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "prefs"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Store) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

func (s *Store) path(userID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_preferences.json", userID))
}

// Get returns the value for category/key, falling through user → default.
func (s *Store) Get(userID, category, key string) (any, error) {
	defaults := defaultTree()
	if _, ok := defaults[category]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	prefs, err := s.load(userID)
	if err != nil {
		return nil, err
	}
	if cat, ok := prefs[category]; ok {
		if v, ok := cat[key]; ok {
			return v, nil
		}
	}
	if v, ok := defaults[category][key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrUnknownCategory, category, key)
}

// GetAll returns the user's full document with defaults overlaid.
func (s *Store) GetAll(userID string) (Preferences, error) {
	prefs, err := s.load(userID)
	if err != nil {
		return nil, err
	}
	merged := defaultTree()
	for cat, kv := range prefs {
		if _, ok := merged[cat]; !ok {
			merged[cat] = make(map[string]any)
		}
		for k, v := range kv {
			merged[cat][k] = v
		}
	}
	return merged, nil
}

// Set validates and persists one value atomically (write-temp, rename).
func (s *Store) Set(userID, category, key string, value any) error {
	if err := Validate(category, key, value); err != nil {
		return err
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	prefs, err := s.loadLocked(userID)
	if err != nil {
		return err
	}
	if prefs[category] == nil {
		prefs[category] = make(map[string]any)
	}
	prefs[category][key] = value
	return s.saveLocked(userID, prefs)
}

// SetMany applies a batch of updates; the whole batch is validated first
// so a bad entry leaves the document untouched.
func (s *Store) SetMany(userID string, updates Preferences) error {
	for cat, kv := range updates {
		for k, v := range kv {
			if err := Validate(cat, k, v); err != nil {
				return err
			}
		}
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	prefs, err := s.loadLocked(userID)
	if err != nil {
		return err
	}
	for cat, kv := range updates {
		if prefs[cat] == nil {
			prefs[cat] = make(map[string]any)
		}
		for k, v := range kv {
			prefs[cat][k] = v
		}
	}
	return s.saveLocked(userID, prefs)
}

// ResetCategory drops all user overrides in one category.
func (s *Store) ResetCategory(userID, category string) error {
	if _, ok := defaultTree()[category]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	prefs, err := s.loadLocked(userID)
	if err != nil {
		return err
	}
	delete(prefs, category)
	return s.saveLocked(userID, prefs)
}

// ResetAll drops every user override, yielding the compiled-in defaults.
func (s *Store) ResetAll(userID string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.saveLocked(userID, Preferences{})
}

// Export writes the merged document to an export file and returns its path.
// Filename format: {user}_preferences_export_{YYYYmmdd_HHMMSS}.json.
func (s *Store) Export(userID string) (string, error) {
	merged, err := s.GetAll(userID)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s_preferences_export_%s.json", userID, time.Now().Format("20060102_150405"))
	path := filepath.Join(s.dir, name)

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal export: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create prefs dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	s.logger.Info("preferences exported", "user", userID, "file", name)
	return path, nil
}

// Import validates and replaces the user's overrides with the given document.
func (s *Store) Import(userID string, doc Preferences) error {
	for cat, kv := range doc {
		for k, v := range kv {
			if err := Validate(cat, k, v); err != nil {
				return err
			}
		}
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.saveLocked(userID, doc)
}

// Validate enforces the known value ranges. Unknown keys inside a known
// category are accepted unvalidated.
func Validate(category, key string, value any) error {
	if _, ok := defaultTree()[category]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	switch category + "." + key {
	case "trading.default_position_size":
		if f, ok := toFloat(value); !ok || f < 0 || f > 1 {
			return fmt.Errorf("%w: position size must be in [0,1]", ErrInvalidValue)
		}
	case "trading.confidence_threshold":
		if f, ok := toFloat(value); !ok || f < 0 || f > 1 {
			return fmt.Errorf("%w: confidence must be in [0,1]", ErrInvalidValue)
		}
	case "display.theme":
		str, ok := value.(string)
		if !ok || !validThemes[str] {
			return fmt.Errorf("%w: theme must be light, dark, or system", ErrInvalidValue)
		}
	case "display.default_timeframe":
		str, ok := value.(string)
		if !ok || !validTimeframes[str] {
			return fmt.Errorf("%w: unknown timeframe %v", ErrInvalidValue, value)
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// load reads the user's override document (empty when absent).
func (s *Store) load(userID string) (Preferences, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.loadLocked(userID)
}

func (s *Store) loadLocked(userID string) (Preferences, error) {
	data, err := os.ReadFile(s.path(userID))
	if os.IsNotExist(err) {
		return Preferences{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read preferences: %w", err)
	}
	var prefs Preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil, fmt.Errorf("decode preferences for %s: %w", userID, err)
	}
	if prefs == nil {
		prefs = Preferences{}
	}
	return prefs, nil
}

// saveLocked persists atomically: write temp in the same dir, then rename.
func (s *Store) saveLocked(userID string, prefs Preferences) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create prefs dir: %w", err)
	}

	data, err := json.MarshalIndent(prefs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, userID+"_*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(userID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename preferences: %w", err)
	}
	return nil
}
