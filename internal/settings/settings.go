package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Settings holds user preferences that persist across restarts.
type Settings struct {
	CrashReporting bool `json:"crashReporting"` // Whether to send crash reports to Sentry
	// DefaultScenario is a stored scenario scheduled on every reader at startup.
	DefaultScenario string `json:"defaultScenario,omitempty"`
}

var (
	current      *Settings
	mu           sync.RWMutex
	pathOverride string
)

// DefaultSettings returns the default settings.
func DefaultSettings() *Settings {
	return &Settings{
		CrashReporting: false, // Opt-in, disabled by default
	}
}

// SetPath makes Load and Save use path instead of the user config directory.
func SetPath(path string) {
	mu.Lock()
	defer mu.Unlock()
	pathOverride = path
	current = nil
}

// getSettingsPath returns the path to the settings file. Caller holds mu.
func getSettingsPath() (string, error) {
	if pathOverride != "" {
		return pathOverride, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "card-selector", "settings.json"), nil
}

// Load reads settings from disk, or returns defaults if file doesn't exist.
func Load() (*Settings, error) {
	mu.Lock()
	defer mu.Unlock()

	path, err := getSettingsPath()
	if err != nil {
		current = DefaultSettings()
		return current, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		current = DefaultSettings()
		if os.IsNotExist(err) {
			return current, nil
		}
		return current, err
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		current = DefaultSettings()
		return current, err
	}

	current = &s
	return current, nil
}

// saveLocked writes the current settings to disk. Caller holds mu.
func saveLocked() error {
	if current == nil {
		current = DefaultSettings()
	}

	path, err := getSettingsPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Save writes the current settings to disk.
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return saveLocked()
}

// Get returns a copy of the current settings (loads from disk if not yet loaded).
func Get() Settings {
	mu.RLock()
	if current != nil {
		defer mu.RUnlock()
		return *current
	}
	mu.RUnlock()

	// Not loaded yet, load now
	s, _ := Load()
	return *s
}

// Update applies fn to the current settings and saves them.
func Update(fn func(*Settings)) error {
	_ = Get() // load from disk first so unrelated fields survive

	mu.Lock()
	defer mu.Unlock()

	if current == nil {
		current = DefaultSettings()
	}
	fn(current)
	return saveLocked()
}

// SetCrashReporting updates the crash reporting preference and saves.
func SetCrashReporting(enabled bool) error {
	return Update(func(s *Settings) { s.CrashReporting = enabled })
}

// SetDefaultScenario updates the scenario scheduled at startup and saves. An empty name
// disables it.
func SetDefaultScenario(name string) error {
	return Update(func(s *Settings) { s.DefaultScenario = name })
}

// IsCrashReportingEnabled returns whether crash reporting is enabled.
func IsCrashReportingEnabled() bool {
	return Get().CrashReporting
}
