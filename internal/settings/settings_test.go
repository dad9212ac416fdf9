package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// useTempSettings points the package at a file in a temp directory.
func useTempSettings(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "card-selector", "settings.json")
	SetPath(path)
	t.Cleanup(func() { SetPath("") })
	return path
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	if s == nil {
		t.Fatal("DefaultSettings returned nil")
	}
	if s.CrashReporting != false {
		t.Error("CrashReporting should be false by default (opt-in)")
	}
	if s.DefaultScenario != "" {
		t.Error("no scenario should be scheduled by default")
	}
}

func TestGet(t *testing.T) {
	useTempSettings(t)

	mu.Lock()
	current = &Settings{CrashReporting: true}
	mu.Unlock()

	if s := Get(); s.CrashReporting != true {
		t.Error("Expected CrashReporting=true")
	}
}

func TestGetReturnsDefaultsWhenFileMissing(t *testing.T) {
	useTempSettings(t)

	s := Get()
	if s.CrashReporting || s.DefaultScenario != "" {
		t.Errorf("expected defaults, got %+v", s)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	useTempSettings(t)

	s := Get()
	s.CrashReporting = true
	if IsCrashReportingEnabled() {
		t.Error("modifying the returned settings must not change the current ones")
	}
}

func TestIsCrashReportingEnabled(t *testing.T) {
	useTempSettings(t)

	mu.Lock()
	current = &Settings{CrashReporting: true}
	mu.Unlock()
	if !IsCrashReportingEnabled() {
		t.Error("Expected IsCrashReportingEnabled() to return true")
	}

	mu.Lock()
	current = &Settings{CrashReporting: false}
	mu.Unlock()
	if IsCrashReportingEnabled() {
		t.Error("Expected IsCrashReportingEnabled() to return false")
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := useTempSettings(t)

	if err := SetCrashReporting(true); err != nil {
		t.Fatalf("SetCrashReporting failed: %v", err)
	}
	if err := SetDefaultScenario("calypso"); err != nil {
		t.Fatalf("SetDefaultScenario failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("settings file not written: %v", err)
	}
	var onDisk Settings
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("invalid settings file: %v", err)
	}
	if !onDisk.CrashReporting || onDisk.DefaultScenario != "calypso" {
		t.Errorf("unexpected file content %s", data)
	}

	// Forget the cached copy and read it back
	mu.Lock()
	current = nil
	mu.Unlock()

	s, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !s.CrashReporting || s.DefaultScenario != "calypso" {
		t.Errorf("unexpected settings after reload %+v", s)
	}
}

func TestLoadInvalidFileReturnsDefaults(t *testing.T) {
	path := useTempSettings(t)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Load()
	if err == nil {
		t.Error("Expected error for invalid JSON")
	}
	if s == nil || s.CrashReporting {
		t.Errorf("expected defaults, got %+v", s)
	}
}

func TestSettingsJSONFormat(t *testing.T) {
	s := Settings{CrashReporting: true}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	expected := `{"crashReporting":true}`
	if string(data) != expected {
		t.Errorf("JSON format mismatch: got %s, want %s", string(data), expected)
	}

	s.DefaultScenario = "transit"
	data, _ = json.Marshal(s)
	expected = `{"crashReporting":true,"defaultScenario":"transit"}`
	if string(data) != expected {
		t.Errorf("JSON format mismatch: got %s, want %s", string(data), expected)
	}
}

func TestConcurrentAccess(t *testing.T) {
	useTempSettings(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%4 == 0 {
				if err := SetCrashReporting(i%8 == 0); err != nil {
					t.Errorf("SetCrashReporting failed: %v", err)
				}
				return
			}
			_ = Get()
		}(i)
	}
	wg.Wait()

	// Should not panic or deadlock - test passes if we get here
}
