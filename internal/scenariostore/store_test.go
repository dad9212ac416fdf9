package scenariostore

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/SimplyPrint/card-selector/internal/core"
	"github.com/SimplyPrint/card-selector/internal/selection"
)

const calypsoScenario = `{"version":1,"detectionMode":"SINGLESHOT","notificationMode":"MATCHED_ONLY","multipleSelectionMode":false,"releaseChannel":true,"caseCount":1,"cases":[{"kind":"apdu","selection":{"aid":"315449432e494341"}}]}`

const anyCardScenario = `{"version":1,"detectionMode":"REPEATING","notificationMode":"ALWAYS","multipleSelectionMode":false,"releaseChannel":false,"caseCount":2,"cases":[{"kind":"apdu","selection":{"powerOnDataPattern":"^3B8F.*"}},{"kind":"apdu","selection":{}}]}`

func TestSaveLoad(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "scenarios"))

	info, err := s.Save("calypso", calypsoScenario)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if info.Name != "calypso" || info.Cases != 1 {
		t.Errorf("unexpected info %+v", info)
	}
	if info.DetectionMode != "SINGLESHOT" || info.NotificationMode != "MATCHED_ONLY" {
		t.Errorf("unexpected policy %s/%s", info.DetectionMode, info.NotificationMode)
	}

	text, err := s.Load("calypso")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if text != calypsoScenario {
		t.Errorf("stored text changed:\n%s", text)
	}

	fi, err := os.Stat(filepath.Join(s.Dir(), "calypso.json"))
	if err != nil {
		t.Fatalf("scenario file missing: %v", err)
	}
	if fi.Mode().Perm() != 0644 {
		t.Errorf("expected mode 0644, got %o", fi.Mode().Perm())
	}
}

func TestSaveReplaces(t *testing.T) {
	s := New(t.TempDir())

	if _, err := s.Save("main", calypsoScenario); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save("main", anyCardScenario); err != nil {
		t.Fatal(err)
	}
	text, err := s.Load("main")
	if err != nil {
		t.Fatal(err)
	}
	if text != anyCardScenario {
		t.Error("expected the second version")
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	s := New(t.TempDir())

	tests := []struct {
		name     string
		scenario string
		text     string
	}{
		{"bad name", "../etc/passwd", calypsoScenario},
		{"empty name", "", calypsoScenario},
		{"name with dot", "a.b", calypsoScenario},
		{"malformed text", "ok", `{"version":1}`},
		{"unknown kind", "ok", `{"version":1,"detectionMode":"REPEATING","notificationMode":"ALWAYS","multipleSelectionMode":false,"releaseChannel":false,"caseCount":1,"cases":[{"kind":"felica","selection":{}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Save(tt.scenario, tt.text); !errors.Is(err, selection.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}

	list, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("nothing should be stored, got %+v", list)
	}
}

func TestList(t *testing.T) {
	s := New(t.TempDir())

	if _, err := s.Save("zeta", anyCardScenario); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save("alpha", calypsoScenario); err != nil {
		t.Fatal(err)
	}
	// Foreign and broken files are ignored
	if err := os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir(), "broken.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 scenarios, got %+v", list)
	}
	if list[0].Name != "alpha" || list[1].Name != "zeta" {
		t.Errorf("expected sorted names, got %s, %s", list[0].Name, list[1].Name)
	}
	if list[1].Cases != 2 {
		t.Errorf("expected 2 cases for zeta, got %d", list[1].Cases)
	}
}

func TestListMissingDir(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope"))
	list, err := s.List()
	if err != nil || list == nil || len(list) != 0 {
		t.Errorf("expected empty list, got %v, %v", list, err)
	}
}

func TestDeleteAndNotFound(t *testing.T) {
	s := New(t.TempDir())

	if _, err := s.Save("calypso", calypsoScenario); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("calypso"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Load("calypso"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete("calypso"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for second delete, got %v", err)
	}
	if _, err := s.Manager("calypso"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManager(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.Save("calypso", calypsoScenario); err != nil {
		t.Fatal(err)
	}

	m, err := s.Manager("calypso")
	if err != nil {
		t.Fatalf("Manager failed: %v", err)
	}
	if m.IsFrozen() || m.CaseCount() != 1 || !m.IsChannelReleaseRequested() {
		t.Errorf("unexpected manager state: frozen=%v cases=%d", m.IsFrozen(), m.CaseCount())
	}
	if d, n := m.DefaultPolicy(); d != selection.DetectionSingleShot || n != selection.NotificationMatchedOnly {
		t.Errorf("expected stored policy, got %s/%s", d, n)
	}

	// Each call gives an independent manager.
	other, err := s.Manager("calypso")
	if err != nil {
		t.Fatal(err)
	}
	if other.ID() == m.ID() {
		t.Error("expected distinct managers")
	}
}

func TestConcurrentSaves(t *testing.T) {
	s := New(t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := calypsoScenario
			if i%2 == 0 {
				text = anyCardScenario
			}
			if _, err := s.Save("shared", text); err != nil {
				t.Errorf("Save failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	text, err := s.Load("shared")
	if err != nil {
		t.Fatal(err)
	}
	if text != calypsoScenario && text != anyCardScenario {
		t.Errorf("corrupted scenario %q", text)
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}
