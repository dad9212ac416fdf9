// Package scenariostore keeps exported card selection scenarios on disk, one JSON file per
// named scenario.
package scenariostore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/SimplyPrint/card-selector/internal/logging"
	"github.com/SimplyPrint/card-selector/internal/selection"
)

const fileExt = ".json"

// ErrNotFound is returned for an unknown scenario name.
var ErrNotFound = errors.New("scenario not found")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Info describes a stored scenario.
type Info struct {
	Name             string    `json:"name"`
	Cases            int       `json:"cases"`
	DetectionMode    string    `json:"detectionMode"`
	NotificationMode string    `json:"notificationMode"`
	Modified         time.Time `json:"modified"`
}

// Store reads and writes scenarios below a directory.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// New returns a store rooted at dir. The directory is created on first save.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// ValidateName checks that name can be used as a file name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: scenario name %q must be 1 to 64 letters, digits, '-' or '_'", selection.ErrInvalidArgument, name)
	}
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+fileExt)
}

// parse imports text into a fresh manager, which validates it.
func parse(text string) (*selection.Manager, error) {
	m := selection.NewManager()
	if _, err := m.ImportCardSelectionScenario(text); err != nil {
		return nil, err
	}
	return m, nil
}

func describe(name string, m *selection.Manager, modified time.Time) Info {
	detection, notification := m.DefaultPolicy()
	return Info{
		Name:             name,
		Cases:            m.CaseCount(),
		DetectionMode:    detection.String(),
		NotificationMode: notification.String(),
		Modified:         modified,
	}
}

// Save validates and stores text under name, replacing any previous version.
func (s *Store) Save(name, text string) (Info, error) {
	if err := ValidateName(name); err != nil {
		return Info{}, err
	}
	m, err := parse(text)
	if err != nil {
		return Info{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return Info{}, err
	}

	// Write to a temp file first so readers never see a partial scenario
	tmp, err := os.CreateTemp(s.dir, "."+name+"-*")
	if err != nil {
		return Info{}, err
	}
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Info{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Info{}, err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return Info{}, err
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		os.Remove(tmp.Name())
		return Info{}, err
	}

	logging.Info(logging.CatScenario, "Scenario saved", map[string]any{
		"name":  name,
		"cases": m.CaseCount(),
	})
	return describe(name, m, time.Now()), nil
}

// Load returns the stored text of name.
func (s *Store) Load(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", err
	}
	return string(data), nil
}

// Manager loads name into a new, unfrozen manager ready to run or schedule.
func (s *Store) Manager(name string) (*selection.Manager, error) {
	text, err := s.Load(name)
	if err != nil {
		return nil, err
	}
	m, err := parse(text)
	if err != nil {
		return nil, fmt.Errorf("stored scenario %s: %w", name, err)
	}
	return m, nil
}

// List describes every stored scenario, sorted by name. Files that no longer import are
// skipped and logged.
func (s *Store) List() ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, err
	}

	list := make([]Info, 0, len(entries))
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), fileExt)
		if entry.IsDir() || !ok || ValidateName(name) != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		m, err := parse(string(data))
		if err != nil {
			logging.Warn(logging.CatScenario, "Skipping invalid stored scenario", map[string]any{
				"name":  name,
				"error": err.Error(),
			})
			continue
		}
		list = append(list, describe(name, m, info.ModTime()))
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list, nil
}

// Delete removes name.
func (s *Store) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return err
	}

	logging.Info(logging.CatScenario, "Scenario deleted", map[string]any{
		"name": name,
	})
	return nil
}
