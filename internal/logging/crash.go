package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"
)

const (
	// MaxCrashLogs is the number of crash logs kept on disk.
	MaxCrashLogs = 20
	// CrashLogMaxAge is how long a crash log is kept.
	CrashLogMaxAge = 30 * 24 * time.Hour

	// crashRecentEntries is how much in-memory log history a crash log carries.
	crashRecentEntries = 25
)

var (
	crashLogDir string
	appVersion  = "dev"
)

// SetCrashLogDir overrides the platform crash log directory. An empty dir restores it.
func SetCrashLogDir(dir string) {
	crashLogDir = dir
}

// SetVersion records the running version for crash logs.
func SetVersion(v string) {
	appVersion = v
}

// CrashLogDir returns the directory for crash logs based on the platform.
func CrashLogDir() string {
	if crashLogDir != "" {
		return crashLogDir
	}
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "card-selector")
	case "windows":
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			return filepath.Join(appData, "card-selector", "logs")
		}
		return filepath.Join(home, "card-selector", "logs")
	default:
		if state := os.Getenv("XDG_STATE_HOME"); state != "" {
			return filepath.Join(state, "card-selector", "crashes")
		}
		return filepath.Join(home, ".local", "state", "card-selector", "crashes")
	}
}

// CrashLogInfo contains metadata about a crash log file.
type CrashLogInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

func isCrashLog(name string) bool {
	return strings.HasPrefix(name, "crash_") && strings.HasSuffix(name, ".log")
}

// crashLogNames returns the crash log file names in dir, oldest first. Names embed the
// timestamp so lexical order is chronological.
func crashLogNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isCrashLog(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// WriteCrashLog writes a crash report with the recent in-memory log history and returns
// its path. Old crash logs are pruned in the background.
func WriteCrashLog(panicValue interface{}, stack []byte) (string, error) {
	return writeCrashReport("", panicValue, stack)
}

func writeCrashReport(context string, panicValue interface{}, stack []byte) (string, error) {
	dir := CrashLogDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create crash log directory: %w", err)
	}

	now := time.Now()
	path := filepath.Join(dir, "crash_"+now.Format("2006-01-02_15-04-05.000")+".log")

	var b strings.Builder
	fmt.Fprintf(&b, "Card Selector Crash Report\n")
	fmt.Fprintf(&b, "==========================\n")
	fmt.Fprintf(&b, "Time:       %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Version:    %s\n", appVersion)
	fmt.Fprintf(&b, "Go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if context != "" {
		fmt.Fprintf(&b, "Goroutine:  %s\n", context)
	}
	fmt.Fprintf(&b, "\nPanic Value:\n%v\n\nStack Trace:\n%s\n", panicValue, stack)

	// The reader and selection history usually shows which card and case triggered it.
	recent := Get().GetEntries(crashRecentEntries, nil, nil)
	if len(recent) > 0 {
		fmt.Fprintf(&b, "\nRecent Log Entries (newest first):\n")
		for _, e := range recent {
			fmt.Fprintf(&b, "%s %-5s [%s] %s", e.Time.Format("15:04:05.000"), e.Level, e.Category, e.Message)
			if len(e.Data) > 0 && e.Data["stack"] == nil {
				fmt.Fprintf(&b, " %v", e.Data)
			}
			b.WriteByte('\n')
		}
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(&b, "\nBuild Info:\n%s", info)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write crash log: %w", err)
	}

	go cleanupCrashLogs(dir)

	return path, nil
}

// handlePanic reports a recovered panic everywhere it can go and returns the crash log
// path, or "" when it could not be written.
func handlePanic(context string, r interface{}) string {
	stack := debug.Stack()

	CapturePanic(r, stack, context)

	Error(CatSystem, fmt.Sprintf("PANIC in %s: %v", context, r), map[string]any{
		"panic": fmt.Sprintf("%v", r),
		"stack": string(stack),
	})

	crashFile, err := writeCrashReport(context, r, stack)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
		crashFile = ""
	} else {
		fmt.Fprintf(os.Stderr, "Crash log written to: %s\n", crashFile)
	}

	fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", context, r, stack)
	return crashFile
}

// RecoverAndLog recovers from a panic, reports it, and optionally re-panics.
// Use this as: defer logging.RecoverAndLog("context", true)
func RecoverAndLog(context string, rePanic bool) {
	if r := recover(); r != nil {
		handlePanic(context, r)
		if rePanic {
			panic(r)
		}
	}
}

// RecoverAndLogFunc is like RecoverAndLog but calls onPanic with the crash log path before
// optionally re-panicking.
func RecoverAndLogFunc(context string, rePanic bool, onPanic func(panicValue interface{}, crashFile string)) {
	if r := recover(); r != nil {
		crashFile := handlePanic(context, r)
		if onPanic != nil {
			onPanic(r, crashFile)
		}
		if rePanic {
			panic(r)
		}
	}
}

// GetCrashLogs returns up to limit crash logs, newest first.
func GetCrashLogs(limit int) ([]CrashLogInfo, error) {
	dir := CrashLogDir()
	names, err := crashLogNames(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []CrashLogInfo{}, nil
		}
		return nil, err
	}

	logs := []CrashLogInfo{}
	for i := len(names) - 1; i >= 0 && len(logs) < limit; i-- {
		path := filepath.Join(dir, names[i])
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		logs = append(logs, CrashLogInfo{
			Name:    names[i],
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return logs, nil
}

// ReadCrashLog reads a crash log by file name. Paths are rejected.
func ReadCrashLog(filename string) (string, error) {
	if filepath.Base(filename) != filename || !isCrashLog(filename) {
		return "", fmt.Errorf("invalid crash log name %q", filename)
	}

	content, err := os.ReadFile(filepath.Join(CrashLogDir(), filename))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// cleanupCrashLogs keeps the newest MaxCrashLogs crash logs in dir and removes any older
// than CrashLogMaxAge. Other files are left alone.
func cleanupCrashLogs(dir string) {
	names, err := crashLogNames(dir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-CrashLogMaxAge)
	excess := len(names) - MaxCrashLogs
	for i, name := range names {
		path := filepath.Join(dir, name)
		if i < excess {
			_ = os.Remove(path)
			continue
		}
		if info, err := os.Stat(path); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}
