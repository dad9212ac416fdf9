// Package service installs the agent as a per-user background service that runs
// "card-selector serve" at login.
package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	appName = "card-selector"
	label   = "com.simplyprint.card-selector"
)

var (
	ErrAlreadyInstalled = errors.New("service already installed")
	ErrNotInstalled     = errors.New("service not installed")
	ErrUnsupported      = errors.New("service installation is not supported on this platform")
)

// Service manages the background service registration.
type Service interface {
	Install(opts Options) error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}

// Options configures the installed command line.
type Options struct {
	// ConfigPath is passed as --config when set.
	ConfigPath string
	// Schedule is passed as --schedule when set.
	Schedule string
}

// args returns the command line the service runs.
func (o Options) args(execPath string) []string {
	args := []string{execPath, "serve"}
	if o.ConfigPath != "" {
		args = append(args, "--config", o.ConfigPath)
	}
	if o.Schedule != "" {
		args = append(args, "--schedule", o.Schedule)
	}
	return args
}

// runCommand runs an external service manager command.
var runCommand = func(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// executable resolves the running binary through symlinks.
var executable = func() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable path: %w", err)
	}
	return execPath, nil
}

// quoteArgs joins args for a unit file ExecStart line.
func quoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t\"'\\") {
			a = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(a) + `"`
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}
