//go:build linux

package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// systemd user unit, started with the user session. The agent needs no display.
const unitTemplate = `[Unit]
Description=Card selector - smart card application selection agent
After=pcscd.socket

[Service]
Type=simple
ExecStart={{.ExecStart}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

type linuxService struct{}

// New creates a new platform-specific service manager
func New() Service {
	return &linuxService{}
}

func (s *linuxService) unitPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "systemd", "user", appName+".service")
}

func (s *linuxService) systemctl(args ...string) error {
	args = append([]string{"--user"}, args...)
	if output, err := runCommand("systemctl", args...); err != nil {
		return fmt.Errorf("systemctl %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(output)), err)
	}
	return nil
}

func (s *linuxService) Install(opts Options) error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := executable()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.unitPath()), 0755); err != nil {
		return fmt.Errorf("failed to create systemd user directory: %w", err)
	}

	tmpl, err := template.New("unit").Parse(unitTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse unit template: %w", err)
	}

	f, err := os.Create(s.unitPath())
	if err != nil {
		return fmt.Errorf("failed to create unit file: %w", err)
	}
	defer f.Close()

	data := struct{ ExecStart string }{ExecStart: quoteArgs(opts.args(execPath))}
	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write unit file: %w", err)
	}

	if err := s.systemctl("daemon-reload"); err != nil {
		return err
	}
	return s.systemctl("enable", "--now", appName+".service")
}

func (s *linuxService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	// Ignore errors if the unit was never started
	_ = s.systemctl("disable", "--now", appName+".service")

	if err := os.Remove(s.unitPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove unit file: %w", err)
	}
	return s.systemctl("daemon-reload")
}

func (s *linuxService) IsInstalled() bool {
	_, err := os.Stat(s.unitPath())
	return err == nil
}

func (s *linuxService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}

	output, _ := runCommand("systemctl", "--user", "is-active", appName+".service")
	state := strings.TrimSpace(string(output))
	if state == "active" {
		return "running (systemd)", nil
	}
	if state == "" {
		state = "unknown"
	}
	return fmt.Sprintf("installed but not running (%s)", state), nil
}
