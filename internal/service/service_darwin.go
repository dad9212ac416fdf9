//go:build darwin

package service

import (
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

const plistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
{{- range .Args}}
        <string>{{.}}</string>
{{- end}}
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}/card-selector.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}/card-selector.err</string>
</dict>
</plist>
`

type darwinService struct{}

// New creates a new platform-specific service manager
func New() Service {
	return &darwinService{}
}

func (s *darwinService) plistPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", label+".plist")
}

func (s *darwinService) logPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "Logs", "card-selector")
}

func (s *darwinService) Install(opts Options) error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := executable()
	if err != nil {
		return err
	}

	for _, dir := range []string{filepath.Dir(s.plistPath()), s.logPath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	tmpl, err := template.New("plist").Parse(plistTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse plist template: %w", err)
	}

	f, err := os.Create(s.plistPath())
	if err != nil {
		return fmt.Errorf("failed to create plist file: %w", err)
	}
	defer f.Close()

	data := struct {
		Label   string
		Args    []string
		LogPath string
	}{
		Label:   label,
		Args:    opts.args(execPath),
		LogPath: s.logPath(),
	}
	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write plist file: %w", err)
	}

	if output, err := runCommand("launchctl", "load", "-w", s.plistPath()); err != nil {
		return fmt.Errorf("failed to load launch agent: %s: %w", string(output), err)
	}
	return nil
}

func (s *darwinService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	// Ignore errors if not loaded
	_, _ = runCommand("launchctl", "unload", "-w", s.plistPath())

	if err := os.Remove(s.plistPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove plist file: %w", err)
	}
	return nil
}

func (s *darwinService) IsInstalled() bool {
	_, err := os.Stat(s.plistPath())
	return err == nil
}

func (s *darwinService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}
	if _, err := runCommand("launchctl", "list", label); err != nil {
		return "installed but not running", nil
	}
	return "running", nil
}
