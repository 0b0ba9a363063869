package daemon

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

// UnitName is the systemd user unit the daemon is installed as
const UnitName = "musicinfo.service"

const unitTemplate = `[Unit]
Description=Now-playing relay to a BLE display
After=bluetooth.target dbus.socket

[Service]
Type=simple
ExecStart={{.BinaryPath}} daemon --log-file {{.LogPath}}/musicinfo.log
WorkingDirectory={{.WorkingDirectory}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

// UnitConfig holds the configuration for generating a systemd user unit
type UnitConfig struct {
	BinaryPath       string
	LogPath          string
	WorkingDirectory string
}

// GenerateUnit generates a systemd unit file from the template
func GenerateUnit(config UnitConfig) (string, error) {
	tmpl, err := template.New("unit").Parse(unitTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse unit template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, config); err != nil {
		return "", fmt.Errorf("failed to execute unit template: %w", err)
	}

	return buf.String(), nil
}

// GetUnitPath returns the path where the unit should be installed
func GetUnitPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}

	return filepath.Join(dir, "systemd", "user", UnitName), nil
}

// GetDefaultLogPath returns the default path for daemon logs
func GetDefaultLogPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(home, ".local", "share", "musicinfo", "logs"), nil
}
