package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maskelog/esp32-music-info/internal/config"
	"github.com/maskelog/esp32-music-info/internal/daemon"
)

// installCmd represents the install command
var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the musicinfo daemon as a systemd user service",
	Long: `Install the musicinfo daemon as a systemd user service that runs on login.

This command will:
  - Write a default config file if none exists
  - Generate a unit file for the musicinfo daemon
  - Install it to ~/.config/systemd/user/
  - Enable and start the service with systemctl --user`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Get the path to the current executable
		binaryPath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}

		// Resolve symlinks to get the actual binary path
		binaryPath, err = filepath.EvalSymlinks(binaryPath)
		if err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}

		// Seed a config file so there is something to edit
		if _, err := os.Stat(config.ConfigFile()); os.IsNotExist(err) {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.Save(); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("✓ Wrote default config to %s\n", config.ConfigFile())
		}

		logPath, err := daemon.GetDefaultLogPath()
		if err != nil {
			return fmt.Errorf("failed to get log path: %w", err)
		}
		if err := os.MkdirAll(logPath, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}

		unit, err := daemon.GenerateUnit(daemon.UnitConfig{
			BinaryPath:       binaryPath,
			LogPath:          logPath,
			WorkingDirectory: home,
		})
		if err != nil {
			return fmt.Errorf("failed to generate unit: %w", err)
		}

		unitPath, err := daemon.GetUnitPath()
		if err != nil {
			return fmt.Errorf("failed to get unit path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(unitPath), 0755); err != nil {
			return fmt.Errorf("failed to create unit directory: %w", err)
		}

		if err := os.WriteFile(unitPath, []byte(unit), 0644); err != nil {
			return fmt.Errorf("failed to write unit file: %w", err)
		}
		fmt.Printf("✓ Installed unit to %s\n", unitPath)

		if err := systemctl("daemon-reload"); err != nil {
			return err
		}
		// Restart picks up a new binary when reinstalling
		if err := systemctl("enable", daemon.UnitName); err != nil {
			return err
		}
		if err := systemctl("restart", daemon.UnitName); err != nil {
			return err
		}

		fmt.Println("✓ Daemon enabled and started")
		fmt.Printf("✓ Logs will be written to %s\n", logPath)
		fmt.Println("\nYou can check the daemon status with:")
		fmt.Println("  musicinfo status")
		fmt.Println("  systemctl --user status " + daemon.UnitName)
		fmt.Println("\nTo uninstall, run:")
		fmt.Println("  musicinfo uninstall")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
}

// systemctl runs a systemctl --user subcommand
func systemctl(args ...string) error {
	cmd := exec.Command("systemctl", append([]string{"--user"}, args...)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(output)); msg != "" {
			return fmt.Errorf("systemctl %s failed: %s", args[0], msg)
		}
		return fmt.Errorf("failed to run systemctl %s: %w", args[0], err)
	}
	return nil
}
