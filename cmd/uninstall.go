package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/maskelog/esp32-music-info/internal/daemon"
)

// uninstallCmd represents the uninstall command
var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the musicinfo systemd user service",
	Long: `Stop and disable the musicinfo systemd user service and remove its unit file.

The config file and stored preferences are left in place.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		unitPath, err := daemon.GetUnitPath()
		if err != nil {
			return fmt.Errorf("failed to get unit path: %w", err)
		}

		if _, err := os.Stat(unitPath); os.IsNotExist(err) {
			fmt.Println("Daemon is not installed (unit not found)")
			return nil
		}

		fmt.Println("Stopping daemon...")
		if err := systemctl("disable", "--now", daemon.UnitName); err != nil {
			fmt.Printf("Warning: %v\n", err)
			fmt.Println("Continuing with unit removal...")
		} else {
			fmt.Println("✓ Daemon stopped")
		}

		if err := os.Remove(unitPath); err != nil {
			return fmt.Errorf("failed to remove unit file: %w", err)
		}
		if err := systemctl("daemon-reload"); err != nil {
			fmt.Printf("Warning: %v\n", err)
		}

		fmt.Printf("✓ Removed unit from %s\n", unitPath)
		fmt.Println("\nThe musicinfo daemon has been uninstalled.")
		fmt.Println("\nTo reinstall, run:")
		fmt.Println("  musicinfo install")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(uninstallCmd)
}
