package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maskelog/esp32-music-info/internal/tui"
)

// tuiCmd represents the tui command
var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Display a terminal dashboard for the running daemon",
	Long: `Display a terminal dashboard that follows the running daemon live.

The dashboard shows:
- The track currently relayed to the display
- The display connection state, session and last error
- Relay and observer status with write counters
- The last few payloads sent

Press 's' to start or stop the relay and 'q' to quit.`,
	RunE: runTUI,
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}

func runTUI(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	app := tui.New(client)
	if err := app.Run(context.Background(), client.Watch); err != nil {
		return fmt.Errorf("failed to run dashboard: %w", err)
	}
	return nil
}
