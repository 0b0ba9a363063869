package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/maskelog/esp32-music-info/internal/daemon"
)

// targetCmd represents the target command
var targetCmd = &cobra.Command{
	Use:   "target [address]",
	Short: "Show or set the display's Bluetooth address",
	Long: `Without arguments, print the display address the daemon connects to,
or "None" if no display has been chosen.

With an address (AA:BB:CC:DD:EE:FF), store it as the connection target.
If the relay is running the daemon reconnects to the new display.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTarget,
}

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect <address>",
	Short: "Set the display address and start the relay",
	Args:  cobra.ExactArgs(1),
	RunE:  runConnect,
}

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start relaying tracks to the display",
	Long:  `Start the observers and connect to the display. Does nothing if the relay is already running.`,
	RunE:  runStart,
}

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop relaying and disconnect from the display",
	RunE:  runStop,
}

// playerCmd represents the player command
var playerCmd = &cobra.Command{
	Use:   "player [name]",
	Short: "Show or set the player to follow",
	Long: `Without arguments, print the selected player. With a name, only that
player is followed; pass "" to follow every allowed player.

Use --list to show the media players currently on the session bus.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlayer,
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, relay and display status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(targetCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(playerCmd)
	rootCmd.AddCommand(statusCmd)

	playerCmd.Flags().BoolP("list", "l", false, "List media players on the session bus")
}

func runTarget(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}

	if len(args) == 0 {
		target, err := client.Target(ctx)
		if err != nil {
			return fmt.Errorf("failed to get connection target: %w", err)
		}
		fmt.Println(target)
		return nil
	}

	target, err := client.SetTarget(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to set connection target: %w", err)
	}
	fmt.Println(target)
	return nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}

	target, err := client.SetTarget(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to set connection target: %w", err)
	}
	if err := client.StartRelay(ctx); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	fmt.Printf("✓ Relaying to %s\n", target)
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.StartRelay(ctx); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	fmt.Println("✓ Relay started")
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	// Stopping waits for the display to disconnect
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.StopRelay(ctx); err != nil {
		return fmt.Errorf("failed to stop relay: %w", err)
	}

	fmt.Println("✓ Relay stopped")
	return nil
}

func runPlayer(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}

	if list, _ := cmd.Flags().GetBool("list"); list {
		players, err := client.Players(ctx)
		if err != nil {
			return fmt.Errorf("failed to list players: %w", err)
		}
		if len(players) == 0 {
			fmt.Println("No media players running")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tIDENTITY")
		for _, p := range players {
			fmt.Fprintf(w, "%s\t%s\n", p.Name, p.Identity)
		}
		return w.Flush()
	}

	if len(args) == 0 {
		player, err := client.Player(ctx)
		if err != nil {
			return fmt.Errorf("failed to get selected player: %w", err)
		}
		if player == "" {
			player = "(all)"
		}
		fmt.Println(player)
		return nil
	}

	player, err := client.SetPlayer(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to select player: %w", err)
	}
	if player == "" {
		fmt.Println("✓ Following all players")
	} else {
		fmt.Printf("✓ Following %s\n", player)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}

	status, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	printStatus(cmd.OutOrStdout(), status)
	return nil
}

// printStatus writes a human readable status report
func printStatus(out io.Writer, status daemon.Status) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	relay := "stopped"
	if status.Relay {
		relay = "running"
	}
	fmt.Fprintf(w, "Relay:\t%s\n", relay)

	track := status.Track.Payload
	if track == "" {
		track = "None"
	}
	fmt.Fprintf(w, "Track:\t%s\n", strings.ReplaceAll(track, "\n", " | "))

	target := status.Link.Target
	if target == "" {
		target = "None"
	}
	fmt.Fprintf(w, "Display:\t%s (%s)\n", target, status.Link.State)
	if status.Link.Attempt > 0 {
		fmt.Fprintf(w, "Attempt:\t%d\n", status.Link.Attempt)
	}
	if status.Link.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", status.Link.LastError)
	}

	player := status.SelectedPlayer
	if player == "" {
		player = "(all)"
	}
	fmt.Fprintf(w, "Player:\t%s\n", player)

	for _, obs := range status.Observers {
		line := obs.State
		if obs.Error != "" {
			line += ": " + obs.Error
		}
		fmt.Fprintf(w, "Observer %s:\t%s\n", obs.Name, line)
	}

	fmt.Fprintf(w, "Writes:\t%d ok, %d failed\n", status.Coordinator.WritesOK, status.Coordinator.WritesFailed)
}
