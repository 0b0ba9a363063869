/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>

*/
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/maskelog/esp32-music-info/internal/config"
	"github.com/maskelog/esp32-music-info/internal/control"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Address of the daemon's control API, overrides control.listen
var controlAddr string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "musicinfo",
	Short: "Relay the playing track to a BLE display",
	Long: `musicinfo watches desktop notifications and MPRIS media sessions for
the currently playing track and writes it to a small Bluetooth LE display.

It runs as a background daemon. The other commands talk to the running
daemon over its local control API: query the current track, choose the
display to connect to, start and stop the relay, or watch it all in a
terminal dashboard.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&controlAddr, "addr", "", "Daemon control address (default: control.listen from config)")
}

// newClient returns a control API client for the configured daemon
func newClient() (*control.Client, error) {
	addr := controlAddr
	if addr == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		addr = cfg.Control.Listen
	}
	return control.NewClient(addr, nil), nil
}
