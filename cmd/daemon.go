package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/maskelog/esp32-music-info/internal/broadcast"
	"github.com/maskelog/esp32-music-info/internal/config"
	"github.com/maskelog/esp32-music-info/internal/control"
	"github.com/maskelog/esp32-music-info/internal/daemon"
	"github.com/maskelog/esp32-music-info/internal/link"
	"github.com/maskelog/esp32-music-info/internal/music"
	"github.com/maskelog/esp32-music-info/internal/observer"
	"github.com/maskelog/esp32-music-info/internal/store"
)

var (
	daemonLogFile  string
	daemonLogLevel string
	daemonDataDir  string
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the relay daemon",
	Long: `Run the daemon that relays the playing track to the BLE display.

The daemon will:
- Watch player notifications and MPRIS media sessions for track changes
- Drop repeated observations so each change is sent once
- Keep the display connected, reconnecting with backoff
- Serve the control API used by the other commands
- Emit a MUSIC_INFO D-Bus signal for each change (if enabled)
- Handle graceful shutdown on SIGINT/SIGTERM

The daemon runs in the foreground and logs to stderr by default.
Use the --log-file flag to log to a file (useful for systemd).`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	// Command-line flags
	daemonCmd.Flags().StringVar(&daemonLogFile, "log-file", "", "Log file path (default: stderr)")
	daemonCmd.Flags().StringVar(&daemonLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	daemonCmd.Flags().StringVar(&daemonDataDir, "data-dir", "", "Data directory for preferences (default: ~/.local/share/musicinfo)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Set up logging
	logger := setupLogger(daemonLogFile, daemonLogLevel)

	logger.Info().
		Str("version", version).
		Msg("Starting musicinfo daemon")

	// Determine data directory
	dataDir := daemonDataDir
	if dataDir == "" {
		dataDir = cfg.DataDir
	}

	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	logger.Info().Str("data_dir", dataDir).Msg("Using data directory")

	prefs, err := store.Open(filepath.Join(dataDir, "prefs.db"))
	if err != nil {
		return fmt.Errorf("failed to open preferences: %w", err)
	}

	formatter, err := music.NewFormatter(music.FormatConfig{
		Style:            music.Style(cfg.Format.Style),
		Template:         cfg.Format.Template,
		IncludeAlbum:     cfg.Format.IncludeAlbum,
		MaxWidth:         cfg.Format.MaxWidth,
		AlbumPlaceholder: cfg.Placeholders.Album,
	})
	if err != nil {
		prefs.Close()
		return fmt.Errorf("failed to build formatter: %w", err)
	}

	filter := observer.NewFilter(cfg.Notifications.AllowList)

	var observers []observer.Observer
	if cfg.Notifications.Enabled {
		observers = append(observers, observer.NewNotifications(filter, logger))
	}

	// The session bus carries MPRIS and the MUSIC_INFO signal. Without it
	// the daemon still relays notifications.
	var players func() ([]observer.Player, error)
	var bus *dbus.Conn
	if conn, err := dbus.ConnectSessionBus(); err != nil {
		logger.Warn().Err(err).Msg("Session bus unavailable; media sessions and broadcast disabled")
	} else {
		bus = conn
		defer bus.Close()
		sessionBus := observer.NewSessionBus(bus)
		if cfg.MediaSession.Enabled {
			observers = append(observers, observer.NewMediaSession(sessionBus, filter, logger))
		}
		players = func() ([]observer.Player, error) {
			return observer.ListPlayers(sessionBus)
		}
	}

	d, err := daemon.New(daemon.Options{
		Formatter: formatter,
		Normalizer: music.Normalizer{
			Placeholders: music.Placeholders{
				Title:  cfg.Placeholders.Title,
				Artist: cfg.Placeholders.Artist,
				Album:  cfg.Placeholders.Album,
			},
			KeepAlbum: formatter.UsesAlbum(),
		},
		Transport: link.NewBlueZ(logger),
		Link: link.Config{
			ServiceUUID:        cfg.Link.ServiceUUID,
			CharacteristicUUID: cfg.Link.CharacteristicUUID,
			ConnectTimeout:     cfg.Link.ConnectTimeout,
			DiscoveryTimeout:   cfg.Link.DiscoveryTimeout,
			WriteTimeout:       cfg.Link.WriteTimeout,
			MaxAttempts:        cfg.Link.MaxAttempts,
			Backoff: link.Backoff{
				Initial: cfg.Link.BackoffInitial,
				Max:     cfg.Link.BackoffMax,
			},
			MaxPayload: cfg.Link.MaxPayload,
			Oversize:   link.OversizePolicy(cfg.Link.Oversize),
		},
		Target:    cfg.Link.Address,
		AutoStart: cfg.Link.AutoStart,
		Observers: observers,
		Filter:    filter,
		Store:     prefs,
		Players:   players,
	}, logger)
	if err != nil {
		prefs.Close()
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	// Control API and its live feed
	hub := control.NewHub(logger)
	server := control.NewServer(control.Config{
		Listen:      cfg.Control.Listen,
		CORSOrigins: cfg.Control.CORSOrigins,
	}, d, hub, logger)
	d.AddService("feed", hub.Run)
	d.AddService("control", server.Run)

	var broadcaster *broadcast.Broadcaster
	if bus != nil && cfg.Broadcast.DBusSignal {
		broadcaster = broadcast.New(bus, logger)
	}

	unsubscribe := d.Subscribe(func(ev daemon.Event) {
		hub.Publish(ev.Type, ev.Data)
		if ev.Type != daemon.EventTrack || broadcaster == nil {
			return
		}
		if state, ok := ev.Data.(daemon.TrackState); ok {
			_ = broadcaster.Publish(state.Payload)
		}
	})
	defer unsubscribe()

	return serve(d, logger)
}

// lifecycle is the part of the daemon serve drives
type lifecycle interface {
	Run() error
	Shutdown() error
}

// serve blocks in Run and always shuts down afterwards, so the store is
// closed even when Run fails.
func serve(d lifecycle, logger zerolog.Logger) error {
	runErr := d.Run()

	if err := d.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
		if runErr == nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("daemon error: %w", runErr)
	}

	logger.Info().Msg("Daemon stopped")
	return nil
}

// setupLogger creates a logger with the specified configuration
func setupLogger(logFile, logLevel string) zerolog.Logger {
	// Parse log level
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}

	// Set up output
	var output *os.File
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			output = os.Stderr
		} else {
			output = f
		}
	} else {
		output = os.Stderr
	}

	// Create logger
	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	// Use pretty console output if logging to stderr
	if output == os.Stderr {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	return logger
}
