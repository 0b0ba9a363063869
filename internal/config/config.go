package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Default GATT identifiers of the display peripheral.
const (
	DefaultServiceUUID        = "3db02924-b2a6-4d47-be1f-0f90ad62a048"
	DefaultCharacteristicUUID = "8d8218b6-97bc-4527-a8db-13094ac06b1d"
	DefaultControlListen      = "127.0.0.1:7723"
)

// Config holds application configuration
type Config struct {
	// Directory for persisted preferences (prefs.db)
	DataDir string

	Format        FormatConfig
	Placeholders  PlaceholderConfig
	Notifications NotificationConfig
	MediaSession  MediaSessionConfig
	Link          LinkConfig
	Control       ControlConfig
	Broadcast     BroadcastConfig
}

// FormatConfig selects how a track is rendered on the wire
type FormatConfig struct {
	Style        string // single, multi or custom
	Template     string // Go text/template used when Style is custom
	IncludeAlbum bool
	MaxWidth     int // 0 disables truncation
}

// PlaceholderConfig holds substitutes for absent metadata fields
type PlaceholderConfig struct {
	Title  string
	Artist string
	Album  string
}

// NotificationConfig configures the desktop notification observer
type NotificationConfig struct {
	Enabled   bool
	AllowList []string
}

// MediaSessionConfig configures the MPRIS observer
type MediaSessionConfig struct {
	Enabled bool
}

// LinkConfig configures the BLE link to the display
type LinkConfig struct {
	Address            string
	ServiceUUID        string
	CharacteristicUUID string
	ConnectTimeout     time.Duration
	DiscoveryTimeout   time.Duration
	WriteTimeout       time.Duration
	MaxAttempts        int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	Oversize           string // truncate or reject
	MaxPayload         int    // 0 derives the limit from the negotiated MTU
	AutoStart          bool   // start the relay with the daemon when a target is known
}

// ControlConfig configures the local control API
type ControlConfig struct {
	Listen      string
	CORSOrigins []string
}

// BroadcastConfig configures the MUSIC_INFO D-Bus signal
type BroadcastConfig struct {
	DBusSignal bool
}

// DefaultAllowList is the set of players accepted from notifications
// when no allow-list is configured.
var DefaultAllowList = []string{
	"spotify",
	"com.github.th_ch.youtube_music",
	"youtube music",
	"rhythmbox",
	"org.gnome.rhythmbox3",
	"elisa",
	"org.kde.elisa",
	"vlc",
	"amberol",
	"io.bassi.amberol",
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	v := viper.New()

	// Set config name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Config file locations (in order of precedence)
	configDir := getConfigDir()
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)

	// Read config file (optional - don't fail if missing)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Read from environment variables, e.g. MUSICINFO_LINK_ADDRESS
	v.SetEnvPrefix("MUSICINFO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", getDataDir())

	v.SetDefault("format.style", "single")
	v.SetDefault("format.template", "")
	v.SetDefault("format.include_album", false)
	v.SetDefault("format.max_width", 0)

	v.SetDefault("placeholders.title", "Unknown Title")
	v.SetDefault("placeholders.artist", "Unknown Artist")
	v.SetDefault("placeholders.album", "Unknown Album")

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.allow_list", DefaultAllowList)
	v.SetDefault("media_session.enabled", true)

	v.SetDefault("link.address", "")
	v.SetDefault("link.service_uuid", DefaultServiceUUID)
	v.SetDefault("link.characteristic_uuid", DefaultCharacteristicUUID)
	v.SetDefault("link.connect_timeout", 10*time.Second)
	v.SetDefault("link.discovery_timeout", 10*time.Second)
	v.SetDefault("link.write_timeout", 5*time.Second)
	v.SetDefault("link.max_attempts", 5)
	v.SetDefault("link.backoff_initial", time.Second)
	v.SetDefault("link.backoff_max", 30*time.Second)
	v.SetDefault("link.oversize", "truncate")
	v.SetDefault("link.max_payload", 0)
	v.SetDefault("link.autostart", true)

	v.SetDefault("control.listen", DefaultControlListen)
	v.SetDefault("control.cors_origins", []string{"http://localhost", "http://127.0.0.1"})

	v.SetDefault("broadcast.dbus_signal", true)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		DataDir: v.GetString("data_dir"),
		Format: FormatConfig{
			Style:        v.GetString("format.style"),
			Template:     v.GetString("format.template"),
			IncludeAlbum: v.GetBool("format.include_album"),
			MaxWidth:     v.GetInt("format.max_width"),
		},
		Placeholders: PlaceholderConfig{
			Title:  v.GetString("placeholders.title"),
			Artist: v.GetString("placeholders.artist"),
			Album:  v.GetString("placeholders.album"),
		},
		Notifications: NotificationConfig{
			Enabled:   v.GetBool("notifications.enabled"),
			AllowList: v.GetStringSlice("notifications.allow_list"),
		},
		MediaSession: MediaSessionConfig{
			Enabled: v.GetBool("media_session.enabled"),
		},
		Link: LinkConfig{
			Address:            v.GetString("link.address"),
			ServiceUUID:        v.GetString("link.service_uuid"),
			CharacteristicUUID: v.GetString("link.characteristic_uuid"),
			ConnectTimeout:     v.GetDuration("link.connect_timeout"),
			DiscoveryTimeout:   v.GetDuration("link.discovery_timeout"),
			WriteTimeout:       v.GetDuration("link.write_timeout"),
			MaxAttempts:        v.GetInt("link.max_attempts"),
			BackoffInitial:     v.GetDuration("link.backoff_initial"),
			BackoffMax:         v.GetDuration("link.backoff_max"),
			Oversize:           v.GetString("link.oversize"),
			MaxPayload:         v.GetInt("link.max_payload"),
			AutoStart:          v.GetBool("link.autostart"),
		},
		Control: ControlConfig{
			Listen:      v.GetString("control.listen"),
			CORSOrigins: v.GetStringSlice("control.cors_origins"),
		},
		Broadcast: BroadcastConfig{
			DBusSignal: v.GetBool("broadcast.dbus_signal"),
		},
	}
}

// Validate checks values that would otherwise fail deep inside the daemon
func (c *Config) Validate() error {
	if _, err := uuid.Parse(c.Link.ServiceUUID); err != nil {
		return fmt.Errorf("invalid link.service_uuid %q: %w", c.Link.ServiceUUID, err)
	}
	if _, err := uuid.Parse(c.Link.CharacteristicUUID); err != nil {
		return fmt.Errorf("invalid link.characteristic_uuid %q: %w", c.Link.CharacteristicUUID, err)
	}

	switch c.Format.Style {
	case "single", "multi":
	case "custom":
		if c.Format.Template == "" {
			return fmt.Errorf("format.style custom requires format.template")
		}
	default:
		return fmt.Errorf("invalid format.style %q (want single, multi or custom)", c.Format.Style)
	}

	switch c.Link.Oversize {
	case "truncate", "reject":
	default:
		return fmt.Errorf("invalid link.oversize %q (want truncate or reject)", c.Link.Oversize)
	}

	if c.Link.MaxAttempts < 1 {
		return fmt.Errorf("link.max_attempts must be at least 1, got %d", c.Link.MaxAttempts)
	}
	if c.Link.BackoffInitial <= 0 || c.Link.BackoffMax < c.Link.BackoffInitial {
		return fmt.Errorf("invalid link backoff: initial %s, max %s", c.Link.BackoffInitial, c.Link.BackoffMax)
	}
	if c.Link.MaxPayload < 0 || c.Format.MaxWidth < 0 {
		return fmt.Errorf("link.max_payload and format.max_width must not be negative")
	}
	return nil
}

// getConfigDir returns the configuration directory path
// Creates the directory if it doesn't exist
func getConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	configDir := filepath.Join(homeDir, ".config", "musicinfo")

	// Create config directory if it doesn't exist
	_ = os.MkdirAll(configDir, 0755)

	return configDir
}

// getDataDir returns $XDG_DATA_HOME/musicinfo or ~/.local/share/musicinfo
func getDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "musicinfo")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(homeDir, ".local", "share", "musicinfo")
}

// GetConfigDir returns the configuration directory path (public helper)
func GetConfigDir() string {
	return getConfigDir()
}

// ConfigFile returns the path Save writes to
func ConfigFile() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// Save writes configuration to file
func (c *Config) Save() error {
	v := viper.New()

	v.Set("data_dir", c.DataDir)

	v.Set("format.style", c.Format.Style)
	v.Set("format.template", c.Format.Template)
	v.Set("format.include_album", c.Format.IncludeAlbum)
	v.Set("format.max_width", c.Format.MaxWidth)

	v.Set("placeholders.title", c.Placeholders.Title)
	v.Set("placeholders.artist", c.Placeholders.Artist)
	v.Set("placeholders.album", c.Placeholders.Album)

	v.Set("notifications.enabled", c.Notifications.Enabled)
	v.Set("notifications.allow_list", c.Notifications.AllowList)
	v.Set("media_session.enabled", c.MediaSession.Enabled)

	v.Set("link.address", c.Link.Address)
	v.Set("link.service_uuid", c.Link.ServiceUUID)
	v.Set("link.characteristic_uuid", c.Link.CharacteristicUUID)
	v.Set("link.connect_timeout", c.Link.ConnectTimeout.String())
	v.Set("link.discovery_timeout", c.Link.DiscoveryTimeout.String())
	v.Set("link.write_timeout", c.Link.WriteTimeout.String())
	v.Set("link.max_attempts", c.Link.MaxAttempts)
	v.Set("link.backoff_initial", c.Link.BackoffInitial.String())
	v.Set("link.backoff_max", c.Link.BackoffMax.String())
	v.Set("link.oversize", c.Link.Oversize)
	v.Set("link.max_payload", c.Link.MaxPayload)
	v.Set("link.autostart", c.Link.AutoStart)

	v.Set("control.listen", c.Control.Listen)
	v.Set("control.cors_origins", c.Control.CORSOrigins)

	v.Set("broadcast.dbus_signal", c.Broadcast.DBusSignal)

	// Write to file
	return v.WriteConfigAs(ConfigFile())
}
