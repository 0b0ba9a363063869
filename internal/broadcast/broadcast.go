package broadcast

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// Signal coordinates of the MUSIC_INFO broadcast
const (
	Path   = dbus.ObjectPath("/com/example/ble_music_info")
	Signal = "com.example.ble_music_info.MUSIC_INFO"
)

// Emitter sends signals on a bus; *dbus.Conn implements it
type Emitter interface {
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

// Broadcaster publishes each accepted track change as a MUSIC_INFO signal
// carrying the rendered music_info string. Delivery is fire-and-forget.
type Broadcaster struct {
	bus    Emitter
	logger zerolog.Logger
}

// New creates a broadcaster sending on bus
func New(bus Emitter, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		bus:    bus,
		logger: logger.With().Str("component", "broadcast").Logger(),
	}
}

// Publish emits musicInfo. Failures are logged and returned; nothing is
// retried.
func (b *Broadcaster) Publish(musicInfo string) error {
	if err := b.bus.Emit(Path, Signal, musicInfo); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to emit MUSIC_INFO")
		return fmt.Errorf("failed to emit %s: %w", Signal, err)
	}
	b.logger.Debug().Str("music_info", musicInfo).Msg("MUSIC_INFO emitted")
	return nil
}
