package observer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/maskelog/esp32-music-info/internal/music"
)

const (
	mprisPrefix          = "org.mpris.MediaPlayer2."
	mprisPath            = "/org/mpris/MediaPlayer2"
	mprisRootInterface   = "org.mpris.MediaPlayer2"
	mprisPlayerInterface = "org.mpris.MediaPlayer2.Player"
	propertiesInterface  = "org.freedesktop.DBus.Properties"
	nameOwnerChanged     = "org.freedesktop.DBus.NameOwnerChanged"
	propertiesChanged    = propertiesInterface + ".PropertiesChanged"
)

var nameOwnerRule = "type='signal',sender='org.freedesktop.DBus',interface='org.freedesktop.DBus'," +
	"member='NameOwnerChanged',arg0namespace='org.mpris.MediaPlayer2'"

// Bus is the subset of the session bus used by the media-session observer
type Bus interface {
	ListNames() ([]string, error)
	NameOwner(name string) (string, error)
	Metadata(name string) (map[string]dbus.Variant, error)
	Identity(name string) (string, error)
	AddMatch(rule string) error
	RemoveMatch(rule string) error
	// Signals registers a signal channel; the func unregisters it
	Signals() (<-chan *dbus.Signal, func())
}

// Player is an MPRIS player currently on the bus
type Player struct {
	Name     string `json:"name"`     // short bus name, e.g. "spotify"
	Identity string `json:"identity"` // human readable name
}

type subscription struct {
	owner string
	rule  string
}

// MediaSession observes MPRIS media players.
//
// It follows the set of players on the bus: every player gets its own
// PropertiesChanged match, which is removed again when the player
// disappears.
type MediaSession struct {
	bus    Bus
	filter *Filter
	logger zerolog.Logger

	// Owned by Run
	subs   map[string]subscription // bus name -> subscription
	owners map[string]string       // unique owner -> bus name
	last   string                  // player behind the last track sent
}

// NewMediaSession creates a media-session observer on bus
func NewMediaSession(bus Bus, filter *Filter, logger zerolog.Logger) *MediaSession {
	return &MediaSession{
		bus:    bus,
		filter: filter,
		logger: logger.With().Str("component", "media-session").Logger(),
		subs:   make(map[string]subscription),
		owners: make(map[string]string),
	}
}

// Name implements Observer
func (s *MediaSession) Name() string {
	return string(music.SourceMediaSession)
}

// Run implements Observer
func (s *MediaSession) Run(ctx context.Context, out chan<- music.RawEvent) error {
	signals, unregister := s.bus.Signals()
	defer unregister()

	if err := s.bus.AddMatch(nameOwnerRule); err != nil {
		return fmt.Errorf("%w: watch players: %v", ErrUnavailable, err)
	}
	defer func() { _ = s.bus.RemoveMatch(nameOwnerRule) }()
	defer s.unsubscribeAll()

	names, err := s.bus.ListNames()
	if err != nil {
		return fmt.Errorf("%w: list players: %v", ErrUnavailable, err)
	}
	for _, name := range names {
		if strings.HasPrefix(name, mprisPrefix) {
			s.subscribe(ctx, out, name)
		}
	}

	s.logger.Info().Int("players", len(s.subs)).Msg("Watching media sessions")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("%w: bus connection closed", ErrUnavailable)
			}
			if !s.handleSignal(ctx, out, sig) {
				return ctx.Err()
			}
		}
	}
}

// handleSignal returns false only when ctx ended while emitting
func (s *MediaSession) handleSignal(ctx context.Context, out chan<- music.RawEvent, sig *dbus.Signal) bool {
	switch sig.Name {
	case nameOwnerChanged:
		if len(sig.Body) < 3 {
			return true
		}
		name, _ := sig.Body[0].(string)
		oldOwner, _ := sig.Body[1].(string)
		newOwner, _ := sig.Body[2].(string)
		if !strings.HasPrefix(name, mprisPrefix) {
			return true
		}

		if oldOwner != "" {
			s.unsubscribe(name)
		}
		if newOwner != "" {
			return s.subscribe(ctx, out, name)
		}

		short := shortName(name)
		if short == s.last || !s.anyFollowed() {
			s.logger.Info().Str("player", short).Msg("Followed media session ended")
			s.last = ""
			return send(ctx, out, music.RawEvent{Source: music.SourceMediaSession, Player: short, Ended: true})
		}

	case propertiesChanged:
		name, ok := s.owners[sig.Sender]
		if !ok || sig.Path != mprisPath || len(sig.Body) < 2 {
			return true
		}
		iface, _ := sig.Body[0].(string)
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if iface != mprisPlayerInterface || !ok {
			return true
		}
		short := shortName(name)
		if !s.filter.AllowsPlayer(short) {
			return true
		}

		if status, ok := changed["PlaybackStatus"].Value().(string); ok && status == "Stopped" {
			if short == s.last {
				s.last = ""
			}
			return send(ctx, out, music.RawEvent{Source: music.SourceMediaSession, Player: short, Ended: true})
		}
		if v, ok := changed["Metadata"]; ok {
			md, _ := v.Value().(map[string]dbus.Variant)
			if ev, ok := eventFromMetadata(short, md); ok {
				return s.emit(ctx, out, ev)
			}
		}
	}
	return true
}

// subscribe adds a PropertiesChanged match for the player and emits its
// current metadata
func (s *MediaSession) subscribe(ctx context.Context, out chan<- music.RawEvent, name string) bool {
	if _, ok := s.subs[name]; ok {
		return true
	}

	owner, err := s.bus.NameOwner(name)
	if err != nil {
		s.logger.Debug().Err(err).Str("player", name).Msg("Player vanished before subscribing")
		return true
	}

	rule := fmt.Sprintf(
		"type='signal',sender='%s',path='%s',interface='%s',member='PropertiesChanged',arg0='%s'",
		owner, mprisPath, propertiesInterface, mprisPlayerInterface,
	)
	if err := s.bus.AddMatch(rule); err != nil {
		s.logger.Warn().Err(err).Str("player", name).Msg("Failed to watch player")
		return true
	}

	s.subs[name] = subscription{owner: owner, rule: rule}
	s.owners[owner] = name
	s.logger.Info().Str("player", shortName(name)).Msg("Media session added")

	short := shortName(name)
	if !s.filter.AllowsPlayer(short) {
		return true
	}
	md, err := s.bus.Metadata(name)
	if err != nil {
		s.logger.Debug().Err(err).Str("player", short).Msg("No initial metadata")
		return true
	}
	if ev, ok := eventFromMetadata(short, md); ok {
		return s.emit(ctx, out, ev)
	}
	return true
}

// emit sends a track event and remembers which player it came from
func (s *MediaSession) emit(ctx context.Context, out chan<- music.RawEvent, ev music.RawEvent) bool {
	s.last = ev.Player
	return send(ctx, out, ev)
}

// anyFollowed reports whether a remaining player passes the filter
func (s *MediaSession) anyFollowed() bool {
	for name := range s.subs {
		if s.filter.AllowsPlayer(shortName(name)) {
			return true
		}
	}
	return false
}

func (s *MediaSession) unsubscribe(name string) {
	sub, ok := s.subs[name]
	if !ok {
		return
	}
	if err := s.bus.RemoveMatch(sub.rule); err != nil {
		s.logger.Debug().Err(err).Str("player", name).Msg("Failed to remove match")
	}
	delete(s.subs, name)
	delete(s.owners, sub.owner)
	s.logger.Info().Str("player", shortName(name)).Msg("Media session removed")
}

func (s *MediaSession) unsubscribeAll() {
	for name := range s.subs {
		s.unsubscribe(name)
	}
}

// ListPlayers returns the MPRIS players currently on bus, sorted by name
func ListPlayers(bus Bus) ([]Player, error) {
	names, err := bus.ListNames()
	if err != nil {
		return nil, fmt.Errorf("failed to list bus names: %w", err)
	}

	var players []Player
	for _, name := range names {
		if !strings.HasPrefix(name, mprisPrefix) {
			continue
		}
		p := Player{Name: shortName(name)}
		if identity, err := bus.Identity(name); err == nil {
			p.Identity = identity
		}
		players = append(players, p)
	}

	sort.Slice(players, func(i, j int) bool { return players[i].Name < players[j].Name })
	return players, nil
}

// eventFromMetadata converts MPRIS metadata. Metadata without title and
// artist (nothing loaded) yields no event.
func eventFromMetadata(player string, md map[string]dbus.Variant) (music.RawEvent, bool) {
	title, _ := md["xesam:title"].Value().(string)
	album, _ := md["xesam:album"].Value().(string)

	var artist string
	switch v := md["xesam:artist"].Value().(type) {
	case []string:
		artist = strings.Join(v, ", ")
	case string:
		artist = v
	}

	if strings.TrimSpace(title) == "" && strings.TrimSpace(artist) == "" {
		return music.RawEvent{}, false
	}
	return music.RawEvent{
		Source: music.SourceMediaSession,
		Player: player,
		Title:  title,
		Artist: artist,
		Album:  album,
	}, true
}

// shortName strips the MPRIS prefix: org.mpris.MediaPlayer2.spotify -> spotify
func shortName(name string) string {
	return strings.TrimPrefix(name, mprisPrefix)
}
