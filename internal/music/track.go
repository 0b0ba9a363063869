package music

import "strings"

// Default placeholders substituted for missing metadata fields
const (
	DefaultUnknownTitle  = "Unknown Title"
	DefaultUnknownArtist = "Unknown Artist"
	DefaultUnknownAlbum  = "Unknown Album"
)

// NoneText is the wire and display form of "nothing playing"
const NoneText = "None"

// Track is the canonical description of the currently playing track.
// It is a comparable value; two Tracks are the same track iff they are ==.
type Track struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Album  string `json:"album,omitempty"`
}

// Source identifies which observer produced a RawEvent
type Source string

const (
	SourceNotification Source = "notification"
	SourceMediaSession Source = "media-session"
)

// RawEvent is an unnormalized metadata observation.
// Empty fields are treated as absent.
type RawEvent struct {
	Source Source
	Player string // app name or MPRIS identity, diagnostic only
	Title  string
	Artist string
	Album  string
	Ended  bool // notification removed / no active session
}

// Placeholders holds the text substituted for missing fields
type Placeholders struct {
	Title  string
	Artist string
	Album  string
}

// DefaultPlaceholders returns the stock placeholder set
func DefaultPlaceholders() Placeholders {
	return Placeholders{
		Title:  DefaultUnknownTitle,
		Artist: DefaultUnknownArtist,
		Album:  DefaultUnknownAlbum,
	}
}

// Normalizer turns RawEvents into Tracks. It has no state and is safe for
// concurrent use.
type Normalizer struct {
	Placeholders Placeholders

	// KeepAlbum controls whether the album is part of the canonical Track.
	// When the active format never renders the album it must be dropped,
	// otherwise the same song seen by two sources would compare unequal.
	KeepAlbum bool
}

// Normalize returns the Track described by ev, or nil when ev ends the
// current track.
func (n Normalizer) Normalize(ev RawEvent) *Track {
	if ev.Ended {
		return nil
	}

	t := &Track{
		Title:  orDefault(ev.Title, n.Placeholders.Title, DefaultUnknownTitle),
		Artist: orDefault(ev.Artist, n.Placeholders.Artist, DefaultUnknownArtist),
	}
	if n.KeepAlbum {
		t.Album = strings.TrimSpace(ev.Album)
	}
	return t
}

func orDefault(v, placeholder, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	if placeholder != "" {
		return placeholder
	}
	return fallback
}

// Equal reports whether a and b describe the same track.
// Two nil tracks are equal.
func Equal(a, b *Track) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
