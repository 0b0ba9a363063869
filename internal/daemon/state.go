package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/maskelog/esp32-music-info/internal/music"
)

// TrackState is a point-in-time copy of the last known track
type TrackState struct {
	Track     *music.Track `json:"track,omitempty"` // nil when nothing is playing
	Payload   string       `json:"payload"`         // rendered wire string
	ChangedAt time.Time    `json:"changed_at,omitempty"`
}

// NowPlaying holds the last known track and drops repeated observations.
// Both observers feed it; only real changes get through.
type NowPlaying struct {
	mu        sync.RWMutex
	formatter *music.Formatter
	current   TrackState
}

// NewNowPlaying creates an empty cell rendering with formatter
func NewNowPlaying(formatter *music.Formatter) *NowPlaying {
	return &NowPlaying{
		formatter: formatter,
		current:   TrackState{Payload: music.NoneText},
	}
}

// Accept stores track if it differs from the current one and returns the
// new payload. changed is false when track equals the current track.
func (n *NowPlaying) Accept(track *music.Track) (payload string, changed bool, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if music.Equal(n.current.Track, track) {
		return n.current.Payload, false, nil
	}

	payload, err = n.formatter.Render(track)
	if err != nil {
		return "", false, fmt.Errorf("failed to render track: %w", err)
	}

	var stored *music.Track
	if track != nil {
		t := *track
		stored = &t
	}
	n.current = TrackState{
		Track:     stored,
		Payload:   payload,
		ChangedAt: time.Now(),
	}
	return payload, true, nil
}

// Payload returns the rendered last known track ("None" if none)
func (n *NowPlaying) Payload() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.current.Payload
}

// Current returns a copy of the last known track, or nil
func (n *NowPlaying) Current() *music.Track {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.current.Track == nil {
		return nil
	}
	t := *n.current.Track
	return &t
}

// GetState returns a copy of the current state
func (n *NowPlaying) GetState() TrackState {
	n.mu.RLock()
	defer n.mu.RUnlock()

	s := n.current
	if s.Track != nil {
		t := *s.Track
		s.Track = &t
	}
	return s
}
