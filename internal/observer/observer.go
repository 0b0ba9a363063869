package observer

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/maskelog/esp32-music-info/internal/music"
)

// ErrUnavailable means the observer could not subscribe to its source
var ErrUnavailable = errors.New("observer unavailable")

// Observer reports raw track events from one metadata source.
//
// Run blocks until ctx is cancelled. It returns an error wrapping
// ErrUnavailable as soon as subscribing to the source fails.
type Observer interface {
	Name() string
	Run(ctx context.Context, out chan<- music.RawEvent) error
}

// send delivers ev unless ctx is done first
func send(ctx context.Context, out chan<- music.RawEvent, ev music.RawEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Filter decides which players the observers listen to.
//
// A selected player narrows both observers to that player. Without one,
// notifications are checked against the allow-list (empty accepts all)
// and every media session is accepted.
type Filter struct {
	mu       sync.RWMutex
	allow    []string
	selected string
}

// NewFilter creates a filter over the given allow-list
func NewFilter(allow []string) *Filter {
	f := &Filter{}
	for _, a := range allow {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			f.allow = append(f.allow, a)
		}
	}
	return f
}

// SetSelected sets (or clears, with "") the selected player
func (f *Filter) SetSelected(player string) {
	f.mu.Lock()
	f.selected = strings.ToLower(strings.TrimSpace(player))
	f.mu.Unlock()
}

// Selected returns the selected player, if any
func (f *Filter) Selected() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.selected
}

// AllowsNotification reports whether a notification from any of ids
// (app name, desktop entry) should be treated as music
func (f *Filter) AllowsNotification(ids ...string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.selected != "" {
		return matchAny(ids, []string{f.selected})
	}
	if len(f.allow) == 0 {
		return true
	}
	return matchAny(ids, f.allow)
}

// AllowsPlayer reports whether a media session named by any of ids
// should be followed
func (f *Filter) AllowsPlayer(ids ...string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.selected == "" {
		return true
	}
	return matchAny(ids, []string{f.selected})
}

func matchAny(ids, patterns []string) bool {
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		for _, p := range patterns {
			if id == p || strings.Contains(id, p) {
				return true
			}
		}
	}
	return false
}
