package observer

import "testing"

func TestFilterAllowsNotification(t *testing.T) {
	tests := []struct {
		name     string
		allow    []string
		selected string
		ids      []string
		want     bool
	}{
		{name: "empty allow-list accepts all", ids: []string{"Slack"}, want: true},
		{name: "allow-list match", allow: []string{"spotify"}, ids: []string{"Spotify"}, want: true},
		{name: "desktop entry match", allow: []string{"org.gnome.rhythmbox3"}, ids: []string{"Rhythmbox", "org.gnome.Rhythmbox3"}, want: true},
		{name: "substring match", allow: []string{"vlc"}, ids: []string{"VLC media player"}, want: true},
		{name: "not allowed", allow: []string{"spotify"}, ids: []string{"Slack"}, want: false},
		{name: "empty ids", allow: []string{"spotify"}, ids: []string{"", " "}, want: false},
		{name: "selected narrows", allow: []string{"spotify", "vlc"}, selected: "vlc", ids: []string{"Spotify"}, want: false},
		{name: "selected outside allow-list", allow: []string{"spotify"}, selected: "amberol", ids: []string{"Amberol"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFilter(tt.allow)
			f.SetSelected(tt.selected)
			if got := f.AllowsNotification(tt.ids...); got != tt.want {
				t.Errorf("AllowsNotification(%v) = %v, want %v", tt.ids, got, tt.want)
			}
		})
	}
}

func TestFilterAllowsPlayer(t *testing.T) {
	f := NewFilter([]string{"spotify"})

	// The allow-list only applies to notifications
	if !f.AllowsPlayer("vlc") {
		t.Error("AllowsPlayer(vlc) = false without a selected player")
	}

	f.SetSelected("  Spotify ")
	if f.Selected() != "spotify" {
		t.Errorf("Selected() = %q", f.Selected())
	}
	if f.AllowsPlayer("vlc") {
		t.Error("AllowsPlayer(vlc) = true with spotify selected")
	}
	if !f.AllowsPlayer("spotify") {
		t.Error("AllowsPlayer(spotify) = false with spotify selected")
	}

	f.SetSelected("")
	if !f.AllowsPlayer("vlc") {
		t.Error("AllowsPlayer(vlc) = false after clearing selection")
	}
}
