package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-runewidth"
	"github.com/rivo/tview"

	"github.com/maskelog/esp32-music-info/internal/control"
	"github.com/maskelog/esp32-music-info/internal/daemon"
	"github.com/maskelog/esp32-music-info/internal/link"
)

const maxRecentTracks = 5

// Config holds TUI configuration options
type Config struct {
	RefreshRate time.Duration // How often to refresh the display
}

// DefaultConfig returns the default TUI configuration
func DefaultConfig() Config {
	return Config{
		RefreshRate: 500 * time.Millisecond,
	}
}

// Controller sends relay commands to the daemon
type Controller interface {
	StartRelay(ctx context.Context) error
	StopRelay(ctx context.Context) error
}

// WatchFunc streams feed messages to fn until ctx ends or the feed drops
type WatchFunc func(ctx context.Context, fn func(control.Message)) error

// RecentTrack stores a payload recently sent to the display
type RecentTrack struct {
	Payload string
	At      time.Time
}

// App is the TUI dashboard for a running daemon
type App struct {
	app        *tview.Application
	nowPlaying *tview.TextView
	linkView   *tview.TextView
	relayView  *tview.TextView
	recent     *tview.TextView
	footer     *tview.TextView

	config     Config
	controller Controller

	// Guards everything below; written by the feed goroutine, read by
	// the redraw ticker
	mu        sync.Mutex
	status    daemon.Status
	connected bool
	feedErr   string

	// Ring buffer of recent payloads
	recentBuf   [maxRecentTracks]RecentTrack
	recentCount int

	// Last-rendered content for change detection
	lastNowPlaying string
	lastLink       string
	lastRelay      string
	lastRecent     string

	cancelFunc context.CancelFunc
}

// New creates a new TUI application with default config
func New(controller Controller) *App {
	return NewWithConfig(DefaultConfig(), controller)
}

// NewWithConfig creates a new TUI application with the given config
func NewWithConfig(cfg Config, controller Controller) *App {
	a := &App{
		app:        tview.NewApplication(),
		config:     cfg,
		controller: controller,
	}
	a.setupUI()
	return a
}

// setupUI creates the UI layout
func (a *App) setupUI() {
	a.nowPlaying = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	a.nowPlaying.SetBorder(true).
		SetTitle(" Now Playing ").
		SetTitleAlign(tview.AlignLeft)

	a.linkView = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	a.linkView.SetBorder(true).
		SetTitle(" Display ").
		SetTitleAlign(tview.AlignLeft)

	a.relayView = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	a.relayView.SetBorder(true).
		SetTitle(" Relay ").
		SetTitleAlign(tview.AlignLeft)

	a.recent = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	a.recent.SetBorder(true).
		SetTitle(" Sent ").
		SetTitleAlign(tview.AlignLeft)

	a.footer = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[gray]q:quit  s:start/stop relay[-]")

	middleRow := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(a.linkView, 0, 1, false).
		AddItem(a.relayView, 0, 1, false)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.nowPlaying, 0, 2, false).
		AddItem(middleRow, 9, 1, false).
		AddItem(a.recent, maxRecentTracks+2, 1, false).
		AddItem(a.footer, 1, 1, false)

	a.app.SetInputCapture(a.handleKeyEvent)
	a.app.SetRoot(flex, true)
}

// handleKeyEvent processes keyboard input
func (a *App) handleKeyEvent(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 'q', 'Q':
		a.Stop()
		return nil
	case 's', 'S':
		if a.controller == nil {
			return nil
		}
		a.mu.Lock()
		running := a.status.Relay
		a.mu.Unlock()

		// Off the UI goroutine; StopRelay waits for the link to close
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if running {
				_ = a.controller.StopRelay(ctx)
			} else {
				_ = a.controller.StartRelay(ctx)
			}
		}()
		return nil
	}
	return event
}

// Run starts the TUI and follows the daemon feed through watch
func (a *App) Run(ctx context.Context, watch WatchFunc) error {
	ctx, a.cancelFunc = context.WithCancel(ctx)

	go a.follow(ctx, watch)
	go a.redraw(ctx)

	if err := a.app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// follow keeps the feed connected, backing off while the daemon is down
func (a *App) follow(ctx context.Context, watch WatchFunc) {
	const (
		baseInterval = 1 * time.Second
		maxInterval  = 16 * time.Second
	)
	interval := baseInterval

	for {
		err := watch(ctx, func(msg control.Message) {
			a.mu.Lock()
			a.connected = true
			a.feedErr = ""
			a.apply(msg)
			a.mu.Unlock()
			interval = baseInterval
		})
		if ctx.Err() != nil {
			return
		}

		a.mu.Lock()
		a.connected = false
		if err != nil {
			a.feedErr = err.Error()
		}
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

// redraw is the only source of redraws
func (a *App) redraw(ctx context.Context) {
	refreshRate := a.config.RefreshRate
	if refreshRate <= 0 {
		refreshRate = 500 * time.Millisecond
	}
	ticker := time.NewTicker(refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.app.Stop()
			return
		case <-ticker.C:
			a.refresh()
		}
	}
}

// apply folds a feed message into the status. Must be called with a.mu held.
func (a *App) apply(msg control.Message) {
	switch msg.Type {
	case control.MessageStatus:
		var status daemon.Status
		if json.Unmarshal(msg.Data, &status) == nil {
			a.status = status
		}
	case daemon.EventTrack:
		var track daemon.TrackState
		if json.Unmarshal(msg.Data, &track) == nil {
			a.status.Track = track
			a.addRecent(track.Payload, msg.Time)
		}
	case daemon.EventLink:
		var snap link.Snapshot
		if json.Unmarshal(msg.Data, &snap) == nil {
			a.status.Link = snap
		}
	case daemon.EventObserver:
		var obs daemon.ObserverStatus
		if json.Unmarshal(msg.Data, &obs) == nil {
			a.setObserver(obs)
		}
	case daemon.EventRelay:
		var running bool
		if json.Unmarshal(msg.Data, &running) == nil {
			a.status.Relay = running
		}
	}
}

func (a *App) setObserver(obs daemon.ObserverStatus) {
	for i := range a.status.Observers {
		if a.status.Observers[i].Name == obs.Name {
			a.status.Observers[i] = obs
			return
		}
	}
	a.status.Observers = append(a.status.Observers, obs)
}

// addRecent records a sent payload. Must be called with a.mu held.
func (a *App) addRecent(payload string, at time.Time) {
	idx := a.recentCount % maxRecentTracks
	a.recentBuf[idx] = RecentTrack{Payload: payload, At: at}
	a.recentCount++
}

// getRecentTracks returns recent payloads in most-recent-first order.
// Must be called with a.mu held.
func (a *App) getRecentTracks() []RecentTrack {
	n := a.recentCount
	if n > maxRecentTracks {
		n = maxRecentTracks
	}
	result := make([]RecentTrack, n)
	for i := 0; i < n; i++ {
		idx := (a.recentCount - 1 - i) % maxRecentTracks
		result[i] = a.recentBuf[idx]
	}
	return result
}

// refresh updates all UI components
func (a *App) refresh() {
	a.app.QueueUpdateDraw(func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		setIfChanged(a.nowPlaying, &a.lastNowPlaying, a.renderNowPlaying())
		setIfChanged(a.linkView, &a.lastLink, a.renderLink())
		setIfChanged(a.relayView, &a.lastRelay, a.renderRelay())
		setIfChanged(a.recent, &a.lastRecent, a.renderRecent())
	})
}

func setIfChanged(view *tview.TextView, last *string, text string) {
	if text != *last {
		*last = text
		view.SetText(text)
	}
}

func (a *App) renderNowPlaying() string {
	if !a.connected {
		text := "\n\n[red]Daemon not reachable[-]"
		if a.feedErr != "" {
			text += "\n[gray]" + tview.Escape(a.feedErr) + "[-]"
		}
		return text
	}

	track := a.status.Track.Track
	if track == nil {
		return "\n\n[gray]No track playing[-]"
	}

	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("[white::b]%s[-:-:-]\n", tview.Escape(track.Title)))
	sb.WriteString(fmt.Sprintf("[yellow]%s[-]\n", tview.Escape(track.Artist)))
	if track.Album != "" {
		sb.WriteString(fmt.Sprintf("[gray]%s[-]", tview.Escape(track.Album)))
	}
	if !a.status.Track.ChangedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("\n\n[gray]for %s[-]", formatDuration(time.Since(a.status.Track.ChangedAt))))
	}
	return sb.String()
}

func (a *App) renderLink() string {
	snap := a.status.Link

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s %s\n", stateIcon(snap.State), snap.State))

	target := snap.Target
	if target == "" {
		target = "[gray]none[-]"
	}
	sb.WriteString(fmt.Sprintf("Target:  %s\n", target))
	sb.WriteString(fmt.Sprintf("Session: %d\n", snap.Session))
	if snap.MaxPayload > 0 {
		sb.WriteString(fmt.Sprintf("Payload: %d bytes\n", snap.MaxPayload))
	}
	if snap.Attempt > 0 {
		sb.WriteString(fmt.Sprintf("[yellow]Attempt: %d[-]\n", snap.Attempt))
	}
	if snap.LastError != "" {
		sb.WriteString(fmt.Sprintf("[red]%s[-]", tview.Escape(snap.LastError)))
	}
	return sb.String()
}

func (a *App) renderRelay() string {
	var sb strings.Builder

	if a.status.Relay {
		sb.WriteString("[green]▶ running[-]\n")
	} else {
		sb.WriteString("[gray]■ stopped[-]\n")
	}

	for _, obs := range a.status.Observers {
		color := "gray"
		switch obs.State {
		case daemon.ObserverRunning:
			color = "green"
		case daemon.ObserverUnavailable:
			color = "red"
		}
		sb.WriteString(fmt.Sprintf("%-14s [%s]%s[-]\n", obs.Name, color, obs.State))
	}

	stats := a.status.Coordinator
	sb.WriteString(fmt.Sprintf("Writes:  %d ok, %d failed\n", stats.WritesOK, stats.WritesFailed))
	if stats.HasPending {
		sb.WriteString(fmt.Sprintf("[yellow]Pending: %s[-]", tview.Escape(truncate(firstLine(stats.Pending), 24))))
	}
	return sb.String()
}

func (a *App) renderRecent() string {
	tracks := a.getRecentTracks()
	if len(tracks) == 0 {
		return "[gray]Nothing sent yet[-]"
	}

	var sb strings.Builder
	for i, track := range tracks {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("[gray]%s[-] [white]%s[-]",
			track.At.Format("15:04:05"), tview.Escape(truncate(firstLine(track.Payload), 40))))
	}
	return sb.String()
}

// Stop stops the TUI application
func (a *App) Stop() {
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	a.app.Stop()
}

func stateIcon(s link.State) string {
	switch s {
	case link.Ready:
		return "[green]●[-]"
	case link.Disconnected:
		return "[red]○[-]"
	default:
		return "[yellow]◐[-]"
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

// truncate limits s to width display columns
func truncate(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "...")
}

// formatDuration formats a duration as MM:SS or HH:MM:SS for longer durations
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
