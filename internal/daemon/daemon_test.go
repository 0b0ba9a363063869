package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/maskelog/esp32-music-info/internal/config"
	"github.com/maskelog/esp32-music-info/internal/link"
	"github.com/maskelog/esp32-music-info/internal/music"
	"github.com/maskelog/esp32-music-info/internal/observer"
	"github.com/maskelog/esp32-music-info/internal/store"
)

const testTarget = "AA:BB:CC:DD:EE:FF"

// fakeObserver emits whatever the test pushes into events
type fakeObserver struct {
	name   string
	err    error
	events chan music.RawEvent
}

func newFakeObserver(name string) *fakeObserver {
	return &fakeObserver{name: name, events: make(chan music.RawEvent)}
}

func (o *fakeObserver) Name() string { return o.name }

func (o *fakeObserver) Run(ctx context.Context, out chan<- music.RawEvent) error {
	if o.err != nil {
		return o.err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-o.events:
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// emit blocks until the observer is running and has taken ev
func (o *fakeObserver) emit(t *testing.T, ev music.RawEvent) {
	t.Helper()
	select {
	case o.events <- ev:
	case <-time.After(2 * time.Second):
		t.Fatalf("observer %s not running", o.name)
	}
}

// fakeDisplay is a peripheral that accepts every connection unless told
// otherwise
type fakeDisplay struct {
	mu         sync.Mutex
	refuse     bool
	writes     []string
	disconnect func()
}

func (f *fakeDisplay) Connect(ctx context.Context, address string, onDisconnect func()) (link.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return nil, errors.New("peripheral out of range")
	}
	f.disconnect = onDisconnect
	return &fakeDisplayConn{f: f}, nil
}

func (f *fakeDisplay) setRefuse(refuse bool) {
	f.mu.Lock()
	f.refuse = refuse
	f.mu.Unlock()
}

// drop simulates the peripheral going out of range
func (f *fakeDisplay) drop() {
	f.mu.Lock()
	fn := f.disconnect
	f.mu.Unlock()
	fn()
}

func (f *fakeDisplay) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

type fakeDisplayConn struct{ f *fakeDisplay }

func (c *fakeDisplayConn) DiscoverService(context.Context, string) (link.Service, error) {
	return c, nil
}

func (c *fakeDisplayConn) DiscoverCharacteristic(context.Context, string) (link.Characteristic, error) {
	return c, nil
}

func (c *fakeDisplayConn) Disconnect() error { return nil }

func (c *fakeDisplayConn) MTU() (int, error) { return 185, nil }

func (c *fakeDisplayConn) Write(_ context.Context, p []byte) error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	c.f.writes = append(c.f.writes, string(p))
	return nil
}

type testDaemon struct {
	*Daemon
	display *fakeDisplay
	store   *store.Store
	cancel  context.CancelFunc
	done    chan error
}

func newTestDaemon(t *testing.T, target string, observers ...observer.Observer) *testDaemon {
	t.Helper()

	formatter, err := music.NewFormatter(music.FormatConfig{Style: music.StyleSingle})
	if err != nil {
		t.Fatalf("NewFormatter() error = %v", err)
	}
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	display := &fakeDisplay{}
	d, err := New(Options{
		Formatter: formatter,
		Normalizer: music.Normalizer{
			Placeholders: music.DefaultPlaceholders(),
			KeepAlbum:    formatter.UsesAlbum(),
		},
		Transport: display,
		Link: link.Config{
			ServiceUUID:        config.DefaultServiceUUID,
			CharacteristicUUID: config.DefaultCharacteristicUUID,
			ConnectTimeout:     time.Second,
			DiscoveryTimeout:   time.Second,
			WriteTimeout:       time.Second,
			MaxAttempts:        1000,
			Backoff:            link.Backoff{Initial: 2 * time.Millisecond, Max: 10 * time.Millisecond},
		},
		Target:    target,
		AutoStart: true,
		Observers: observers,
		Store:     st,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &testDaemon{Daemon: d, display: display, store: st}
}

func (td *testDaemon) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	td.cancel = cancel
	td.done = make(chan error, 1)
	go func() { td.done <- td.run(ctx) }()
	t.Cleanup(td.stop)

	eventually(t, "daemon running", func() bool {
		td.mu.Lock()
		defer td.mu.Unlock()
		return td.base != nil
	})
}

func (td *testDaemon) stop() {
	if td.cancel == nil {
		return
	}
	td.cancel()
	<-td.done
	td.cancel = nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (td *testDaemon) waitReady(t *testing.T) {
	t.Helper()
	eventually(t, "link ready", func() bool { return td.link.Snapshot().State == link.Ready })
}

func (td *testDaemon) waitWritten(t *testing.T, n int) []string {
	t.Helper()
	eventually(t, fmt.Sprintf("%d writes", n), func() bool { return len(td.display.written()) >= n })
	return td.display.written()
}

func TestNotificationReachesDisplay(t *testing.T) {
	notifications := newFakeObserver("notification")
	td := newTestDaemon(t, testTarget, notifications)
	td.start(t)
	td.waitReady(t)

	notifications.emit(t, music.RawEvent{Source: music.SourceNotification, Title: "Song A", Artist: "Artist A"})

	got := td.waitWritten(t, 1)
	if got[0] != "Artist A - Song A" {
		t.Errorf("display got %q, want %q", got[0], "Artist A - Song A")
	}
	if track := td.CurrentTrack(); track != "Artist A - Song A" {
		t.Errorf("CurrentTrack() = %q", track)
	}
}

func TestSecondSourceDoesNotRewrite(t *testing.T) {
	notifications := newFakeObserver("notification")
	sessions := newFakeObserver("media-session")
	td := newTestDaemon(t, testTarget, notifications, sessions)
	td.start(t)
	td.waitReady(t)

	notifications.emit(t, music.RawEvent{Source: music.SourceNotification, Title: "Song A", Artist: "Artist A"})
	td.waitWritten(t, 1)

	// Same track with an album the single-line format does not render
	sessions.emit(t, music.RawEvent{Source: music.SourceMediaSession, Title: "Song A", Artist: "Artist A", Album: "LP"})
	notifications.emit(t, music.RawEvent{Source: music.SourceNotification, Title: " Song A ", Artist: "Artist A"})

	settle()
	if got := td.display.written(); len(got) != 1 {
		t.Errorf("display writes = %q, want exactly one", got)
	}
}

func TestNotificationRemovedWritesNone(t *testing.T) {
	notifications := newFakeObserver("notification")
	td := newTestDaemon(t, testTarget, notifications)
	td.start(t)
	td.waitReady(t)

	notifications.emit(t, music.RawEvent{Source: music.SourceNotification, Title: "Song A", Artist: "Artist A"})
	td.waitWritten(t, 1)

	notifications.emit(t, music.RawEvent{Source: music.SourceNotification, Ended: true})
	got := td.waitWritten(t, 2)
	if got[1] != music.NoneText {
		t.Errorf("second write = %q, want %q", got[1], music.NoneText)
	}
	if track := td.CurrentTrack(); track != music.NoneText {
		t.Errorf("CurrentTrack() = %q, want None", track)
	}
}

func TestChangeWhileDisconnectedWrittenOnceOnReconnect(t *testing.T) {
	notifications := newFakeObserver("notification")
	td := newTestDaemon(t, testTarget, notifications)
	td.start(t)
	td.waitReady(t)

	session := td.link.Snapshot().Session
	td.display.setRefuse(true)
	td.display.drop()
	eventually(t, "link down", func() bool { return td.link.Snapshot().State != link.Ready })

	notifications.emit(t, music.RawEvent{Source: music.SourceNotification, Title: "Song B", Artist: "Artist B"})
	settle()
	if got := td.display.written(); len(got) != 0 {
		t.Fatalf("wrote while disconnected: %q", got)
	}

	td.display.setRefuse(false)
	eventually(t, "new session", func() bool {
		snap := td.link.Snapshot()
		return snap.State == link.Ready && snap.Session > session
	})

	got := td.waitWritten(t, 1)
	settle()
	if got = td.display.written(); len(got) != 1 || got[0] != "Artist B - Song B" {
		t.Errorf("display writes = %q, want one write of the pending value", got)
	}
}

func TestObserverUnavailableOtherKeepsWorking(t *testing.T) {
	notifications := newFakeObserver("notification")
	notifications.err = fmt.Errorf("%w: permission denied", observer.ErrUnavailable)
	sessions := newFakeObserver("media-session")

	td := newTestDaemon(t, testTarget, notifications, sessions)
	td.start(t)

	eventually(t, "notification observer unavailable", func() bool {
		return td.Status().Observers[0].State == ObserverUnavailable
	})
	status := td.Status()
	if status.Observers[0].Error == "" {
		t.Error("unavailable observer has no error text")
	}
	if status.Observers[1].State != ObserverRunning {
		t.Errorf("media-session state = %q, want running", status.Observers[1].State)
	}

	sessions.emit(t, music.RawEvent{Source: music.SourceMediaSession, Title: "Song", Artist: "Band"})
	eventually(t, "track from media session", func() bool { return td.CurrentTrack() == "Band - Song" })
}

func TestRelayStartStopIdempotent(t *testing.T) {
	sessions := newFakeObserver("media-session")
	td := newTestDaemon(t, testTarget, sessions)

	if err := td.StartRelay(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("StartRelay() before run = %v, want ErrNotRunning", err)
	}

	td.start(t)
	td.waitReady(t)

	if err := td.StartRelay(); err != nil {
		t.Errorf("second StartRelay() = %v", err)
	}

	td.StopRelay()
	td.StopRelay()

	status := td.Status()
	if status.Relay {
		t.Error("relay still running after StopRelay")
	}
	if status.Link.State != link.Disconnected || status.Link.Running {
		t.Errorf("link = %+v, want stopped and Disconnected", status.Link)
	}
	if status.Observers[0].State != ObserverStopped {
		t.Errorf("observer state = %q, want stopped", status.Observers[0].State)
	}

	if err := td.StartRelay(); err != nil {
		t.Fatalf("restart StartRelay() = %v", err)
	}
	td.waitReady(t)
}

func TestRelayRestartResendsCurrentTrack(t *testing.T) {
	sessions := newFakeObserver("media-session")
	td := newTestDaemon(t, testTarget, sessions)
	td.start(t)
	td.waitReady(t)

	sessions.emit(t, music.RawEvent{Source: music.SourceMediaSession, Title: "Song", Artist: "Band"})
	td.waitWritten(t, 1)

	td.StopRelay()
	if err := td.StartRelay(); err != nil {
		t.Fatalf("StartRelay() = %v", err)
	}

	got := td.waitWritten(t, 2)
	if got[1] != "Band - Song" {
		t.Errorf("write after restart = %q", got[1])
	}
}

func TestNoAutoStartWithoutTarget(t *testing.T) {
	td := newTestDaemon(t, "")
	td.start(t)

	settle()
	if td.RelayRunning() {
		t.Error("relay started without a target")
	}
	if got := td.ConnectionTarget(); got != music.NoneText {
		t.Errorf("ConnectionTarget() = %q, want None", got)
	}
}

func TestSetConnectionTarget(t *testing.T) {
	td := newTestDaemon(t, "")
	ctx := context.Background()

	if err := td.SetConnectionTarget(ctx, "not-a-mac"); err == nil {
		t.Error("SetConnectionTarget() accepted an invalid address")
	}

	if err := td.SetConnectionTarget(ctx, "aa:bb:cc:dd:ee:01"); err != nil {
		t.Fatalf("SetConnectionTarget() error = %v", err)
	}
	if got := td.ConnectionTarget(); got != "AA:BB:CC:DD:EE:01" {
		t.Errorf("ConnectionTarget() = %q", got)
	}
	stored, err := td.store.Get(ctx, store.KeyConnectionTarget)
	if err != nil || stored != "AA:BB:CC:DD:EE:01" {
		t.Errorf("stored target = %q, %v", stored, err)
	}

	// Setting the target while running connects right away
	td.start(t)
	if err := td.StartRelay(); err != nil {
		t.Fatalf("StartRelay() = %v", err)
	}
	td.waitReady(t)

	if err := td.SetConnectionTarget(ctx, ""); err != nil {
		t.Fatalf("clear target error = %v", err)
	}
	eventually(t, "disconnect", func() bool { return td.link.Snapshot().State == link.Disconnected })
	if _, err := td.store.Get(ctx, store.KeyConnectionTarget); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cleared target still stored: %v", err)
	}
}

func TestPersistedStateWinsOverConfig(t *testing.T) {
	td := newTestDaemon(t, testTarget)
	ctx := context.Background()

	if err := td.SetConnectionTarget(ctx, "11:22:33:44:55:66"); err != nil {
		t.Fatal(err)
	}
	if err := td.SetSelectedPlayer(ctx, "Spotify"); err != nil {
		t.Fatal(err)
	}

	formatter, _ := music.NewFormatter(music.FormatConfig{})
	filter := observer.NewFilter(nil)
	d, err := New(Options{
		Formatter: formatter,
		Transport: &fakeDisplay{},
		Target:    testTarget,
		Filter:    filter,
		Store:     td.store,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if got := d.ConnectionTarget(); got != "11:22:33:44:55:66" {
		t.Errorf("ConnectionTarget() = %q, want persisted target", got)
	}
	if got := d.SelectedPlayer(); got != "spotify" {
		t.Errorf("SelectedPlayer() = %q, want spotify", got)
	}
	if !filter.AllowsPlayer("spotify") || filter.AllowsPlayer("vlc") {
		t.Error("persisted selection not applied to the filter")
	}
}

func TestEventsPublished(t *testing.T) {
	sessions := newFakeObserver("media-session")
	td := newTestDaemon(t, testTarget, sessions)

	var mu sync.Mutex
	seen := make(map[string]int)
	unsubscribe := td.Subscribe(func(ev Event) {
		mu.Lock()
		seen[ev.Type]++
		mu.Unlock()
	})
	defer unsubscribe()

	td.start(t)
	td.waitReady(t)
	sessions.emit(t, music.RawEvent{Source: music.SourceMediaSession, Title: "Song", Artist: "Band"})

	eventually(t, "all event types", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[EventTrack] == 1 && seen[EventLink] > 0 && seen[EventObserver] > 0 && seen[EventRelay] > 0
	})
}

func TestNewRejectsInvalidTarget(t *testing.T) {
	formatter, _ := music.NewFormatter(music.FormatConfig{})
	_, err := New(Options{Formatter: formatter, Transport: &fakeDisplay{}, Target: "nope"}, zerolog.Nop())
	if err == nil {
		t.Error("New() accepted an invalid target")
	}
}
