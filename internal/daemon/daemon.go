package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/maskelog/esp32-music-info/internal/link"
	"github.com/maskelog/esp32-music-info/internal/music"
	"github.com/maskelog/esp32-music-info/internal/observer"
	"github.com/maskelog/esp32-music-info/internal/store"
)

// ErrNotRunning is returned by relay commands issued before Run
var ErrNotRunning = errors.New("daemon is not running")

// Event types published to subscribers
const (
	EventTrack    = "track"
	EventLink     = "link"
	EventObserver = "observer"
	EventRelay    = "relay"
)

// Event is a state change published to subscribers (broadcast, websocket feed)
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	Time time.Time `json:"time"`
}

// Observer states reported in Status
const (
	ObserverStopped     = "stopped"
	ObserverRunning     = "running"
	ObserverUnavailable = "unavailable"
)

// ObserverStatus describes one metadata source
type ObserverStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Status is the full daemon status returned to the control layer
type Status struct {
	Relay          bool             `json:"relay"`
	Track          TrackState       `json:"track"`
	Link           link.Snapshot    `json:"link"`
	Observers      []ObserverStatus `json:"observers"`
	Coordinator    CoordinatorStats `json:"coordinator"`
	SelectedPlayer string           `json:"selected_player,omitempty"`
}

// Options holds the collaborators of a Daemon
type Options struct {
	Formatter  *music.Formatter
	Normalizer music.Normalizer
	Transport  link.Transport
	Link       link.Config

	// Target is used when no connection target has been persisted
	Target string
	// AutoStart starts the relay on Run when a target is known
	AutoStart bool

	Observers []observer.Observer
	Filter    *observer.Filter
	Store     *store.Store // optional

	// Players lists media players for the control layer; optional
	Players func() ([]observer.Player, error)
}

// Daemon wires observers -> normalizer -> now playing -> coordinator -> link
type Daemon struct {
	opts        Options
	nowPlaying  *NowPlaying
	link        *link.Manager
	coordinator *Coordinator
	logger      zerolog.Logger

	relayMu sync.Mutex // serializes StartRelay and StopRelay

	mu        sync.Mutex
	base      context.Context // set while Run is active
	relay     *relayRun
	observers map[string]ObserverStatus
	services  []service

	listenersMu sync.RWMutex
	listeners   map[int]func(Event)
	nextID      int
}

type relayRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type service struct {
	name string
	run  func(ctx context.Context) error
}

// New creates a new Daemon instance
func New(opts Options, logger zerolog.Logger) (*Daemon, error) {
	if opts.Formatter == nil {
		return nil, fmt.Errorf("formatter is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Filter == nil {
		opts.Filter = observer.NewFilter(nil)
	}

	target, err := link.NormalizeAddress(opts.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid connection target: %w", err)
	}

	d := &Daemon{
		opts:       opts,
		nowPlaying: NewNowPlaying(opts.Formatter),
		link:       link.NewManager(opts.Link, opts.Transport, logger),
		logger:     logger.With().Str("component", "daemon").Logger(),
		observers:  make(map[string]ObserverStatus),
		listeners:  make(map[int]func(Event)),
	}
	d.coordinator = NewCoordinator(d.link, logger)

	for _, obs := range opts.Observers {
		d.observers[obs.Name()] = ObserverStatus{Name: obs.Name(), State: ObserverStopped}
	}

	// Persisted choices win over configuration
	if opts.Store != nil {
		ctx := context.Background()
		target, err = opts.Store.GetOr(ctx, store.KeyConnectionTarget, target)
		if err != nil {
			return nil, fmt.Errorf("failed to load connection target: %w", err)
		}
		selected, err := opts.Store.GetOr(ctx, store.KeySelectedApp, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load selected player: %w", err)
		}
		opts.Filter.SetSelected(selected)
	}
	d.link.SetTarget(target)

	return d, nil
}

// AddService registers fn to run alongside the daemon until shutdown
func (d *Daemon) AddService(name string, fn func(ctx context.Context) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services = append(d.services, service{name: name, run: fn})
}

// Subscribe registers fn for every published Event. fn is called from
// daemon goroutines and must not block.
func (d *Daemon) Subscribe(fn func(Event)) func() {
	d.listenersMu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.listenersMu.Unlock()

	return func() {
		d.listenersMu.Lock()
		delete(d.listeners, id)
		d.listenersMu.Unlock()
	}
}

func (d *Daemon) emit(typ string, data any) {
	ev := Event{Type: typ, Data: data, Time: time.Now()}

	d.listenersMu.RLock()
	defer d.listenersMu.RUnlock()
	for _, fn := range d.listeners {
		fn(ev)
	}
}

// Run starts the daemon and blocks until shutdown signal received
func (d *Daemon) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Handle first signal gracefully, second signal forces exit
	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		d.logger.Info().Msg("Shutdown signal received, initiating graceful shutdown")
		cancel()

		// Second signal forces exit
		<-sigChan
		d.logger.Warn().Msg("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()

	if err := d.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// run is the main daemon loop
func (d *Daemon) run(ctx context.Context) error {
	d.logger.Info().Msg("Starting daemon")

	d.mu.Lock()
	if d.base != nil {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.base = ctx
	services := append([]service(nil), d.services...)
	d.mu.Unlock()

	var wg sync.WaitGroup

	// Forward link transitions to subscribers
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.watchLink(ctx)
	}()

	for _, svc := range services {
		wg.Add(1)
		go func(svc service) {
			defer wg.Done()
			if err := svc.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error().Err(err).Str("service", svc.name).Msg("Service error")
			}
		}(svc)
	}

	if d.opts.AutoStart && d.link.Snapshot().Target != "" {
		if err := d.StartRelay(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to start relay")
		}
	}

	<-ctx.Done()

	d.mu.Lock()
	d.base = nil
	d.mu.Unlock()

	d.StopRelay()
	wg.Wait()

	d.logger.Info().Msg("Daemon stopped")
	return ctx.Err()
}

func (d *Daemon) watchLink(ctx context.Context) {
	snaps, unsubscribe := d.link.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-snaps:
			d.emit(EventLink, snap)
		}
	}
}

// StartRelay starts the observers, the link and the coordinator. Calling
// it while the relay is running does nothing.
func (d *Daemon) StartRelay() error {
	d.relayMu.Lock()
	defer d.relayMu.Unlock()

	d.mu.Lock()
	if d.relay != nil {
		d.mu.Unlock()
		return nil
	}
	if d.base == nil {
		d.mu.Unlock()
		return ErrNotRunning
	}
	ctx, cancel := context.WithCancel(d.base)
	r := &relayRun{cancel: cancel, done: make(chan struct{})}
	d.relay = r
	d.mu.Unlock()

	var wg sync.WaitGroup
	events := make(chan music.RawEvent, 16)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.link.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error().Err(err).Msg("Link manager error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error().Err(err).Msg("Coordinator error")
		}
	}()

	for _, obs := range d.opts.Observers {
		wg.Add(1)
		go func(obs observer.Observer) {
			defer wg.Done()
			d.runObserver(ctx, obs, events)
		}(obs)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.handleEvents(ctx, events)
	}()

	go func() {
		wg.Wait()
		close(r.done)
	}()

	// The display may have restarted since the last write
	if d.nowPlaying.Current() != nil {
		d.coordinator.Submit(d.nowPlaying.Payload())
	}

	d.logger.Info().Msg("Relay started")
	d.emit(EventRelay, true)
	return nil
}

// StopRelay tears down the observers and disconnects the link. It blocks
// until everything has stopped and is safe to call when already stopped.
func (d *Daemon) StopRelay() {
	d.relayMu.Lock()
	defer d.relayMu.Unlock()

	d.mu.Lock()
	r := d.relay
	d.relay = nil
	d.mu.Unlock()

	if r == nil {
		return
	}

	r.cancel()
	<-r.done

	d.logger.Info().Msg("Relay stopped")
	d.emit(EventRelay, false)
}

// RelayRunning reports whether the relay is started
func (d *Daemon) RelayRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.relay != nil
}

func (d *Daemon) runObserver(ctx context.Context, obs observer.Observer, events chan<- music.RawEvent) {
	d.setObserver(ObserverStatus{Name: obs.Name(), State: ObserverRunning})

	err := obs.Run(ctx, events)

	status := ObserverStatus{Name: obs.Name(), State: ObserverStopped}
	if err != nil && ctx.Err() == nil {
		// The other observer keeps running
		d.logger.Warn().Err(err).Str("observer", obs.Name()).Msg("Observer unavailable")
		status.State = ObserverUnavailable
		status.Error = err.Error()
	}
	d.setObserver(status)
}

func (d *Daemon) setObserver(status ObserverStatus) {
	d.mu.Lock()
	d.observers[status.Name] = status
	d.mu.Unlock()
	d.emit(EventObserver, status)
}

// handleEvents processes raw events from all observers
func (d *Daemon) handleEvents(ctx context.Context, events <-chan music.RawEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			d.handleEvent(ev)
		}
	}
}

// handleEvent normalizes ev and relays it if it changes the track
func (d *Daemon) handleEvent(ev music.RawEvent) {
	track := d.opts.Normalizer.Normalize(ev)

	payload, changed, err := d.nowPlaying.Accept(track)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to handle track update")
		return
	}
	if !changed {
		d.logger.Debug().Str("source", string(ev.Source)).Msg("Duplicate track ignored")
		return
	}

	if track == nil {
		d.logger.Info().Str("source", string(ev.Source)).Msg("Music stopped")
	} else {
		d.logger.Info().
			Str("source", string(ev.Source)).
			Str("player", ev.Player).
			Str("track", track.Title).
			Str("artist", track.Artist).
			Msg("Track changed")
	}

	d.coordinator.Submit(payload)
	d.emit(EventTrack, d.nowPlaying.GetState())
}

// CurrentTrack returns the rendered last known track, or "None"
func (d *Daemon) CurrentTrack() string {
	return d.nowPlaying.Payload()
}

// Track returns the last known track state
func (d *Daemon) Track() TrackState {
	return d.nowPlaying.GetState()
}

// ConnectionTarget returns the peripheral address, or "None"
func (d *Daemon) ConnectionTarget() string {
	if target := d.link.Snapshot().Target; target != "" {
		return target
	}
	return music.NoneText
}

// SetConnectionTarget validates and persists address and points the link
// at it. The connection starts right away when the relay is running.
func (d *Daemon) SetConnectionTarget(ctx context.Context, address string) error {
	normalized, err := link.NormalizeAddress(address)
	if err != nil {
		return err
	}

	if d.opts.Store != nil {
		if err := d.opts.Store.Put(ctx, store.KeyConnectionTarget, normalized); err != nil {
			return fmt.Errorf("failed to save connection target: %w", err)
		}
	}

	d.logger.Info().Str("target", normalized).Msg("Connection target set")
	d.link.SetTarget(normalized)
	return nil
}

// SelectedPlayer returns the persisted player the observers are narrowed to
func (d *Daemon) SelectedPlayer() string {
	return d.opts.Filter.Selected()
}

// SetSelectedPlayer persists player and applies it to the observers.
// An empty name clears the selection.
func (d *Daemon) SetSelectedPlayer(ctx context.Context, player string) error {
	if d.opts.Store != nil {
		if err := d.opts.Store.Put(ctx, store.KeySelectedApp, player); err != nil {
			return fmt.Errorf("failed to save selected player: %w", err)
		}
	}

	d.opts.Filter.SetSelected(player)
	d.logger.Info().Str("player", d.opts.Filter.Selected()).Msg("Selected player changed")
	return nil
}

// Players lists the media players currently available
func (d *Daemon) Players() ([]observer.Player, error) {
	if d.opts.Players == nil {
		return nil, nil
	}
	return d.opts.Players()
}

// Status returns the full daemon status
func (d *Daemon) Status() Status {
	d.mu.Lock()
	running := d.relay != nil
	observers := make([]ObserverStatus, 0, len(d.opts.Observers))
	for _, obs := range d.opts.Observers {
		observers = append(observers, d.observers[obs.Name()])
	}
	d.mu.Unlock()

	return Status{
		Relay:          running,
		Track:          d.nowPlaying.GetState(),
		Link:           d.link.Snapshot(),
		Observers:      observers,
		Coordinator:    d.coordinator.Stats(),
		SelectedPlayer: d.opts.Filter.Selected(),
	}
}

// Shutdown gracefully shuts down the daemon
func (d *Daemon) Shutdown() error {
	d.logger.Info().Msg("Shutting down daemon")

	d.StopRelay()

	if d.opts.Store != nil {
		if err := d.opts.Store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}
	return nil
}
