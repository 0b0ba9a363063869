package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// DefaultStableAfter is how long a Ready link must last before its loss
// no longer counts as a failed attempt
const DefaultStableAfter = 30 * time.Second

// Config holds link manager configuration
type Config struct {
	ServiceUUID        string
	CharacteristicUUID string
	ConnectTimeout     time.Duration
	DiscoveryTimeout   time.Duration
	WriteTimeout       time.Duration
	MaxAttempts        int // consecutive failed attempts before parking
	Backoff            Backoff
	MaxPayload         int // 0 derives the limit from the MTU
	Oversize           OversizePolicy
	StableAfter        time.Duration // 0 means DefaultStableAfter
}

// Manager owns the connection to a single display peripheral.
//
// All connection state is mutated by the Run goroutine only. Transport
// callbacks, connect/discovery/write results and retry timers are posted
// to it as events tagged with the connection generation, so results that
// belong to an abandoned attempt are ignored.
type Manager struct {
	cfg       Config
	transport Transport
	logger    zerolog.Logger
	events    chan any

	mu      sync.RWMutex
	snap    Snapshot
	done    chan struct{} // closed while Run is not active
	subs    map[int]chan Snapshot
	nextSub int

	// Owned by the Run goroutine
	gen      uint64
	conn     Conn
	char     Characteristic
	retry    *time.Timer
	retries  backoff.BackOff
	readyAt  time.Time
	healthy  bool // a write succeeded in the current session
	inflight map[uint64]*Pending
	nextID   uint64
}

type evSetTarget struct {
	address string
	changed bool
}

type evRetry struct{ gen uint64 }

type evConnected struct {
	gen  uint64
	conn Conn
	err  error
}

type evServiceFound struct {
	gen uint64
	svc Service
	err error
}

type evCharacteristicFound struct {
	gen  uint64
	char Characteristic
	mtu  int
	err  error
}

type evDropped struct{ gen uint64 }

type evWrite struct {
	payload []byte
	pending *Pending
}

type evWriteDone struct {
	gen uint64
	id  uint64
	err error
}

// NewManager creates a Manager. It does nothing until Run is called.
func NewManager(cfg Config, transport Transport, logger zerolog.Logger) *Manager {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Oversize == "" {
		cfg.Oversize = OversizeTruncate
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = DefaultStableAfter
	}
	done := make(chan struct{})
	close(done)
	return &Manager{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With().Str("component", "link").Logger(),
		events:    make(chan any, 16),
		done:      done,
		subs:      make(map[int]chan Snapshot),
		retries:   cfg.Backoff.schedule(cfg.MaxAttempts),
		inflight:  make(map[uint64]*Pending),
	}
}

// Snapshot returns the current link state
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Subscribe returns a channel that always holds the latest snapshot.
// Intermediate snapshots are dropped if the reader falls behind.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.snap
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// SetTarget changes the peripheral address. While running, the current
// connection is dropped and a new attempt starts immediately; otherwise
// the address is only recorded. An empty address disconnects.
func (m *Manager) SetTarget(address string) {
	m.mu.Lock()
	changed := m.snap.Target != address
	m.snap.Target = address
	running := m.snap.Running
	m.publishLocked()
	m.mu.Unlock()

	if running {
		m.post(evSetTarget{address: address, changed: changed})
	}
}

// Write queues payload for the characteristic. It fails with ErrNotReady
// when the link is not Ready; the result of an accepted write is reported
// on the returned Pending.
func (m *Manager) Write(payload []byte) (*Pending, error) {
	m.mu.RLock()
	ready := m.snap.Running && m.snap.State == Ready
	m.mu.RUnlock()
	if !ready {
		return nil, ErrNotReady
	}

	p := NewPending()
	if !m.post(evWrite{payload: payload, pending: p}) {
		return nil, ErrNotReady
	}
	return p, nil
}

// Run drives the link until ctx is cancelled. On return the link is
// Disconnected and the connection handle has been released.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.snap.Running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.snap.Running = true
	m.snap.State = Disconnected
	m.snap.Attempt = 0
	m.snap.LastError = ""
	m.done = make(chan struct{})
	target := m.snap.Target
	m.publishLocked()
	m.mu.Unlock()

	// Anything left over from a previous run belongs to a dead generation
	m.drain(ErrNotReady)
	m.retries.Reset()

	m.logger.Info().Str("target", target).Msg("Link manager started")
	defer m.shutdown()

	if target != "" {
		m.connect(ctx, target)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.events:
			m.handle(ctx, ev)
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case evSetTarget:
		m.handleSetTarget(ctx, ev)
	case evRetry:
		if ev.gen != m.gen {
			return
		}
		if target := m.Snapshot().Target; target != "" {
			m.connect(ctx, target)
		}
	case evConnected:
		m.handleConnected(ctx, ev)
	case evServiceFound:
		m.handleServiceFound(ctx, ev)
	case evCharacteristicFound:
		m.handleCharacteristicFound(ev)
	case evDropped:
		if ev.gen != m.gen {
			return
		}
		if m.Snapshot().State == Ready {
			m.dropReady(ErrDisconnected)
		} else {
			m.fail(ErrDisconnected)
		}
	case evWrite:
		m.handleWrite(ctx, ev)
	case evWriteDone:
		m.handleWriteDone(ev)
	}
}

func (m *Manager) handleSetTarget(ctx context.Context, ev evSetTarget) {
	state := m.Snapshot().State
	if !ev.changed && state != Disconnected {
		// Same peripheral and already connected or connecting
		return
	}

	m.stopRetry()
	m.release(ErrDisconnected)
	m.retries.Reset()
	m.update(func(s *Snapshot) {
		s.State = Disconnected
		s.Attempt = 0
		s.LastError = ""
		s.MaxPayload = 0
	})

	if ev.address == "" {
		m.logger.Info().Msg("Connection target cleared")
		return
	}
	m.connect(ctx, ev.address)
}

// connect starts a new attempt in a fresh generation
func (m *Manager) connect(ctx context.Context, address string) {
	m.stopRetry()
	m.gen++
	gen := m.gen
	m.update(func(s *Snapshot) { s.State = Connecting })

	m.logger.Info().
		Str("target", address).
		Int("attempt", m.Snapshot().Attempt+1).
		Msg("Connecting")

	onDisconnect := func() {
		// Transport callbacks must never block on the actor
		go m.post(evDropped{gen: gen})
	}

	go func() {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()

		conn, err := m.transport.Connect(cctx, address, onDisconnect)
		err = timeoutErr(cctx, err)
		if !m.post(evConnected{gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Disconnect()
		}
	}()
}

func (m *Manager) handleConnected(ctx context.Context, ev evConnected) {
	if ev.gen != m.gen {
		if ev.conn != nil {
			_ = ev.conn.Disconnect()
		}
		return
	}
	if ev.err != nil {
		m.fail(fmt.Errorf("connect: %w", ev.err))
		return
	}

	m.conn = ev.conn
	m.update(func(s *Snapshot) { s.State = Connected })
	m.logger.Debug().Msg("Connected, discovering service")

	conn, gen := ev.conn, ev.gen
	go func() {
		dctx, cancel := context.WithTimeout(ctx, m.cfg.DiscoveryTimeout)
		defer cancel()

		svc, err := conn.DiscoverService(dctx, m.cfg.ServiceUUID)
		m.post(evServiceFound{gen: gen, svc: svc, err: timeoutErr(dctx, err)})
	}()
}

func (m *Manager) handleServiceFound(ctx context.Context, ev evServiceFound) {
	if ev.gen != m.gen {
		return
	}
	if ev.err != nil {
		m.fail(fmt.Errorf("discover service: %w", ev.err))
		return
	}

	m.update(func(s *Snapshot) { s.State = ServicesDiscovered })
	m.logger.Debug().Msg("Service discovered, discovering characteristic")

	svc, gen := ev.svc, ev.gen
	go func() {
		dctx, cancel := context.WithTimeout(ctx, m.cfg.DiscoveryTimeout)
		defer cancel()

		char, err := svc.DiscoverCharacteristic(dctx, m.cfg.CharacteristicUUID)
		err = timeoutErr(dctx, err)
		mtu := 0
		if err == nil {
			if mtu, err = char.MTU(); err != nil {
				// Not fatal: fall back to the default payload limit
				mtu, err = 0, nil
			}
		}
		m.post(evCharacteristicFound{gen: gen, char: char, mtu: mtu, err: err})
	}()
}

func (m *Manager) handleCharacteristicFound(ev evCharacteristicFound) {
	if ev.gen != m.gen {
		return
	}
	if ev.err != nil {
		m.fail(fmt.Errorf("discover characteristic: %w", ev.err))
		return
	}

	// Attempts keep counting until the session proves itself
	m.char = ev.char
	m.readyAt = time.Now()
	m.healthy = false
	limit := payloadLimit(m.cfg.MaxPayload, ev.mtu)
	m.update(func(s *Snapshot) {
		s.State = Ready
		s.Session++
		s.LastError = ""
		s.MaxPayload = limit
	})

	snap := m.Snapshot()
	m.logger.Info().
		Str("target", snap.Target).
		Uint64("session", snap.Session).
		Int("max_payload", limit).
		Msg("Link ready")
}

func (m *Manager) handleWrite(ctx context.Context, ev evWrite) {
	snap := m.Snapshot()
	if m.char == nil || snap.State != Ready {
		ev.pending.Complete(ErrNotReady)
		return
	}

	data, err := fitPayload(ev.payload, snap.MaxPayload, m.cfg.Oversize)
	if err != nil {
		ev.pending.Complete(err)
		return
	}
	if len(data) < len(ev.payload) {
		m.logger.Debug().
			Int("size", len(ev.payload)).
			Int("limit", snap.MaxPayload).
			Msg("Payload truncated")
	}

	m.nextID++
	id := m.nextID
	m.inflight[id] = ev.pending

	char, gen := m.char, m.gen
	go func() {
		wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
		defer cancel()

		err := timeoutErr(wctx, char.Write(wctx, data))
		m.post(evWriteDone{gen: gen, id: id, err: err})
	}()
}

func (m *Manager) handleWriteDone(ev evWriteDone) {
	p, ok := m.inflight[ev.id]
	if !ok {
		// Already completed by a disconnect
		return
	}
	delete(m.inflight, ev.id)
	p.Complete(ev.err)

	if ev.gen != m.gen {
		return
	}
	if ev.err != nil {
		m.dropReady(fmt.Errorf("write: %w", ev.err))
		return
	}
	if !m.healthy {
		m.healthy = true
		m.retries.Reset()
		m.update(func(s *Snapshot) { s.Attempt = 0 })
	}
}

// dropReady handles the loss of a Ready link. Losing a session that
// carried a write or lasted StableAfter starts a fresh series of attempts;
// anything shorter counts as one more failed attempt.
func (m *Manager) dropReady(err error) {
	if !m.healthy && time.Since(m.readyAt) < m.cfg.StableAfter {
		m.fail(err)
		return
	}

	m.release(ErrDisconnected)
	m.retries.Reset()
	m.update(func(s *Snapshot) {
		s.State = Disconnected
		s.Attempt = 0
		s.LastError = err.Error()
		s.MaxPayload = 0
	})

	delay := m.cfg.Backoff.Initial
	m.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Link lost")
	m.scheduleRetry(delay)
}

// fail records a failed attempt and either schedules the next one or parks
func (m *Manager) fail(err error) {
	m.release(ErrDisconnected)

	var attempt int
	m.update(func(s *Snapshot) {
		s.State = Disconnected
		s.Attempt++
		s.LastError = err.Error()
		s.MaxPayload = 0
		attempt = s.Attempt
	})

	delay := m.retries.NextBackOff()
	if delay == backoff.Stop {
		m.logger.Error().
			Err(err).
			Int("attempts", attempt).
			Msg("Giving up on link until the target changes or the relay restarts")
		return
	}

	m.logger.Warn().
		Err(err).
		Int("attempt", attempt).
		Dur("retry_in", delay).
		Msg("Link attempt failed")
	m.scheduleRetry(delay)
}

// release abandons the current generation, completes in-flight writes
// with err and releases the connection handle.
func (m *Manager) release(err error) {
	m.gen++

	for id, p := range m.inflight {
		p.Complete(err)
		delete(m.inflight, id)
	}

	m.char = nil
	if m.conn != nil {
		if derr := m.conn.Disconnect(); derr != nil {
			m.logger.Debug().Err(derr).Msg("Disconnect failed")
		}
		m.conn = nil
	}
}

func (m *Manager) scheduleRetry(delay time.Duration) {
	m.stopRetry()
	gen := m.gen
	m.retry = time.AfterFunc(delay, func() {
		m.post(evRetry{gen: gen})
	})
}

func (m *Manager) stopRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) shutdown() {
	m.stopRetry()
	m.release(ErrDisconnected)

	m.mu.Lock()
	m.snap.Running = false
	m.snap.State = Disconnected
	m.snap.Attempt = 0
	m.snap.MaxPayload = 0
	close(m.done)
	m.publishLocked()
	m.mu.Unlock()

	m.drain(ErrDisconnected)
	m.logger.Info().Msg("Link manager stopped")
}

// drain discards queued events, completing writes with err and releasing
// connections that arrived for abandoned attempts.
func (m *Manager) drain(err error) {
	for {
		select {
		case ev := <-m.events:
			switch ev := ev.(type) {
			case evWrite:
				ev.pending.Complete(err)
			case evConnected:
				if ev.conn != nil {
					_ = ev.conn.Disconnect()
				}
			}
		default:
			return
		}
	}
}

// post delivers ev to the Run goroutine. It returns false if Run is not
// active.
func (m *Manager) post(ev any) bool {
	m.mu.RLock()
	done := m.done
	select {
	case <-done:
		m.mu.RUnlock()
		return false
	default:
	}
	// shutdown closes done under the write lock, so an event queued here
	// is always seen by its drain
	select {
	case m.events <- ev:
		m.mu.RUnlock()
		return true
	default:
	}
	m.mu.RUnlock()

	select {
	case m.events <- ev:
		return true
	case <-done:
		return false
	}
}

func (m *Manager) update(fn func(*Snapshot)) {
	m.mu.Lock()
	fn(&m.snap)
	m.publishLocked()
	m.mu.Unlock()
}

// publishLocked replaces whatever snapshot subscribers have not read yet
func (m *Manager) publishLocked() {
	snap := m.snap
	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// timeoutErr maps an expired deadline to ErrTimeout
func timeoutErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// Pending is the result of an accepted write
type Pending struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewPending returns an incomplete write result
func NewPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Done is closed when the write has completed
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the write result. Only valid after Done is closed.
func (p *Pending) Err() error {
	return p.err
}

// Complete records the result. Only the first call has any effect.
func (p *Pending) Complete(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}
