package daemon

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/maskelog/esp32-music-info/internal/link"
)

// LinkWriter is the part of the link manager the coordinator drives
type LinkWriter interface {
	Write(payload []byte) (*link.Pending, error)
	Snapshot() link.Snapshot
	Subscribe() (<-chan link.Snapshot, func())
}

// CoordinatorStats summarizes relay activity for status output
type CoordinatorStats struct {
	Pending      string `json:"pending,omitempty"`
	HasPending   bool   `json:"has_pending"`
	InFlight     bool   `json:"in_flight"`
	LastWritten  string `json:"last_written,omitempty"`
	WritesOK     int    `json:"writes_ok"`
	WritesFailed int    `json:"writes_failed"`
}

// pendingWrite is the newest payload not yet confirmed by the display
type pendingWrite struct {
	seq     uint64
	payload string

	// Session in which the last write of this value failed; it is not
	// retried until a later session or a newer value replaces it
	failed        bool
	failedSession uint64
}

// Coordinator relays payloads to the link: latest value wins, one write
// at a time, and a failed value is retried once the link is Ready again.
type Coordinator struct {
	link   LinkWriter
	logger zerolog.Logger
	wake   chan struct{}

	mu    sync.Mutex
	seq   uint64
	next  *pendingWrite // submitted, not yet picked up by Run
	stats CoordinatorStats
}

// NewCoordinator creates a coordinator writing to w
func NewCoordinator(w LinkWriter, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		link:   w,
		logger: logger.With().Str("component", "relay").Logger(),
		wake:   make(chan struct{}, 1),
	}
}

// Submit makes payload the value the display should show. It never blocks;
// a value submitted while another is waiting replaces it.
func (c *Coordinator) Submit(payload string) {
	c.mu.Lock()
	c.seq++
	c.next = &pendingWrite{seq: c.seq, payload: payload}
	c.stats.Pending = payload
	c.stats.HasPending = true
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of relay counters
func (c *Coordinator) Stats() CoordinatorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Run relays submitted payloads until ctx is cancelled
func (c *Coordinator) Run(ctx context.Context) error {
	snaps, unsubscribe := c.link.Subscribe()
	defer unsubscribe()

	r := &relay{c: c}
	defer r.reset()

	// A value may have been submitted before Run started
	r.take()
	r.dispatch()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
			r.take()
			r.dispatch()
		case <-snaps:
			r.dispatch()
		case <-r.done:
			r.complete()
			r.dispatch()
		}
	}
}

// relay is the state owned by one Run invocation
type relay struct {
	c       *Coordinator
	pending *pendingWrite

	inflight        *link.Pending
	inflightSeq     uint64
	inflightPayload string
	inflightSession uint64
	done            <-chan struct{} // nil when nothing is in flight
}

// take moves the newest submitted value into pending
func (r *relay) take() {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.c.next != nil {
		r.pending = r.c.next
		r.c.next = nil
	}
}

func (r *relay) dispatch() {
	if r.inflight != nil || r.pending == nil {
		return
	}

	snap := r.c.link.Snapshot()
	if snap.State != link.Ready {
		return
	}
	if r.pending.failed && r.pending.failedSession == snap.Session {
		return
	}

	p, err := r.c.link.Write([]byte(r.pending.payload))
	if err != nil {
		// Lost Ready in between; the next snapshot brings us back here
		r.c.logger.Debug().Err(err).Msg("Write not accepted")
		return
	}

	r.inflight = p
	r.inflightSeq = r.pending.seq
	r.inflightPayload = r.pending.payload
	r.inflightSession = snap.Session
	r.done = p.Done()

	r.c.mu.Lock()
	r.c.stats.InFlight = true
	r.c.mu.Unlock()
}

func (r *relay) complete() {
	err := r.inflight.Err()
	current := r.pending != nil && r.pending.seq == r.inflightSeq

	r.c.mu.Lock()
	r.c.stats.InFlight = false
	if err == nil {
		r.c.stats.WritesOK++
		r.c.stats.LastWritten = r.inflightPayload
	} else {
		r.c.stats.WritesFailed++
	}
	r.c.mu.Unlock()

	switch {
	case err == nil:
		r.c.logger.Info().Str("payload", r.inflightPayload).Msg("Sent to display")
		if current {
			r.pending = nil
		}
	case errors.Is(err, link.ErrPayloadTooLarge):
		// Will never fit; keep whatever newer value is waiting
		r.c.logger.Warn().Err(err).Str("payload", r.inflightPayload).Msg("Payload dropped")
		if current {
			r.pending = nil
		}
	default:
		r.c.logger.Warn().Err(err).Uint64("session", r.inflightSession).Msg("Write failed, will retry on reconnect")
		if current {
			r.pending.failed = true
			r.pending.failedSession = r.inflightSession
		}
	}

	if r.pending == nil {
		r.c.mu.Lock()
		if r.c.next == nil {
			r.c.stats.HasPending = false
			r.c.stats.Pending = ""
		}
		r.c.mu.Unlock()
	}

	r.inflight = nil
	r.done = nil
}

// reset clears in-flight bookkeeping when Run exits
func (r *relay) reset() {
	r.c.mu.Lock()
	r.c.stats.InFlight = false
	if r.pending != nil && r.c.next == nil {
		// Hand the unsent value to the next Run
		r.c.next = r.pending
		r.c.next.failed = false
	}
	r.c.mu.Unlock()
}
