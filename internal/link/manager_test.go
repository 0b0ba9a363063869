package link

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

// fakeTransport is an in-memory peripheral
type fakeTransport struct {
	mu          sync.Mutex
	failConnect error
	svcErr      error
	charErr     error
	mtu         int
	writeErr    error
	block       chan struct{} // when set, writes wait for it or their deadline
	connects    int
	started     int
	writes      [][]byte
	conns       []*fakeConn
}

func (f *fakeTransport) Connect(ctx context.Context, address string, onDisconnect func()) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects++
	if f.failConnect != nil {
		return nil, f.failConnect
	}
	c := &fakeConn{t: f, address: address, onDisconnect: onDisconnect}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeTransport) lastConn() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func (f *fakeTransport) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	for i, w := range f.writes {
		out[i] = string(w)
	}
	return out
}

type fakeConn struct {
	t            *fakeTransport
	address      string
	onDisconnect func()
	disconnected atomic.Bool
}

func (c *fakeConn) DiscoverService(ctx context.Context, uuid string) (Service, error) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.t.svcErr != nil {
		return nil, c.t.svcErr
	}
	return &fakeService{t: c.t}, nil
}

func (c *fakeConn) Disconnect() error {
	c.disconnected.Store(true)
	return nil
}

// drop simulates the peripheral going away
func (c *fakeConn) drop() {
	c.onDisconnect()
}

type fakeService struct{ t *fakeTransport }

func (s *fakeService) DiscoverCharacteristic(ctx context.Context, uuid string) (Characteristic, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.t.charErr != nil {
		return nil, s.t.charErr
	}
	return &fakeCharacteristic{t: s.t}, nil
}

type fakeCharacteristic struct{ t *fakeTransport }

func (c *fakeCharacteristic) Write(ctx context.Context, p []byte) error {
	c.t.mu.Lock()
	c.t.started++
	block := c.t.block
	c.t.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.t.writeErr != nil {
		return c.t.writeErr
	}
	c.t.writes = append(c.t.writes, append([]byte(nil), p...))
	return nil
}

func (c *fakeCharacteristic) MTU() (int, error) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.t.mtu == 0 {
		return 0, errors.New("mtu unavailable")
	}
	return c.t.mtu, nil
}

func testConfig() Config {
	return Config{
		ServiceUUID:        "service",
		CharacteristicUUID: "characteristic",
		ConnectTimeout:     time.Second,
		DiscoveryTimeout:   time.Second,
		WriteTimeout:       time.Second,
		MaxAttempts:        3,
		Backoff:            Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		Oversize:           OversizeTruncate,
	}
}

// startManager runs a manager targeting testAddress. The returned stop
// function cancels Run and returns its error.
func startManager(t *testing.T, ft *fakeTransport, mutate func(*Config)) (*Manager, func() error) {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(cfg, ft, zerolog.Nop())
	m.SetTarget(testAddress)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			runErr = <-errc
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return m, stop
}

func waitFor(t *testing.T, m *Manager, desc string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap := m.Snapshot(); cond(snap) {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; last snapshot %+v", desc, m.Snapshot())
	return Snapshot{}
}

func isReady(session uint64) func(Snapshot) bool {
	return func(s Snapshot) bool { return s.State == Ready && s.Session == session }
}

func waitPending(t *testing.T, p *Pending) error {
	t.Helper()
	select {
	case <-p.Done():
		return p.Err()
	case <-time.After(2 * time.Second):
		t.Fatal("write never completed")
		return nil
	}
}

func TestManagerReachesReady(t *testing.T) {
	ft := &fakeTransport{mtu: 185}
	m, _ := startManager(t, ft, nil)

	snap := waitFor(t, m, "ready", isReady(1))
	if snap.MaxPayload != 182 {
		t.Errorf("MaxPayload = %d, want 182", snap.MaxPayload)
	}
	if snap.Target != testAddress {
		t.Errorf("Target = %q", snap.Target)
	}
	if snap.Attempt != 0 {
		t.Errorf("Attempt = %d, want 0", snap.Attempt)
	}
}

func TestManagerDefaultPayloadWithoutMTU(t *testing.T) {
	ft := &fakeTransport{}
	m, _ := startManager(t, ft, nil)

	snap := waitFor(t, m, "ready", isReady(1))
	if snap.MaxPayload != DefaultMaxPayload {
		t.Errorf("MaxPayload = %d, want %d", snap.MaxPayload, DefaultMaxPayload)
	}
}

func TestManagerWriteNotReady(t *testing.T) {
	m := NewManager(testConfig(), &fakeTransport{}, zerolog.Nop())

	if _, err := m.Write([]byte("x")); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Write() error = %v, want ErrNotReady", err)
	}
}

func TestManagerWrite(t *testing.T) {
	ft := &fakeTransport{mtu: 185}
	m, _ := startManager(t, ft, nil)
	waitFor(t, m, "ready", isReady(1))

	p, err := m.Write([]byte("Artist - Title"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := waitPending(t, p); err != nil {
		t.Fatalf("write result = %v", err)
	}

	got := ft.written()
	if len(got) != 1 || got[0] != "Artist - Title" {
		t.Errorf("written = %q", got)
	}
}

func TestManagerTruncatesOnRuneBoundary(t *testing.T) {
	ft := &fakeTransport{mtu: 185}
	m, _ := startManager(t, ft, func(c *Config) { c.MaxPayload = 5 })
	waitFor(t, m, "ready", isReady(1))

	// "€" is three bytes; a five byte cut would split it
	p, err := m.Write([]byte("abcd€"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := waitPending(t, p); err != nil {
		t.Fatalf("write result = %v", err)
	}
	if got := ft.written(); len(got) != 1 || got[0] != "abcd" {
		t.Errorf("written = %q, want [abcd]", got)
	}
}

func TestManagerRejectsOversize(t *testing.T) {
	ft := &fakeTransport{mtu: 185}
	m, _ := startManager(t, ft, func(c *Config) {
		c.MaxPayload = 4
		c.Oversize = OversizeReject
	})
	waitFor(t, m, "ready", isReady(1))

	p, err := m.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := waitPending(t, p); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("write result = %v, want ErrPayloadTooLarge", err)
	}

	// A rejected payload is not a link failure
	if snap := m.Snapshot(); snap.State != Ready || snap.Session != 1 {
		t.Errorf("snapshot after reject = %+v", snap)
	}
	if got := ft.written(); len(got) != 0 {
		t.Errorf("written = %q, want nothing", got)
	}
}

func TestManagerBoundedRetries(t *testing.T) {
	ft := &fakeTransport{failConnect: errors.New("boom")}
	m, _ := startManager(t, ft, nil)

	snap := waitFor(t, m, "parked", func(s Snapshot) bool {
		return s.State == Disconnected && s.Attempt == 3
	})
	if !strings.Contains(snap.LastError, "boom") {
		t.Errorf("LastError = %q", snap.LastError)
	}

	// No further attempts once parked
	time.Sleep(50 * time.Millisecond)
	if n := ft.connectCount(); n != 3 {
		t.Errorf("connects = %d, want 3", n)
	}
}

func TestManagerDiscoveryFailureReleasesConnection(t *testing.T) {
	ft := &fakeTransport{svcErr: ErrServiceNotFound}
	m, _ := startManager(t, ft, func(c *Config) { c.MaxAttempts = 2 })

	snap := waitFor(t, m, "parked", func(s Snapshot) bool {
		return s.State == Disconnected && s.Attempt == 2
	})
	if !strings.Contains(snap.LastError, "service not found") {
		t.Errorf("LastError = %q", snap.LastError)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	for i, c := range ft.conns {
		if !c.disconnected.Load() {
			t.Errorf("connection %d not released", i)
		}
	}
}

func TestManagerReconnectsAfterDrop(t *testing.T) {
	ft := &fakeTransport{mtu: 185}
	m, _ := startManager(t, ft, nil)
	waitFor(t, m, "ready", isReady(1))

	first := ft.lastConn()
	first.drop()

	waitFor(t, m, "second session", isReady(2))
	if !first.disconnected.Load() {
		t.Error("dropped connection was not released")
	}
	if first == ft.lastConn() {
		t.Error("expected a new connection after drop")
	}
}

func TestManagerDropCompletesInflightWrite(t *testing.T) {
	ft := &fakeTransport{mtu: 185, block: make(chan struct{})}
	defer close(ft.block)
	m, _ := startManager(t, ft, nil)
	waitFor(t, m, "ready", isReady(1))

	p, err := m.Write([]byte("stuck"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ft.startedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	ft.lastConn().drop()

	if err := waitPending(t, p); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("write result = %v, want ErrDisconnected", err)
	}
}

func TestManagerWriteTimeoutDropsLink(t *testing.T) {
	ft := &fakeTransport{mtu: 185, block: make(chan struct{})}
	defer close(ft.block)
	m, _ := startManager(t, ft, func(c *Config) { c.WriteTimeout = 20 * time.Millisecond })
	waitFor(t, m, "ready", isReady(1))

	p, err := m.Write([]byte("slow"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := waitPending(t, p); !errors.Is(err, ErrTimeout) {
		t.Fatalf("write result = %v, want ErrTimeout", err)
	}

	waitFor(t, m, "reconnected", isReady(2))
}

func TestManagerParksOnPersistentWriteFailure(t *testing.T) {
	ft := &fakeTransport{mtu: 185, writeErr: errors.New("write rejected")}
	m, _ := startManager(t, ft, nil)

	for session := uint64(1); session <= 3; session++ {
		waitFor(t, m, "ready", isReady(session))
		p, err := m.Write([]byte("x"))
		if err != nil {
			t.Fatalf("session %d: Write() error = %v", session, err)
		}
		if err := waitPending(t, p); err == nil {
			t.Fatalf("session %d: write succeeded, want error", session)
		}
	}

	snap := waitFor(t, m, "parked", func(s Snapshot) bool {
		return s.State == Disconnected && s.Attempt == 3
	})
	if !strings.Contains(snap.LastError, "write rejected") {
		t.Errorf("LastError = %q", snap.LastError)
	}

	time.Sleep(50 * time.Millisecond)
	if n := ft.connectCount(); n != 3 {
		t.Errorf("connects = %d, want 3", n)
	}
}

func TestManagerWriteSuccessResetsAttempts(t *testing.T) {
	ft := &fakeTransport{mtu: 185, writeErr: errors.New("write rejected")}
	m, _ := startManager(t, ft, nil)
	waitFor(t, m, "ready", isReady(1))

	p, err := m.Write([]byte("x"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_ = waitPending(t, p)

	snap := waitFor(t, m, "second session", isReady(2))
	if snap.Attempt != 1 {
		t.Errorf("Attempt = %d after failed write, want 1", snap.Attempt)
	}

	ft.mu.Lock()
	ft.writeErr = nil
	ft.mu.Unlock()

	p, err = m.Write([]byte("y"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := waitPending(t, p); err != nil {
		t.Fatalf("write result = %v", err)
	}
	waitFor(t, m, "attempts reset", func(s Snapshot) bool {
		return s.State == Ready && s.Attempt == 0
	})
}

func TestManagerStableDropReconnects(t *testing.T) {
	ft := &fakeTransport{mtu: 185}
	m, _ := startManager(t, ft, func(c *Config) {
		c.MaxAttempts = 1
		c.StableAfter = time.Millisecond
	})
	waitFor(t, m, "ready", isReady(1))
	time.Sleep(10 * time.Millisecond)

	ft.lastConn().drop()

	snap := waitFor(t, m, "second session", isReady(2))
	if snap.Attempt != 0 {
		t.Errorf("Attempt = %d, want 0", snap.Attempt)
	}
}

func TestManagerEarlyDropCounts(t *testing.T) {
	ft := &fakeTransport{mtu: 185}
	m, _ := startManager(t, ft, func(c *Config) { c.MaxAttempts = 1 })
	waitFor(t, m, "ready", isReady(1))

	ft.lastConn().drop()

	waitFor(t, m, "parked", func(s Snapshot) bool {
		return s.State == Disconnected && s.Attempt == 1
	})
	time.Sleep(50 * time.Millisecond)
	if n := ft.connectCount(); n != 1 {
		t.Errorf("connects = %d, want 1", n)
	}
}

func TestManagerPostAfterStop(t *testing.T) {
	m := NewManager(testConfig(), &fakeTransport{}, zerolog.Nop())

	for i := 0; i < 100; i++ {
		if m.post(evRetry{}) {
			t.Fatalf("post %d accepted while stopped", i)
		}
	}
	if n := len(m.events); n != 0 {
		t.Errorf("queued events = %d, want 0", n)
	}
}

func TestManagerStopReleases(t *testing.T) {
	ft := &fakeTransport{mtu: 185}
	m, stop := startManager(t, ft, nil)
	waitFor(t, m, "ready", isReady(1))

	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}

	snap := m.Snapshot()
	if snap.State != Disconnected || snap.Running {
		t.Errorf("snapshot after stop = %+v", snap)
	}
	if !ft.lastConn().disconnected.Load() {
		t.Error("connection not released on stop")
	}
	if _, err := m.Write([]byte("x")); !errors.Is(err, ErrNotReady) {
		t.Errorf("Write() after stop error = %v, want ErrNotReady", err)
	}
}

func TestManagerRunTwice(t *testing.T) {
	ft := &fakeTransport{mtu: 185}
	m, _ := startManager(t, ft, nil)
	waitFor(t, m, "ready", isReady(1))

	if err := m.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestManagerSetTargetWhileStopped(t *testing.T) {
	ft := &fakeTransport{}
	m := NewManager(testConfig(), ft, zerolog.Nop())

	m.SetTarget("11:22:33:44:55:66")

	if got := m.Snapshot().Target; got != "11:22:33:44:55:66" {
		t.Errorf("Target = %q", got)
	}
	if n := ft.connectCount(); n != 0 {
		t.Errorf("connects = %d, want 0", n)
	}
}

func TestManagerSetTargetSwitches(t *testing.T) {
	ft := &fakeTransport{mtu: 185}
	m, _ := startManager(t, ft, nil)
	waitFor(t, m, "ready", isReady(1))
	first := ft.lastConn()

	m.SetTarget("11:22:33:44:55:66")

	waitFor(t, m, "ready on new target", func(s Snapshot) bool {
		return s.State == Ready && s.Session == 2 && s.Target == "11:22:33:44:55:66"
	})
	if !first.disconnected.Load() {
		t.Error("previous connection not released")
	}
	if got := ft.lastConn().address; got != "11:22:33:44:55:66" {
		t.Errorf("connected to %q", got)
	}
}

func TestManagerSetSameTargetKeepsLink(t *testing.T) {
	ft := &fakeTransport{mtu: 185}
	m, _ := startManager(t, ft, nil)
	waitFor(t, m, "ready", isReady(1))

	m.SetTarget(testAddress)
	time.Sleep(20 * time.Millisecond)

	if snap := m.Snapshot(); snap.State != Ready || snap.Session != 1 {
		t.Errorf("snapshot = %+v, want untouched session 1", snap)
	}
	if n := ft.connectCount(); n != 1 {
		t.Errorf("connects = %d, want 1", n)
	}
}

func TestManagerClearTarget(t *testing.T) {
	ft := &fakeTransport{mtu: 185}
	m, _ := startManager(t, ft, nil)
	waitFor(t, m, "ready", isReady(1))

	m.SetTarget("")

	waitFor(t, m, "disconnected", func(s Snapshot) bool { return s.State == Disconnected })
	if !ft.lastConn().disconnected.Load() {
		t.Error("connection not released")
	}
}

func TestManagerSubscribe(t *testing.T) {
	ft := &fakeTransport{mtu: 185}
	m := NewManager(testConfig(), ft, zerolog.Nop())
	m.SetTarget(testAddress)

	ch, cancelSub := m.Subscribe()
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()
	defer func() {
		cancel()
		<-errc
	}()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if snap.State == Ready {
				return
			}
		case <-timeout:
			t.Fatal("never observed Ready through subscription")
		}
	}
}

func TestBackoffSchedule(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second}
	sched := b.schedule(6)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := sched.NextBackOff(); got != w {
			t.Errorf("delay %d = %s, want %s", i+1, got, w)
		}
	}
	if got := sched.NextBackOff(); got != backoff.Stop {
		t.Errorf("delay after last attempt = %s, want Stop", got)
	}

	sched.Reset()
	if got := sched.NextBackOff(); got != time.Second {
		t.Errorf("delay after Reset = %s, want 1s", got)
	}

	if got := b.schedule(1).NextBackOff(); got != backoff.Stop {
		t.Errorf("single attempt schedule = %s, want Stop", got)
	}
}

func TestFitPayload(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		limit   int
		policy  OversizePolicy
		want    string
		wantErr error
	}{
		{name: "fits", in: "abc", limit: 5, policy: OversizeReject, want: "abc"},
		{name: "exact", in: "abcde", limit: 5, policy: OversizeReject, want: "abcde"},
		{name: "truncate ascii", in: "abcdefg", limit: 5, policy: OversizeTruncate, want: "abcde"},
		{name: "truncate before multibyte", in: "ab한글", limit: 4, policy: OversizeTruncate, want: "ab"},
		{name: "truncate after multibyte", in: "한글", limit: 4, policy: OversizeTruncate, want: "한"},
		{name: "reject", in: "abcdefg", limit: 5, policy: OversizeReject, wantErr: ErrPayloadTooLarge},
		{name: "no limit", in: "abcdefg", limit: 0, policy: OversizeReject, want: "abcdefg"},
		{name: "limit below first rune", in: "€", limit: 2, policy: OversizeTruncate, wantErr: ErrPayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fitPayload([]byte(tt.in), tt.limit, tt.policy)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPayloadLimit(t *testing.T) {
	if got := payloadLimit(100, 185); got != 100 {
		t.Errorf("configured limit = %d, want 100", got)
	}
	if got := payloadLimit(0, 185); got != 182 {
		t.Errorf("mtu limit = %d, want 182", got)
	}
	if got := payloadLimit(0, 0); got != DefaultMaxPayload {
		t.Errorf("fallback limit = %d, want %d", got, DefaultMaxPayload)
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "aa:bb:cc:dd:ee:ff", want: "AA:BB:CC:DD:EE:FF"},
		{in: " 11:22:33:44:55:66 ", want: "11:22:33:44:55:66"},
		{in: "", want: ""},
		{in: "AA:BB:CC", wantErr: true},
		{in: "GG:BB:CC:DD:EE:FF", wantErr: true},
	}

	for _, tt := range tests {
		got, err := NormalizeAddress(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeAddress(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAwaitCleansUpLateResult(t *testing.T) {
	release := make(chan struct{})
	cleaned := make(chan int, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := await(ctx, func() (int, error) {
		<-release
		return 42, nil
	}, func(v int) { cleaned <- v })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("await() error = %v, want deadline exceeded", err)
	}

	close(release)
	select {
	case v := <-cleaned:
		if v != 42 {
			t.Errorf("cleanup got %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("cleanup not called")
	}
}

func TestStateTextRoundTrip(t *testing.T) {
	for st := Disconnected; st <= Ready; st++ {
		text, _ := st.MarshalText()
		var got State
		if err := got.UnmarshalText(text); err != nil || got != st {
			t.Errorf("UnmarshalText(%q) = %v, %v; want %v", text, got, err, st)
		}
	}

	var s State
	if err := s.UnmarshalText([]byte("bonded")); err == nil {
		t.Error("UnmarshalText accepted an unknown state")
	}
}
