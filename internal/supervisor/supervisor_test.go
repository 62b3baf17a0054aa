package supervisor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leandrotocalini/wagate/internal/memwatch"
	"github.com/leandrotocalini/wagate/internal/messenger"
	"github.com/leandrotocalini/wagate/internal/messenger/messengertest"
	"github.com/leandrotocalini/wagate/internal/pairing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

type timer struct {
	d       time.Duration
	f       func()
	stopped bool
}

type timers struct {
	mu  sync.Mutex
	all []*timer
}

func (ts *timers) afterFunc(d time.Duration, f func()) func() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &timer{d: d, f: f}
	ts.all = append(ts.all, t)
	return func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

// withDelay returns the live timers scheduled for d.
func (ts *timers) withDelay(d time.Duration) []*timer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var out []*timer
	for _, t := range ts.all {
		if t.d == d && !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the single live timer scheduled for d.
func (ts *timers) fire(t *testing.T, d time.Duration) {
	t.Helper()
	live := ts.withDelay(d)
	if len(live) != 1 {
		t.Fatalf("expected 1 pending timer for %s, got %d", d, len(live))
	}
	ts.mu.Lock()
	live[0].stopped = true
	ts.mu.Unlock()
	live[0].f()
}

func stubRender(code string) (pairing.Artifact, error) {
	return pairing.Artifact{Payload: []byte(code), CreatedAt: time.Now()}, nil
}

type harness struct {
	sup     *Supervisor
	pool    *messengertest.Pool
	timers  *timers
	reclaim int
}

func newHarness(t *testing.T, rss uint64) *harness {
	t.Helper()
	h := &harness{
		pool:   messengertest.NewPool(nil),
		timers: &timers{},
	}
	mon := memwatch.New(
		memwatch.WithLogger(testLogger()),
		memwatch.WithRSSReader(func() (uint64, error) { return rss, nil }),
		memwatch.WithReclaimFunc(func() { h.reclaim++ }),
	)
	h.sup = New(h.pool.Factory(),
		WithProfile(messenger.Profile{ClientID: "test", SessionDir: t.TempDir()}),
		WithRenderer(stubRender),
		WithMonitor(mon),
		WithAfterFunc(h.timers.afterFunc),
		WithLogger(testLogger()),
	)
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return h
}

func (h *harness) current() *messengertest.Fake {
	return h.pool.Last()
}

func TestStart(t *testing.T) {
	h := newHarness(t, 100<<20)

	if h.pool.Built() != 1 {
		t.Fatalf("Built() = %d, want 1", h.pool.Built())
	}
	if h.current().Connects() != 1 {
		t.Errorf("Connects() = %d, want 1", h.current().Connects())
	}
	if h.sup.State() != StateUninitialized {
		t.Errorf("State() = %s, want uninitialized", h.sup.State())
	}
	if h.sup.IsReady() {
		t.Error("IsReady() = true before any event")
	}
	if h.current().Profile.ClientID != "test" {
		t.Errorf("profile not passed to factory: %+v", h.current().Profile)
	}
}

func TestStart_FactoryErrorIsFatal(t *testing.T) {
	pool := messengertest.NewPool(nil)
	pool.SetErr(errors.New("bad session dir"))
	sup := New(pool.Factory(), WithLogger(testLogger()))

	if err := sup.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail when the transport can't be built")
	}
}

func TestPairingThenReady(t *testing.T) {
	h := newHarness(t, 100<<20)
	f := h.current()

	f.Emit(messenger.PairingCode{Code: "2@secret"})
	if h.sup.State() != StatePairingRequired {
		t.Errorf("State() = %s, want pairing_required", h.sup.State())
	}
	art, ok := h.sup.PairingArtifact()
	if !ok || string(art.Payload) != "2@secret" {
		t.Fatalf("PairingArtifact() = %q, %v", art.Payload, ok)
	}

	f.Emit(messenger.Authenticated{})
	if h.sup.State() != StateAuthenticating {
		t.Errorf("State() = %s, want authenticating", h.sup.State())
	}

	f.Emit(messenger.Ready{})
	if h.sup.State() != StateReady || !h.sup.IsReady() {
		t.Errorf("State() = %s, IsReady() = %v", h.sup.State(), h.sup.IsReady())
	}
	if h.sup.HasPairingArtifact() {
		t.Error("pairing artifact must be cleared on ready")
	}
}

func TestAuthFailure_ReinitializesAfterDelay(t *testing.T) {
	h := newHarness(t, 100<<20)
	first := h.current()
	first.Emit(messenger.Ready{})

	first.Emit(messenger.AuthFailed{Reason: "logged out"})
	if h.sup.State() != StateAuthFailed {
		t.Errorf("State() = %s, want auth_failed", h.sup.State())
	}
	if h.sup.IsReady() {
		t.Error("IsReady() = true after auth failure")
	}
	if h.pool.Built() != 1 {
		t.Fatal("re-initialization must wait for the delay")
	}

	h.timers.fire(t, 5*time.Second)

	if h.pool.Built() != 2 {
		t.Fatalf("Built() = %d, want 2", h.pool.Built())
	}
	if first.Destroys() != 1 {
		t.Errorf("old transport Destroys() = %d, want 1", first.Destroys())
	}
	if h.current().Connects() != 1 {
		t.Error("new transport was not connected")
	}
}

func TestAuthFailure_DestroyErrorDoesNotBlockRecovery(t *testing.T) {
	h := newHarness(t, 100<<20)
	first := h.current()
	first.SetDestroyErr(errors.New("browser already gone"))

	first.Emit(messenger.AuthFailed{Reason: "bad credentials"})
	h.timers.fire(t, 5*time.Second)

	if h.pool.Built() != 2 {
		t.Fatalf("Built() = %d, want 2 despite destroy error", h.pool.Built())
	}
}

func TestDisconnect_RecoveryDelayFollowsMemoryPressure(t *testing.T) {
	tests := []struct {
		name    string
		rss     uint64
		delay   time.Duration
		reclaim int
	}{
		{"normal memory", 200 << 20, 5 * time.Second, 0},
		{"at critical threshold", 450 << 20, 5 * time.Second, 0},
		{"above critical threshold", 460 << 20, 15 * time.Second, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.rss)
			h.current().Emit(messenger.Ready{})
			h.current().Emit(messenger.Disconnected{Reason: "socket closed"})

			if h.sup.State() != StateDisconnected {
				t.Errorf("State() = %s, want disconnected", h.sup.State())
			}
			if got := len(h.timers.withDelay(tt.delay)); got != 1 {
				t.Fatalf("timers for %s = %d, want 1", tt.delay, got)
			}
			if h.reclaim != tt.reclaim {
				t.Errorf("reclaim calls = %d, want %d", h.reclaim, tt.reclaim)
			}

			h.timers.fire(t, tt.delay)
			if h.pool.Built() != 2 {
				t.Errorf("Built() = %d, want 2", h.pool.Built())
			}
		})
	}
}

func TestDisconnect_SkippedWhenReadyMeanwhile(t *testing.T) {
	h := newHarness(t, 100<<20)
	f := h.current()
	f.Emit(messenger.Disconnected{Reason: "blip"})

	pending := h.timers.withDelay(5 * time.Second)
	if len(pending) != 1 {
		t.Fatalf("expected a pending re-initialization")
	}

	f.Emit(messenger.Ready{})
	if !pending[0].stopped {
		t.Error("ready transition should cancel the pending re-initialization")
	}

	// A timer that already fired still has to respect readiness.
	pending[0].f()

	if h.pool.Built() != 1 {
		t.Errorf("Built() = %d, want 1", h.pool.Built())
	}
	if h.sup.Stats().SkippedReinits != 1 {
		t.Errorf("SkippedReinits = %d, want 1", h.sup.Stats().SkippedReinits)
	}
}

func TestDisconnect_DuplicateEventsScheduleOnce(t *testing.T) {
	h := newHarness(t, 100<<20)
	f := h.current()

	f.Emit(messenger.Disconnected{Reason: "first"})
	f.Emit(messenger.Disconnected{Reason: "second"})
	h.sup.ReportConnectionLost(f, "state check failed")

	if got := len(h.timers.withDelay(5 * time.Second)); got != 1 {
		t.Errorf("pending re-initializations = %d, want 1", got)
	}
}

func TestConnectionLostForReplacedTransportIgnored(t *testing.T) {
	h := newHarness(t, 100<<20)
	old := h.current()
	old.Emit(messenger.AuthFailed{Reason: "expired"})
	h.timers.fire(t, 5*time.Second)

	fresh := h.current()
	if fresh == old {
		t.Fatal("transport was not rebuilt")
	}
	fresh.Emit(messenger.Ready{})

	h.sup.ReportConnectionLost(old, "state check failed")
	if !h.sup.IsReady() {
		t.Error("loss reported for the replaced transport disconnected the new one")
	}
	if got := len(h.timers.withDelay(5 * time.Second)); got != 0 {
		t.Errorf("pending re-initializations = %d, want 0", got)
	}

	h.sup.ReportConnectionLost(fresh, "state check failed")
	if h.sup.IsReady() {
		t.Error("loss reported for the current transport was ignored")
	}
	if h.sup.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", h.sup.State())
	}
}

func TestStaleTransportEventsIgnored(t *testing.T) {
	h := newHarness(t, 100<<20)
	old := h.current()
	old.Emit(messenger.AuthFailed{Reason: "expired"})
	h.timers.fire(t, 5*time.Second)

	old.Emit(messenger.Ready{})
	if h.sup.IsReady() {
		t.Error("event from replaced transport changed readiness")
	}
	old.Emit(messenger.PairingCode{Code: "stale"})
	if h.sup.HasPairingArtifact() {
		t.Error("event from replaced transport stored a pairing artifact")
	}

	h.current().Emit(messenger.Ready{})
	if !h.sup.IsReady() {
		t.Error("event from current transport was dropped")
	}
}

func TestConnectFailureSchedulesRecovery(t *testing.T) {
	pool := messengertest.NewPool(func(f *messengertest.Fake) {
		f.SetConnectErr(errors.New("dial tcp: i/o timeout"))
	})
	ts := &timers{}
	sup := New(pool.Factory(),
		WithAfterFunc(ts.afterFunc),
		WithRenderer(stubRender),
		WithLogger(testLogger()),
	)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if sup.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", sup.State())
	}
	if got := len(ts.withDelay(5 * time.Second)); got != 1 {
		t.Errorf("pending re-initializations = %d, want 1", got)
	}
}

func TestFactoryErrorDuringRecoveryRetries(t *testing.T) {
	h := newHarness(t, 100<<20)
	h.current().Emit(messenger.Disconnected{Reason: "gone"})

	h.pool.SetErr(errors.New("disk full"))
	h.timers.fire(t, 5*time.Second)

	if h.sup.Transport() != nil {
		t.Error("Transport() should be nil after a failed rebuild")
	}
	h.pool.SetErr(nil)
	h.timers.fire(t, 5*time.Second)

	if h.pool.Built() != 2 {
		t.Errorf("Built() = %d, want 2", h.pool.Built())
	}
}

func TestReinitNeverOverlaps(t *testing.T) {
	pool := messengertest.NewPool(nil)
	build := pool.Factory()

	// Every rebuild runs the factory, so overlapping rebuilds would show up
	// as concurrent factory calls.
	var active, peak atomic.Int32
	factory := func(p messenger.Profile, handler messenger.EventHandler) (messenger.Messenger, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return build(p, handler)
	}

	sup := New(factory,
		WithRenderer(stubRender),
		WithAfterFunc((&timers{}).afterFunc),
		WithLogger(testLogger()),
	)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sup.reinit(context.Background(), "test")
		}()
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Errorf("concurrent rebuilds = %d, want 1", got)
	}
	st := sup.Stats()
	if st.Reinits != 9 {
		t.Errorf("Reinits = %d, want 9", st.Reinits)
	}
	if st.Generation != 9 {
		t.Errorf("Generation = %d, want 9", st.Generation)
	}
}

func TestReset(t *testing.T) {
	h := newHarness(t, 100<<20)
	first := h.current()
	first.Emit(messenger.Ready{})
	first.SetDestroyErr(errors.New("already closed"))

	if err := h.sup.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if first.Destroys() != 1 {
		t.Errorf("Destroys() = %d, want 1", first.Destroys())
	}
	if h.sup.IsReady() || h.sup.Transport() != nil {
		t.Error("session should be torn down after Reset")
	}

	h.timers.fire(t, 2*time.Second)
	if h.pool.Built() != 2 {
		t.Errorf("Built() = %d, want 2", h.pool.Built())
	}
}

func TestClose(t *testing.T) {
	h := newHarness(t, 100<<20)
	f := h.current()
	ch := h.sup.Subscribe()

	if err := h.sup.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if f.Destroys() != 1 {
		t.Errorf("Destroys() = %d, want 1", f.Destroys())
	}
	if _, open := <-ch; open {
		t.Error("subscription channel should be closed")
	}
	if err := h.sup.Reset(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Reset() after Close = %v, want ErrClosed", err)
	}

	f.Emit(messenger.Ready{})
	if h.sup.IsReady() {
		t.Error("events after Close must be ignored")
	}
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, 100<<20)
	ch := h.sup.Subscribe()
	defer h.sup.Unsubscribe(ch)

	h.current().Emit(messenger.Ready{})

	select {
	case tr := <-ch:
		if tr.From != StateUninitialized || tr.To != StateReady {
			t.Errorf("transition = %s -> %s", tr.From, tr.To)
		}
	default:
		t.Fatal("no transition delivered")
	}
}

func TestStateString(t *testing.T) {
	want := map[State]string{
		StateUninitialized:   "uninitialized",
		StatePairingRequired: "pairing_required",
		StateAuthenticating:  "authenticating",
		StateReady:           "ready",
		StateDisconnected:    "disconnected",
		StateAuthFailed:      "auth_failed",
		State(42):            "unknown",
	}
	for s, w := range want {
		if s.String() != w {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), w)
		}
	}
}
