// Package supervisor owns the messaging transport and drives the connection
// lifecycle: pairing, readiness, and automatic recovery from auth failures
// and disconnects.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leandrotocalini/wagate/internal/memwatch"
	"github.com/leandrotocalini/wagate/internal/messenger"
	"github.com/leandrotocalini/wagate/internal/metrics"
	"github.com/leandrotocalini/wagate/internal/pairing"
)

// ErrClosed is returned by operations on a closed supervisor.
var ErrClosed = errors.New("supervisor closed")

// Monitor is the subset of memwatch.Monitor the recovery policy needs.
type Monitor interface {
	Sample() memwatch.Sample
	Critical(memwatch.Sample) bool
	Reclaim()
}

// Supervisor is the single owner of the connection state and the transport
// handle. All transitions go through handle under mu; re-initializations
// are serialized by reinitMu.
type Supervisor struct {
	factory   messenger.Factory
	profile   messenger.Profile
	render    pairing.Renderer
	cache     *pairing.Cache
	pairTTL   time.Duration
	monitor   Monitor
	recovery  Recovery
	afterFunc pairing.AfterFunc
	qrOut     io.Writer
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	ready atomic.Bool

	mu          sync.Mutex
	state       State
	transport   messenger.Messenger
	gen         uint64
	pendingStop func() bool
	closed      bool
	stats       Stats

	reinitMu sync.Mutex

	subMu sync.Mutex
	subs  map[chan Transition]struct{}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithProfile sets the capability profile handed to the transport factory.
func WithProfile(p messenger.Profile) Option {
	return func(s *Supervisor) {
		s.profile = p
	}
}

// WithRenderer replaces the pairing artifact renderer.
func WithRenderer(r pairing.Renderer) Option {
	return func(s *Supervisor) {
		s.render = r
	}
}

// WithPairingTTL sets how long a pairing artifact stays readable.
func WithPairingTTL(ttl time.Duration) Option {
	return func(s *Supervisor) {
		s.pairTTL = ttl
	}
}

// WithMonitor sets the memory monitor consulted on disconnect.
func WithMonitor(m Monitor) Option {
	return func(s *Supervisor) {
		s.monitor = m
	}
}

// WithRecovery overrides the recovery delays.
func WithRecovery(r Recovery) Option {
	return func(s *Supervisor) {
		s.recovery = r
	}
}

// WithAfterFunc replaces the timer scheduler for recovery and pairing
// expiry (useful for testing).
func WithAfterFunc(fn pairing.AfterFunc) Option {
	return func(s *Supervisor) {
		s.afterFunc = fn
	}
}

// WithQRWriter prints a text QR code to w whenever a new pairing secret
// arrives.
func WithQRWriter(w io.Writer) Option {
	return func(s *Supervisor) {
		s.qrOut = w
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// New creates a supervisor. Nothing connects until Start is called.
func New(factory messenger.Factory, opts ...Option) *Supervisor {
	s := &Supervisor{
		factory:  factory,
		render:   pairing.Render,
		pairTTL:  pairing.DefaultTTL,
		recovery: DefaultRecovery(),
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		logger: slog.Default(),
		now:    time.Now,
		subs:   make(map[chan Transition]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cache = pairing.NewCache(s.pairTTL, s.ready.Load,
		pairing.WithAfterFunc(s.afterFunc),
		pairing.WithLogger(s.logger),
	)
	return s
}

// Start builds the first transport and begins connecting. Only a factory
// failure is returned; connection problems go through recovery.
func (s *Supervisor) Start(ctx context.Context) error {
	s.logger.Info("starting connection supervisor",
		"client_id", s.profile.ClientID,
		"session_dir", s.profile.SessionDir,
	)
	return s.reinit(ctx, "startup")
}

// IsReady reports whether the session can send messages.
func (s *Supervisor) IsReady() bool {
	return s.ready.Load()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transport returns the current transport, or nil between teardown and
// rebuild.
func (s *Supervisor) Transport() messenger.Messenger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// PairingArtifact returns the current pairing artifact, if one is valid.
func (s *Supervisor) PairingArtifact() (pairing.Artifact, bool) {
	return s.cache.Read()
}

// HasPairingArtifact reports whether a pairing artifact is available.
func (s *Supervisor) HasPairingArtifact() bool {
	return s.cache.Has()
}

// Stats returns re-initialization counters.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Generation = s.gen
	return st
}

// ReportConnectionLost tells the supervisor that a live probe found t
// disconnected although the session was marked ready. Reports about a
// transport that has since been replaced are ignored.
func (s *Supervisor) ReportConnectionLost(t messenger.Messenger, reason string) {
	s.mu.Lock()
	if t == nil || t != s.transport {
		s.mu.Unlock()
		s.logger.Debug("ignoring connection loss for a replaced transport", "reason", reason)
		return
	}
	gen := s.gen
	s.mu.Unlock()
	s.handle(gen, messenger.Disconnected{Reason: reason})
}

// Reset tears the transport down and schedules a fresh one after the reset
// delay. Destroy failures are logged and ignored.
func (s *Supervisor) Reset(ctx context.Context) error {
	s.reinitMu.Lock()
	defer s.reinitMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	old := s.transport
	s.transport = nil
	s.gen++
	gen := s.gen
	s.cancelPendingLocked()
	s.ready.Store(false)
	s.cache.Clear()
	s.setStateLocked(StateDisconnected, "reset requested")
	s.mu.Unlock()

	s.destroy(ctx, old)

	s.mu.Lock()
	s.scheduleLocked(gen, s.recovery.ResetDelay, "reset")
	s.mu.Unlock()
	return nil
}

// Close stops recovery and tears down the transport.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancelPendingLocked()
	s.gen++
	t := s.transport
	s.transport = nil
	s.ready.Store(false)
	s.cache.Clear()
	s.mu.Unlock()

	s.cancel()

	s.subMu.Lock()
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
	s.subMu.Unlock()

	if t == nil {
		return nil
	}
	if err := t.Destroy(ctx); err != nil {
		return fmt.Errorf("destroy transport: %w", err)
	}
	return nil
}

// Subscribe returns a channel that receives state transitions. Slow
// subscribers miss transitions rather than block the supervisor.
func (s *Supervisor) Subscribe() chan Transition {
	ch := make(chan Transition, 16)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (s *Supervisor) Unsubscribe(ch chan Transition) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}

// reinit destroys the current transport (if any) and builds a new one
// bound to a fresh generation.
func (s *Supervisor) reinit(ctx context.Context, reason string) error {
	s.reinitMu.Lock()
	defer s.reinitMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	old := s.transport
	s.transport = nil
	s.gen++
	gen := s.gen
	s.cancelPendingLocked()
	s.mu.Unlock()

	s.destroy(ctx, old)

	t, err := s.factory(s.profile, func(ev messenger.Event) { s.handle(gen, ev) })
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		s.destroy(ctx, t)
		return nil
	}
	s.transport = t
	s.stats.Reinits++
	s.setStateLocked(StateUninitialized, reason)
	s.mu.Unlock()

	metrics.Reinitializations.WithLabelValues(reason).Inc()
	s.logger.Info("transport initialized",
		"backend", t.Name(),
		"generation", gen,
		"reason", reason,
	)

	if err := t.Connect(ctx); err != nil {
		s.logger.Warn("transport connect failed", "error", err, "generation", gen)
		s.handle(gen, messenger.Disconnected{Reason: "connect: " + err.Error()})
	}
	return nil
}

// destroy tears a transport down, logging and swallowing any error.
func (s *Supervisor) destroy(ctx context.Context, t messenger.Messenger) {
	if t == nil {
		return
	}
	if err := t.Destroy(ctx); err != nil {
		s.logger.Warn("transport teardown failed, continuing", "error", err)
	}
}

// handle is the single state transition function. Events from a transport
// that has since been replaced are dropped.
func (s *Supervisor) handle(gen uint64, ev messenger.Event) {
	var art pairing.Artifact
	if pc, ok := ev.(messenger.PairingCode); ok {
		var err error
		art, err = s.render(pc.Code)
		if err != nil {
			s.logger.Error("render pairing artifact", "error", err)
			return
		}
		if s.qrOut != nil {
			if qr := pairing.TerminalQR(pc.Code); qr != "" {
				fmt.Fprintf(s.qrOut, "\nScan this QR code with WhatsApp (Settings > Linked Devices):\n%s\n", qr)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || gen != s.gen {
		s.logger.Debug("dropping event from stale transport",
			"event", fmt.Sprintf("%T", ev),
			"event_generation", gen,
			"generation", s.gen,
		)
		return
	}

	switch e := ev.(type) {
	case messenger.PairingCode:
		s.cache.Store(art)
		metrics.PairingArtifacts.Inc()
		s.setStateLocked(StatePairingRequired, "pairing code received")

	case messenger.Authenticated:
		s.setStateLocked(StateAuthenticating, "pairing accepted")

	case messenger.Ready:
		s.ready.Store(true)
		s.cache.Clear()
		s.cancelPendingLocked()
		s.setStateLocked(StateReady, "session ready")

	case messenger.AuthFailed:
		s.ready.Store(false)
		s.cache.Clear()
		s.setStateLocked(StateAuthFailed, e.Reason)
		s.scheduleLocked(gen, s.recovery.AuthFailureDelay, "auth_failure")

	case messenger.Disconnected:
		s.ready.Store(false)
		s.cache.Clear()
		s.setStateLocked(StateDisconnected, e.Reason)

		delay, reason := s.recovery.DisconnectDelay, "disconnect"
		if s.monitor != nil {
			sample := s.monitor.Sample()
			if s.monitor.Critical(sample) {
				s.logger.Warn("memory pressure on disconnect, delaying reconnect",
					"rss_mb", sample.Usage().RSS,
					"delay", s.recovery.PressureDelay,
				)
				s.monitor.Reclaim()
				delay, reason = s.recovery.PressureDelay, "disconnect_pressure"
			}
		}
		s.scheduleLocked(gen, delay, reason)
	}
}

// scheduleLocked arranges a re-initialization after delay unless one is
// already pending. The callback re-checks generation and readiness.
func (s *Supervisor) scheduleLocked(gen uint64, delay time.Duration, reason string) {
	if s.closed || s.pendingStop != nil {
		return
	}
	s.logger.Info("scheduling re-initialization", "delay", delay, "reason", reason)
	s.pendingStop = s.afterFunc(delay, func() { s.runScheduled(gen, reason) })
}

func (s *Supervisor) runScheduled(gen uint64, reason string) {
	s.mu.Lock()
	if s.closed || gen != s.gen || s.ready.Load() {
		s.stats.SkippedReinits++
		s.mu.Unlock()
		s.logger.Debug("skipping scheduled re-initialization", "reason", reason)
		return
	}
	s.pendingStop = nil
	s.mu.Unlock()

	if err := s.reinit(s.ctx, reason); err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		s.logger.Error("re-initialization failed, retrying", "error", err, "reason", reason)
		s.mu.Lock()
		s.setStateLocked(StateDisconnected, err.Error())
		s.scheduleLocked(s.gen, s.recovery.DisconnectDelay, "retry")
		s.mu.Unlock()
	}
}

func (s *Supervisor) cancelPendingLocked() {
	if s.pendingStop != nil {
		s.pendingStop()
		s.pendingStop = nil
	}
}

func (s *Supervisor) setStateLocked(to State, reason string) {
	from := s.state
	s.state = to
	metrics.ConnectionState.Set(float64(to))

	if from != to {
		s.logger.Info("connection state changed", "from", from, "to", to, "reason", reason)
	}

	tr := Transition{
		From:       from,
		To:         to,
		Reason:     reason,
		Generation: s.gen,
		At:         s.now(),
	}
	s.subMu.Lock()
	for ch := range s.subs {
		select {
		case ch <- tr:
		default:
		}
	}
	s.subMu.Unlock()
}
