// Package lifecycle manages graceful shutdown of the gateway process:
// signal interception, context cancellation, ordered shutdown hooks and
// waiting for the main loop to wind down.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownConfig configures the shutdown behavior.
type ShutdownConfig struct {
	GracePeriod  time.Duration // deadline handed to shutdown hooks
	ForceTimeout time.Duration // max time to wait for the main function after hooks ran
}

// DefaultShutdownConfig returns sensible defaults.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		GracePeriod:  10 * time.Second,
		ForceTimeout: 15 * time.Second,
	}
}

// Manager coordinates shutdown for the process.
type Manager struct {
	config   ShutdownConfig
	logger   *slog.Logger
	signals  <-chan os.Signal // for testing; nil installs real handlers
	cancel   context.CancelFunc
	mu       sync.Mutex
	hooks    []ShutdownHook
	started  time.Time
	shutdown bool
}

// ShutdownHook is called during graceful shutdown. Name is for logging.
type ShutdownHook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithSignals replaces OS signal delivery (for testing).
func WithSignals(ch <-chan os.Signal) Option {
	return func(m *Manager) {
		m.signals = ch
	}
}

// NewManager creates a lifecycle manager.
func NewManager(config ShutdownConfig, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		config:  config,
		logger:  logger,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnShutdown registers a hook to run during shutdown.
// Hooks run in registration order.
func (m *Manager) OnShutdown(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, ShutdownHook{Name: name, Fn: fn})
}

// Run installs signal handlers, runs mainFn and handles shutdown. On a
// signal the context passed to mainFn is cancelled, hooks run, and Run
// waits for mainFn to return. Returns the process exit code.
func (m *Manager) Run(mainFn func(ctx context.Context) error) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.cancel = cancel

	sigCh := m.signals
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(ch)
		sigCh = ch
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- mainFn(ctx)
	}()

	select {
	case sig := <-sigCh:
		m.logger.Info("received signal, starting graceful shutdown",
			"signal", sig.String(),
			"uptime", time.Since(m.started).String(),
		)
		return m.gracefulShutdown(errCh)

	case err := <-errCh:
		m.runHooks(m.config.GracePeriod)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("main function error", "error", err)
			return 1
		}
		return 0
	}
}

// gracefulShutdown cancels the root context, runs hooks with a deadline
// and waits for the main function.
func (m *Manager) gracefulShutdown(errCh <-chan error) int {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return 1
	}
	m.shutdown = true
	m.mu.Unlock()

	// Cancel root context so loops started by mainFn start winding down.
	m.cancel()

	m.runHooks(m.config.GracePeriod)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("main function error during shutdown", "error", err)
		}
	case <-time.After(m.config.ForceTimeout):
		m.logger.Error("main function did not stop in time", "timeout", m.config.ForceTimeout.String())
		return 1
	}

	m.logger.Info("graceful shutdown complete",
		"uptime", time.Since(m.started).String(),
	)
	return 0
}

func (m *Manager) runHooks(timeout time.Duration) {
	m.mu.Lock()
	hooks := make([]ShutdownHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, hook := range hooks {
		m.logger.Info("running shutdown hook", "name", hook.Name)
		if err := hook.Fn(ctx); err != nil {
			m.logger.Error("shutdown hook failed", "name", hook.Name, "error", err)
		}
	}
}

// Uptime returns how long the process has been running.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.started)
}
