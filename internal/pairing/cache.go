// Package pairing holds the current pairing artifact (a rendered QR code)
// and makes sure it disappears once it can no longer be used: after a fixed
// time-to-live, or as soon as the session is ready.
package pairing

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL matches the rotation period of pairing secrets.
const DefaultTTL = 20 * time.Second

// Artifact is a rendered pairing secret.
type Artifact struct {
	Payload   []byte // PNG image
	CreatedAt time.Time
}

// AfterFunc schedules f to run after d and returns a function that cancels
// it. time.AfterFunc in production; tests fire callbacks by hand.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Cache holds at most one live artifact.
type Cache struct {
	ttl       time.Duration
	ready     func() bool
	now       func() time.Time
	afterFunc AfterFunc
	logger    *slog.Logger

	mu      sync.Mutex
	current *Artifact
	epoch   uint64
	stop    func() bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithAfterFunc replaces the expiry scheduler (useful for testing).
func WithAfterFunc(fn AfterFunc) Option {
	return func(c *Cache) {
		c.afterFunc = fn
	}
}

// WithClock replaces the time source (useful for testing).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// NewCache creates a cache whose artifacts live for ttl. ready reports
// whether the session is authenticated and ready; it must not block on
// anything that could call back into the cache.
func NewCache(ttl time.Duration, ready func() bool, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ready == nil {
		ready = func() bool { return false }
	}
	c := &Cache{
		ttl:       ttl,
		ready:     ready,
		now:       time.Now,
		afterFunc: realAfterFunc,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Store replaces any current artifact and schedules its expiry.
func (c *Cache) Store(a Artifact) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != nil {
		c.stop()
	}
	c.epoch++
	epoch := c.epoch
	c.current = &a
	c.stop = c.afterFunc(c.ttl, func() { c.expire(epoch) })
}

// Read returns the current artifact if it is still valid.
func (c *Cache) Read() (Artifact, bool) {
	ready := c.ready()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || ready {
		return Artifact{}, false
	}
	if c.now().Sub(c.current.CreatedAt) >= c.ttl {
		c.clearLocked()
		return Artifact{}, false
	}
	return *c.current, true
}

// Has reports whether Read would return an artifact.
func (c *Cache) Has() bool {
	_, ok := c.Read()
	return ok
}

// Clear discards the current artifact and cancels its expiry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *Cache) clearLocked() {
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
	c.epoch++
	c.current = nil
}

// expire runs when an artifact's TTL elapses. It only clears the artifact
// it was scheduled for, and leaves the cache alone once the session is
// ready.
func (c *Cache) expire(epoch uint64) {
	if c.ready() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if epoch != c.epoch || c.current == nil {
		return
	}
	c.current = nil
	c.stop = nil
	c.logger.Info("pairing artifact expired, waiting for a new one")
}
