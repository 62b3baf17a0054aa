// Package memwatch samples process memory, classifies memory pressure and
// asks the runtime to hand unused memory back to the OS. The thresholds
// are sized for small hosts with a ~512MB budget.
package memwatch

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/leandrotocalini/wagate/internal/metrics"
)

const mb = 1 << 20

const (
	DefaultWarnBytes     = 400 * mb
	DefaultCriticalBytes = 450 * mb
	DefaultInterval      = 5 * time.Minute
)

var errUnsupported = errors.New("resident memory not available on this platform")

// Level is a coarse memory pressure classification.
type Level int

const (
	LevelNormal Level = iota
	LevelHigh
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Sample is one reading of process memory.
type Sample struct {
	ResidentBytes  uint64
	HeapUsedBytes  uint64
	HeapTotalBytes uint64
	ExternalBytes  uint64 // runtime memory outside the heap: stacks, GC metadata, buffers
	SampledAt      time.Time
}

// Usage is a Sample expressed in megabytes, rounded to two decimals.
type Usage struct {
	RSS       float64 `json:"rss"`
	HeapTotal float64 `json:"heapTotal"`
	HeapUsed  float64 `json:"heapUsed"`
	External  float64 `json:"external"`
}

// Usage converts the sample to megabytes.
func (s Sample) Usage() Usage {
	return Usage{
		RSS:       toMB(s.ResidentBytes),
		HeapTotal: toMB(s.HeapTotalBytes),
		HeapUsed:  toMB(s.HeapUsedBytes),
		External:  toMB(s.ExternalBytes),
	}
}

func toMB(b uint64) float64 {
	return math.Round(float64(b)/mb*100) / 100
}

// Monitor samples memory on demand and on a fixed interval.
type Monitor struct {
	warn     uint64
	critical uint64
	interval time.Duration
	logger   *slog.Logger
	readRSS  func() (uint64, error)
	readMem  func(*runtime.MemStats)
	reclaim  func()
	now      func() time.Time

	mu      sync.Mutex
	last    Sample
	hasLast bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithThresholds overrides the warning and critical resident-memory
// thresholds, in bytes.
func WithThresholds(warn, critical uint64) Option {
	return func(m *Monitor) {
		m.warn = warn
		m.critical = critical
	}
}

// WithInterval sets how often Run samples.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.interval = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// WithRSSReader replaces the resident-memory source (useful for testing).
func WithRSSReader(fn func() (uint64, error)) Option {
	return func(m *Monitor) {
		m.readRSS = fn
	}
}

// WithReclaimFunc replaces the reclamation hook (useful for testing).
func WithReclaimFunc(fn func()) Option {
	return func(m *Monitor) {
		m.reclaim = fn
	}
}

// New creates a Monitor with the default thresholds and interval.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		warn:     DefaultWarnBytes,
		critical: DefaultCriticalBytes,
		interval: DefaultInterval,
		logger:   slog.Default(),
		readRSS:  residentBytes,
		readMem:  runtime.ReadMemStats,
		reclaim:  debug.FreeOSMemory,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sample reads current memory usage and remembers it as the latest sample.
func (m *Monitor) Sample() Sample {
	var ms runtime.MemStats
	m.readMem(&ms)

	rss, err := m.readRSS()
	if err != nil {
		// Sys is what the runtime obtained from the OS; the closest
		// stand-in when the kernel can't tell us.
		rss = ms.Sys
	}

	var external uint64
	if ms.Sys > ms.HeapSys {
		external = ms.Sys - ms.HeapSys
	}

	s := Sample{
		ResidentBytes:  rss,
		HeapUsedBytes:  ms.HeapAlloc,
		HeapTotalBytes: ms.HeapSys,
		ExternalBytes:  external,
		SampledAt:      m.now(),
	}

	m.mu.Lock()
	m.last = s
	m.hasLast = true
	m.mu.Unlock()

	metrics.ResidentMemory.Set(float64(rss))
	return s
}

// Latest returns the most recent sample, if any was taken.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.hasLast
}

// Classify maps a sample to a pressure level using the warning threshold.
func (m *Monitor) Classify(s Sample) Level {
	if s.ResidentBytes > m.warn {
		return LevelHigh
	}
	return LevelNormal
}

// Critical reports whether resident memory is past the critical threshold,
// the point at which reconnects should back off to let memory settle.
func (m *Monitor) Critical(s Sample) bool {
	return s.ResidentBytes > m.critical
}

// Reclaim asks the runtime to return unused memory to the OS. Always safe
// to call.
func (m *Monitor) Reclaim() {
	if m.reclaim == nil {
		return
	}
	metrics.MemoryReclaims.Inc()
	m.reclaim()
}

// Run samples every interval until ctx is cancelled. A high reading logs a
// warning and triggers reclamation.
func (m *Monitor) Run(ctx context.Context) error {
	m.check()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.check()
		}
	}
}

// check takes one sample, logs it, and reclaims under pressure.
func (m *Monitor) check() Sample {
	s := m.Sample()
	u := s.Usage()
	m.logger.Info("memory usage",
		"rss_mb", u.RSS,
		"heap_used_mb", u.HeapUsed,
		"heap_total_mb", u.HeapTotal,
		"external_mb", u.External,
	)

	if m.Classify(s) == LevelHigh {
		m.logger.Warn("high memory usage, reclaiming",
			"rss_mb", u.RSS,
			"warn_mb", toMB(m.warn),
		)
		m.Reclaim()
	}
	return s
}
