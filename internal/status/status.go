// Package status is a read-only view of the connection for status and
// health queries.
package status

import (
	"context"
	"time"

	"github.com/leandrotocalini/wagate/internal/memwatch"
	"github.com/leandrotocalini/wagate/internal/messenger"
)

// MaxChats caps the recent conversation list.
const MaxChats = 20

// Source is what the facade reads from the connection supervisor.
type Source interface {
	IsReady() bool
	HasPairingArtifact() bool
	Transport() messenger.Messenger
}

// Sampler takes memory samples.
type Sampler interface {
	Sample() memwatch.Sample
	Classify(memwatch.Sample) memwatch.Level
}

// Snapshot is the short connection status.
type Snapshot struct {
	Connected          bool      `json:"connected"`
	HasPairingArtifact bool      `json:"hasPairingArtifact"`
	Timestamp          time.Time `json:"timestamp"`
}

// Health is the status plus process health.
type Health struct {
	Connected bool
	Uptime    time.Duration
	Memory    memwatch.Usage
	Level     memwatch.Level
	Timestamp time.Time
}

// Facade projects supervisor and memory state. Its only side effect is
// taking a fresh memory sample for Health.
type Facade struct {
	src     Source
	sampler Sampler
	started time.Time
	now     func() time.Time
}

// New creates a facade. started is the process start time used for
// uptime.
func New(src Source, sampler Sampler, started time.Time) *Facade {
	return &Facade{src: src, sampler: sampler, started: started, now: time.Now}
}

// Snapshot returns the current connection status.
func (f *Facade) Snapshot() Snapshot {
	return Snapshot{
		Connected:          f.src.IsReady(),
		HasPairingArtifact: f.src.HasPairingArtifact(),
		Timestamp:          f.now().UTC(),
	}
}

// Health samples memory and returns the extended view.
func (f *Facade) Health() Health {
	s := f.sampler.Sample()
	now := f.now()
	return Health{
		Connected: f.src.IsReady(),
		Uptime:    now.Sub(f.started),
		Memory:    s.Usage(),
		Level:     f.sampler.Classify(s),
		Timestamp: now.UTC(),
	}
}

// Chats returns up to MaxChats recent conversations. ok is false when the
// session is not ready.
func (f *Facade) Chats(ctx context.Context) (chats []messenger.Chat, ok bool, err error) {
	t := f.src.Transport()
	if !f.src.IsReady() || t == nil {
		return nil, false, nil
	}
	chats, err = t.RecentChats(ctx, MaxChats)
	if err != nil {
		return nil, true, err
	}
	return chats, true, nil
}
