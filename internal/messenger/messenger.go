// Package messenger defines the contract between the connection supervisor
// and a messaging backend. The supervisor and the delivery pipeline talk to
// this interface and don't know which backend is active.
package messenger

import (
	"context"
	"errors"
	"time"
)

// ErrContactNotFound is returned by LookupContact when the backend has no
// record of the recipient.
var ErrContactNotFound = errors.New("contact not found")

// ProbeState is what a live probe against the backend reports, independent
// of any readiness flag cached elsewhere.
type ProbeState int

const (
	ProbeDisconnected ProbeState = iota
	ProbeUnpaired
	ProbeConnected
)

func (s ProbeState) String() string {
	switch s {
	case ProbeDisconnected:
		return "DISCONNECTED"
	case ProbeUnpaired:
		return "UNPAIRED"
	case ProbeConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Event is a lifecycle notification emitted by a backend. The set of
// variants below is closed.
type Event interface {
	lifecycleEvent()
}

// PairingCode carries a fresh pairing secret. It rotates on its own
// schedule, roughly every 20 seconds.
type PairingCode struct {
	Code string
}

// Authenticated fires once the pairing secret was accepted.
type Authenticated struct{}

// Ready fires when the session can send messages.
type Ready struct{}

// AuthFailed means the stored credentials are unusable and the session
// has to be paired again.
type AuthFailed struct {
	Reason string
}

// Disconnected means the underlying connection dropped.
type Disconnected struct {
	Reason string
}

func (PairingCode) lifecycleEvent()   {}
func (Authenticated) lifecycleEvent() {}
func (Ready) lifecycleEvent()         {}
func (AuthFailed) lifecycleEvent()    {}
func (Disconnected) lifecycleEvent()  {}

// EventHandler receives lifecycle events. Backends may call it from any
// goroutine.
type EventHandler func(Event)

// Profile is the fixed capability profile a backend is constructed with.
type Profile struct {
	ClientID   string // keys the on-disk session directory
	SessionDir string
	DeviceName string // shown in the phone's linked devices list
	VersionPin string // protocol version pin, e.g. "2.3000.1023223821"; empty keeps the library default
}

// Contact is what the backend knows about a recipient.
type Contact struct {
	JID           string `json:"jid"`
	Name          string `json:"name"`
	IsMyContact   bool   `json:"isMyContact"`
	ProfilePicURL string `json:"profilePicUrl,omitempty"`
}

// Chat is a recently active conversation.
type Chat struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	IsGroup     bool      `json:"isGroup"`
	LastMessage string    `json:"lastMessage"`
	Timestamp   time.Time `json:"timestamp"`
}

// Messenger is the interface that messaging backends must implement.
// Command methods (SendText, IsRegistered, LookupContact) must be safe for
// concurrent callers; backends serialize issuance internally if needed.
type Messenger interface {
	// Connection lifecycle
	Connect(ctx context.Context) error
	Destroy(ctx context.Context) error
	State(ctx context.Context) (ProbeState, error)

	// Commands
	SendText(ctx context.Context, jid, text string) (messageID string, err error)
	IsRegistered(ctx context.Context, jid string) (bool, error)
	LookupContact(ctx context.Context, jid string) (Contact, error)
	RecentChats(ctx context.Context, limit int) ([]Chat, error)

	// Backend name for logging
	Name() string
}

// Factory constructs a fresh backend whose lifecycle events go to handler.
// Every call must return an independent session handle.
type Factory func(profile Profile, handler EventHandler) (Messenger, error)
