// Package messengertest provides a scriptable in-memory messenger backend
// for tests of the supervisor, delivery pipeline and HTTP layer.
package messengertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/leandrotocalini/wagate/internal/messenger"
)

// Sent records one successful SendText call.
type Sent struct {
	JID  string
	Text string
	ID   string
}

// Fake implements messenger.Messenger. Exported fields may be set before
// the fake is handed out; use the methods once it is in use.
type Fake struct {
	Profile messenger.Profile

	mu         sync.Mutex
	handler    messenger.EventHandler
	probe      messenger.ProbeState
	probeErr   error
	sendErrs   []error
	sendFunc   func(jid, text string) (string, error)
	sent       []Sent
	sendCalls  int
	registered map[string]bool
	contacts   map[string]messenger.Contact
	lookupErr  error
	chats      []messenger.Chat
	connectErr error
	destroyErr error
	connects   int
	destroys   int
}

// New returns a connected fake with no scripted failures.
func New() *Fake {
	return &Fake{
		probe:      messenger.ProbeConnected,
		registered: make(map[string]bool),
		contacts:   make(map[string]messenger.Contact),
	}
}

// Emit delivers a lifecycle event to the handler the fake was built with.
func (f *Fake) Emit(ev messenger.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// SetProbe scripts the result of State.
func (f *Fake) SetProbe(state messenger.ProbeState, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probe, f.probeErr = state, err
}

// FailSends makes the next len(errs) SendText calls consume one entry
// each; a nil entry succeeds.
func (f *Fake) FailSends(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs = append(f.sendErrs, errs...)
}

// SetSendFunc replaces the default send behaviour entirely.
func (f *Fake) SetSendFunc(fn func(jid, text string) (string, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendFunc = fn
}

// SetRegistered marks jid as present (or absent) on the network.
func (f *Fake) SetRegistered(jid string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[jid] = ok
}

// SetContact stores contact details returned by LookupContact.
func (f *Fake) SetContact(c messenger.Contact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts[c.JID] = c
}

// SetLookupErr makes every LookupContact call fail.
func (f *Fake) SetLookupErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupErr = err
}

// SetChats scripts RecentChats.
func (f *Fake) SetChats(chats []messenger.Chat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = chats
}

// SetConnectErr makes Connect fail.
func (f *Fake) SetConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// SetDestroyErr makes Destroy fail.
func (f *Fake) SetDestroyErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyErr = err
}

// Sent returns a copy of all successful sends.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]Sent, len(f.sent))
	copy(cp, f.sent)
	return cp
}

// SendCalls counts every SendText call, successful or not.
func (f *Fake) SendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

// Connects counts Connect calls.
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Destroys counts Destroy calls.
func (f *Fake) Destroys() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroys
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *Fake) Destroy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	f.probe = messenger.ProbeDisconnected
	return f.destroyErr
}

func (f *Fake) State(ctx context.Context) (messenger.ProbeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probe, f.probeErr
}

func (f *Fake) SendText(ctx context.Context, jid, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++

	var id string
	var err error
	switch {
	case f.sendFunc != nil:
		id, err = f.sendFunc(jid, text)
	case len(f.sendErrs) > 0:
		err = f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
	}
	if err != nil {
		return "", err
	}
	if id == "" {
		id = fmt.Sprintf("msg-%d", f.sendCalls)
	}
	f.sent = append(f.sent, Sent{JID: jid, Text: text, ID: id})
	return id, nil
}

func (f *Fake) IsRegistered(ctx context.Context, jid string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[jid], nil
}

func (f *Fake) LookupContact(ctx context.Context, jid string) (messenger.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return messenger.Contact{}, f.lookupErr
	}
	c, ok := f.contacts[jid]
	if !ok {
		return messenger.Contact{}, messenger.ErrContactNotFound
	}
	return c, nil
}

func (f *Fake) RecentChats(ctx context.Context, limit int) ([]messenger.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.chats) {
		limit = len(f.chats)
	}
	cp := make([]messenger.Chat, limit)
	copy(cp, f.chats[:limit])
	return cp, nil
}

func (f *Fake) Name() string { return "fake" }

// Pool is a messenger.Factory that records every fake it builds.
type Pool struct {
	mu      sync.Mutex
	built   []*Fake
	err     error
	prepare func(*Fake)
}

// NewPool returns a pool. prepare, if non-nil, runs on every new fake
// before it is returned to the caller.
func NewPool(prepare func(*Fake)) *Pool {
	return &Pool{prepare: prepare}
}

// SetErr makes subsequent Factory calls fail.
func (p *Pool) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Factory returns the messenger.Factory backed by this pool.
func (p *Pool) Factory() messenger.Factory {
	return func(profile messenger.Profile, handler messenger.EventHandler) (messenger.Messenger, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.err != nil {
			return nil, p.err
		}
		f := New()
		f.Profile = profile
		f.handler = handler
		if p.prepare != nil {
			p.prepare(f)
		}
		p.built = append(p.built, f)
		return f, nil
	}
}

// Built returns how many fakes the factory produced.
func (p *Pool) Built() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.built)
}

// Last returns the most recently built fake, or nil.
func (p *Pool) Last() *Fake {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.built) == 0 {
		return nil
	}
	return p.built[len(p.built)-1]
}

// At returns the i-th fake built.
func (p *Pool) At(i int) *Fake {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.built[i]
}
