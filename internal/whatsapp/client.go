// Package whatsapp implements messenger.Messenger on top of whatsmeow.
// Every Client owns its own device store and websocket; it never
// reconnects by itself and leaves recovery to its owner.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"

	"github.com/leandrotocalini/wagate/internal/messenger"
)

// chatCapacity bounds how many conversations are remembered for the
// recent-chats listing.
const chatCapacity = 256

func init() {
	// Give up on a socket after 30s of keepalive failures instead of the default 3 minutes.
	whatsmeow.KeepAliveMaxFailTime = 30 * time.Second
}

// Client is a single WhatsApp session.
type Client struct {
	profile  messenger.Profile
	handler  messenger.EventHandler
	logger   *slog.Logger
	waLogger waLog.Logger

	// cmdMu serializes command issuance on the socket.
	cmdMu sync.Mutex

	mu        sync.Mutex
	wac       *whatsmeow.Client
	container *sqlstore.Container
	cancelQR  context.CancelFunc
	destroyed bool

	chats *chatLog
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithZerolog routes whatsmeow's internal logging to zl.
func WithZerolog(zl zerolog.Logger) Option {
	return func(c *Client) {
		c.waLogger = waLog.Zerolog(zl)
	}
}

// NewFactory returns a messenger.Factory producing whatsmeow clients.
func NewFactory(opts ...Option) messenger.Factory {
	return func(p messenger.Profile, h messenger.EventHandler) (messenger.Messenger, error) {
		return New(p, h, opts...)
	}
}

// New opens the device store for profile and prepares a client. It does
// not touch the network; call Connect for that.
func New(p messenger.Profile, h messenger.EventHandler, opts ...Option) (*Client, error) {
	if p.ClientID == "" {
		return nil, errors.New("whatsapp: client id is required")
	}
	if h == nil {
		h = func(messenger.Event) {}
	}
	c := &Client{
		profile:  p,
		handler:  h,
		logger:   slog.Default(),
		waLogger: waLog.Noop,
		chats:    newChatLog(chatCapacity),
	}
	for _, opt := range opts {
		opt(c)
	}

	if p.DeviceName != "" {
		store.SetOSInfo(p.DeviceName, [3]uint32{1, 0, 0})
	}
	if p.VersionPin != "" {
		v, err := parseVersion(p.VersionPin)
		if err != nil {
			return nil, err
		}
		store.SetWAVersion(v)
	}

	dir := SessionPath(p.SessionDir, p.ClientID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	ctx := context.Background()
	dsn := "file:" + filepath.Join(dir, "session.db") + "?_foreign_keys=on"
	container, err := sqlstore.New(ctx, "sqlite3", dsn, c.waLogger.Sub("Database"))
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlstore: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	c.container = container
	c.wac = whatsmeow.NewClient(device, c.waLogger.Sub("Client"))
	c.wac.EnableAutoReconnect = false
	c.wac.AddEventHandler(c.onEvent)
	return c, nil
}

// SessionPath is where a client's device store lives.
func SessionPath(dir, clientID string) string {
	if dir == "" {
		dir = "sessions"
	}
	return filepath.Join(dir, clientID)
}

// ClearSession removes the stored credentials for clientID so the next
// start has to pair again.
func ClearSession(dir, clientID string) error {
	if clientID == "" {
		return errors.New("whatsapp: client id is required")
	}
	return os.RemoveAll(SessionPath(dir, clientID))
}

// Name implements messenger.Messenger.
func (c *Client) Name() string { return "whatsapp" }

// Connect opens the websocket. An unpaired device starts emitting pairing
// codes; a paired one resumes and reports Ready once the server accepts it.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return errors.New("whatsapp: client destroyed")
	}

	if c.wac.Store.ID == nil {
		// The channel outlives ctx; it is torn down by Destroy.
		qrCtx, cancel := context.WithCancel(context.Background())
		qrChan, err := c.wac.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		c.cancelQR = cancel
		go c.consumeQR(qrChan)
	}

	c.logger.Info("connecting to whatsapp", "client", c.profile.ClientID, "paired", c.wac.Store.ID != nil)
	if err := c.wac.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (c *Client) consumeQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		if ev, ok := qrEvent(item); ok {
			c.emit(ev)
		}
	}
}

// Destroy closes the socket and the device store. It is safe to call more
// than once.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil
	}
	c.destroyed = true

	if c.cancelQR != nil {
		c.cancelQR()
	}
	c.wac.RemoveEventHandlers()
	c.wac.Disconnect()
	if err := c.container.Close(); err != nil {
		return fmt.Errorf("close session store: %w", err)
	}
	return nil
}

// State probes the live socket.
func (c *Client) State(ctx context.Context) (messenger.ProbeState, error) {
	if err := ctx.Err(); err != nil {
		return messenger.ProbeDisconnected, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.destroyed, !c.wac.IsConnected():
		return messenger.ProbeDisconnected, nil
	case !c.wac.IsLoggedIn():
		return messenger.ProbeUnpaired, nil
	default:
		return messenger.ProbeConnected, nil
	}
}

// SendText sends a plain text message and returns the server message ID.
func (c *Client) SendText(ctx context.Context, jid, text string) (string, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("invalid JID: %w", err)
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	resp, err := c.wac.SendMessage(ctx, to, &waProto.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	c.chats.Record(to.String(), "", to.Server == types.GroupServer, text, resp.Timestamp)
	return string(resp.ID), nil
}

// IsRegistered asks the server whether jid's phone number has an account.
func (c *Client) IsRegistered(ctx context.Context, jid string) (bool, error) {
	j, err := types.ParseJID(jid)
	if err != nil {
		return false, fmt.Errorf("invalid JID: %w", err)
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	resp, err := c.wac.IsOnWhatsApp(ctx, []string{"+" + j.User})
	if err != nil {
		return false, err
	}
	for _, r := range resp {
		if r.IsIn {
			return true, nil
		}
	}
	return false, nil
}

// LookupContact returns what the local store knows about jid, plus its
// profile picture when the server shares it.
func (c *Client) LookupContact(ctx context.Context, jid string) (messenger.Contact, error) {
	j, err := types.ParseJID(jid)
	if err != nil {
		return messenger.Contact{}, fmt.Errorf("invalid JID: %w", err)
	}

	info, err := c.wac.Store.Contacts.GetContact(ctx, j)
	if err != nil {
		return messenger.Contact{}, fmt.Errorf("contact lookup: %w", err)
	}
	if !info.Found {
		return messenger.Contact{}, messenger.ErrContactNotFound
	}

	contact := messenger.Contact{
		JID:         j.String(),
		Name:        contactName(info),
		IsMyContact: info.FullName != "" || info.FirstName != "",
	}

	c.cmdMu.Lock()
	pic, err := c.wac.GetProfilePictureInfo(ctx, j, nil)
	c.cmdMu.Unlock()
	if err != nil {
		c.logger.Debug("no profile picture", "jid", j.String(), "error", err)
	} else if pic != nil {
		contact.ProfilePicURL = pic.URL
	}
	return contact, nil
}

// RecentChats lists the most recently active conversations seen by this
// session, newest first.
func (c *Client) RecentChats(ctx context.Context, limit int) ([]messenger.Chat, error) {
	return c.chats.Recent(limit), nil
}

func (c *Client) emit(ev messenger.Event) {
	c.handler(ev)
}

// parseVersion reads a "major.minor.patch" protocol version pin.
func parseVersion(pin string) (store.WAVersionContainer, error) {
	var v store.WAVersionContainer
	parts := strings.Split(pin, ".")
	if len(parts) != 3 {
		return v, fmt.Errorf("invalid version pin %q: want major.minor.patch", pin)
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return v, fmt.Errorf("invalid version pin %q: %w", pin, err)
		}
		v[i] = uint32(n)
	}
	return v, nil
}

func contactName(info types.ContactInfo) string {
	for _, n := range []string{info.FullName, info.FirstName, info.PushName, info.BusinessName} {
		if n != "" {
			return n
		}
	}
	return ""
}
