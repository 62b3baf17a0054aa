package whatsapp

import (
	"context"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/leandrotocalini/wagate/internal/messenger"
)

// onEvent translates whatsmeow events into lifecycle events and keeps the
// recent-chats log current.
func (c *Client) onEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		c.chats.Record(v.Info.Chat.String(), chatName(v), v.Info.IsGroup, messageText(v.Message), v.Info.Timestamp)
		return
	case *events.LoggedOut:
		// The stored keys are dead; the next client has to pair from scratch.
		if err := c.wac.Store.Delete(context.Background()); err != nil {
			c.logger.Warn("failed to delete logged out device", "error", err)
		}
	}

	if ev, ok := eventFor(evt); ok {
		c.logger.Debug("whatsapp event", "event", fmt.Sprintf("%T", evt))
		c.emit(ev)
	}
}

// eventFor maps connection-related whatsmeow events. Everything else is
// ignored.
func eventFor(evt any) (messenger.Event, bool) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		return messenger.Authenticated{}, true
	case *events.Connected:
		return messenger.Ready{}, true
	case *events.LoggedOut:
		return messenger.AuthFailed{Reason: "logged out: " + v.Reason.String()}, true
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			return messenger.AuthFailed{Reason: "connect failure: " + v.Reason.String()}, true
		}
		return messenger.Disconnected{Reason: "connect failure: " + v.Reason.String()}, true
	case *events.ClientOutdated:
		return messenger.AuthFailed{Reason: "client outdated"}, true
	case *events.TemporaryBan:
		return messenger.Disconnected{Reason: "temporary ban: " + v.String()}, true
	case *events.StreamReplaced:
		return messenger.Disconnected{Reason: "stream replaced"}, true
	case *events.Disconnected:
		return messenger.Disconnected{Reason: "connection closed"}, true
	case *events.KeepAliveTimeout:
		// Auto-reconnect is off, so whatsmeow never acts on this itself.
		if time.Since(v.LastSuccess) > whatsmeow.KeepAliveMaxFailTime {
			return messenger.Disconnected{
				Reason: fmt.Sprintf("keepalive failed %d times since %s", v.ErrorCount, v.LastSuccess.Format(time.RFC3339)),
			}, true
		}
	}
	return nil, false
}

// qrEvent maps items from the pairing channel. Success is reported through
// events.PairSuccess instead.
func qrEvent(item whatsmeow.QRChannelItem) (messenger.Event, bool) {
	switch item.Event {
	case "code":
		return messenger.PairingCode{Code: item.Code}, true
	case "success":
		return nil, false
	case "timeout":
		return messenger.Disconnected{Reason: "pairing timed out"}, true
	case "error":
		if item.Error != nil {
			return messenger.AuthFailed{Reason: "pairing error: " + item.Error.Error()}, true
		}
	}
	return messenger.AuthFailed{Reason: "pairing failed: " + item.Event}, true
}

// messageText extracts a preview of a message's content.
func messageText(m *waProto.Message) string {
	switch {
	case m == nil:
		return ""
	case m.Conversation != nil:
		return m.GetConversation()
	case m.ExtendedTextMessage != nil:
		return m.GetExtendedTextMessage().GetText()
	case m.AudioMessage != nil:
		return "[Voice Message]"
	case m.ImageMessage != nil:
		if caption := m.GetImageMessage().GetCaption(); caption != "" {
			return caption
		}
		return "[Image]"
	case m.DocumentMessage != nil:
		if caption := m.GetDocumentMessage().GetCaption(); caption != "" {
			return caption
		}
		return "[Document]"
	default:
		return ""
	}
}

// chatName is the best name for a chat visible in one message. Our own
// messages don't carry the other party's push name.
func chatName(evt *events.Message) string {
	if evt.Info.IsGroup || evt.Info.IsFromMe {
		return ""
	}
	return evt.Info.PushName
}
