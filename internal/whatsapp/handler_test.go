package whatsapp

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/leandrotocalini/wagate/internal/messenger"
)

func TestEventFor(t *testing.T) {
	tests := []struct {
		name string
		evt  any
		want string // %T of the mapped event, "" for ignored
	}{
		{"pair success", &events.PairSuccess{}, "messenger.Authenticated"},
		{"connected", &events.Connected{}, "messenger.Ready"},
		{"logged out", &events.LoggedOut{Reason: events.ConnectFailureLoggedOut}, "messenger.AuthFailed"},
		{"connect failure logout", &events.ConnectFailure{Reason: events.ConnectFailureLoggedOut}, "messenger.AuthFailed"},
		{"connect failure other", &events.ConnectFailure{Reason: events.ConnectFailureReason(503)}, "messenger.Disconnected"},
		{"client outdated", &events.ClientOutdated{}, "messenger.AuthFailed"},
		{"stream replaced", &events.StreamReplaced{}, "messenger.Disconnected"},
		{"disconnected", &events.Disconnected{}, "messenger.Disconnected"},
		{"keepalive blip", &events.KeepAliveTimeout{ErrorCount: 1, LastSuccess: time.Now().Add(-5 * time.Second)}, ""},
		{"keepalive dead", &events.KeepAliveTimeout{ErrorCount: 20, LastSuccess: time.Now().Add(-10 * time.Minute)}, "messenger.Disconnected"},
		{"keepalive restored", &events.KeepAliveRestored{}, ""},
		{"message", &events.Message{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := eventFor(tt.evt)
			if tt.want == "" {
				if ok {
					t.Errorf("eventFor() = %T, want ignored", ev)
				}
				return
			}
			if !ok {
				t.Fatalf("eventFor() ignored, want %s", tt.want)
			}
			if got := typeName(ev); got != tt.want {
				t.Errorf("eventFor() = %s, want %s", got, tt.want)
			}
		})
	}
}

func typeName(ev messenger.Event) string {
	switch ev.(type) {
	case messenger.PairingCode:
		return "messenger.PairingCode"
	case messenger.Authenticated:
		return "messenger.Authenticated"
	case messenger.Ready:
		return "messenger.Ready"
	case messenger.AuthFailed:
		return "messenger.AuthFailed"
	case messenger.Disconnected:
		return "messenger.Disconnected"
	}
	return "unknown"
}

func TestQREvent(t *testing.T) {
	ev, ok := qrEvent(whatsmeow.QRChannelItem{Event: "code", Code: "2@xyz"})
	if pc, isCode := ev.(messenger.PairingCode); !ok || !isCode || pc.Code != "2@xyz" {
		t.Errorf("code item = %#v, %v", ev, ok)
	}

	if _, ok := qrEvent(whatsmeow.QRChannelItem{Event: "success"}); ok {
		t.Error("success item should not emit an event")
	}

	ev, _ = qrEvent(whatsmeow.QRChannelItem{Event: "timeout"})
	if _, ok := ev.(messenger.Disconnected); !ok {
		t.Errorf("timeout item = %#v, want Disconnected", ev)
	}

	ev, _ = qrEvent(whatsmeow.QRChannelItem{Event: "error", Error: errors.New("boom")})
	if af, ok := ev.(messenger.AuthFailed); !ok || af.Reason != "pairing error: boom" {
		t.Errorf("error item = %#v", ev)
	}

	ev, _ = qrEvent(whatsmeow.QRChannelItem{Event: "err-client-outdated"})
	if af, ok := ev.(messenger.AuthFailed); !ok || af.Reason != "pairing failed: err-client-outdated" {
		t.Errorf("err-* item = %#v", ev)
	}
}

func TestMessageText(t *testing.T) {
	tests := []struct {
		name string
		msg  *waProto.Message
		want string
	}{
		{"nil", nil, ""},
		{"conversation", &waProto.Message{Conversation: proto.String("hi")}, "hi"},
		{"extended", &waProto.Message{ExtendedTextMessage: &waProto.ExtendedTextMessage{Text: proto.String("link")}}, "link"},
		{"voice", &waProto.Message{AudioMessage: &waProto.AudioMessage{}}, "[Voice Message]"},
		{"image", &waProto.Message{ImageMessage: &waProto.ImageMessage{}}, "[Image]"},
		{"image caption", &waProto.Message{ImageMessage: &waProto.ImageMessage{Caption: proto.String("look")}}, "look"},
		{"document", &waProto.Message{DocumentMessage: &waProto.DocumentMessage{}}, "[Document]"},
		{"other", &waProto.Message{}, ""},
	}
	for _, tt := range tests {
		if got := messageText(tt.msg); got != tt.want {
			t.Errorf("%s: messageText() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestChatLog_RecentNewestFirst(t *testing.T) {
	l := newChatLog(10)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	l.Record("a@s.whatsapp.net", "Ana", false, "one", base)
	l.Record("b@g.us", "", true, "two", base.Add(time.Minute))
	l.Record("c@s.whatsapp.net", "Caio", false, "three", base.Add(2*time.Minute))
	l.Record("a@s.whatsapp.net", "", false, "four", base.Add(3*time.Minute))

	got := l.Recent(0)
	if len(got) != 3 {
		t.Fatalf("Recent() = %d chats, want 3", len(got))
	}
	wantIDs := []string{"a@s.whatsapp.net", "c@s.whatsapp.net", "b@g.us"}
	for i, id := range wantIDs {
		if got[i].ID != id {
			t.Errorf("Recent()[%d].ID = %s, want %s", i, got[i].ID, id)
		}
	}
	if got[0].Name != "Ana" || got[0].LastMessage != "four" {
		t.Errorf("Recent()[0] = %+v, want name kept and last message updated", got[0])
	}
	if got[2].Name != "b@g.us" || !got[2].IsGroup {
		t.Errorf("group chat = %+v", got[2])
	}

	if got := l.Recent(2); len(got) != 2 {
		t.Errorf("Recent(2) = %d chats", len(got))
	}
}

func TestChatLog_OutOfOrderKeepsNewest(t *testing.T) {
	l := newChatLog(10)
	now := time.Now()
	l.Record("a@s.whatsapp.net", "Ana", false, "new", now)
	l.Record("a@s.whatsapp.net", "", false, "old", now.Add(-time.Hour))

	if got := l.Recent(1)[0].LastMessage; got != "new" {
		t.Errorf("LastMessage = %q, want %q", got, "new")
	}
}

func TestChatLog_Capacity(t *testing.T) {
	l := newChatLog(2)
	now := time.Now()
	l.Record("a", "", false, "", now)
	l.Record("b", "", false, "", now.Add(time.Second))
	l.Record("c", "", false, "", now.Add(2*time.Second))

	got := l.Recent(0)
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Errorf("Recent() = %+v, want c then b", got)
	}
}

func TestParseVersion(t *testing.T) {
	v, err := parseVersion("2.3000.1023223821")
	if err != nil {
		t.Fatalf("parseVersion() error = %v", err)
	}
	if v[0] != 2 || v[1] != 3000 || v[2] != 1023223821 {
		t.Errorf("parseVersion() = %v", v)
	}

	for _, bad := range []string{"", "2.3000", "2.x.1", "1.2.3.4", "2.3000.99999999999"} {
		if _, err := parseVersion(bad); err == nil {
			t.Errorf("parseVersion(%q) succeeded", bad)
		}
	}
}

func TestClearSession(t *testing.T) {
	dir := t.TempDir()
	path := SessionPath(dir, "main")
	if err := os.MkdirAll(path, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "session.db"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := ClearSession(dir, "main"); err != nil {
		t.Fatalf("ClearSession() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("session directory still exists: %v", err)
	}
	if err := ClearSession(dir, ""); err == nil {
		t.Error("ClearSession() with empty client id should fail")
	}
}

func TestNew_RequiresClientID(t *testing.T) {
	if _, err := New(messenger.Profile{SessionDir: t.TempDir()}, nil); err == nil {
		t.Error("New() without client id should fail")
	}
}
