package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"

	"github.com/leandrotocalini/wagate/internal/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

type feed struct {
	ch           chan supervisor.Transition
	unsubscribed bool
}

func newFeed() *feed {
	return &feed{ch: make(chan supervisor.Transition, 16)}
}

func (f *feed) Subscribe() chan supervisor.Transition { return f.ch }

func (f *feed) Unsubscribe(ch chan supervisor.Transition) { f.unsubscribed = true }

type recorder struct {
	mu   sync.Mutex
	msgs []*slack.WebhookMessage
}

func (r *recorder) post(ctx context.Context, url string, msg *slack.WebhookMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		out = append(out, m.Text)
	}
	return out
}

func TestNotifier_Disabled(t *testing.T) {
	n := New("", "main")
	if n.Enabled() {
		t.Fatal("notifier without URL should be disabled")
	}
	f := newFeed()
	if err := n.Watch(context.Background(), f); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if f.unsubscribed {
		t.Error("disabled notifier should not subscribe")
	}
}

func TestNotifier_OutageAndRecovery(t *testing.T) {
	rec := &recorder{}
	n := New("https://hooks.example.com/x", "main", WithPostFunc(rec.post), WithLogger(testLogger()))

	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	f := newFeed()
	f.ch <- supervisor.Transition{From: supervisor.StateUninitialized, To: supervisor.StatePairingRequired, At: t0}
	f.ch <- supervisor.Transition{From: supervisor.StateReady, To: supervisor.StateDisconnected, Reason: "connection closed", At: t0}
	f.ch <- supervisor.Transition{From: supervisor.StateDisconnected, To: supervisor.StateUninitialized, At: t0.Add(5 * time.Second)}
	f.ch <- supervisor.Transition{From: supervisor.StateUninitialized, To: supervisor.StateDisconnected, Reason: "again", At: t0.Add(6 * time.Second)}
	f.ch <- supervisor.Transition{From: supervisor.StateAuthenticating, To: supervisor.StateReady, At: t0.Add(90 * time.Second)}
	f.ch <- supervisor.Transition{From: supervisor.StateReady, To: supervisor.StateAuthFailed, Reason: "logged out", At: t0.Add(time.Hour)}
	close(f.ch)

	if err := n.Watch(context.Background(), f); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if !f.unsubscribed {
		t.Error("Watch() should unsubscribe on exit")
	}

	got := rec.texts()
	if len(got) != 3 {
		t.Fatalf("posted %d messages, want 3: %q", len(got), got)
	}
	if !strings.Contains(got[0], "is down") || !strings.Contains(got[1], "recovered") || !strings.Contains(got[2], "is down") {
		t.Errorf("messages = %q", got)
	}

	body := rec.msgs[1].Blocks.BlockSet[1].(*slack.SectionBlock).Text.Text
	if body != "Down for 1m30s" {
		t.Errorf("recovery body = %q", body)
	}
}

func TestNotifier_StopsOnContext(t *testing.T) {
	n := New("https://hooks.example.com/x", "main", WithPostFunc((&recorder{}).post))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Watch(ctx, newFeed()) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch() did not return after cancel")
	}
}

func TestNotifier_PostsWebhook(t *testing.T) {
	var payload map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &payload)
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	n := New(ts.URL, "main", WithChannel("#ops"), WithLogger(testLogger()))
	f := newFeed()
	f.ch <- supervisor.Transition{To: supervisor.StateAuthFailed, Reason: "logged out", At: time.Now()}
	close(f.ch)

	if err := n.Watch(context.Background(), f); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if payload["channel"] != "#ops" {
		t.Errorf("channel = %v, want #ops", payload["channel"])
	}
	text, _ := payload["text"].(string)
	if !strings.Contains(text, "`main` is down") {
		t.Errorf("text = %q", text)
	}
}
