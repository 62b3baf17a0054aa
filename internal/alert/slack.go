// Package alert posts connection incidents to a Slack incoming webhook.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"

	"github.com/leandrotocalini/wagate/internal/supervisor"
)

// Subscriber is the supervisor's transition feed.
type Subscriber interface {
	Subscribe() chan supervisor.Transition
	Unsubscribe(ch chan supervisor.Transition)
}

// PostFunc delivers one webhook message.
type PostFunc func(ctx context.Context, url string, msg *slack.WebhookMessage) error

// Notifier reports outages once, and the recovery that ends them. It is a
// no-op without a webhook URL.
type Notifier struct {
	url      string
	channel  string
	clientID string
	post     PostFunc
	logger   *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		n.logger = l
	}
}

// WithChannel overrides the webhook's default channel.
func WithChannel(ch string) Option {
	return func(n *Notifier) {
		n.channel = ch
	}
}

// WithPostFunc replaces the webhook transport (for testing).
func WithPostFunc(fn PostFunc) Option {
	return func(n *Notifier) {
		n.post = fn
	}
}

// New creates a notifier for the session clientID.
func New(webhookURL, clientID string, opts ...Option) *Notifier {
	n := &Notifier{
		url:      webhookURL,
		clientID: clientID,
		post:     slack.PostWebhookContext,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool {
	return n.url != ""
}

// Watch follows sub until ctx is done or the feed closes.
func (n *Notifier) Watch(ctx context.Context, sub Subscriber) error {
	if !n.Enabled() {
		return nil
	}
	ch := sub.Subscribe()
	defer sub.Unsubscribe(ch)

	var outage *supervisor.Transition
	for {
		select {
		case <-ctx.Done():
			return nil
		case tr, ok := <-ch:
			if !ok {
				return nil
			}
			switch tr.To {
			case supervisor.StateAuthFailed, supervisor.StateDisconnected:
				if outage != nil {
					continue
				}
				t := tr
				outage = &t
				n.send(ctx, outageMessage(n.clientID, tr))
			case supervisor.StateReady:
				if outage == nil {
					continue
				}
				n.send(ctx, recoveryMessage(n.clientID, tr, tr.At.Sub(outage.At)))
				outage = nil
			}
		}
	}
}

func (n *Notifier) send(ctx context.Context, msg *slack.WebhookMessage) {
	msg.Channel = n.channel
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := n.post(ctx, n.url, msg); err != nil {
		n.logger.Warn("slack alert failed", "error", err)
	}
}

func outageMessage(clientID string, tr supervisor.Transition) *slack.WebhookMessage {
	title := fmt.Sprintf(":warning: WhatsApp session `%s` is down", clientID)
	body := fmt.Sprintf("State: *%s*\nReason: %s\nSince: %s", tr.To, tr.Reason, tr.At.UTC().Format(time.RFC3339))
	return message(title, body)
}

func recoveryMessage(clientID string, tr supervisor.Transition, down time.Duration) *slack.WebhookMessage {
	title := fmt.Sprintf(":white_check_mark: WhatsApp session `%s` recovered", clientID)
	body := fmt.Sprintf("Down for %s", down.Round(time.Second))
	return message(title, body)
}

func message(title, body string) *slack.WebhookMessage {
	header := slack.NewTextBlockObject("mrkdwn", "*"+title+"*", false, false)
	text := slack.NewTextBlockObject("mrkdwn", body, false, false)
	return &slack.WebhookMessage{
		Text: title, // fallback for notifications
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewSectionBlock(header, nil, nil),
			slack.NewSectionBlock(text, nil, nil),
		}},
	}
}
