package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"
)

// Slack posts to an incoming webhook.
type Slack struct {
	url    string
	client *http.Client
}

func NewSlack(url string) *Slack {
	return &Slack{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *Slack) Channel() string { return "slack" }

func (s *Slack) Notify(ctx context.Context, msg Message) error {
	webhook := &slack.WebhookMessage{Text: "*" + msg.Subject + "*\n" + msg.Text()}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.url, s.client, webhook); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}
