package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ckd-cohort-server/internal/domain"
)

// SlackChannel posts alert summaries to a Slack incoming webhook.
type SlackChannel struct {
	name       string
	webhookURL string
	client     *http.Client
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(name, webhookURL string, timeout time.Duration) *SlackChannel {
	return &SlackChannel{
		name:       name,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
	}
}

// Name returns the channel name.
func (s *SlackChannel) Name() string {
	return s.name
}

// Send posts the notification as a Slack attachment.
func (s *SlackChannel) Send(ctx context.Context, n *Notification) error {
	color := "good"
	switch n.Severity {
	case domain.SeverityCritical:
		color = "danger"
	case domain.SeverityWarning:
		color = "warning"
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":     color,
				"title":     n.Summary(),
				"timestamp": n.CreatedAt.Unix(),
				"fields": []map[string]interface{}{
					{"title": "Severity", "value": string(n.Severity), "short": true},
					{"title": "Cycle", "value": fmt.Sprintf("%d", n.Cycle), "short": true},
					{"title": "State", "value": n.State, "short": true},
					{"title": "Patient", "value": n.PatientID, "short": true},
				},
			},
		},
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(jsonPayload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Test sends a probe notification.
func (s *SlackChannel) Test(ctx context.Context) error {
	return s.Send(ctx, testNotification())
}

// WebhookChannel posts the raw notification JSON to a generic endpoint.
type WebhookChannel struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookChannel creates a generic webhook channel.
func NewWebhookChannel(name, url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Name returns the channel name.
func (w *WebhookChannel) Name() string {
	return w.name
}

// Send posts the notification JSON.
func (w *WebhookChannel) Send(ctx context.Context, n *Notification) error {
	jsonPayload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewBuffer(jsonPayload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Test sends a probe notification.
func (w *WebhookChannel) Test(ctx context.Context) error {
	return w.Send(ctx, testNotification())
}

func testNotification() *Notification {
	return &Notification{
		AlertID:   "test",
		PatientID: "test",
		Severity:  domain.SeverityInfo,
		Reasons:   []string{"channel connectivity test"},
		CreatedAt: time.Now().UTC(),
	}
}
