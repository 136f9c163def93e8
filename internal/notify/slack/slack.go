// Package slack sends escalation notices to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/mailwarden/internal/escalation"
)

const (
	maxBodyLen   = 1500
	maxRemarkLen = 1000
	httpTimeout  = 10 * time.Second
)

// Notifier posts escalation notices to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Notify posts a notice for a newly stored escalation task.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Notify(ctx context.Context, task *escalation.Task) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(task)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// OnStored adapts Notify to escalation.Consumer.OnStored, logging failures.
func (n *Notifier) OnStored(ctx context.Context, task *escalation.Task) {
	if err := n.Notify(ctx, task); err != nil {
		n.logger.Warn(ctx, "escalation notice failed", "email_id", task.EmailID, "error", err)
	}
}

func buildMessage(t *escalation.Task) map[string]any {
	return map[string]any{
		"text": fmt.Sprintf("Email needs a human reply: %s", t.Subject),
		"blocks": []map[string]any{
			headerBlock(t),
			{"type": "divider"},
			fieldsBlock(t),
			{"type": "divider"},
			remarkBlock(t),
			bodyBlock(t),
			{"type": "divider"},
			contextBlock(t),
		},
	}
}

func headerBlock(t *escalation.Task) map[string]any {
	subject := t.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(fmt.Sprintf("%s Escalated: %s", categoryEmoji(t.Category), subject), 150),
		},
	}
}

func fieldsBlock(t *escalation.Task) map[string]any {
	category := t.Category
	if category == "" {
		category = "uncategorized"
	}
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*From:* %s", t.Sender),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Category:* %s", category),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Email ID:* %s", t.EmailID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", t.Status),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func remarkBlock(t *escalation.Task) map[string]any {
	text := truncate(t.Remark, maxRemarkLen)
	if text == "" {
		text = "_No reason recorded._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Why it was escalated*\n%s", text),
		},
	}
}

func bodyBlock(t *escalation.Task) map[string]any {
	text := truncate(t.Body, maxBodyLen)
	if text == "" {
		text = "_Empty body._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Message*\n>%s", strings.ReplaceAll(text, "\n", "\n>")),
		},
	}
}

func contextBlock(t *escalation.Task) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("mailwarden • task %s • %s", t.EmailID, t.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func categoryEmoji(category string) string {
	switch category {
	case "customer_complaint":
		return "\U0001f534" // red circle
	case "product_enquiry":
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
