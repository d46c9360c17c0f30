// Package notifications renders repetitive issues into Slack block messages
// and delivers them best-effort over an incoming webhook. Delivery failures
// are logged and swallowed: a dead chat channel must never affect issue state.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nikolajve/faultline/internal/models"
)

const (
	webhookTimeout = 30 * time.Second
	maxRetries     = 3
)

// Manager delivers issue notifications to the configured chat webhook.
type Manager struct {
	webhookURL string
	client     *http.Client
}

// NewManager creates a notification manager. An empty webhook URL disables
// delivery; Dispatch becomes a logged no-op.
func NewManager(webhookURL string) *Manager {
	return &Manager{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: webhookTimeout,
		},
	}
}

// Enabled reports whether a webhook is configured.
func (m *Manager) Enabled() bool {
	return m.webhookURL != ""
}

// slackPayload is the Slack incoming-webhook message body.
type slackPayload struct {
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func sectionBlock(text string) slackBlock {
	return slackBlock{
		Type: "section",
		Text: &slackText{Type: "mrkdwn", Text: text},
	}
}

// severityIndicator maps a severity tier to its message indicator.
func severityIndicator(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return ":red_circle:"
	case models.SeverityHigh:
		return ":large_orange_circle:"
	case models.SeverityMedium:
		return ":large_yellow_circle:"
	default:
		return ":white_circle:"
	}
}

// BuildIssuePayload renders an issue into the Slack block payload.
func BuildIssuePayload(issue models.RepetitiveIssue) any {
	origin := "external"
	if issue.Internal {
		origin = "internal"
	}
	status := "active"
	if issue.Solved {
		status = "solved"
	}

	header := fmt.Sprintf("%s *Recurring failure: %s*", severityIndicator(issue.Severity), issue.ShortMessage)
	details := fmt.Sprintf(
		"*Severity:* %s\n*Carrier:* %s\n*Origin:* %s\n*Occurrences:* %d\n*Status:* %s\n*Last seen:* %s\n*Fingerprint:* `%s`",
		issue.Severity, issue.Carrier, origin, issue.OccurrenceCount, status,
		issue.UpdatedAt.Format(time.RFC3339), issue.Fingerprint,
	)

	return slackPayload{
		Blocks: []slackBlock{
			sectionBlock(header),
			sectionBlock(details),
			sectionBlock(issue.DetailedMessage),
		},
	}
}

// Dispatch renders the issue and delivers it. Best-effort: every failure mode
// is logged and discarded, nothing propagates to the caller.
func (m *Manager) Dispatch(ctx context.Context, issue models.RepetitiveIssue) {
	if !m.Enabled() {
		log.Debug().Str("fingerprint", issue.Fingerprint).Msg("No chat webhook configured, skipping notification")
		return
	}

	if err := m.send(ctx, BuildIssuePayload(issue)); err != nil {
		log.Error().Err(err).
			Str("fingerprint", issue.Fingerprint).
			Int64("issueId", issue.ID).
			Msg("Failed to deliver issue notification")
		return
	}

	log.Info().
		Str("fingerprint", issue.Fingerprint).
		Int64("issueId", issue.ID).
		Msg("Issue notification delivered")
}

// SendTest delivers a minimal test message and returns the delivery error, so
// operators can verify webhook configuration.
func (m *Manager) SendTest(ctx context.Context) error {
	if !m.Enabled() {
		return fmt.Errorf("no chat webhook configured")
	}
	return m.send(ctx, slackPayload{
		Blocks: []slackBlock{sectionBlock(":wave: Faultline webhook test")},
	})
}

func (m *Manager) send(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var lastErr error
	backoff := time.Second

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			log.Debug().Int("attempt", attempt).Dur("backoff", backoff).Msg("Retrying webhook after backoff")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		if err := m.sendOnce(ctx, body); err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt).Msg("Webhook attempt failed")
			continue
		}
		return nil
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", maxRetries, lastErr)
}

func (m *Manager) sendOnce(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Faultline/1.0")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
