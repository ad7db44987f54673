package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/allowance-scanner/internal/retry"
)

// maxChangesShown caps the per-message detail list; the count is always exact
const maxChangesShown = 10

// SlackNotifier posts drift alerts to an incoming webhook
type SlackNotifier struct {
	webhookURL string
	username   string
	channel    string
	iconEmoji  string
	retry      retry.Config
	httpClient *http.Client
}

// NewSlackNotifier creates a new Slack notifier instance
func NewSlackNotifier(webhookURL, channel string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		username:   "Allowance Scanner",
		channel:    channel,
		iconEmoji:  ":rotating_light:",
		retry: retry.Config{
			MaxAttempts:  4,
			InitialDelay: 2 * time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
			ShouldRetry:  isRetryableSlackError,
		},
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SlackMessage represents a Slack message structure
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Username    string            `json:"username,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NotifyDrift implements Notifier
func (sn *SlackNotifier) NotifyDrift(ctx context.Context, alert *DriftAlert) error {
	if len(alert.Changes) == 0 {
		return nil
	}
	return sn.sendMessage(ctx, sn.buildDriftMessage(alert))
}

func (sn *SlackNotifier) buildDriftMessage(alert *DriftAlert) *SlackMessage {
	unlimited := 0
	for _, c := range alert.Changes {
		if c.Allowance.IsUnlimited {
			unlimited++
		}
	}

	color := "warning"
	if unlimited > 0 {
		color = "danger"
	}

	attachment := SlackAttachment{
		Color:     color,
		Title:     fmt.Sprintf("Wallet %s", alert.Wallet),
		Footer:    "Allowance Scanner",
		Timestamp: alert.DetectedAt.Unix(),
		Fields: []SlackField{
			{Title: "Changed Approvals", Value: fmt.Sprintf("%d", len(alert.Changes)), Short: true},
			{Title: "Unlimited", Value: fmt.Sprintf("%d", unlimited), Short: true},
		},
	}

	lines := make([]string, 0, maxChangesShown+1)
	for i, c := range alert.Changes {
		if i == maxChangesShown {
			lines = append(lines, fmt.Sprintf("... and %d more", len(alert.Changes)-maxChangesShown))
			break
		}
		lines = append(lines, formatChange(c))
	}
	attachment.Text = strings.Join(lines, "\n")

	return &SlackMessage{
		Text:        ":warning: *New token approvals detected*",
		Username:    sn.username,
		Channel:     sn.channel,
		IconEmoji:   sn.iconEmoji,
		Attachments: []SlackAttachment{attachment},
	}
}

func formatChange(c Change) string {
	a := c.Allowance
	token := a.TokenAddress
	if a.TokenSymbol != nil && *a.TokenSymbol != "" {
		token = *a.TokenSymbol
	}
	spender := a.SpenderAddress
	if a.SpenderLabel != nil && *a.SpenderLabel != "" {
		spender = *a.SpenderLabel
	}
	amount := a.Amount
	if a.IsUnlimited {
		amount = "unlimited"
	}

	line := fmt.Sprintf("[%s] %s %s -> %s: %s (risk %.0f)", a.ChainID, c.Kind, token, spender, amount, a.RiskScore)
	if c.Kind == ChangeIncreased && c.PreviousAmount != "" {
		line += fmt.Sprintf(", was %s", c.PreviousAmount)
	}
	return line
}

// slackStatusError is a non-2xx webhook response
type slackStatusError struct {
	status int
}

func (e *slackStatusError) Error() string {
	return fmt.Sprintf("slack API returned status %d", e.status)
}

// isRetryableSlackError retries transport failures and 5xx/429 responses
func isRetryableSlackError(err error) bool {
	if statusErr, ok := err.(*slackStatusError); ok {
		return statusErr.status >= 500 || statusErr.status == http.StatusTooManyRequests
	}
	return retry.IsRetryable(err) || strings.Contains(err.Error(), "failed to send request")
}

// sendMessage sends a message to Slack with retry
func (sn *SlackNotifier) sendMessage(ctx context.Context, message *SlackMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack message: %w", err)
	}

	result, err := retry.Do(ctx, sn.retry, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sn.webhookURL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := sn.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			return nil
		}
		return &slackStatusError{status: resp.StatusCode}
	})
	if err != nil {
		return fmt.Errorf("failed to send Slack notification after %d attempts: %w", result.Attempts, err)
	}
	return nil
}

// ValidateConfiguration validates the Slack notifier configuration
func (sn *SlackNotifier) ValidateConfiguration() error {
	if sn.webhookURL == "" {
		return fmt.Errorf("Slack webhook URL is required")
	}
	if !strings.HasPrefix(sn.webhookURL, "https://hooks.slack.com/") {
		return fmt.Errorf("invalid Slack webhook URL format")
	}
	return nil
}
