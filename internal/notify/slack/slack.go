// Package slack delivers routed advisory decisions to Slack via incoming
// webhooks.
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
	"unicode/utf8"

	"github.com/linnemanlabs/sift/internal/advisory"
)

const (
	maxSummaryLen = 2800
	httpTimeout   = 10 * time.Second
)

// Sink posts technical alerts and executive reports to a Slack webhook.
type Sink struct {
	webhookURL string
	lanes      []advisory.Lane
	client     *http.Client
}

// New creates a Slack sink subscribed to the given lanes. If webhookURL is
// empty, Deliver is a no-op.
func New(webhookURL string, lanes ...advisory.Lane) *Sink {
	if len(lanes) == 0 {
		lanes = []advisory.Lane{advisory.LaneTechnicalAlert, advisory.LaneExecReport}
	}
	return &Sink{
		webhookURL: webhookURL,
		lanes:      lanes,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Name implements notify.Sink.
func (s *Sink) Name() string { return "slack" }

// Lanes implements notify.Sink.
func (s *Sink) Lanes() []advisory.Lane { return s.lanes }

// Deliver posts the decision to the configured webhook.
func (s *Sink) Deliver(ctx context.Context, routed *advisory.Routed) error {
	if s.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(routed))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
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

func buildMessage(r *advisory.Routed) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(r),
			{"type": "divider"},
			fieldsBlock(r),
			{"type": "divider"},
			summaryBlock(r),
			{"type": "divider"},
			contextBlock(r),
		},
	}
}

func headerBlock(r *advisory.Routed) map[string]any {
	text := fmt.Sprintf("%s %s: %s", priorityEmoji(r.Decision.Priority), laneTitle(r.Decision.Lane), r.Item.Title)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, 150), // Slack header limit
		},
	}
}

func fieldsBlock(r *advisory.Routed) map[string]any {
	d := r.Decision
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Priority:* %s", orDash(string(d.Priority))),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Owner:* %s", d.OwnerTeam),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*SLA due:* %s", formatSLA(d.SLADueAt)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Exposure:* %s", d.AssetExposure),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*CVEs:* %s", orDash(strings.Join(r.Item.CVEIDs, ", "))),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Source:* %s", r.Item.SourceName),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func summaryBlock(r *advisory.Routed) map[string]any {
	text := truncate(r.Item.Summary, maxSummaryLen)
	if text == "" {
		text = "_No summary available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Summary*\n\n%s\n\n*Routing:* %s", text, r.Decision.Reasoning),
		},
	}
}

func contextBlock(r *advisory.Routed) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("sift • %s • %s",
				shortKey(r.Item.DedupeKey),
				r.Decision.DecidedAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func laneTitle(lane advisory.Lane) string {
	switch lane {
	case advisory.LaneTechnicalAlert:
		return "Technical Alert"
	case advisory.LaneExecReport:
		return "Executive Report"
	case advisory.LaneWatchlist:
		return "Watchlist"
	default:
		return string(lane)
	}
}

func priorityEmoji(p advisory.Priority) string {
	switch p {
	case advisory.PriorityP0:
		return "\U0001f6a8" // rotating light
	case advisory.PriorityP1:
		return "\U0001f534" // red circle
	case advisory.PriorityP2:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func formatSLA(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04 UTC")
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncate cuts s to at most limit bytes with a trailing ellipsis, backing
// off to a rune boundary so the result is always valid UTF-8.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
