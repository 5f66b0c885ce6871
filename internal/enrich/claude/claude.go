// Package claude enriches advisory items with a single-turn Claude call.
// The model is asked for a strict-JSON assessment of the advisory; the
// response fills gaps in the item's vulnerability facts, revises its
// provisional quality ratings, and supplies the business-impact,
// attribution, and tag context the policy router reads.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/advisory"
	"github.com/linnemanlabs/sift/internal/enrich"
)

const systemPrompt = `You are a vulnerability intelligence analyst. Given one security advisory, respond with a single JSON object and nothing else:
{
  "epss_score": <number 0..1 or null if unknown>,
  "known_exploited": <true|false|null if unknown>,
  "exploited_in_wild": <"itw"|"poc"|"none"|"unknown">,
  "business_impact": <true if exploitation would plausibly disrupt business operations>,
  "attribution": <threat actor or campaign name, "" if none known>,
  "tags": [<short lowercase tags such as "ransomware", "supply-chain", "regulatory">],
  "source_reliability": <Admiralty source grade "A".."F", A best, or null if you cannot assess the source>,
  "info_credibility": <Admiralty credibility 1..6, 1 best, or null if you cannot assess the claim>,
  "rating_reason": <one sentence justifying the ratings, "" when not assessed>
}
Only state facts you are confident in. Use null and "unknown" freely.
When you set source_reliability or info_credibility you must also set rating_reason.`

// Provider implements enrich.Provider against the Anthropic Messages API.
type Provider struct {
	client anthropic.Client
	model  anthropic.Model
	logger log.Logger
}

// New builds a Provider for the given API key and model name.
func New(apiKey, model string, logger log.Logger) *Provider {
	return &Provider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
		logger: logger.With("component", "enrich.claude"),
	}
}

// Enrich implements enrich.Provider.
func (p *Provider) Enrich(ctx context.Context, item *advisory.Item) (*advisory.Item, error) {
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: 1024,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(item))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude enrichment: %w", err)
	}

	p.logger.Info(ctx, "claude enrichment response",
		"dedupe_key", item.DedupeKey,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens)

	facts, err := parseAssessment(responseText(msg))
	if err != nil {
		return nil, fmt.Errorf("claude enrichment: %w", err)
	}
	return enrich.Merge(item, facts), nil
}

// buildPrompt renders the advisory the way the system prompt expects it.
func buildPrompt(item *advisory.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", item.Title)
	fmt.Fprintf(&b, "Source: %s (%s)\n", item.SourceName, item.SourceType)
	fmt.Fprintf(&b, "Published: %s\n", item.PublishedAt.Format("2006-01-02"))
	if len(item.CVEIDs) > 0 {
		fmt.Fprintf(&b, "CVEs: %s\n", strings.Join(item.CVEIDs, ", "))
	}
	if item.CVSSScore != nil {
		fmt.Fprintf(&b, "CVSS: %.1f\n", *item.CVSSScore)
	}
	if item.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", item.Summary)
	}
	if item.EvidenceExcerpt != "" {
		fmt.Fprintf(&b, "Evidence: %s\n", item.EvidenceExcerpt)
	}
	return b.String()
}

// responseText concatenates the text blocks of a response.
func responseText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// assessment mirrors the JSON object the system prompt demands.
type assessment struct {
	EPSSScore         *float64 `json:"epss_score"`
	KnownExploited    *bool    `json:"known_exploited"`
	ExploitedInWild   string   `json:"exploited_in_wild"`
	BusinessImpact    bool     `json:"business_impact"`
	Attribution       string   `json:"attribution"`
	Tags              []string `json:"tags"`
	SourceReliability string   `json:"source_reliability"`
	InfoCredibility   int      `json:"info_credibility"`
	RatingReason      string   `json:"rating_reason"`
}

// parseAssessment extracts and validates the JSON object from a model
// response. Models occasionally wrap the object in code fences or prose,
// so parsing starts at the first brace and ends at the last.
func parseAssessment(text string) (enrich.Facts, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return enrich.Facts{}, fmt.Errorf("no JSON object in response: %q", clip(text, 120))
	}

	var a assessment
	if err := json.Unmarshal([]byte(text[start:end+1]), &a); err != nil {
		return enrich.Facts{}, fmt.Errorf("parse assessment: %w", err)
	}

	if a.EPSSScore != nil && (*a.EPSSScore < 0 || *a.EPSSScore > 1) {
		return enrich.Facts{}, fmt.Errorf("epss_score %v outside [0,1]", *a.EPSSScore)
	}
	status := advisory.ExploitStatus(a.ExploitedInWild)
	switch status {
	case advisory.ExploitITW, advisory.ExploitPoC, advisory.ExploitNone, advisory.ExploitUnknown, "":
	default:
		return enrich.Facts{}, fmt.Errorf("invalid exploited_in_wild %q", a.ExploitedInWild)
	}

	rel := advisory.Reliability(a.SourceReliability)
	cred := advisory.Credibility(a.InfoCredibility)
	if rel.Known() && !rel.Valid() {
		return enrich.Facts{}, fmt.Errorf("invalid source_reliability %q", a.SourceReliability)
	}
	if cred.Known() && !cred.Valid() {
		return enrich.Facts{}, fmt.Errorf("info_credibility %d outside 1..6", a.InfoCredibility)
	}
	if (rel.Known() || cred.Known()) && a.RatingReason == "" {
		return enrich.Facts{}, fmt.Errorf("rating_reason required when a rating is set")
	}

	return enrich.Facts{
		EPSSScore:       a.EPSSScore,
		KnownExploited:  a.KnownExploited,
		ExploitedInWild: status,
		BusinessImpact:  a.BusinessImpact,
		Attribution:     a.Attribution,
		Tags:            a.Tags,
		Reliability:     rel,
		Credibility:     cred,
		RatingReason:    a.RatingReason,
	}, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
