// Package normalize canonicalizes raw advisory records into the standard
// Item shape and rejects malformed records. Normalization is pure: all
// output is returned, nothing is persisted, so the stage is trivially
// re-runnable.
package normalize

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/advisory"
)

const (
	maxSummaryLen = 300
	maxExcerptLen = 150
)

// Publication timestamps older than this are rejected as implausible.
var earliestPlausible = time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)

// cveStrict is the canonical CVE identifier pattern. cveLoose catches
// near-misses (wrong case, wrong digit count) so they can be logged.
var (
	cveStrict = regexp.MustCompile(`\bCVE-\d{4}-\d{4,7}\b`)
	cveLoose  = regexp.MustCompile(`(?i)\bcve-\d{4}-\d{1,9}\b`)
)

// timestampLayouts are tried in order. Covers the ISO-8601 variants feeds
// actually emit plus the RFC-2822 family used by RSS pubDate.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	"2006-01-02",
}

// RejectError reports a record-level validation failure. Rejects are
// permanent: the same input can never normalize differently, so they are
// never retried.
type RejectError struct {
	Field  string
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("record rejected: %s: %s", e.Field, e.Reason)
}

// productPattern maps a title/summary regexp to the vendor it identifies.
type productPattern struct {
	re     *regexp.Regexp
	vendor string
}

var productPatterns = []productPattern{
	{regexp.MustCompile(`(?i)Microsoft\s+(Exchange|Windows|Office|Azure|Teams)`), "Microsoft"},
	{regexp.MustCompile(`(?i)Cisco\s+(ASA|IOS|AnyConnect|Webex)`), "Cisco"},
	{regexp.MustCompile(`(?i)VMware\s+(vSphere|ESXi|vCenter|Horizon)`), "VMware"},
	{regexp.MustCompile(`(?i)Oracle\s+(WebLogic|Database|Java)`), "Oracle"},
	{regexp.MustCompile(`(?i)Apache\s+(Struts|Tomcat|HTTP Server|Log4j)`), "Apache"},
	{regexp.MustCompile(`(?i)Fortinet\s+(FortiGate|FortiOS|FortiManager)`), "Fortinet"},
	{regexp.MustCompile(`(?i)Ivanti\s+(Connect Secure|Policy Secure|Endpoint Manager)`), "Ivanti"},
}

// highTrustSources always rate A/2 regardless of source type.
var highTrustSources = []string{"CISA", "Microsoft Security", "NCSC", "US-CERT"}

// Normalizer converts raw records into canonical Items.
type Normalizer struct {
	logger log.Logger
	now    func() time.Time
}

// New creates a Normalizer. A nil logger falls back to a no-op logger.
func New(logger log.Logger) *Normalizer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Normalizer{logger: logger, now: time.Now}
}

// Normalize validates and canonicalizes one raw record. A missing title,
// source URL, or unparseable publication timestamp is a hard reject for
// that record only; the returned error is a *RejectError in those cases.
func (n *Normalizer) Normalize(ctx context.Context, rec advisory.RawRecord) (*advisory.Item, error) {
	title := strings.TrimSpace(rec.Title)
	if title == "" {
		return nil, &RejectError{Field: "title", Reason: "missing"}
	}

	sourceURL := strings.TrimSpace(rec.SourceURL)
	if sourceURL == "" {
		return nil, &RejectError{Field: "source_url", Reason: "missing"}
	}

	published, err := n.parseTimestamp(rec.PublishedAtRaw)
	if err != nil {
		return nil, &RejectError{Field: "published_at_raw", Reason: err.Error()}
	}

	summary := truncate(strings.TrimSpace(rec.Summary), maxSummaryLen)

	excerpt := strings.TrimSpace(rec.EvidenceExcerpt)
	if excerpt == "" {
		// evidence must be a verbatim quote, never fabricated; the summary
		// head is the closest verbatim text we have
		excerpt = truncate(summary, maxExcerptLen)
	}

	sourceType := canonicalSourceType(rec.SourceType)
	sourceName := strings.TrimSpace(rec.SourceName)
	if sourceName == "" {
		sourceName = "unknown"
	}

	now := n.now().UTC()

	item := &advisory.Item{
		SourceType:      sourceType,
		SourceName:      sourceName,
		SourceURL:       sourceURL,
		PublishedAt:     published,
		Title:           title,
		Summary:         summary,
		EvidenceExcerpt: excerpt,
		ExploitedInWild: advisory.ExploitUnknown,
		CVEIDs:          n.extractCVEs(ctx, title, summary, excerpt),
		CollectedAt:     now,
		NormalizedAt:    now,
	}
	item.AffectedProducts = extractProducts(title + " " + summary)

	rel, cred, reason := defaultRating(sourceType, sourceName)
	item.SourceReliability = rel
	item.InfoCredibility = cred
	item.RatingReason = reason

	return item, nil
}

// parseTimestamp accepts any supported layout and converts to UTC. Values
// outside [1999-01-01, now+24h] are implausible and rejected.
func (n *Normalizer) parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing")
	}

	var ts time.Time
	var parsed bool
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			ts = t.UTC()
			parsed = true
			break
		}
	}
	if !parsed {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
	}

	if ts.Before(earliestPlausible) || ts.After(n.now().UTC().Add(24*time.Hour)) {
		return time.Time{}, fmt.Errorf("implausible timestamp %s", ts.Format(time.RFC3339))
	}
	return ts, nil
}

// extractCVEs scans the item text with the canonical pattern. Near-matches
// with wrong case or digit count are dropped from the set but logged; they
// are never a record-level failure.
func (n *Normalizer) extractCVEs(ctx context.Context, parts ...string) []string {
	text := strings.Join(parts, " ")

	valid := map[string]bool{}
	for _, m := range cveStrict.FindAllString(text, -1) {
		valid[m] = true
	}

	for _, m := range cveLoose.FindAllString(text, -1) {
		if !valid[m] {
			n.logger.Warn(ctx, "dropping invalid CVE near-match", "candidate", m)
		}
	}

	if len(valid) == 0 {
		return nil
	}
	out := make([]string, 0, len(valid))
	for cve := range valid {
		out = append(out, cve)
	}
	sort.Strings(out)
	return out
}

// canonicalSourceType maps collector-supplied type labels onto the four
// canonical source types. Unrecognized labels fall back to "feed".
func canonicalSourceType(raw string) advisory.SourceType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "vendor":
		return advisory.SourceVendor
	case "bulletin", "cert", "advisory":
		return advisory.SourceBulletin
	case "api", "database":
		return advisory.SourceAPI
	default:
		return advisory.SourceFeed
	}
}

// defaultRating assigns provisional Admiralty ratings by source type.
// Enrichment may overwrite these with rated values later.
func defaultRating(st advisory.SourceType, sourceName string) (advisory.Reliability, advisory.Credibility, string) {
	for _, trusted := range highTrustSources {
		if strings.Contains(sourceName, trusted) {
			return advisory.ReliabilityA, 2, "High-trust source: " + sourceName
		}
	}

	switch st {
	case advisory.SourceVendor:
		return advisory.ReliabilityB, 2, "Official vendor security advisory"
	case advisory.SourceBulletin:
		return advisory.ReliabilityB, 2, "CERT/CSIRT bulletin"
	case advisory.SourceAPI:
		return advisory.ReliabilityB, 3, "Vulnerability database entry"
	default:
		return advisory.ReliabilityC, 4, "Security news or community feed"
	}
}

func extractProducts(text string) []advisory.Product {
	var products []advisory.Product
	for _, p := range productPatterns {
		if m := p.re.FindStringSubmatch(text); m != nil {
			products = append(products, advisory.Product{Vendor: p.vendor, Product: m[1]})
		}
	}
	return products
}

// truncate cuts s to at most limit bytes, backing off to a rune boundary so
// the result is always valid UTF-8.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
