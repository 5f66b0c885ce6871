// Package enrich adds vulnerability context to normalized advisory items:
// exploitation scores, threat-actor attribution, business-impact assessment,
// tags, and Admiralty quality ratings. Providers augment items without
// overwriting facts the collector already supplied; the quality ratings are
// the exception, since the normalizer's ratings are provisional defaults
// that a rated assessment replaces.
package enrich

import (
	"context"

	"github.com/linnemanlabs/sift/internal/advisory"
)

// Provider fills in missing vulnerability context on an item. Enrich must
// not mutate its argument; it returns a copy with fields filled in. An
// error means the item could not be enriched and should be retried or
// counted as failed, not that the item is invalid.
type Provider interface {
	Enrich(ctx context.Context, item *advisory.Item) (*advisory.Item, error)
}

// Facts is one provider's view of a vulnerability. Nil pointer fields mean
// the provider has no opinion and the item's value is left alone.
type Facts struct {
	CVSSScore       *float64
	EPSSScore       *float64
	KnownExploited  *bool
	ExploitedInWild advisory.ExploitStatus
	BusinessImpact  bool
	Attribution     string
	Tags            []string

	// Admiralty rating assessed by the provider. Applied only when both
	// grades are valid and a reason is given; RatingReason is mandatory
	// whenever a rating is set.
	Reliability  advisory.Reliability
	Credibility  advisory.Credibility
	RatingReason string
}

// Merge overlays facts onto a copy of item. Existing item values win:
// enrichment only fills gaps. Quality ratings are the one exception, see
// the Facts rating fields.
func Merge(item *advisory.Item, f Facts) *advisory.Item {
	out := *item

	if out.CVSSScore == nil && f.CVSSScore != nil {
		v := *f.CVSSScore
		out.CVSSScore = &v
	}
	if out.EPSSScore == nil && f.EPSSScore != nil {
		v := *f.EPSSScore
		out.EPSSScore = &v
	}
	if out.KnownExploited == nil && f.KnownExploited != nil {
		v := *f.KnownExploited
		out.KnownExploited = &v
	}
	if (out.ExploitedInWild == "" || out.ExploitedInWild == advisory.ExploitUnknown) && f.ExploitedInWild != "" {
		out.ExploitedInWild = f.ExploitedInWild
	}
	if f.BusinessImpact {
		out.BusinessImpact = true
	}
	if out.Attribution == "" && f.Attribution != "" {
		out.Attribution = f.Attribution
	}
	if len(f.Tags) > 0 {
		out.Tags = appendMissing(out.Tags, f.Tags)
	}
	if f.Reliability.Valid() && f.Credibility.Valid() && f.RatingReason != "" {
		out.SourceReliability = f.Reliability
		out.InfoCredibility = f.Credibility
		out.RatingReason = f.RatingReason
	}

	return &out
}

// appendMissing appends the elements of add not already present, preserving
// order. The input slice is not modified.
func appendMissing(have, add []string) []string {
	out := make([]string, len(have), len(have)+len(add))
	copy(out, have)
	seen := make(map[string]struct{}, len(have))
	for _, t := range have {
		seen[t] = struct{}{}
	}
	for _, t := range add {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Static is an offline Provider backed by a fixed facts table keyed by CVE
// ID. Items without a matching CVE pass through unchanged. It is the
// provider of choice for tests and for deployments without an LLM key.
type Static struct {
	ByCVE map[string]Facts
}

// NewStatic builds a Static provider. byCVE may be nil for a pure pass-through.
func NewStatic(byCVE map[string]Facts) *Static {
	return &Static{ByCVE: byCVE}
}

// Enrich implements Provider.
func (s *Static) Enrich(_ context.Context, item *advisory.Item) (*advisory.Item, error) {
	for _, cve := range item.CVEIDs {
		if f, ok := s.ByCVE[cve]; ok {
			return Merge(item, f), nil
		}
	}
	out := *item
	return &out, nil
}
