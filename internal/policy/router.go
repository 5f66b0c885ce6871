// Package policy routes enriched advisory items to output lanes by
// evaluating an ordered rule set against the item's vulnerability facts,
// quality ratings, and the organization's asset lists. Routing is pure:
// the same item, policy, and decision time always produce the same
// decision, and routing itself never fails.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/sift/internal/advisory"
)

// evalContext carries everything a rule may look at, computed once per item.
type evalContext struct {
	item      *advisory.Item
	exposure  advisory.AssetExposure
	decidedAt time.Time
}

// Rule is one step of the ordered rule set. Match reports whether the rule
// applies; Decide builds the decision when it does. First match wins.
type Rule struct {
	Name   string
	Match  func(ev evalContext) bool
	Decide func(ev evalContext) advisory.Decision
}

// Router evaluates the rule set for a fixed policy Config.
type Router struct {
	cfg   Config
	rules []Rule
}

// NewRouter builds the ordered rule set for cfg.
func NewRouter(cfg Config) *Router {
	r := &Router{cfg: cfg}
	r.rules = []Rule{
		{Name: "quality-gate", Match: r.matchQualityGate, Decide: r.decideQualityGate},
		{Name: "technical-alert", Match: r.matchTechnicalAlert, Decide: r.decideTechnicalAlert},
		{Name: "executive-report", Match: r.matchExecutiveReport, Decide: r.decideExecutiveReport},
		{Name: "watchlist-default", Match: func(evalContext) bool { return true }, Decide: r.decideWatchlist},
	}
	return r
}

// RuleNames returns the rule set in evaluation order.
func (r *Router) RuleNames() []string {
	names := make([]string, len(r.rules))
	for i, rule := range r.rules {
		names[i] = rule.Name
	}
	return names
}

// Route decides the lane, owner, priority, and SLA for item. decidedAt
// anchors SLA deadlines so that replaying a run reproduces its decisions.
// Route never returns an error: an item it cannot fully evaluate degrades
// to the watchlist with the gap recorded in the reasoning.
func (r *Router) Route(item *advisory.Item, decidedAt time.Time) advisory.Decision {
	if field, ok := missingField(item); ok {
		return advisory.Decision{
			DedupeKey:     item.DedupeKey,
			Lane:          advisory.LaneWatchlist,
			OwnerTeam:     advisory.OwnerNone,
			Priority:      advisory.PriorityP4,
			Reasoning:     "policy evaluation incomplete: " + field,
			RuleName:      "watchlist-default",
			AssetExposure: advisory.ExposureNone,
			DecidedAt:     decidedAt,
		}
	}

	ev := evalContext{item: item, exposure: r.exposure(item), decidedAt: decidedAt}
	for _, rule := range r.rules {
		if !rule.Match(ev) {
			continue
		}
		d := rule.Decide(ev)
		d.DedupeKey = item.DedupeKey
		d.RuleName = rule.Name
		d.AssetExposure = ev.exposure
		d.DecidedAt = decidedAt
		return d
	}

	// Unreachable: the default rule matches everything.
	return r.decideWatchlist(ev)
}

// missingField reports the first field the rule set needs but cannot read.
// Vulnerability facts are allowed to be absent (unknown is a valid state);
// quality ratings are not, since the quality gate cannot run without them.
func missingField(item *advisory.Item) (string, bool) {
	if !item.SourceReliability.Valid() {
		return "source_reliability", true
	}
	if !item.InfoCredibility.Valid() {
		return "info_credibility", true
	}
	return "", false
}

func (r *Router) matchQualityGate(ev evalContext) bool {
	return ev.item.LowQuality()
}

func (r *Router) decideQualityGate(ev evalContext) advisory.Decision {
	return advisory.Decision{
		Lane:      advisory.LaneDrop,
		OwnerTeam: advisory.OwnerNone,
		Priority:  advisory.PriorityNone,
		Reasoning: fmt.Sprintf("quality gate: source reliability %s, information credibility %d below floor",
			ev.item.SourceReliability, ev.item.InfoCredibility),
	}
}

// Technical-alert conditions, checked in severity order so the first one
// that holds also fixes the priority.

func (r *Router) kev(ev evalContext) bool {
	return ev.item.KnownExploited != nil && *ev.item.KnownExploited
}

func (r *Router) epssHigh(ev evalContext) bool {
	return ev.item.EPSSScore != nil && *ev.item.EPSSScore >= r.cfg.EPSSThreshold
}

func (r *Router) itwOnCrownJewel(ev evalContext) bool {
	return ev.item.ExploitedInWild == advisory.ExploitITW && ev.exposure == advisory.ExposureCrownJewel
}

func (r *Router) criticalOnTracked(ev evalContext) bool {
	return ev.item.CVSSScore != nil && *ev.item.CVSSScore >= r.cfg.CVSSThreshold &&
		ev.exposure != advisory.ExposureNone
}

func (r *Router) matchTechnicalAlert(ev evalContext) bool {
	return r.kev(ev) || r.epssHigh(ev) || r.itwOnCrownJewel(ev) || r.criticalOnTracked(ev)
}

func (r *Router) decideTechnicalAlert(ev evalContext) advisory.Decision {
	var (
		priority  advisory.Priority
		deadline  Duration
		reasoning string
	)
	switch {
	case r.kev(ev) && ev.exposure == advisory.ExposureCrownJewel:
		priority, deadline = advisory.PriorityP0, r.cfg.SLA.P0
		reasoning = "known exploited vulnerability affecting a crown-jewel asset"
	case r.kev(ev):
		priority, deadline = advisory.PriorityP1, r.cfg.SLA.P1
		reasoning = "vulnerability on the known-exploited list"
	case r.epssHigh(ev):
		priority, deadline = advisory.PriorityP1, r.cfg.SLA.P1
		reasoning = fmt.Sprintf("EPSS %.2f at or above threshold %.2f", *ev.item.EPSSScore, r.cfg.EPSSThreshold)
	case r.itwOnCrownJewel(ev):
		priority, deadline = advisory.PriorityP1, r.cfg.SLA.P1
		reasoning = "exploitation in the wild reported against a crown-jewel asset"
	default:
		priority, deadline = advisory.PriorityP2, r.cfg.SLA.P2
		reasoning = fmt.Sprintf("CVSS %.1f at or above threshold %.1f on a tracked asset", *ev.item.CVSSScore, r.cfg.CVSSThreshold)
	}

	// Every technical alert goes to the SOC, which triages and hands off
	// to vulnerability management as needed.
	due := ev.decidedAt.Add(time.Duration(deadline))
	return advisory.Decision{
		Lane:      advisory.LaneTechnicalAlert,
		OwnerTeam: advisory.OwnerSOC,
		Priority:  priority,
		SLADueAt:  &due,
		Reasoning: reasoning,
	}
}

func (r *Router) matchExecutiveReport(ev evalContext) bool {
	critical := ev.item.CVSSScore != nil && *ev.item.CVSSScore >= r.cfg.CVSSThreshold
	if critical && ev.item.BusinessImpact {
		return true
	}
	if containsAny(ev.item.Tags, r.cfg.RegulatoryTags) {
		return true
	}
	return matchesAnyMarker(ev.item.Attribution, r.cfg.NationStateMarkers)
}

func (r *Router) decideExecutiveReport(ev evalContext) advisory.Decision {
	var reasoning string
	switch {
	case containsAny(ev.item.Tags, r.cfg.RegulatoryTags):
		reasoning = "regulatory or compliance exposure flagged during enrichment"
	case matchesAnyMarker(ev.item.Attribution, r.cfg.NationStateMarkers):
		reasoning = "attributed to nation-state activity: " + ev.item.Attribution
	default:
		reasoning = fmt.Sprintf("critical severity (CVSS %.1f) with assessed business impact", *ev.item.CVSSScore)
	}

	return advisory.Decision{
		Lane:      advisory.LaneExecReport,
		OwnerTeam: advisory.OwnerExec,
		Priority:  advisory.PriorityP3,
		Reasoning: reasoning,
	}
}

func (r *Router) decideWatchlist(ev evalContext) advisory.Decision {
	return advisory.Decision{
		Lane:      advisory.LaneWatchlist,
		OwnerTeam: advisory.OwnerNone,
		Priority:  advisory.PriorityP4,
		Reasoning: "no alerting condition met, retained for trend analysis",
	}
}

// exposure resolves the highest asset tier the item touches. Crown jewels
// outrank business-critical assets, which outrank merely tracked ones.
func (r *Router) exposure(item *advisory.Item) advisory.AssetExposure {
	switch {
	case matchesAnyAsset(item, r.cfg.CrownJewels):
		return advisory.ExposureCrownJewel
	case matchesAnyAsset(item, r.cfg.BusinessCritical):
		return advisory.ExposureBusinessCritical
	case matchesAnyAsset(item, r.cfg.TrackedAssets):
		return advisory.ExposureStandard
	default:
		return advisory.ExposureNone
	}
}

func matchesAnyAsset(item *advisory.Item, assets []Asset) bool {
	for _, a := range assets {
		if matchesAsset(item, a) {
			return true
		}
	}
	return false
}

func matchesAsset(item *advisory.Item, a Asset) bool {
	if a.Vendor != "" && a.Product != "" {
		for _, p := range item.AffectedProducts {
			if strings.EqualFold(p.Vendor, a.Vendor) && containsFold(p.Product, a.Product) {
				return true
			}
		}
	}
	if a.Name != "" {
		if containsFold(item.Title, a.Name) || containsFold(item.Summary, a.Name) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func containsAny(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}

func matchesAnyMarker(s string, markers []string) bool {
	if s == "" {
		return false
	}
	for _, m := range markers {
		if containsFold(s, m) {
			return true
		}
	}
	return false
}
