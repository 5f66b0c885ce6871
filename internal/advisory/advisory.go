// Package advisory defines the canonical data model for Sift's routing
// pipeline: the raw record shape received from feed collectors, the
// normalized Item every downstream component operates on, and the routing
// Decision produced for each unique item.
package advisory

import "time"

// SourceType classifies where an advisory record came from.
type SourceType string

const (
	SourceFeed     SourceType = "feed"
	SourceVendor   SourceType = "vendor"
	SourceBulletin SourceType = "bulletin"
	SourceAPI      SourceType = "api"
)

// ExploitStatus reports observed exploitation of a vulnerability.
// Unknown is a distinct state from "none": none means verified-not-exploited,
// unknown means nobody has said either way.
type ExploitStatus string

const (
	ExploitITW     ExploitStatus = "itw"
	ExploitPoC     ExploitStatus = "poc"
	ExploitNone    ExploitStatus = "none"
	ExploitUnknown ExploitStatus = "unknown"
)

// Reliability is the Admiralty source-reliability ordinal, A (best) to F.
// The zero value means "not rated".
type Reliability string

const (
	ReliabilityA Reliability = "A"
	ReliabilityB Reliability = "B"
	ReliabilityC Reliability = "C"
	ReliabilityD Reliability = "D"
	ReliabilityE Reliability = "E"
	ReliabilityF Reliability = "F"
)

// Known reports whether a rating has been assigned.
func (r Reliability) Known() bool { return r != "" }

// Valid reports whether r is one of the six Admiralty grades.
func (r Reliability) Valid() bool {
	switch r {
	case ReliabilityA, ReliabilityB, ReliabilityC, ReliabilityD, ReliabilityE, ReliabilityF:
		return true
	}
	return false
}

// Credibility is the Admiralty information-credibility ordinal, 1 (best) to 6.
// Zero means "not rated".
type Credibility int

// Known reports whether a rating has been assigned.
func (c Credibility) Known() bool { return c != 0 }

// Valid reports whether c is in the 1..6 range.
func (c Credibility) Valid() bool { return c >= 1 && c <= 6 }

// Product identifies an affected vendor product.
type Product struct {
	Vendor   string   `json:"vendor"`
	Product  string   `json:"product"`
	Versions []string `json:"versions,omitempty"`
}

// RawRecord is the flat key/value shape supplied by the feed-collection
// collaborator. It is validated exactly once, by the Normalizer; nothing
// below that boundary ever sees a RawRecord.
type RawRecord struct {
	Title           string `json:"title"`
	SourceURL       string `json:"source_url"`
	PublishedAtRaw  string `json:"published_at_raw"`
	Summary         string `json:"summary,omitempty"`
	SourceName      string `json:"source_name,omitempty"`
	SourceType      string `json:"source_type,omitempty"`
	EvidenceExcerpt string `json:"evidence_excerpt,omitempty"`
}

// Item is the canonical unit of work. Vulnerability facts are pointers
// because "unknown" is a valid state distinct from zero: a nil CVSSScore
// means nobody has scored it, not that it scored 0.0.
type Item struct {
	// Identity. Assigned by the dedup engine, immutable afterwards.
	DedupeKey string `json:"dedupe_key"`

	// Provenance.
	SourceType  SourceType `json:"source_type"`
	SourceName  string     `json:"source_name"`
	SourceURL   string     `json:"source_url"`
	PublishedAt time.Time  `json:"published_at"`

	// Content.
	Title           string `json:"title"`
	Summary         string `json:"summary,omitempty"`
	EvidenceExcerpt string `json:"evidence_excerpt,omitempty"`

	// Vulnerability facts. All nullable.
	CVEIDs           []string      `json:"cve_ids,omitempty"`
	CVSSScore        *float64      `json:"cvss_score,omitempty"`
	EPSSScore        *float64      `json:"epss_score,omitempty"`
	KnownExploited   *bool         `json:"known_exploited,omitempty"`
	ExploitedInWild  ExploitStatus `json:"exploited_in_wild,omitempty"`
	AffectedProducts []Product     `json:"affected_products,omitempty"`

	// Enrichment context.
	BusinessImpact bool     `json:"business_impact,omitempty"`
	Attribution    string   `json:"attribution,omitempty"`
	Tags           []string `json:"tags,omitempty"`

	// Quality rating. RatingReason is mandatory whenever a rating is set.
	SourceReliability Reliability `json:"source_reliability,omitempty"`
	InfoCredibility   Credibility `json:"info_credibility,omitempty"`
	RatingReason      string      `json:"rating_reason,omitempty"`

	// Lifecycle.
	CollectedAt  time.Time `json:"collected_at"`
	NormalizedAt time.Time `json:"normalized_at"`
}

// LowQuality reports whether the item fails the quality gate: Admiralty
// source reliability E/F or information credibility 5/6. Such items must
// never leave the router with anything but a DROP decision.
func (it *Item) LowQuality() bool {
	if it.SourceReliability == ReliabilityE || it.SourceReliability == ReliabilityF {
		return true
	}
	return it.InfoCredibility == 5 || it.InfoCredibility == 6
}
