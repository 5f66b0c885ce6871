package normalize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/advisory"
)

// fixedNow anchors plausibility checks so tests don't depend on wall clock.
var fixedNow = time.Date(2024, 9, 20, 12, 0, 0, 0, time.UTC)

func testNormalizer() *Normalizer {
	n := New(log.Nop())
	n.now = func() time.Time { return fixedNow }
	return n
}

func validRecord() advisory.RawRecord {
	return advisory.RawRecord{
		Title:          "CISA Adds CVE-2024-12345 to KEV",
		SourceURL:      "https://cisa.example/kev/2024-12345",
		PublishedAtRaw: "Wed, 13 Sep 2024 08:00:00 GMT",
		Summary:        "CISA added CVE-2024-12345 affecting Ivanti Connect Secure to the KEV catalog.",
		SourceName:     "CISA Cybersecurity Advisories",
		SourceType:     "cert",
	}
}

func TestNormalize_ValidRecord(t *testing.T) {
	t.Parallel()

	item, err := testNormalizer().Normalize(context.Background(), validRecord())
	if err != nil {
		t.Fatalf("Normalize() = %v, want nil", err)
	}

	if item.Title != "CISA Adds CVE-2024-12345 to KEV" {
		t.Errorf("Title = %q", item.Title)
	}
	if item.SourceType != advisory.SourceBulletin {
		t.Errorf("SourceType = %q, want %q", item.SourceType, advisory.SourceBulletin)
	}
	wantPub := time.Date(2024, 9, 13, 8, 0, 0, 0, time.UTC)
	if !item.PublishedAt.Equal(wantPub) {
		t.Errorf("PublishedAt = %v, want %v", item.PublishedAt, wantPub)
	}
	if diff := cmp.Diff([]string{"CVE-2024-12345"}, item.CVEIDs); diff != "" {
		t.Errorf("CVEIDs mismatch (-want +got):\n%s", diff)
	}
	if item.ExploitedInWild != advisory.ExploitUnknown {
		t.Errorf("ExploitedInWild = %q, want unknown", item.ExploitedInWild)
	}
	// CISA is a high-trust source name.
	if item.SourceReliability != advisory.ReliabilityA || item.InfoCredibility != 2 {
		t.Errorf("rating = %s/%d, want A/2", item.SourceReliability, item.InfoCredibility)
	}
	if item.RatingReason == "" {
		t.Error("expected non-empty RatingReason with rating set")
	}
	if len(item.AffectedProducts) != 1 || item.AffectedProducts[0].Vendor != "Ivanti" {
		t.Errorf("AffectedProducts = %+v, want single Ivanti product", item.AffectedProducts)
	}
	if item.NormalizedAt.IsZero() || item.CollectedAt.IsZero() {
		t.Error("expected lifecycle timestamps to be set")
	}
	if item.DedupeKey != "" {
		t.Errorf("DedupeKey = %q, want unset (assigned by dedup engine)", item.DedupeKey)
	}
}

func TestNormalize_HardRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*advisory.RawRecord)
		wantField string
	}{
		{"missing title", func(r *advisory.RawRecord) { r.Title = "  " }, "title"},
		{"missing url", func(r *advisory.RawRecord) { r.SourceURL = "" }, "source_url"},
		{"missing timestamp", func(r *advisory.RawRecord) { r.PublishedAtRaw = "" }, "published_at_raw"},
		{"garbage timestamp", func(r *advisory.RawRecord) { r.PublishedAtRaw = "next tuesday" }, "published_at_raw"},
		{"pre-1999 timestamp", func(r *advisory.RawRecord) { r.PublishedAtRaw = "1998-12-31T23:59:59Z" }, "published_at_raw"},
		{"future timestamp", func(r *advisory.RawRecord) { r.PublishedAtRaw = "2024-09-22T00:00:00Z" }, "published_at_raw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := validRecord()
			tt.mutate(&rec)

			_, err := testNormalizer().Normalize(context.Background(), rec)
			var rej *RejectError
			if !errors.As(err, &rej) {
				t.Fatalf("err = %v, want *RejectError", err)
			}
			if rej.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", rej.Field, tt.wantField)
			}
		})
	}
}

func TestNormalize_TimestampLayouts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want time.Time
	}{
		{"2024-09-13T08:00:00Z", time.Date(2024, 9, 13, 8, 0, 0, 0, time.UTC)},
		{"2024-09-13T08:00:00.250Z", time.Date(2024, 9, 13, 8, 0, 0, 250_000_000, time.UTC)},
		{"2024-09-13T10:00:00+02:00", time.Date(2024, 9, 13, 8, 0, 0, 0, time.UTC)},
		{"2024-09-13T08:00:00", time.Date(2024, 9, 13, 8, 0, 0, 0, time.UTC)},
		{"2024-09-13 08:00:00", time.Date(2024, 9, 13, 8, 0, 0, 0, time.UTC)},
		{"Fri, 13 Sep 2024 08:00:00 +0000", time.Date(2024, 9, 13, 8, 0, 0, 0, time.UTC)},
		{"Fri, 13 Sep 2024 08:00:00 UTC", time.Date(2024, 9, 13, 8, 0, 0, 0, time.UTC)},
		{"2024-09-13", time.Date(2024, 9, 13, 0, 0, 0, 0, time.UTC)},
	}

	n := testNormalizer()
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()

			got, err := n.parseTimestamp(tt.raw)
			if err != nil {
				t.Fatalf("parseTimestamp(%q) = %v", tt.raw, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseTimestamp(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestExtractCVEs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []string
	}{
		{"single", "Patch CVE-2024-12345 now", []string{"CVE-2024-12345"}},
		{"duplicates collapse", "CVE-2024-1111 and again CVE-2024-1111", []string{"CVE-2024-1111"}},
		{"sorted set", "CVE-2024-2222 precedes CVE-2023-9999", []string{"CVE-2023-9999", "CVE-2024-2222"}},
		{"wrong case dropped", "fix cve-2024-12345 soon", nil},
		{"too few digits dropped", "CVE-2024-123 is malformed", nil},
		{"seven digits ok", "CVE-2024-1234567 is valid", []string{"CVE-2024-1234567"}},
		{"none", "no identifiers here", nil},
	}

	n := testNormalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := n.extractCVEs(context.Background(), tt.text)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("extractCVEs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalize_InvalidCVENotARecordFailure(t *testing.T) {
	t.Parallel()

	rec := validRecord()
	rec.Title = "Advisory about cve-2024-1 only"
	rec.Summary = "lowercase identifier should be dropped silently"

	item, err := testNormalizer().Normalize(context.Background(), rec)
	if err != nil {
		t.Fatalf("Normalize() = %v, want nil", err)
	}
	if len(item.CVEIDs) != 0 {
		t.Errorf("CVEIDs = %v, want empty", item.CVEIDs)
	}
}

func TestNormalize_ExcerptDefaultsToSummaryHead(t *testing.T) {
	t.Parallel()

	rec := validRecord()
	rec.EvidenceExcerpt = ""

	item, err := testNormalizer().Normalize(context.Background(), rec)
	if err != nil {
		t.Fatalf("Normalize() = %v, want nil", err)
	}
	if item.EvidenceExcerpt == "" {
		t.Fatal("expected excerpt derived from summary")
	}
	if len(item.EvidenceExcerpt) > maxExcerptLen {
		t.Errorf("excerpt length = %d, want <= %d", len(item.EvidenceExcerpt), maxExcerptLen)
	}
}

func TestNormalize_TruncationKeepsValidUTF8(t *testing.T) {
	t.Parallel()

	// The leading ASCII byte shifts the 3-byte runes off the limit, so a
	// byte-index cut at maxSummaryLen would split a rune.
	rec := validRecord()
	rec.Summary = "x" + strings.Repeat("€", maxSummaryLen)
	rec.EvidenceExcerpt = ""

	item, err := testNormalizer().Normalize(context.Background(), rec)
	if err != nil {
		t.Fatalf("Normalize() = %v, want nil", err)
	}
	if !utf8.ValidString(item.Summary) {
		t.Error("summary is not valid UTF-8 after truncation")
	}
	if len(item.Summary) > maxSummaryLen {
		t.Errorf("summary length = %d, want <= %d", len(item.Summary), maxSummaryLen)
	}
	if !utf8.ValidString(item.EvidenceExcerpt) {
		t.Error("excerpt is not valid UTF-8 after truncation")
	}
}

func TestCanonicalSourceType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want advisory.SourceType
	}{
		{"vendor", advisory.SourceVendor},
		{"cert", advisory.SourceBulletin},
		{"bulletin", advisory.SourceBulletin},
		{"database", advisory.SourceAPI},
		{"api", advisory.SourceAPI},
		{"news", advisory.SourceFeed},
		{"", advisory.SourceFeed},
	}

	for _, tt := range tests {
		if got := canonicalSourceType(tt.raw); got != tt.want {
			t.Errorf("canonicalSourceType(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
