package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `
epss_threshold: 0.85
sla:
  p0: 2h
  p1: 12h
  p2: 48h
crown_jewels:
  - name: payments-gateway
  - vendor: Ivanti
    product: Connect Secure
regulatory_tags: [sox]
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EPSSThreshold != 0.85 {
		t.Errorf("EPSSThreshold = %v, want 0.85", cfg.EPSSThreshold)
	}
	// Unset fields keep their defaults.
	if cfg.CVSSThreshold != 9.0 {
		t.Errorf("CVSSThreshold = %v, want default 9.0", cfg.CVSSThreshold)
	}
	if got := time.Duration(cfg.SLA.P0); got != 2*time.Hour {
		t.Errorf("SLA.P0 = %v, want 2h", got)
	}
	if len(cfg.CrownJewels) != 2 {
		t.Fatalf("CrownJewels = %d entries, want 2", len(cfg.CrownJewels))
	}
	if cfg.CrownJewels[1].Vendor != "Ivanti" {
		t.Errorf("CrownJewels[1].Vendor = %q, want Ivanti", cfg.CrownJewels[1].Vendor)
	}
	if len(cfg.RegulatoryTags) != 1 || cfg.RegulatoryTags[0] != "sox" {
		t.Errorf("RegulatoryTags = %v, want [sox]", cfg.RegulatoryTags)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		doc     string
		wantSub string
	}{
		{"bad duration", "sla:\n  p0: soon\n", "invalid duration"},
		{"threshold out of range", "epss_threshold: 1.5\n", "outside [0,1]"},
		{"inverted sla", "sla:\n  p0: 72h\n  p1: 24h\n  p2: 96h\n", "non-decreasing"},
		{"empty asset", "tracked_assets:\n  - vendor: Cisco\n", "vendor/product pair"},
		{"not yaml", "{{{", "parse policy file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "policy.yaml")
			if err := os.WriteFile(path, []byte(tt.doc), 0o600); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not contain %q", err, tt.wantSub)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load succeeded on a missing file")
	}
}

func TestDefaultValidates(t *testing.T) {
	t.Parallel()

	if err := Default().Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
}
