package policy

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so SLA values can be written as "4h" in the
// policy file.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Asset is one entry on an organizational asset list. An item matches an
// asset when the asset's vendor/product pair matches an affected product,
// or when the asset name appears in the item's title or summary.
type Asset struct {
	Name    string `yaml:"name"`
	Vendor  string `yaml:"vendor,omitempty"`
	Product string `yaml:"product,omitempty"`
}

// SLAConfig holds the deadline for each priority that carries one.
type SLAConfig struct {
	P0 Duration `yaml:"p0"`
	P1 Duration `yaml:"p1"`
	P2 Duration `yaml:"p2"`
}

// Config is the active policy rule set: thresholds, SLA table, and asset
// lists. It is supplied as data at startup and treated as immutable for the
// duration of a run.
type Config struct {
	EPSSThreshold float64   `yaml:"epss_threshold"`
	CVSSThreshold float64   `yaml:"cvss_threshold"`
	SLA           SLAConfig `yaml:"sla"`

	CrownJewels      []Asset `yaml:"crown_jewels"`
	BusinessCritical []Asset `yaml:"business_critical"`
	TrackedAssets    []Asset `yaml:"tracked_assets"`

	RegulatoryTags     []string `yaml:"regulatory_tags"`
	NationStateMarkers []string `yaml:"nation_state_markers"`
}

// Default returns the policy shipped when no file is supplied.
func Default() Config {
	return Config{
		EPSSThreshold: 0.70,
		CVSSThreshold: 9.0,
		SLA: SLAConfig{
			P0: Duration(4 * time.Hour),
			P1: Duration(24 * time.Hour),
			P2: Duration(72 * time.Hour),
		},
		RegulatoryTags:     []string{"regulatory", "compliance", "gdpr", "pci-dss", "hipaa"},
		NationStateMarkers: []string{"nation-state", "state-sponsored", "APT"},
	}
}

// Load reads a policy Config from a YAML file. Fields absent from the file
// keep the Default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config, not user input
	if err != nil {
		return Config{}, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse policy file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks threshold ranges and SLA ordering.
func (c Config) Validate() error {
	var errs []error

	if c.EPSSThreshold < 0 || c.EPSSThreshold > 1 {
		errs = append(errs, fmt.Errorf("epss_threshold %v outside [0,1]", c.EPSSThreshold))
	}
	if c.CVSSThreshold < 0 || c.CVSSThreshold > 10 {
		errs = append(errs, fmt.Errorf("cvss_threshold %v outside [0,10]", c.CVSSThreshold))
	}
	if c.SLA.P0 <= 0 || c.SLA.P1 <= 0 || c.SLA.P2 <= 0 {
		errs = append(errs, errors.New("sla deadlines must be positive"))
	}
	// A more exposed item must never get a longer deadline.
	if c.SLA.P0 > c.SLA.P1 || c.SLA.P1 > c.SLA.P2 {
		errs = append(errs, errors.New("sla deadlines must be non-decreasing from p0 to p2"))
	}
	for _, a := range append(append(append([]Asset{}, c.CrownJewels...), c.BusinessCritical...), c.TrackedAssets...) {
		if a.Name == "" && (a.Vendor == "" || a.Product == "") {
			errs = append(errs, fmt.Errorf("asset entry needs a name or a vendor/product pair: %+v", a))
		}
	}

	return errors.Join(errs...)
}
