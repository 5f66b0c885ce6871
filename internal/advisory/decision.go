package advisory

import "time"

// Lane is the routing outcome category for an item.
type Lane string

const (
	LaneDrop           Lane = "DROP"
	LaneWatchlist      Lane = "WATCHLIST"
	LaneTechnicalAlert Lane = "TECHNICAL_ALERT"
	LaneExecReport     Lane = "EXEC_REPORT"
)

// Valid reports whether l is a known lane.
func (l Lane) Valid() bool {
	switch l {
	case LaneDrop, LaneWatchlist, LaneTechnicalAlert, LaneExecReport:
		return true
	}
	return false
}

// OwnerTeam names the team responsible for acting on a decision.
type OwnerTeam string

const (
	OwnerSOC      OwnerTeam = "SOC"
	OwnerVulnMgmt OwnerTeam = "VULN_MGMT"
	OwnerITOps    OwnerTeam = "IT_OPS"
	OwnerExec     OwnerTeam = "EXEC"
	OwnerNone     OwnerTeam = "NONE"
)

// Priority ranks a decision P0 (most urgent) through P4. The empty value
// means no priority was assigned (DROP decisions).
type Priority string

const (
	PriorityP0   Priority = "P0"
	PriorityP1   Priority = "P1"
	PriorityP2   Priority = "P2"
	PriorityP3   Priority = "P3"
	PriorityP4   Priority = "P4"
	PriorityNone Priority = ""
)

// AssetExposure classifies how an item intersects the organization's assets.
type AssetExposure string

const (
	ExposureCrownJewel       AssetExposure = "CROWN_JEWEL"
	ExposureBusinessCritical AssetExposure = "BUSINESS_CRITICAL"
	ExposureStandard         AssetExposure = "STANDARD"
	ExposureNone             AssetExposure = "NONE"
)

// Decision is the routing outcome for one unique item. Decisions are keyed
// by dedupe key; re-deciding under the same key overwrites, never duplicates.
type Decision struct {
	DedupeKey     string        `json:"dedupe_key"`
	Lane          Lane          `json:"lane"`
	OwnerTeam     OwnerTeam     `json:"owner_team"`
	Priority      Priority      `json:"priority,omitempty"`
	SLADueAt      *time.Time    `json:"sla_due_at,omitempty"`
	Reasoning     string        `json:"reasoning"`
	RuleName      string        `json:"rule_name"`
	AssetExposure AssetExposure `json:"asset_exposure"`
	DecidedAt     time.Time     `json:"decided_at"`
}

// Routed pairs an item with its decision for output fan-out.
type Routed struct {
	Item     *Item     `json:"item"`
	Decision *Decision `json:"decision"`
}
