package pipeline

import (
	"maps"
	"time"

	"github.com/linnemanlabs/sift/internal/advisory"
)

// Status tracks where a pipeline run is in its lifecycle.
type Status string

const (
	// StatusPending means accepted, not yet started.
	StatusPending Status = "pending"

	// StatusRunning means stages are executing.
	StatusRunning Status = "running"

	// StatusComplete means every stage finished with no item failures.
	StatusComplete Status = "complete"

	// StatusPartial means the run stopped early (timeout or interruption)
	// with a checkpoint it can resume from, or finished with some items
	// failed under the threshold.
	StatusPartial Status = "partial"

	// StatusFailed means the run aborted, for example when the per-run
	// failure threshold was exceeded.
	StatusFailed Status = "failed"
)

// Stage names one step of the pipeline. Stages execute in the order
// returned by Stages.
type Stage string

const (
	StageNormalize Stage = "normalize"
	StageDedupe    Stage = "dedupe"
	StageEnrich    Stage = "enrich"
	StageRoute     Stage = "route"
	StageNotify    Stage = "notify"
)

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	return []Stage{StageNormalize, StageDedupe, StageEnrich, StageRoute, StageNotify}
}

// stageOrder maps a stage to its position for resume comparisons.
var stageOrder = map[Stage]int{
	StageNormalize: 0,
	StageDedupe:    1,
	StageEnrich:    2,
	StageRoute:     3,
	StageNotify:    4,
}

// After reports whether s comes after other in execution order.
func (s Stage) After(other Stage) bool {
	return stageOrder[s] > stageOrder[other]
}

// Counts aggregates per-run item accounting across stages. FailedItems
// records a human-readable reason for every rejected or failed item, keyed
// by dedupe key, so nothing ever drops out of a run silently.
type Counts struct {
	Received         int                   `json:"received"`
	Rejected         int                   `json:"rejected"`
	Duplicates       int                   `json:"duplicates"`
	Failed           int                   `json:"failed"`
	Routed           int                   `json:"routed"`
	ByLane           map[advisory.Lane]int `json:"by_lane,omitempty"`
	FailedItems      map[string]string     `json:"failed_items,omitempty"`
	DeliveryFailures int                   `json:"delivery_failures"`
}

// fail records a per-item processing failure.
func (c *Counts) fail(key, reason string) {
	c.Failed++
	c.noteFailedItem(key, reason)
}

// reject records a per-record validation reject. Rejects are expected
// outcomes and do not count toward the failure threshold, but their reasons
// are still reported.
func (c *Counts) reject(key, reason string) {
	c.Rejected++
	c.noteFailedItem(key, reason)
}

func (c *Counts) noteFailedItem(key, reason string) {
	if c.FailedItems == nil {
		c.FailedItems = make(map[string]string)
	}
	c.FailedItems[key] = reason
}

// Clone returns a copy with its own maps, safe to persist while the run
// keeps mutating the original.
func (c Counts) Clone() Counts {
	c.ByLane = maps.Clone(c.ByLane)
	c.FailedItems = maps.Clone(c.FailedItems)
	return c
}

// Checkpoint is the durable state saved after each completed stage. Items
// holds the working set as it left the stage, so a resumed run can pick up
// at the next stage without redoing finished work.
type Checkpoint struct {
	RunID   string           `json:"run_id"`
	Stage   Stage            `json:"stage"`
	Items   []*advisory.Item `json:"items"`
	Counts  Counts           `json:"counts"`
	SavedAt time.Time        `json:"saved_at"`
}

// RunResult is the record of one pipeline run. Records is retained so an
// interrupted run can be resumed from its earliest stage; it is not part
// of the API representation.
type RunResult struct {
	RunID       string               `json:"run_id"`
	Status      Status               `json:"status"`
	Counts      Counts               `json:"counts"`
	Error       string               `json:"error,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at,omitempty"`
	Duration    float64              `json:"duration_seconds,omitempty"`
	Records     []advisory.RawRecord `json:"-"`
}
