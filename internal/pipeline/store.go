package pipeline

import (
	"context"

	"github.com/linnemanlabs/sift/internal/advisory"
)

// Store is the persistence interface for pipeline runs, checkpoints, and
// routing decisions. Implementations also back the fingerprint store used
// by the dedup engine.
type Store interface {
	GetRun(ctx context.Context, runID string) (*RunResult, bool, error)
	PutRun(ctx context.Context, r *RunResult) error

	// GetCheckpoint returns the latest checkpoint for a run, the one with
	// the furthest completed stage.
	GetCheckpoint(ctx context.Context, runID string) (*Checkpoint, bool, error)
	PutCheckpoint(ctx context.Context, cp *Checkpoint) error

	GetDecision(ctx context.Context, dedupeKey string) (*advisory.Routed, bool, error)
	PutDecision(ctx context.Context, routed *advisory.Routed) error
}
