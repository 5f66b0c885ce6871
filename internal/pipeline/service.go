package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/sift/internal/advisory"
)

var (
	// ErrRunNotFound signals that no run exists for the given ID.
	ErrRunNotFound = errors.New("run not found")
	// ErrNotResumable signals that the run is in a state resume cannot
	// act on: complete, failed, or currently executing.
	ErrNotResumable = errors.New("run not resumable")
)

// SubmitResult is the outcome of submitting a batch of records.
type SubmitResult struct {
	RunID string
}

// Service is the business boundary for pipeline operations: run creation,
// async dispatch, resume, and lookups.
type Service struct {
	store        Store
	orchestrator *Orchestrator
	logger       log.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewService creates a pipeline service.
func NewService(store Store, orchestrator *Orchestrator, logger log.Logger) *Service {
	return &Service{
		store:        store,
		orchestrator: orchestrator,
		logger:       logger,
		active:       make(map[string]struct{}),
	}
}

// Submit accepts a batch of raw records, persists a pending run, and kicks
// off processing asynchronously. The returned run ID can be polled
// immediately.
func (s *Service) Submit(ctx context.Context, records []advisory.RawRecord) (*SubmitResult, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	runID := ulid.Make().String()
	res := &RunResult{
		RunID:     runID,
		Status:    StatusPending,
		StartedAt: time.Now().UTC(),
		Records:   records,
	}
	if err := s.store.PutRun(ctx, res); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	s.markActive(runID)
	go s.execute(context.WithoutCancel(ctx), runID)

	return &SubmitResult{RunID: runID}, nil
}

// Resume restarts an interrupted run from its latest checkpoint. It refuses
// runs that are still executing or already complete.
func (s *Service) Resume(ctx context.Context, runID string) error {
	res, ok, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	switch res.Status {
	case StatusComplete:
		return fmt.Errorf("run %s already complete: %w", runID, ErrNotResumable)
	case StatusFailed:
		return fmt.Errorf("run %s failed: %w", runID, ErrNotResumable)
	}
	if !s.tryMarkActive(runID) {
		return fmt.Errorf("run %s is already executing: %w", runID, ErrNotResumable)
	}

	go s.execute(context.WithoutCancel(ctx), runID)
	return nil
}

// GetRun retrieves a run result by ID.
func (s *Service) GetRun(ctx context.Context, runID string) (*RunResult, bool, error) {
	return s.store.GetRun(ctx, runID)
}

// GetDecision retrieves a routed decision by dedupe key.
func (s *Service) GetDecision(ctx context.Context, dedupeKey string) (*advisory.Routed, bool, error) {
	return s.store.GetDecision(ctx, dedupeKey)
}

func (s *Service) execute(ctx context.Context, runID string) {
	defer s.unmarkActive(runID)

	res, ok, err := s.store.GetRun(ctx, runID)
	if err != nil || !ok {
		s.logger.Error(ctx, err, "failed to fetch run for execution", "run_id", runID)
		return
	}
	s.orchestrator.Run(ctx, res)
}

func (s *Service) markActive(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[runID] = struct{}{}
}

func (s *Service) tryMarkActive(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[runID]; busy {
		return false
	}
	s.active[runID] = struct{}{}
	return true
}

func (s *Service) unmarkActive(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, runID)
}
