// Package memstore provides an in-memory implementation of pipeline.Store
// and dedupe.Store. Suitable for dev/testing; state does not survive a
// restart, so resume only works within one process lifetime.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/sift/internal/advisory"
	"github.com/linnemanlabs/sift/internal/dedupe"
	"github.com/linnemanlabs/sift/internal/pipeline"
)

// Store holds runs, checkpoints, decisions, and fingerprints in memory.
type Store struct {
	mu           sync.RWMutex
	runs         map[string]*pipeline.RunResult  // run ID -> result
	checkpoints  map[string]*pipeline.Checkpoint // run ID -> latest checkpoint
	decisions    map[string]*advisory.Routed     // dedupe key -> decision
	fingerprints map[string]dedupe.Entry         // dedupe key -> entry
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		runs:         make(map[string]*pipeline.RunResult),
		checkpoints:  make(map[string]*pipeline.Checkpoint),
		decisions:    make(map[string]*advisory.Routed),
		fingerprints: make(map[string]dedupe.Entry),
	}
}

// GetRun retrieves a run result by ID. Returns a copy.
func (s *Store) GetRun(_ context.Context, runID string) (*pipeline.RunResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// PutRun stores a copy of the run result.
func (s *Store) PutRun(_ context.Context, r *pipeline.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs[r.RunID] = &cp
	return nil
}

// GetCheckpoint retrieves the latest checkpoint for a run. Returns a copy.
func (s *Store) GetCheckpoint(_ context.Context, runID string) (*pipeline.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.checkpoints[runID]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

// PutCheckpoint stores a checkpoint, replacing any earlier-stage one for
// the same run.
func (s *Store) PutCheckpoint(_ context.Context, c *pipeline.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.checkpoints[c.RunID]; ok && !c.Stage.After(prev.Stage) && c.Stage != prev.Stage {
		return nil
	}
	cp := *c
	s.checkpoints[c.RunID] = &cp
	return nil
}

// GetDecision retrieves a routed decision by dedupe key. Returns a copy.
func (s *Store) GetDecision(_ context.Context, dedupeKey string) (*advisory.Routed, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.decisions[dedupeKey]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// PutDecision stores a decision, overwriting any previous decision for the
// same dedupe key.
func (s *Store) PutDecision(_ context.Context, routed *advisory.Routed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *routed
	s.decisions[routed.Decision.DedupeKey] = &cp
	return nil
}

// Get implements dedupe.Store.
func (s *Store) Get(_ context.Context, key string) (dedupe.Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.fingerprints[key]
	return e, ok, nil
}

// PutIfAbsent implements dedupe.Store.
func (s *Store) PutIfAbsent(_ context.Context, e dedupe.Entry) (dedupe.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.fingerprints[e.Key]; ok {
		return existing, false, nil
	}
	s.fingerprints[e.Key] = e
	return e, true, nil
}
