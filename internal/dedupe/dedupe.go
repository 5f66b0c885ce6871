// Package dedupe computes content fingerprints for advisory items and
// filters out items already seen, backed by a persistent fingerprint store.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Entry is one fingerprint store record. Entries are append-only; nothing
// deletes them during normal operation.
type Entry struct {
	Key         string    `json:"key"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	ItemRef     string    `json:"item_ref"`
	RunID       string    `json:"run_id"`
}

// Store is the minimal key-value surface the engine needs. PutIfAbsent must
// be atomic: when two callers race on the same key, exactly one insert wins
// and both observe the winning entry.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	PutIfAbsent(ctx context.Context, e Entry) (Entry, bool, error)
}

// Key derives the stable content fingerprint for an item: a SHA-256 hex
// digest over the case-folded, whitespace-collapsed (title, source URL)
// pair. Title+URL is deliberately chosen over full content so that minor
// summary rewording across mirrored feeds still collapses to one
// fingerprint.
func Key(title, sourceURL string) string {
	canonical := collapse(strings.ToLower(title)) + "|" + collapse(strings.ToLower(sourceURL))
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// collapse folds any whitespace run into a single space.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Engine filters duplicates against a Store.
type Engine struct {
	store Store
}

// NewEngine creates a dedupe engine backed by the given store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// Check records the key for the given run if it is absent and reports
// whether the item is new. The read and record are a single atomic
// PutIfAbsent so that at most one live decision exists per fingerprint even
// when concurrent batches race on the same advisory.
//
// A key already recorded by the same run counts as new: that situation only
// arises when a crashed run is resumed under its original run ID, and the
// resumed run must reach the same verdicts as the original.
func (e *Engine) Check(ctx context.Context, key, itemRef, runID string, now time.Time) (bool, error) {
	winner, inserted, err := e.store.PutIfAbsent(ctx, Entry{
		Key:         key,
		FirstSeenAt: now.UTC(),
		ItemRef:     itemRef,
		RunID:       runID,
	})
	if err != nil {
		return false, fmt.Errorf("fingerprint store: %w", err)
	}
	if inserted {
		return true, nil
	}
	return winner.RunID == runID, nil
}
