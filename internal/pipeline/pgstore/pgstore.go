// Package pgstore provides a PostgreSQL implementation of pipeline.Store
// and dedupe.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sift/internal/advisory"
	"github.com/linnemanlabs/sift/internal/dedupe"
	"github.com/linnemanlabs/sift/internal/pipeline"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sift/internal/pipeline/pgstore")

//go:embed schema.sql
var schema string

// Store persists runs, checkpoints, decisions, and fingerprints in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New pings the pool, applies the schema, and returns a ready Store. The
// Store takes ownership of the pool; Close closes it.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// GetRun retrieves a run result by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*pipeline.RunResult, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetRun", "SELECT")
	defer span.End()

	var (
		r           pipeline.RunResult
		status      string
		countsJSON  []byte
		recordsJSON []byte
		completedAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, status, counts, error, records, started_at, completed_at, duration_s
		 FROM runs WHERE run_id = $1`, runID,
	).Scan(&r.RunID, &status, &countsJSON, &r.Error, &recordsJSON, &r.StartedAt, &completedAt, &r.Duration)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, spanErr(span, fmt.Errorf("scan run: %w", err))
	}

	r.Status = pipeline.Status(status)
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}
	if err := json.Unmarshal(countsJSON, &r.Counts); err != nil {
		return nil, false, spanErr(span, fmt.Errorf("unmarshal counts: %w", err))
	}
	if err := json.Unmarshal(recordsJSON, &r.Records); err != nil {
		return nil, false, spanErr(span, fmt.Errorf("unmarshal records: %w", err))
	}
	return &r, true, nil
}

// PutRun inserts or updates a run result.
func (s *Store) PutRun(ctx context.Context, r *pipeline.RunResult) error {
	ctx, span := startSpan(ctx, "pgstore.PutRun", "UPSERT")
	defer span.End()

	countsJSON, err := json.Marshal(r.Counts)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal counts: %w", err))
	}
	recordsJSON, err := json.Marshal(r.Records)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal records: %w", err))
	}

	var completedAt *time.Time
	if !r.CompletedAt.IsZero() {
		completedAt = &r.CompletedAt
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (run_id, status, counts, error, records, started_at, completed_at, duration_s)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (run_id) DO UPDATE SET
			status       = EXCLUDED.status,
			counts       = EXCLUDED.counts,
			error        = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at,
			duration_s   = EXCLUDED.duration_s`,
		r.RunID, string(r.Status), countsJSON, r.Error, recordsJSON, r.StartedAt, completedAt, r.Duration,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("upsert run: %w", err))
	}
	return nil
}

// GetCheckpoint retrieves the latest checkpoint for a run.
func (s *Store) GetCheckpoint(ctx context.Context, runID string) (*pipeline.Checkpoint, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetCheckpoint", "SELECT")
	defer span.End()

	var (
		cp         pipeline.Checkpoint
		stage      string
		itemsJSON  []byte
		countsJSON []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, stage, items, counts, saved_at FROM checkpoints WHERE run_id = $1`, runID,
	).Scan(&cp.RunID, &stage, &itemsJSON, &countsJSON, &cp.SavedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, spanErr(span, fmt.Errorf("scan checkpoint: %w", err))
	}

	cp.Stage = pipeline.Stage(stage)
	if err := json.Unmarshal(itemsJSON, &cp.Items); err != nil {
		return nil, false, spanErr(span, fmt.Errorf("unmarshal items: %w", err))
	}
	if err := json.Unmarshal(countsJSON, &cp.Counts); err != nil {
		return nil, false, spanErr(span, fmt.Errorf("unmarshal counts: %w", err))
	}
	return &cp, true, nil
}

// PutCheckpoint upserts a checkpoint, keeping the furthest stage when a
// stale write for an earlier stage arrives late.
func (s *Store) PutCheckpoint(ctx context.Context, cp *pipeline.Checkpoint) error {
	ctx, span := startSpan(ctx, "pgstore.PutCheckpoint", "UPSERT")
	defer span.End()

	itemsJSON, err := json.Marshal(cp.Items)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal items: %w", err))
	}
	countsJSON, err := json.Marshal(cp.Counts)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal counts: %w", err))
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO checkpoints (run_id, stage, stage_order, items, counts, saved_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (run_id) DO UPDATE SET
			stage       = EXCLUDED.stage,
			stage_order = EXCLUDED.stage_order,
			items       = EXCLUDED.items,
			counts      = EXCLUDED.counts,
			saved_at    = EXCLUDED.saved_at
		 WHERE EXCLUDED.stage_order >= checkpoints.stage_order`,
		cp.RunID, string(cp.Stage), stageOrder(cp.Stage), itemsJSON, countsJSON, cp.SavedAt,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("upsert checkpoint: %w", err))
	}
	return nil
}

// GetDecision retrieves a routed decision by dedupe key.
func (s *Store) GetDecision(ctx context.Context, dedupeKey string) (*advisory.Routed, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetDecision", "SELECT")
	defer span.End()

	var itemJSON, decisionJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT item, decision FROM decisions WHERE dedupe_key = $1`, dedupeKey,
	).Scan(&itemJSON, &decisionJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, spanErr(span, fmt.Errorf("scan decision: %w", err))
	}

	routed := &advisory.Routed{Item: &advisory.Item{}, Decision: &advisory.Decision{}}
	if err := json.Unmarshal(itemJSON, routed.Item); err != nil {
		return nil, false, spanErr(span, fmt.Errorf("unmarshal item: %w", err))
	}
	if err := json.Unmarshal(decisionJSON, routed.Decision); err != nil {
		return nil, false, spanErr(span, fmt.Errorf("unmarshal decision: %w", err))
	}
	return routed, true, nil
}

// PutDecision upserts a decision keyed by dedupe key.
func (s *Store) PutDecision(ctx context.Context, routed *advisory.Routed) error {
	ctx, span := startSpan(ctx, "pgstore.PutDecision", "UPSERT")
	defer span.End()

	itemJSON, err := json.Marshal(routed.Item)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal item: %w", err))
	}
	decisionJSON, err := json.Marshal(routed.Decision)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal decision: %w", err))
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO decisions (dedupe_key, item, decision, lane, decided_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (dedupe_key) DO UPDATE SET
			item       = EXCLUDED.item,
			decision   = EXCLUDED.decision,
			lane       = EXCLUDED.lane,
			decided_at = EXCLUDED.decided_at`,
		routed.Decision.DedupeKey, itemJSON, decisionJSON,
		string(routed.Decision.Lane), routed.Decision.DecidedAt,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("upsert decision: %w", err))
	}
	return nil
}

// Get implements dedupe.Store.
func (s *Store) Get(ctx context.Context, key string) (dedupe.Entry, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetFingerprint", "SELECT")
	defer span.End()

	var e dedupe.Entry
	err := s.pool.QueryRow(ctx,
		`SELECT dedupe_key, item_ref, run_id, first_seen_at FROM fingerprints WHERE dedupe_key = $1`, key,
	).Scan(&e.Key, &e.ItemRef, &e.RunID, &e.FirstSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dedupe.Entry{}, false, nil
		}
		return dedupe.Entry{}, false, spanErr(span, fmt.Errorf("scan fingerprint: %w", err))
	}
	return e, true, nil
}

// PutIfAbsent implements dedupe.Store. The ON CONFLICT DO NOTHING insert
// makes the first writer the winner under concurrency; losers read back
// the winning entry.
func (s *Store) PutIfAbsent(ctx context.Context, e dedupe.Entry) (dedupe.Entry, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.PutFingerprintIfAbsent", "INSERT")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO fingerprints (dedupe_key, item_ref, run_id, first_seen_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		e.Key, e.ItemRef, e.RunID, e.FirstSeenAt,
	)
	if err != nil {
		return dedupe.Entry{}, false, spanErr(span, fmt.Errorf("insert fingerprint: %w", err))
	}
	if tag.RowsAffected() == 1 {
		return e, true, nil
	}

	winner, ok, err := s.Get(ctx, e.Key)
	if err != nil {
		return dedupe.Entry{}, false, err
	}
	if !ok {
		return dedupe.Entry{}, false, spanErr(span, fmt.Errorf("fingerprint %s vanished after conflict", e.Key))
	}
	return winner, false, nil
}

func stageOrder(s pipeline.Stage) int {
	for i, stage := range pipeline.Stages() {
		if stage == s {
			return i
		}
	}
	return -1
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
