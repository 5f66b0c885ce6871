package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/sift/internal/advisory"
	"github.com/linnemanlabs/sift/internal/dedupe"
	"github.com/linnemanlabs/sift/internal/normalize"
	"github.com/linnemanlabs/sift/internal/notify"
	"github.com/linnemanlabs/sift/internal/policy"
)

// Notifier fans a routed decision out to the sinks registered for its lane.
type Notifier interface {
	Dispatch(ctx context.Context, routed *advisory.Routed) []notify.Delivery
}

// OrchestratorHooks are optional callbacks for observability. Any field may
// be nil. Callbacks must be safe for concurrent use.
type OrchestratorHooks struct {
	OnStage       func(stage Stage, duration float64)
	OnItem        func(stage Stage, outcome string)
	OnDecision    func(lane, priority string)
	OnRetry       func()
	OnDelivery    func(sink string, ok bool)
	OnComplete    func(status Status, duration float64, received int)
}

func (h OrchestratorHooks) stage(s Stage, d float64) {
	if h.OnStage != nil {
		h.OnStage(s, d)
	}
}

func (h OrchestratorHooks) item(s Stage, outcome string) {
	if h.OnItem != nil {
		h.OnItem(s, outcome)
	}
}

func (h OrchestratorHooks) decision(lane, priority string) {
	if h.OnDecision != nil {
		h.OnDecision(lane, priority)
	}
}

func (h OrchestratorHooks) retry() {
	if h.OnRetry != nil {
		h.OnRetry()
	}
}

func (h OrchestratorHooks) delivery(sink string, ok bool) {
	if h.OnDelivery != nil {
		h.OnDelivery(sink, ok)
	}
}

func (h OrchestratorHooks) complete(status Status, duration float64, received int) {
	if h.OnComplete != nil {
		h.OnComplete(status, duration, received)
	}
}

// Options tunes orchestrator behavior.
type Options struct {
	// Workers bounds stage concurrency for normalize and enrich.
	Workers int

	// FailureThreshold aborts the run when the fraction of unique items
	// that failed processing exceeds it.
	FailureThreshold float64

	// RunTimeout bounds a whole run. Zero means no limit. A run that hits
	// the limit finishes as partial with a resumable checkpoint.
	RunTimeout time.Duration

	// Retry policy for dependency calls (enrichment provider, stores).
	RetryInitial time.Duration
	RetryMax     time.Duration
	RetryTries   uint
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		Workers:          4,
		FailureThreshold: 0.5,
		RetryInitial:     500 * time.Millisecond,
		RetryMax:         10 * time.Second,
		RetryTries:       3,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = def.Workers
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = def.FailureThreshold
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = def.RetryInitial
	}
	if o.RetryMax <= 0 {
		o.RetryMax = def.RetryMax
	}
	if o.RetryTries == 0 {
		o.RetryTries = def.RetryTries
	}
	return o
}

// Orchestrator executes pipeline runs stage by stage, checkpointing after
// each stage so an interrupted run can resume without redoing work.
type Orchestrator struct {
	normalizer *normalize.Normalizer
	deduper    *dedupe.Engine
	provider   EnrichProvider
	router     *policy.Router
	notifier   Notifier
	store      Store
	logger     log.Logger
	hooks      OrchestratorHooks
	opts       Options
}

// EnrichProvider mirrors enrich.Provider without importing the package,
// keeping the dependency arrow pointing from enrich implementations inward.
type EnrichProvider interface {
	Enrich(ctx context.Context, item *advisory.Item) (*advisory.Item, error)
}

// NewOrchestrator creates a pipeline orchestrator.
func NewOrchestrator(
	normalizer *normalize.Normalizer,
	deduper *dedupe.Engine,
	provider EnrichProvider,
	router *policy.Router,
	notifier Notifier,
	store Store,
	logger log.Logger,
	hooks OrchestratorHooks,
	opts Options,
) *Orchestrator {
	return &Orchestrator{
		normalizer: normalizer,
		deduper:    deduper,
		provider:   provider,
		router:     router,
		notifier:   notifier,
		store:      store,
		logger:     logger,
		hooks:      hooks,
		opts:       opts.withDefaults(),
	}
}

// Run executes or resumes the run described by res, mutating and persisting
// it as stages complete. Run does not return an error: failures are recorded
// on the result itself.
func (o *Orchestrator) Run(ctx context.Context, res *RunResult) *RunResult {
	start := time.Now()
	if o.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.RunTimeout)
		defer cancel()
	}
	// Persistence must survive run cancellation so partial state is durable.
	persistCtx := context.WithoutCancel(ctx)

	L := o.logger.With("run_id", res.RunID)

	res.Status = StatusRunning
	o.putRun(persistCtx, res, L)

	counts := Counts{Received: len(res.Records)}
	var items []*advisory.Item
	var resumeFrom Stage

	if cp, ok, err := o.store.GetCheckpoint(ctx, res.RunID); err != nil {
		L.Error(ctx, err, "failed to load checkpoint, starting from scratch")
	} else if ok {
		items = cp.Items
		counts = cp.Counts
		resumeFrom = cp.Stage
		L.Info(ctx, "resuming from checkpoint", "stage", cp.Stage, "items", len(items))
	}
	skip := func(s Stage) bool { return resumeFrom != "" && !s.After(resumeFrom) }

	for _, stage := range Stages() {
		if skip(stage) {
			continue
		}
		if ctx.Err() != nil {
			return o.finish(persistCtx, res, counts, StatusPartial,
				fmt.Sprintf("run interrupted before stage %s: %v", stage, ctx.Err()), start, L)
		}

		stageStart := time.Now()
		var err error
		switch stage {
		case StageNormalize:
			items = o.normalizeStage(ctx, res.Records, &counts, L)
		case StageDedupe:
			items = o.dedupeStage(ctx, res.RunID, items, &counts, L)
		case StageEnrich:
			items = o.enrichStage(ctx, items, &counts, L)
			if ctx.Err() == nil {
				err = o.checkFailureThreshold(&counts)
			}
		case StageRoute:
			o.routeStage(ctx, items, &counts, L)
		case StageNotify:
			o.notifyStage(ctx, items, &counts, L)
		}

		if ctx.Err() != nil {
			// An interrupted stage is never checkpointed: its items were cut
			// off mid-flight, so resume must rerun the stage in full.
			return o.finish(persistCtx, res, counts, StatusPartial,
				fmt.Sprintf("run interrupted during stage %s: %v", stage, ctx.Err()), start, L)
		}

		o.saveCheckpoint(persistCtx, res.RunID, stage, items, counts, L)
		o.hooks.stage(stage, time.Since(stageStart).Seconds())

		if err != nil {
			return o.finish(persistCtx, res, counts, StatusFailed, err.Error(), start, L)
		}
	}

	if counts.Failed > 0 {
		return o.finish(persistCtx, res, counts, StatusPartial,
			fmt.Sprintf("%d items failed, reasons recorded in failed_items", counts.Failed), start, L)
	}
	return o.finish(persistCtx, res, counts, StatusComplete, "", start, L)
}

// normalizeStage validates raw records concurrently, preserving input order
// in the surviving items. Reject reasons are collected per record.
func (o *Orchestrator) normalizeStage(ctx context.Context, records []advisory.RawRecord, counts *Counts, L log.Logger) []*advisory.Item {
	out := make([]*advisory.Item, len(records))
	reasons := make([]string, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	for i, rec := range records {
		g.Go(func() error {
			item, err := o.normalizer.Normalize(gctx, rec)
			if err != nil {
				reasons[i] = err.Error()
				o.hooks.item(StageNormalize, "rejected")
				L.Warn(gctx, "record rejected", "title", rec.Title, "reason", err.Error())
				return nil
			}
			out[i] = item
			o.hooks.item(StageNormalize, "ok")
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors, rejects are counted

	items := make([]*advisory.Item, 0, len(records))
	for i, it := range out {
		if it == nil {
			counts.reject(dedupe.Key(records[i].Title, records[i].SourceURL), reasons[i])
			continue
		}
		items = append(items, it)
	}
	return items
}

// dedupeStage runs sequentially in input order so the first occurrence of a
// key is always the winner.
func (o *Orchestrator) dedupeStage(ctx context.Context, runID string, items []*advisory.Item, counts *Counts, L log.Logger) []*advisory.Item {
	kept := make([]*advisory.Item, 0, len(items))
	for _, it := range items {
		key := dedupe.Key(it.Title, it.SourceURL)
		isNew, err := retry(ctx, o.opts, func() (bool, error) {
			return o.deduper.Check(ctx, key, it.SourceURL, runID, time.Now().UTC())
		}, o.hooks.retry)
		if err != nil {
			if ctx.Err() != nil {
				// Interrupted, not failed: the stage reruns on resume.
				break
			}
			counts.fail(key, "dedup check failed: "+err.Error())
			o.hooks.item(StageDedupe, "failed")
			L.Error(ctx, err, "dedup check failed", "dedupe_key", key)
			continue
		}
		if !isNew {
			counts.Duplicates++
			o.hooks.item(StageDedupe, "duplicate")
			continue
		}
		it.DedupeKey = key
		kept = append(kept, it)
		o.hooks.item(StageDedupe, "ok")
	}
	return kept
}

// enrichStage adds vulnerability context concurrently, retrying transient
// provider failures. Items that still fail are dropped from the run and
// counted against the failure threshold. Items cut off by run cancellation
// are not failures: the stage is not checkpointed, so resume reruns them.
func (o *Orchestrator) enrichStage(ctx context.Context, items []*advisory.Item, counts *Counts, L log.Logger) []*advisory.Item {
	out := make([]*advisory.Item, len(items))
	errs := make([]error, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	for i, it := range items {
		g.Go(func() error {
			enriched, err := retry(gctx, o.opts, func() (*advisory.Item, error) {
				return o.provider.Enrich(gctx, it)
			}, o.hooks.retry)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				errs[i] = err
				o.hooks.item(StageEnrich, "failed")
				L.Error(gctx, err, "enrichment failed", "dedupe_key", it.DedupeKey)
				return nil
			}
			out[i] = enriched
			o.hooks.item(StageEnrich, "ok")
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors, failures are counted

	kept := make([]*advisory.Item, 0, len(items))
	for i, it := range out {
		if it == nil {
			if errs[i] != nil {
				counts.fail(items[i].DedupeKey, "enrichment failed: "+errs[i].Error())
			}
			continue
		}
		kept = append(kept, it)
	}
	return kept
}

// checkFailureThreshold aborts the run when too many unique items failed
// processing. Validation rejects and duplicates do not count: they are
// expected outcomes, not failures.
func (o *Orchestrator) checkFailureThreshold(counts *Counts) error {
	unique := counts.Received - counts.Rejected - counts.Duplicates
	if unique <= 0 {
		return nil
	}
	frac := float64(counts.Failed) / float64(unique)
	if frac > o.opts.FailureThreshold {
		return fmt.Errorf("failure threshold exceeded: %d of %d unique items failed (%.0f%% > %.0f%%)",
			counts.Failed, unique, frac*100, o.opts.FailureThreshold*100)
	}
	return nil
}

// routeStage decides every item and persists the decisions. The decision
// time is fixed once per stage so SLA deadlines are reproducible.
func (o *Orchestrator) routeStage(ctx context.Context, items []*advisory.Item, counts *Counts, L log.Logger) {
	decidedAt := time.Now().UTC()
	if counts.ByLane == nil {
		counts.ByLane = make(map[advisory.Lane]int)
	}

	for _, it := range items {
		d := o.router.Route(it, decidedAt)
		routed := &advisory.Routed{Item: it, Decision: &d}

		if _, err := retry(ctx, o.opts, func() (struct{}, error) {
			return struct{}{}, o.store.PutDecision(ctx, routed)
		}, o.hooks.retry); err != nil {
			if ctx.Err() != nil {
				break
			}
			counts.fail(it.DedupeKey, "persist decision: "+err.Error())
			o.hooks.item(StageRoute, "failed")
			L.Error(ctx, err, "failed to persist decision", "dedupe_key", it.DedupeKey)
			continue
		}

		counts.Routed++
		counts.ByLane[d.Lane]++
		o.hooks.item(StageRoute, "ok")
		o.hooks.decision(string(d.Lane), string(d.Priority))

		L.Info(ctx, "item routed",
			"dedupe_key", it.DedupeKey,
			"lane", d.Lane,
			"priority", d.Priority,
			"rule", d.RuleName,
		)
	}
}

// notifyStage fans routed decisions out to their sinks. Delivery failures
// are counted, never fatal: the decision record is already durable.
func (o *Orchestrator) notifyStage(ctx context.Context, items []*advisory.Item, counts *Counts, L log.Logger) {
	if o.notifier == nil {
		return
	}
	for _, it := range items {
		routed, ok, err := o.store.GetDecision(ctx, it.DedupeKey)
		if err != nil || !ok {
			L.Error(ctx, err, "decision missing at notify stage", "dedupe_key", it.DedupeKey)
			continue
		}
		if routed.Decision.Lane == advisory.LaneDrop {
			continue
		}
		for _, dl := range o.notifier.Dispatch(ctx, routed) {
			o.hooks.delivery(dl.Sink, dl.Err == nil)
			if dl.Err != nil {
				counts.DeliveryFailures++
				L.Error(ctx, dl.Err, "delivery failed", "sink", dl.Sink, "dedupe_key", it.DedupeKey)
			}
		}
	}
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, runID string, stage Stage, items []*advisory.Item, counts Counts, L log.Logger) {
	cp := &Checkpoint{
		RunID:   runID,
		Stage:   stage,
		Items:   items,
		Counts:  counts.Clone(),
		SavedAt: time.Now().UTC(),
	}
	if err := o.store.PutCheckpoint(ctx, cp); err != nil {
		L.Error(ctx, err, "failed to save checkpoint", "stage", stage)
	}
}

func (o *Orchestrator) finish(ctx context.Context, res *RunResult, counts Counts, status Status, errMsg string, start time.Time, L log.Logger) *RunResult {
	res.Status = status
	res.Counts = counts
	res.Error = errMsg
	res.CompletedAt = time.Now().UTC()
	res.Duration = time.Since(start).Seconds()
	o.putRun(ctx, res, L)
	o.hooks.complete(status, res.Duration, counts.Received)

	L.Info(ctx, "run finished",
		"status", status,
		"received", counts.Received,
		"rejected", counts.Rejected,
		"duplicates", counts.Duplicates,
		"failed", counts.Failed,
		"routed", counts.Routed,
		"delivery_failures", counts.DeliveryFailures,
		"duration", res.Duration,
	)
	return res
}

func (o *Orchestrator) putRun(ctx context.Context, res *RunResult, L log.Logger) {
	if err := o.store.PutRun(ctx, res); err != nil {
		L.Error(ctx, err, "failed to persist run result", "status", res.Status)
	}
}

// retry runs op with exponential backoff per the orchestrator options.
// onRetry fires once per attempt beyond the first.
func retry[T any](ctx context.Context, opts Options, op func() (T, error), onRetry func()) (T, error) {
	attempt := 0
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.RetryInitial
	bo.MaxInterval = opts.RetryMax

	return backoff.Retry(ctx, func() (T, error) {
		if attempt > 0 {
			onRetry()
		}
		attempt++
		return op()
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(opts.RetryTries))
}
