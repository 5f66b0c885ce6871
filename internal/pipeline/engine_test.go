package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/advisory"
	"github.com/linnemanlabs/sift/internal/dedupe"
	"github.com/linnemanlabs/sift/internal/enrich"
	"github.com/linnemanlabs/sift/internal/normalize"
	"github.com/linnemanlabs/sift/internal/notify"
	"github.com/linnemanlabs/sift/internal/pipeline"
	"github.com/linnemanlabs/sift/internal/pipeline/memstore"
	"github.com/linnemanlabs/sift/internal/policy"
)

func boolp(v bool) *bool { return &v }

type fakeNotifier struct {
	mu  sync.Mutex
	got []*advisory.Routed
	err error
}

func (f *fakeNotifier) Dispatch(_ context.Context, r *advisory.Routed) []notify.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, r)
	return []notify.Delivery{{Sink: "fake", Err: f.err}}
}

func (f *fakeNotifier) dispatched() []*advisory.Routed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*advisory.Routed(nil), f.got...)
}

type failingProvider struct {
	err error
}

func (p *failingProvider) Enrich(context.Context, *advisory.Item) (*advisory.Item, error) {
	return nil, p.err
}

// slowProvider blocks until the run context expires.
type slowProvider struct{}

func (slowProvider) Enrich(ctx context.Context, _ *advisory.Item) (*advisory.Item, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// selectiveProvider fails items whose title matches and passes the rest
// through untouched.
type selectiveProvider struct {
	failSubstr string
}

func (p *selectiveProvider) Enrich(_ context.Context, it *advisory.Item) (*advisory.Item, error) {
	if strings.Contains(it.Title, p.failSubstr) {
		return nil, errors.New("model overloaded")
	}
	out := *it
	return &out, nil
}

func testRecords() []advisory.RawRecord {
	return []advisory.RawRecord{
		{
			Title:          "CISA Adds CVE-2024-12345 to Known Exploited Vulnerabilities Catalog",
			SourceURL:      "https://www.cisa.gov/kev/cve-2024-12345",
			PublishedAtRaw: "Wed, 13 Sep 2024 08:00:00 GMT",
			Summary:        "Actively exploited flaw in widely deployed VPN appliances.",
			SourceName:     "CISA",
			SourceType:     "bulletin",
		},
		{
			Title:          "Routine library update advisory",
			SourceURL:      "https://feeds.example.com/item/42",
			PublishedAtRaw: "2024-09-14T10:00:00Z",
			Summary:        "Minor maintenance release, no security impact claimed.",
			SourceName:     "Example Feed",
		},
		{
			// Same advisory as the first, seen via a different field order.
			Title:          "CISA Adds CVE-2024-12345 to Known Exploited Vulnerabilities Catalog",
			SourceURL:      "https://www.cisa.gov/kev/cve-2024-12345",
			PublishedAtRaw: "2024-09-13T09:30:00Z",
			SourceName:     "CISA Mirror",
		},
		{
			// Missing source URL, rejected by the normalizer.
			Title:          "Broken record",
			PublishedAtRaw: "2024-09-14T10:00:00Z",
		},
	}
}

type deps struct {
	store    *memstore.Store
	notifier *fakeNotifier
	orch     *pipeline.Orchestrator
}

func newDeps(t *testing.T, provider pipeline.EnrichProvider, opts pipeline.Options) *deps {
	t.Helper()

	store := memstore.New()
	notifier := &fakeNotifier{}
	if opts.RetryInitial == 0 {
		opts.RetryInitial = time.Millisecond
	}
	if opts.RetryTries == 0 {
		opts.RetryTries = 2
	}

	orch := pipeline.NewOrchestrator(
		normalize.New(log.Nop()),
		dedupe.NewEngine(store),
		provider,
		policy.NewRouter(policy.Default()),
		notifier,
		store,
		log.Nop(),
		pipeline.OrchestratorHooks{},
		opts,
	)
	return &deps{store: store, notifier: notifier, orch: orch}
}

func kevProvider() *enrich.Static {
	return enrich.NewStatic(map[string]enrich.Facts{
		"CVE-2024-12345": {KnownExploited: boolp(true), ExploitedInWild: advisory.ExploitITW},
	})
}

func TestRunHappyPath(t *testing.T) {
	t.Parallel()

	d := newDeps(t, kevProvider(), pipeline.Options{})
	ctx := context.Background()

	res := &pipeline.RunResult{RunID: "run-happy", Status: pipeline.StatusPending, StartedAt: time.Now(), Records: testRecords()}
	if err := d.store.PutRun(ctx, res); err != nil {
		t.Fatal(err)
	}

	got := d.orch.Run(ctx, res)

	if got.Status != pipeline.StatusComplete {
		t.Fatalf("status = %q (error %q), want complete", got.Status, got.Error)
	}
	c := got.Counts
	if c.Received != 4 || c.Rejected != 1 || c.Duplicates != 1 || c.Routed != 2 || c.Failed != 0 {
		t.Errorf("counts = %+v", c)
	}
	if c.ByLane[advisory.LaneTechnicalAlert] != 1 || c.ByLane[advisory.LaneWatchlist] != 1 {
		t.Errorf("by_lane = %v, want one technical alert and one watchlist", c.ByLane)
	}
	if len(c.FailedItems) != 1 {
		t.Errorf("failed_items = %v, want the rejected record's reason and nothing else", c.FailedItems)
	}

	// The KEV advisory's decision must be durable and match what was dispatched.
	key := dedupe.Key(testRecords()[0].Title, testRecords()[0].SourceURL)
	routed, ok, err := d.store.GetDecision(ctx, key)
	if err != nil || !ok {
		t.Fatalf("GetDecision = ok=%v err=%v", ok, err)
	}
	if routed.Decision.Lane != advisory.LaneTechnicalAlert {
		t.Errorf("lane = %q, want technical alert", routed.Decision.Lane)
	}
	if routed.Decision.Priority != advisory.PriorityP1 {
		t.Errorf("priority = %q, want P1 for KEV without asset match", routed.Decision.Priority)
	}
	if routed.Decision.OwnerTeam != advisory.OwnerSOC {
		t.Errorf("owner = %q, want SOC", routed.Decision.OwnerTeam)
	}

	dispatched := d.notifier.dispatched()
	if len(dispatched) != 2 {
		t.Fatalf("dispatched = %d decisions, want 2", len(dispatched))
	}

	// Persisted run result reflects the final state.
	stored, ok, err := d.store.GetRun(ctx, "run-happy")
	if err != nil || !ok {
		t.Fatalf("GetRun = ok=%v err=%v", ok, err)
	}
	if stored.Status != pipeline.StatusComplete || stored.CompletedAt.IsZero() {
		t.Errorf("stored run = %+v", stored)
	}
}

func TestRunRepeatBatchAllDuplicates(t *testing.T) {
	t.Parallel()

	d := newDeps(t, kevProvider(), pipeline.Options{})
	ctx := context.Background()

	first := &pipeline.RunResult{RunID: "run-a", StartedAt: time.Now(), Records: testRecords()}
	d.orch.Run(ctx, first)

	second := &pipeline.RunResult{RunID: "run-b", StartedAt: time.Now(), Records: testRecords()}
	got := d.orch.Run(ctx, second)

	if got.Status != pipeline.StatusComplete {
		t.Fatalf("status = %q, want complete", got.Status)
	}
	if got.Counts.Duplicates != 3 || got.Counts.Routed != 0 {
		t.Errorf("counts = %+v, want every unique advisory deduplicated", got.Counts)
	}
}

func TestRunFailureThresholdAborts(t *testing.T) {
	t.Parallel()

	d := newDeps(t, &failingProvider{err: errors.New("provider down")}, pipeline.Options{})
	ctx := context.Background()

	res := &pipeline.RunResult{RunID: "run-fail", StartedAt: time.Now(), Records: testRecords()}
	got := d.orch.Run(ctx, res)

	if got.Status != pipeline.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "failure threshold exceeded") {
		t.Errorf("error = %q, want threshold message", got.Error)
	}
	if got.Counts.Failed != 2 {
		t.Errorf("failed = %d, want 2 (both unique items)", got.Counts.Failed)
	}
	if len(d.notifier.dispatched()) != 0 {
		t.Error("no notifications should go out for an aborted run")
	}
}

func TestRunResumeSkipsCompletedStages(t *testing.T) {
	t.Parallel()

	// The provider fails hard: if resume re-ran the enrich stage the run
	// would abort, so completion proves the checkpoint was honored.
	d := newDeps(t, &failingProvider{err: errors.New("must not be called")}, pipeline.Options{})
	ctx := context.Background()

	kev := true
	items := []*advisory.Item{{
		DedupeKey:         strings.Repeat("ab", 32),
		Title:             "CISA Adds CVE-2024-12345 to Known Exploited Vulnerabilities Catalog",
		SourceURL:         "https://www.cisa.gov/kev/cve-2024-12345",
		SourceType:        advisory.SourceBulletin,
		SourceName:        "CISA",
		KnownExploited:    &kev,
		SourceReliability: advisory.ReliabilityA,
		InfoCredibility:   2,
		RatingReason:      "government CERT advisory",
	}}

	res := &pipeline.RunResult{RunID: "run-resume", Status: pipeline.StatusPartial, StartedAt: time.Now(), Records: testRecords()}
	if err := d.store.PutRun(ctx, res); err != nil {
		t.Fatal(err)
	}
	if err := d.store.PutCheckpoint(ctx, &pipeline.Checkpoint{
		RunID:   "run-resume",
		Stage:   pipeline.StageEnrich,
		Items:   items,
		Counts:  pipeline.Counts{Received: 4, Rejected: 1, Duplicates: 2},
		SavedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	got := d.orch.Run(ctx, res)

	if got.Status != pipeline.StatusComplete {
		t.Fatalf("status = %q (error %q), want complete", got.Status, got.Error)
	}
	if got.Counts.Routed != 1 || got.Counts.Rejected != 1 || got.Counts.Duplicates != 2 {
		t.Errorf("counts = %+v, want checkpoint counts carried forward", got.Counts)
	}

	routed, ok, err := d.store.GetDecision(ctx, items[0].DedupeKey)
	if err != nil || !ok {
		t.Fatalf("GetDecision = ok=%v err=%v", ok, err)
	}
	if routed.Decision.Lane != advisory.LaneTechnicalAlert {
		t.Errorf("lane = %q", routed.Decision.Lane)
	}
	if len(d.notifier.dispatched()) != 1 {
		t.Errorf("dispatched = %d, want the resumed item delivered once", len(d.notifier.dispatched()))
	}
}

func TestRunOwnFingerprintsNotDuplicates(t *testing.T) {
	t.Parallel()

	// A run that lost its checkpoint but already wrote fingerprints must
	// not count its own earlier inserts as duplicates when it reprocesses.
	d := newDeps(t, kevProvider(), pipeline.Options{})
	ctx := context.Background()

	recs := testRecords()[:2]
	for _, rec := range recs {
		key := dedupe.Key(rec.Title, rec.SourceURL)
		if _, _, err := d.store.PutIfAbsent(ctx, dedupe.Entry{
			Key: key, ItemRef: rec.SourceURL, RunID: "run-self", FirstSeenAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	res := &pipeline.RunResult{RunID: "run-self", StartedAt: time.Now(), Records: recs}
	got := d.orch.Run(ctx, res)

	if got.Status != pipeline.StatusComplete {
		t.Fatalf("status = %q, want complete", got.Status)
	}
	if got.Counts.Duplicates != 0 || got.Counts.Routed != 2 {
		t.Errorf("counts = %+v, want own fingerprints treated as new", got.Counts)
	}
}

func TestRunTimeoutMarksPartial(t *testing.T) {
	t.Parallel()

	d := newDeps(t, kevProvider(), pipeline.Options{RunTimeout: time.Nanosecond})
	ctx := context.Background()

	res := &pipeline.RunResult{RunID: "run-timeout", StartedAt: time.Now(), Records: testRecords()}
	time.Sleep(time.Millisecond) // let the deadline lapse
	got := d.orch.Run(ctx, res)

	if got.Status != pipeline.StatusPartial {
		t.Fatalf("status = %q, want partial", got.Status)
	}
	if !strings.Contains(got.Error, "interrupted") {
		t.Errorf("error = %q, want interruption message", got.Error)
	}

	// Partial state must be durable despite the expired context.
	stored, ok, err := d.store.GetRun(ctx, "run-timeout")
	if err != nil || !ok {
		t.Fatalf("GetRun = ok=%v err=%v", ok, err)
	}
	if stored.Status != pipeline.StatusPartial {
		t.Errorf("stored status = %q", stored.Status)
	}
}

func TestRunTimeoutDuringEnrichResumes(t *testing.T) {
	t.Parallel()

	d := newDeps(t, slowProvider{}, pipeline.Options{RunTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	res := &pipeline.RunResult{RunID: "run-slow", StartedAt: time.Now(), Records: testRecords()}
	got := d.orch.Run(ctx, res)

	// Items cut off by the deadline are interruptions, not failures: the
	// run must degrade to partial instead of tripping the failure threshold.
	if got.Status != pipeline.StatusPartial {
		t.Fatalf("status = %q (error %q), want partial", got.Status, got.Error)
	}
	if strings.Contains(got.Error, "threshold") {
		t.Errorf("error = %q, a timeout must not read as a threshold abort", got.Error)
	}
	if got.Counts.Failed != 0 {
		t.Errorf("failed = %d, want 0 for items cut off mid-flight", got.Counts.Failed)
	}

	// The interrupted stage is not checkpointed, so resume reruns it.
	cp, ok, err := d.store.GetCheckpoint(ctx, "run-slow")
	if err != nil || !ok {
		t.Fatalf("GetCheckpoint = ok=%v err=%v", ok, err)
	}
	if cp.Stage != pipeline.StageDedupe {
		t.Errorf("checkpoint stage = %q, want dedupe", cp.Stage)
	}

	// A resume with a healthy provider finishes the run.
	resumed := pipeline.NewOrchestrator(
		normalize.New(log.Nop()),
		dedupe.NewEngine(d.store),
		kevProvider(),
		policy.NewRouter(policy.Default()),
		d.notifier,
		d.store,
		log.Nop(),
		pipeline.OrchestratorHooks{},
		pipeline.Options{RetryInitial: time.Millisecond, RetryTries: 2},
	).Run(ctx, got)

	if resumed.Status != pipeline.StatusComplete {
		t.Fatalf("resumed status = %q (error %q), want complete", resumed.Status, resumed.Error)
	}
	if resumed.Counts.Routed != 2 {
		t.Errorf("routed = %d, want both unique items routed after resume", resumed.Counts.Routed)
	}
}

func TestRunReportsFailedItemReasons(t *testing.T) {
	t.Parallel()

	d := newDeps(t, &selectiveProvider{failSubstr: "Routine library"}, pipeline.Options{})
	ctx := context.Background()

	res := &pipeline.RunResult{RunID: "run-reasons", StartedAt: time.Now(), Records: testRecords()}
	got := d.orch.Run(ctx, res)

	// One of two unique items failed: under the 50% threshold, so the run
	// finishes partial, not failed and not complete.
	if got.Status != pipeline.StatusPartial {
		t.Fatalf("status = %q (error %q), want partial", got.Status, got.Error)
	}
	if got.Counts.Failed != 1 {
		t.Fatalf("failed = %d, want 1", got.Counts.Failed)
	}

	failedKey := dedupe.Key("Routine library update advisory", "https://feeds.example.com/item/42")
	reason, ok := got.Counts.FailedItems[failedKey]
	if !ok {
		t.Fatalf("FailedItems = %v, missing the failed item's key", got.Counts.FailedItems)
	}
	if !strings.Contains(reason, "model overloaded") {
		t.Errorf("reason = %q, want the provider error surfaced", reason)
	}

	// The validation reject is reported with its field named, keyed by the
	// same fingerprint formula the dedup engine uses.
	rejectKey := dedupe.Key("Broken record", "")
	if reason := got.Counts.FailedItems[rejectKey]; !strings.Contains(reason, "source_url") {
		t.Errorf("reject reason = %q, want the missing field named", reason)
	}

	// Reasons are durable in the checkpoint, not just the in-memory result.
	cp, cpOK, err := d.store.GetCheckpoint(ctx, "run-reasons")
	if err != nil || !cpOK {
		t.Fatalf("GetCheckpoint = ok=%v err=%v", cpOK, err)
	}
	if _, ok := cp.Counts.FailedItems[failedKey]; !ok {
		t.Errorf("checkpoint FailedItems = %v, missing the failed item's key", cp.Counts.FailedItems)
	}

	// The healthy item still flows through to delivery.
	if got.Counts.Routed != 1 || len(d.notifier.dispatched()) != 1 {
		t.Errorf("routed = %d, dispatched = %d, want the surviving item delivered",
			got.Counts.Routed, len(d.notifier.dispatched()))
	}
}

func TestRunDeliveryFailuresNotFatal(t *testing.T) {
	t.Parallel()

	d := newDeps(t, kevProvider(), pipeline.Options{})
	d.notifier.err = errors.New("webhook down")
	ctx := context.Background()

	res := &pipeline.RunResult{RunID: "run-delivery", StartedAt: time.Now(), Records: testRecords()}
	got := d.orch.Run(ctx, res)

	if got.Status != pipeline.StatusComplete {
		t.Fatalf("status = %q, want complete despite delivery failures", got.Status)
	}
	if got.Counts.DeliveryFailures != 2 {
		t.Errorf("delivery failures = %d, want 2", got.Counts.DeliveryFailures)
	}
	if got.Counts.Routed != 2 {
		t.Errorf("routed = %d, decisions must still be persisted", got.Counts.Routed)
	}
}
