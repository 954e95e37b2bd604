package tracker

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/noFAYZ/sync-tracker/internal/timer"
	"github.com/noFAYZ/sync-tracker/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type resumeFunc func(ctx context.Context, req ResumeRequest) (ResumeAck, error)

func (f resumeFunc) Resume(ctx context.Context, req ResumeRequest) (ResumeAck, error) {
	return f(ctx, req)
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) listen(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

func newTestTracker(t *testing.T, resumer Resumer) (*Tracker, *timer.Manual) {
	t.Helper()
	clock := timer.NewManual(t0)
	log, _ := test.NewNullLogger()
	return New(Options{
		MaxRetries: 3,
		Resumer:    resumer,
		Clock:      clock,
		Logger:     log,
	}), clock
}

func mustEntity(t *testing.T, tr *Tracker, domain models.Domain, id string) models.EntitySyncState {
	t.Helper()
	s, err := tr.GetEntity(domain, id)
	if err != nil {
		t.Fatalf("get %s/%s: %v", domain, id, err)
	}
	return s
}

func TestScenarioCryptoSyncCompletes(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	rec := &recorder{}
	tr.SubscribeAll(rec.listen)

	tr.DispatchJSON(models.DomainCrypto, []byte(`{"type":"syncing_assets","entityId":"w1","progress":30}`))
	res := tr.DispatchJSON(models.DomainCrypto, []byte(`{"type":"completed_crypto","entityId":"w1","syncedData":["assets","transactions"]}`))
	if res.Kind != ResultTransition || res.Outcome != OutcomeApplied {
		t.Fatalf("unexpected result %+v", res)
	}

	w1 := mustEntity(t, tr, models.DomainCrypto, "w1")
	if w1.Status != models.StatusCompleted || w1.Progress != 100 || w1.CompletedAt == nil {
		t.Fatalf("unexpected final state %+v", w1)
	}
	if !reflect.DeepEqual(w1.SyncedData, []string{"assets", "transactions"}) {
		t.Fatalf("unexpected synced data %v", w1.SyncedData)
	}

	updates := rec.all()
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	if updates[0].Entities[0].Status != models.SyncingStatus("assets") || updates[1].Entities[0].Status != models.StatusCompleted {
		t.Fatalf("updates out of order")
	}
	if updates[0].Summary.TotalActive != 1 || updates[1].Summary.TotalCompleted != 1 || updates[1].Summary.TotalActive != 0 {
		t.Fatalf("summaries do not match their mutation: %+v / %+v", updates[0].Summary, updates[1].Summary)
	}
	if updates[1].Summary.LastSyncTime == nil {
		t.Fatalf("last sync time missing")
	}
}

func TestScenarioBankRetryThenProgress(t *testing.T) {
	var seen models.EntitySyncState
	var tr *Tracker
	var got ResumeRequest
	tr, _ = newTestTracker(t, resumeFunc(func(ctx context.Context, req ResumeRequest) (ResumeAck, error) {
		got = req
		// The optimistic transition is visible while the request is in flight
		seen = mustEntity(t, tr, req.Domain, req.EntityID)
		return ResumeAck{}, nil
	}))

	tr.Dispatch(models.DomainBanking, models.RawEvent{Type: "failed_bank", EntityID: "b1", Error: "TELLER_UNAUTHORIZED"})

	res, err := tr.RetryEntity(context.Background(), "b1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Outcome != RetryAccepted {
		t.Fatalf("expected accepted, got %s", res.Outcome)
	}
	if seen.Status != models.StatusQueued || seen.RetryCount != 1 || seen.Error != "" {
		t.Fatalf("optimistic state not applied before the round trip: %+v", seen)
	}
	if got.Domain != models.DomainBanking || got.Attempt != 1 {
		t.Fatalf("unexpected resume request %+v", got)
	}

	tr.Dispatch(models.DomainBanking, models.RawEvent{Type: "syncing_bank", EntityID: "b1", Progress: intPtr(10)})
	b1 := mustEntity(t, tr, models.DomainBanking, "b1")
	if b1.Status != models.StatusSyncing || b1.Progress != 10 || b1.RetryCount != 1 {
		t.Fatalf("unexpected state after resume %+v", b1)
	}
}

func TestRetryRecordsAcknowledgedJob(t *testing.T) {
	tr, _ := newTestTracker(t, resumeFunc(func(ctx context.Context, req ResumeRequest) (ResumeAck, error) {
		return ResumeAck{JobID: "43"}, nil
	}))
	tr.Dispatch(models.DomainCrypto, models.RawEvent{Type: "failed_crypto", EntityID: "w1", JobID: "42", Error: "rpc"})

	res, err := tr.Retry(context.Background(), models.DomainCrypto, "w1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.JobID != "43" || res.Entity.JobID != "43" {
		t.Fatalf("fresh job id not recorded: %+v", res)
	}

	// Late events of the failed attempt are now stale
	late := tr.Dispatch(models.DomainCrypto, models.RawEvent{Type: "failed_crypto", EntityID: "w1", JobID: "42", Error: "rpc"})
	if late.Outcome != OutcomeStale {
		t.Fatalf("expected stale, got %s", late.Outcome)
	}
	if s := mustEntity(t, tr, models.DomainCrypto, "w1"); s.Status != models.StatusQueued {
		t.Fatalf("late event reverted the retry: %+v", s)
	}
}

func TestCompletedRunsCountTowardRetryLimit(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	tr.Dispatch(models.DomainCrypto, models.RawEvent{Type: "queued", EntityID: "w1"})
	tr.Dispatch(models.DomainCrypto, models.RawEvent{Type: "completed_crypto", EntityID: "w1"})
	for i := 0; i < 3; i++ {
		tr.Dispatch(models.DomainCrypto, models.RawEvent{Type: "queued", EntityID: "w1"})
		tr.Dispatch(models.DomainCrypto, models.RawEvent{Type: "completed_crypto", EntityID: "w1"})
	}
	tr.Dispatch(models.DomainCrypto, models.RawEvent{Type: "queued", EntityID: "w1"})
	tr.Dispatch(models.DomainCrypto, models.RawEvent{Type: "failed_crypto", EntityID: "w1", Error: "rpc"})

	// every reopen counts, including the ones that followed a clean completion
	if s := mustEntity(t, tr, models.DomainCrypto, "w1"); s.RetryCount != 4 {
		t.Fatalf("expected 4 reopens, got %d", s.RetryCount)
	}
	res, err := tr.Retry(context.Background(), models.DomainCrypto, "w1")
	if !errors.Is(err, ErrRetryLimitExceeded) || res.Outcome != RetryLimitExceeded {
		t.Fatalf("expected limit exceeded, got %s %v", res.Outcome, err)
	}

	// Clear resets the budget
	if err := tr.Clear(models.DomainCrypto, "w1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	tr.Dispatch(models.DomainCrypto, models.RawEvent{Type: "failed_crypto", EntityID: "w1", Error: "rpc"})
	if res, err := tr.Retry(context.Background(), models.DomainCrypto, "w1"); err != nil || res.Outcome != RetryAccepted {
		t.Fatalf("retry after clear: %s %v", res.Outcome, err)
	}
}

func TestScenarioRetryLimitReached(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	fail := models.RawEvent{Type: "failed_bank", EntityID: "b1", Error: "TELLER_UNAUTHORIZED"}
	tr.Dispatch(models.DomainBanking, fail)
	for i := 0; i < 3; i++ {
		if _, err := tr.Retry(context.Background(), models.DomainBanking, "b1"); err != nil {
			t.Fatalf("retry %d: %v", i+1, err)
		}
		tr.Dispatch(models.DomainBanking, fail)
	}

	before := mustEntity(t, tr, models.DomainBanking, "b1")
	if before.RetryCount != 3 || !before.RetryExhausted(tr.MaxRetries()) {
		t.Fatalf("expected exhausted entity, got %+v", before)
	}

	rec := &recorder{}
	tr.SubscribeAll(rec.listen)
	res, err := tr.Retry(context.Background(), models.DomainBanking, "b1")
	if !errors.Is(err, ErrRetryLimitExceeded) || res.Outcome != RetryLimitExceeded {
		t.Fatalf("expected limit exceeded, got %s %v", res.Outcome, err)
	}
	after := mustEntity(t, tr, models.DomainBanking, "b1")
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("refused retry mutated state")
	}
	if len(rec.all()) != 0 {
		t.Fatalf("refused retry notified listeners")
	}
	if tr.View(after).Label != "Sync failed" || tr.View(after).Retryable {
		t.Fatalf("unexpected view %+v", tr.View(after))
	}
}

func TestRetryRejectedByServerReverts(t *testing.T) {
	reject := true
	tr, _ := newTestTracker(t, resumeFunc(func(ctx context.Context, req ResumeRequest) (ResumeAck, error) {
		if reject {
			return ResumeAck{}, fmt.Errorf("409 sync already running")
		}
		return ResumeAck{JobID: "9"}, nil
	}))
	tr.Dispatch(models.DomainIntegration, models.RawEvent{Type: "failed_integration", EntityID: "i1", Error: "TOKEN_EXPIRED"})

	res, err := tr.Retry(context.Background(), models.DomainIntegration, "i1")
	if !errors.Is(err, ErrResumeRejected) || res.Outcome != RetryRejected {
		t.Fatalf("expected rejection, got %s %v", res.Outcome, err)
	}
	i1 := mustEntity(t, tr, models.DomainIntegration, "i1")
	if i1.Status != models.StatusFailed || i1.Error != "TOKEN_EXPIRED" || !i1.RetryRejected {
		t.Fatalf("not reverted to failed: %+v", i1)
	}
	if i1.RetryCount != 1 {
		t.Fatalf("rejection must not consume a second retry, got %d", i1.RetryCount)
	}

	reject = false
	res, err = tr.Retry(context.Background(), models.DomainIntegration, "i1")
	if err != nil || res.Outcome != RetryAccepted {
		t.Fatalf("second retry: %s %v", res.Outcome, err)
	}
	if res.Entity.RetryCount != 2 || res.Entity.RetryRejected {
		t.Fatalf("unexpected entity after second retry %+v", res.Entity)
	}
}

func TestRetryNotApplicableAndNotFound(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	tr.Dispatch(models.DomainCrypto, models.RawEvent{Type: "syncing_crypto", EntityID: "w1", Progress: intPtr(5)})

	res, err := tr.Retry(context.Background(), models.DomainCrypto, "w1")
	if err != nil || res.Outcome != RetryNotApplicable {
		t.Fatalf("expected no-op, got %s %v", res.Outcome, err)
	}
	if _, err := tr.Retry(context.Background(), models.DomainCrypto, "nope"); !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := tr.RetryEntity(context.Background(), "nope"); !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRetryEntityAmbiguous(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	tr.Dispatch(models.DomainCrypto, models.RawEvent{Type: "failed_crypto", EntityID: "x1", Error: "e"})
	tr.Dispatch(models.DomainBanking, models.RawEvent{Type: "failed_bank", EntityID: "x1", Error: "e"})

	if _, err := tr.RetryEntity(context.Background(), "x1"); !errors.Is(err, ErrAmbiguousEntity) {
		t.Fatalf("expected ambiguity error, got %v", err)
	}
}

func TestConcurrentRetryOnlyFirstPasses(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	tr, _ := newTestTracker(t, resumeFunc(func(ctx context.Context, req ResumeRequest) (ResumeAck, error) {
		close(entered)
		<-release
		return ResumeAck{}, nil
	}))
	tr.Dispatch(models.DomainBanking, models.RawEvent{Type: "failed_bank", EntityID: "b1", Error: "e"})

	done := make(chan RetryResult)
	go func() {
		res, _ := tr.Retry(context.Background(), models.DomainBanking, "b1")
		done <- res
	}()
	<-entered

	second, err := tr.Retry(context.Background(), models.DomainBanking, "b1")
	if err != nil || second.Outcome != RetryNotApplicable {
		t.Fatalf("second retry should be a no-op, got %s %v", second.Outcome, err)
	}
	close(release)
	if first := <-done; first.Outcome != RetryAccepted {
		t.Fatalf("first retry: %s", first.Outcome)
	}
	if s := mustEntity(t, tr, models.DomainBanking, "b1"); s.RetryCount != 1 {
		t.Fatalf("expected a single increment, got %d", s.RetryCount)
	}
}

func TestDispatchNeverPanicsAndCounts(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	tr := New(Options{Clock: timer.NewManual(t0), Logger: log})

	inputs := []string{
		`{not json`,
		`{}`,
		`{"type":"syncing_crypto"}`,
		`{"type":"heartbeat","timestamp":"2024-01-01T00:00:00Z"}`,
		`{"type":"connection_established","totalConnections":2}`,
		`{"type":"portfolio_rebalanced","entityId":"w1"}`,
		`{"type":"syncing_crypto","entityId":"w1","progress":"ten"}`,
		`{"type":"syncing_crypto","entityId":"w1","progress":10,"jobId":7}`,
		`{"type":"syncing_crypto","entityId":"w1","progress":10,"jobId":"7"}`,
		`{"type":"syncing_crypto","entityId":"w1","progress":20,"jobId":6}`,
		`null`,
	}
	for _, in := range inputs {
		tr.DispatchJSON(models.DomainCrypto, []byte(in))
	}

	stats := tr.Stats()
	want := DispatchStats{
		Received:  11,
		Created:   1,
		Duplicate: 1,
		Stale:     1,
		Ignored:   1,
		Malformed: 5,
		Control:   2,
	}
	if stats != want {
		t.Fatalf("unexpected stats\n got %+v\nwant %+v", stats, want)
	}

	warned := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned++
		}
	}
	if warned != 5 {
		t.Fatalf("expected a warning per malformed event, got %d", warned)
	}
}

func TestSubscribeFiltersAndDisposes(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	crypto := &recorder{}
	banking := &recorder{}
	unsubscribe := tr.Subscribe(models.DomainCrypto, crypto.listen)
	tr.Subscribe(models.DomainBanking, banking.listen)

	tr.Dispatch(models.DomainCrypto, models.RawEvent{Type: "syncing_crypto", EntityID: "w1"})
	tr.Dispatch(models.DomainBanking, models.RawEvent{Type: "syncing_bank", EntityID: "b1"})
	unsubscribe()
	unsubscribe()
	tr.Dispatch(models.DomainCrypto, models.RawEvent{Type: "completed_crypto", EntityID: "w1"})

	if n := len(crypto.all()); n != 1 {
		t.Fatalf("crypto listener got %d updates", n)
	}
	if n := len(banking.all()); n != 1 || banking.all()[0].Domain != models.DomainBanking {
		t.Fatalf("banking listener got %d updates", n)
	}
}

func TestListenerCanReadAndSurvivesPanics(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	var snapshots [][]models.EntitySyncState
	tr.SubscribeAll(func(u Update) {
		snap, _ := tr.GetSnapshot(u.Domain)
		snapshots = append(snapshots, snap)
	})
	tr.SubscribeAll(func(Update) { panic("listener bug") })

	tr.Dispatch(models.DomainCrypto, models.RawEvent{Type: "syncing_crypto", EntityID: "w1"})
	tr.Dispatch(models.DomainCrypto, models.RawEvent{Type: "syncing_crypto", EntityID: "w2"})
	if len(snapshots) != 2 || len(snapshots[1]) != 2 {
		t.Fatalf("listener did not see committed state: %v", snapshots)
	}
}

func TestUpdatesArriveInMutationOrder(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	var mu sync.Mutex
	var observed []int
	tr.Subscribe(models.DomainCrypto, func(u Update) {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range u.Entities {
			observed = append(observed, e.Progress)
		}
	})

	var wg sync.WaitGroup
	for p := 1; p <= 100; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			tr.Dispatch(models.DomainCrypto, models.RawEvent{Type: "syncing_crypto", EntityID: "w1", Progress: intPtr(p)})
		}(p)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(observed); i++ {
		if observed[i] < observed[i-1] {
			t.Fatalf("update %d went backwards: %v", i, observed)
		}
	}
	if s := mustEntity(t, tr, models.DomainCrypto, "w1"); s.Progress != 100 {
		t.Fatalf("expected 100, got %d", s.Progress)
	}
}

func TestClearIsExplicitDelete(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	rec := &recorder{}
	tr.SubscribeAll(rec.listen)
	tr.Dispatch(models.DomainBanking, models.RawEvent{Type: "failed_bank", EntityID: "b1", Error: "e"})

	if err := tr.Clear(models.DomainBanking, "b1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := tr.GetEntity(models.DomainBanking, "b1"); !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("entity survived clear")
	}
	if err := tr.Clear(models.DomainBanking, "b1"); !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("expected not found on second clear, got %v", err)
	}
	updates := rec.all()
	last := updates[len(updates)-1]
	if !reflect.DeepEqual(last.Removed, []string{"b1"}) || last.Summary.TotalFailed != 0 {
		t.Fatalf("unexpected removal update %+v", last)
	}
}

func TestConnectionStatusDrivesIsConnected(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	rec := &recorder{}
	tr.SubscribeAll(rec.listen)

	tr.SetConnectionStatus(models.ConnectionStatus{Domain: models.DomainCrypto, State: models.ConnectionConnected})
	if !tr.GetAggregateSnapshot().IsConnected {
		t.Fatalf("expected connected")
	}
	tr.SetConnectionStatus(models.ConnectionStatus{Domain: models.DomainCrypto, State: models.ConnectionDisconnected})
	if tr.GetAggregateSnapshot().IsConnected {
		t.Fatalf("expected disconnected")
	}

	updates := rec.all()
	if len(updates) != 2 || updates[0].Connection == nil || !updates[0].Summary.IsConnected || updates[1].Summary.IsConnected {
		t.Fatalf("unexpected connection updates %+v", updates)
	}
}

type memStore struct {
	snap *Snapshot
}

func (m *memStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	m.snap = &snap
	return nil
}

func (m *memStore) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	if m.snap == nil {
		return Snapshot{}, ErrNoSnapshot
	}
	return *m.snap, nil
}

func TestPersistAndRestore(t *testing.T) {
	store := &memStore{}
	fresh, _ := newTestTracker(t, nil)
	if n, err := fresh.Restore(context.Background(), store); err != nil || n != 0 {
		t.Fatalf("restore from empty store: %d %v", n, err)
	}

	tr, _ := newTestTracker(t, nil)
	tr.Dispatch(models.DomainCrypto, models.RawEvent{Type: "completed_crypto", EntityID: "w1", SyncedData: []string{"assets"}})
	tr.Dispatch(models.DomainBanking, models.RawEvent{Type: "failed_bank", EntityID: "b1", Error: "e", JobID: "3"})
	if err := tr.Persist(context.Background(), store); err != nil {
		t.Fatalf("persist: %v", err)
	}

	n, err := fresh.Restore(context.Background(), store)
	if err != nil || n != 2 {
		t.Fatalf("restore: %d %v", n, err)
	}
	for _, d := range []models.Domain{models.DomainCrypto, models.DomainBanking} {
		want, _ := tr.GetSnapshot(d)
		got, _ := fresh.GetSnapshot(d)
		if !reflect.DeepEqual(want, got) {
			t.Fatalf("%s not restored\nwant %+v\n got %+v", d, want, got)
		}
	}
	if summary := fresh.GetAggregateSnapshot(); summary.TotalCompleted != 1 || summary.TotalFailed != 1 {
		t.Fatalf("summary not recomputed after restore: %+v", summary)
	}

	store.snap.Version = SnapshotVersion + 1
	if _, err := fresh.Restore(context.Background(), store); err == nil {
		t.Fatalf("expected error for future snapshot version")
	}
}

func TestElapsedUsesClock(t *testing.T) {
	tr, clock := newTestTracker(t, nil)
	tr.Dispatch(models.DomainCrypto, models.RawEvent{Type: "syncing_crypto", EntityID: "w1"})
	clock.Advance(90 * time.Second)

	if got := tr.Elapsed(models.DomainCrypto)["w1"]; got != 90 {
		t.Fatalf("expected 90s elapsed, got %d", got)
	}
	view := tr.View(mustEntity(t, tr, models.DomainCrypto, "w1"))
	if view.ElapsedSeconds != 90 || view.Label != "Syncing wallet" {
		t.Fatalf("unexpected view %+v", view)
	}
}
