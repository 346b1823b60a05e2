package reprioritize

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/pkg/config"
	"warden/pkg/protocol"
	"warden/pkg/store"
	"warden/pkg/urgency"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openStore(t *testing.T) (*store.Store, *clock) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	c := &clock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	st.SetClock(c.Now)
	return st, c
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.RerankWindow = time.Hour
	return cfg
}

func newEngine(t *testing.T, st Store, cfg config.Config) *Engine {
	t.Helper()
	e := NewEngine(st, cfg, nil)
	t.Cleanup(e.Close)
	return e
}

func scored(id string, score float64) Update {
	return Update{ItemID: id, Result: urgency.Result{
		Score: score, Band: urgency.BandFor(score), ModelVersion: urgency.ModelVersion,
	}}
}

func putItem(t *testing.T, st *store.Store, it protocol.WorkItem) {
	t.Helper()
	require.NoError(t, st.PutItem(context.Background(), it))
}

func TestApply_BelowThreshold(t *testing.T) {
	st, _ := openStore(t)
	putItem(t, st, protocol.WorkItem{ID: "A"})
	e := newEngine(t, st, testConfig())

	res, err := e.Apply(context.Background(), []Update{scored("A", 0.52)})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, DecisionBelowThreshold, res.Items[0].Decision)
	assert.Zero(t, res.Applied)

	it, err := st.GetItem(context.Background(), "A")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, it.Urgency.Score, 1e-9)
}

func TestApply_JitterSuppression(t *testing.T) {
	st, c := openStore(t)
	putItem(t, st, protocol.WorkItem{ID: "A"})
	e := newEngine(t, st, testConfig())
	ctx := context.Background()

	res, err := e.Apply(ctx, []Update{scored("A", 0.66)})
	require.NoError(t, err)
	assert.Equal(t, DecisionApplied, res.Items[0].Decision, "first band change outside any window")

	c.Advance(time.Minute)
	res, err = e.Apply(ctx, []Update{scored("A", 0.55)})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeferred, res.Items[0].Decision)

	it, err := st.GetItem(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, protocol.BandP1, it.Urgency.Band)

	c.Advance(10 * time.Minute)
	res, err = e.Apply(ctx, []Update{scored("A", 0.55)})
	require.NoError(t, err)
	assert.Equal(t, DecisionApplied, res.Items[0].Decision, "window has elapsed")
}

func TestApply_OverrideDeltaBypassesJitter(t *testing.T) {
	st, c := openStore(t)
	putItem(t, st, protocol.WorkItem{ID: "A"})
	e := newEngine(t, st, testConfig())
	ctx := context.Background()

	_, err := e.Apply(ctx, []Update{scored("A", 0.66)})
	require.NoError(t, err)
	c.Advance(time.Minute)

	res, err := e.Apply(ctx, []Update{scored("A", 0.9)})
	require.NoError(t, err)
	assert.Equal(t, DecisionApplied, res.Items[0].Decision)

	it, err := st.GetItem(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, protocol.BandP0, it.Urgency.Band)
	assert.True(t, c.Now().Equal(it.LastBandChange), "band change stamped")
}

func TestApply_SameBandIsNotJitter(t *testing.T) {
	st, c := openStore(t)
	putItem(t, st, protocol.WorkItem{ID: "A"})
	e := newEngine(t, st, testConfig())
	ctx := context.Background()

	_, err := e.Apply(ctx, []Update{scored("A", 0.70)})
	require.NoError(t, err)
	c.Advance(time.Second)

	res, err := e.Apply(ctx, []Update{scored("A", 0.78)})
	require.NoError(t, err)
	assert.Equal(t, DecisionApplied, res.Items[0].Decision)
}

func TestApply_UnknownItem(t *testing.T) {
	st, _ := openStore(t)
	e := newEngine(t, st, testConfig())

	res, err := e.Apply(context.Background(), []Update{scored("ghost", 0.9)})
	require.NoError(t, err)
	assert.Equal(t, DecisionNotFound, res.Items[0].Decision)
}

func TestFlush_SortsAndPersistsChangedRanks(t *testing.T) {
	st, c := openStore(t)
	ctx := context.Background()
	base := c.Now()
	putItem(t, st, protocol.WorkItem{ID: "low", SequenceRank: 1, EnqueuedAt: base,
		Urgency: protocol.UrgencyRecord{Score: 0.3, Band: protocol.BandP3}})
	putItem(t, st, protocol.WorkItem{ID: "late", SequenceRank: 2, EnqueuedAt: base.Add(time.Minute),
		Urgency: protocol.UrgencyRecord{Score: 0.7, Band: protocol.BandP1}})
	putItem(t, st, protocol.WorkItem{ID: "early", SequenceRank: 3, EnqueuedAt: base,
		Urgency: protocol.UrgencyRecord{Score: 0.7, Band: protocol.BandP1}})
	putItem(t, st, protocol.WorkItem{ID: "top", SequenceRank: 4, EnqueuedAt: base,
		Urgency: protocol.UrgencyRecord{Score: 0.9, Band: protocol.BandP0}})
	putItem(t, st, protocol.WorkItem{ID: "done", Status: protocol.ItemCompleted,
		Urgency: protocol.UrgencyRecord{Score: 1, Band: protocol.BandP0}})

	e := newEngine(t, st, testConfig())
	rec, err := e.Flush(ctx, protocol.DefaultQueue)
	require.NoError(t, err)

	assert.Equal(t, []string{"low", "late", "early", "top"}, rec.OldPositions)
	assert.Equal(t, []string{"top", "early", "late", "low"}, rec.NewPositions)
	assert.Len(t, rec.Changes, 4)
	assert.NotEmpty(t, rec.CorrelationID)
	assert.NotZero(t, rec.ID)

	items, err := st.QueueItems(ctx, protocol.DefaultQueue)
	require.NoError(t, err)
	for i, it := range items {
		assert.Equal(t, i+1, it.SequenceRank, it.ID)
	}

	again, err := e.Flush(ctx, protocol.DefaultQueue)
	require.NoError(t, err)
	assert.Empty(t, again.Changes, "stable order changes nothing")
}

func TestFlush_OnlyMovedItemsChange(t *testing.T) {
	st, _ := openStore(t)
	ctx := context.Background()
	putItem(t, st, protocol.WorkItem{ID: "a", SequenceRank: 1, Urgency: protocol.UrgencyRecord{Score: 0.9, Band: protocol.BandP0}})
	putItem(t, st, protocol.WorkItem{ID: "b", SequenceRank: 2, Urgency: protocol.UrgencyRecord{Score: 0.5, Band: protocol.BandP2}})
	putItem(t, st, protocol.WorkItem{ID: "c", SequenceRank: 3, Urgency: protocol.UrgencyRecord{Score: 0.6, Band: protocol.BandP2}})

	rec, err := newEngine(t, st, testConfig()).Flush(ctx, protocol.DefaultQueue)
	require.NoError(t, err)
	require.Len(t, rec.Changes, 2)
	for _, ch := range rec.Changes {
		assert.NotEqual(t, "a", ch.ItemID)
	}
}

type failingAudit struct {
	*store.Store
}

func (failingAudit) InsertAudit(context.Context, protocol.AuditRecord) (int64, error) {
	return 0, errors.New("audit table locked")
}

func TestFlush_AuditFailureDoesNotBlock(t *testing.T) {
	st, _ := openStore(t)
	ctx := context.Background()
	putItem(t, st, protocol.WorkItem{ID: "a", SequenceRank: 2, Urgency: protocol.UrgencyRecord{Score: 0.9, Band: protocol.BandP0}})
	putItem(t, st, protocol.WorkItem{ID: "b", SequenceRank: 1, Urgency: protocol.UrgencyRecord{Score: 0.5, Band: protocol.BandP2}})

	rec, err := newEngine(t, failingAudit{st}, testConfig()).Flush(ctx, protocol.DefaultQueue)
	require.NoError(t, err)
	assert.Zero(t, rec.ID)

	it, err := st.GetItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, it.SequenceRank)
}

func TestRerank_Coalescing(t *testing.T) {
	st, _ := openStore(t)
	for _, id := range []string{"A", "B", "C", "D"} {
		putItem(t, st, protocol.WorkItem{ID: id})
	}

	cfg := testConfig()
	cfg.RerankWindow = 300 * time.Millisecond
	e := newEngine(t, st, cfg)
	runs := make(chan protocol.AuditRecord, 10)
	e.onRerank = func(rec protocol.AuditRecord) { runs <- rec }

	e.RequestRerank(protocol.DefaultQueue, "A")
	select {
	case rec := <-runs:
		assert.Equal(t, []string{"A"}, rec.TriggerItemIDs, "first request runs at once")
	case <-time.After(2 * time.Second):
		t.Fatal("first rerank did not run")
	}

	e.RequestRerank(protocol.DefaultQueue, "B")
	e.RequestRerank(protocol.DefaultQueue, "C", "B")
	e.RequestRerank(protocol.DefaultQueue, "D")

	select {
	case rec := <-runs:
		assert.Equal(t, []string{"B", "C", "D"}, rec.TriggerItemIDs)
	case <-time.After(3 * time.Second):
		t.Fatal("coalesced rerank did not run")
	}

	select {
	case rec := <-runs:
		t.Fatalf("unexpected extra rerank %+v", rec)
	case <-time.After(2 * cfg.RerankWindow):
	}

	var audits int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM reprioritization_audit`).Scan(&audits))
	assert.Equal(t, 2, audits)
}

func TestClose_DropsPendingTimers(t *testing.T) {
	st, _ := openStore(t)
	putItem(t, st, protocol.WorkItem{ID: "A"})

	e := NewEngine(st, testConfig(), nil)
	runs := make(chan protocol.AuditRecord, 10)
	e.onRerank = func(rec protocol.AuditRecord) { runs <- rec }

	e.RequestRerank(protocol.DefaultQueue, "A")
	<-runs
	e.RequestRerank(protocol.DefaultQueue, "A")

	done := make(chan struct{})
	go func() {
		e.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an armed timer")
	}
	assert.Empty(t, runs)

	_, err := e.Flush(context.Background(), protocol.DefaultQueue)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestApply_TriggersRerank(t *testing.T) {
	st, _ := openStore(t)
	putItem(t, st, protocol.WorkItem{ID: "A", SequenceRank: 2})
	putItem(t, st, protocol.WorkItem{ID: "B", SequenceRank: 1})

	e := newEngine(t, st, testConfig())
	runs := make(chan protocol.AuditRecord, 10)
	e.onRerank = func(rec protocol.AuditRecord) { runs <- rec }

	res, err := e.Apply(context.Background(), []Update{scored("A", 0.9)})
	require.NoError(t, err)
	assert.Equal(t, []string{protocol.DefaultQueue}, res.Queues)

	select {
	case rec := <-runs:
		assert.Equal(t, []string{"A"}, rec.TriggerItemIDs)
		assert.Equal(t, []string{"A", "B"}, rec.NewPositions)
		var moved *protocol.RankChange
		for i := range rec.Changes {
			if rec.Changes[i].ItemID == "A" {
				moved = &rec.Changes[i]
			}
		}
		require.NotNil(t, moved)
		assert.Equal(t, protocol.BandP2, moved.OldBand)
		assert.Equal(t, protocol.BandP0, moved.NewBand)
	case <-time.After(2 * time.Second):
		t.Fatal("apply did not trigger a rerank")
	}
}

func TestScanner_ScanOnce(t *testing.T) {
	st, _ := openStore(t)
	ctx := context.Background()
	putItem(t, st, protocol.WorkItem{ID: "A", Priority: "critical"})
	putItem(t, st, protocol.WorkItem{ID: "B"})

	e := newEngine(t, st, testConfig())
	s := NewScanner(st, e, nil, "", testConfig(), nil)

	res, err := s.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	it, err := st.GetItem(ctx, "A")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, it.Urgency.Score, 1e-9)
	assert.Equal(t, protocol.BandP1, it.Urgency.Band)
	assert.Equal(t, []string{"priority_critical"}, it.Urgency.Reasons)
	assert.Equal(t, urgency.ModelVersion, it.Urgency.ModelVersion)

	res, err = s.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Applied, "rescoring unchanged items is a no-op")
}

func TestScanner_LearningSource(t *testing.T) {
	st, _ := openStore(t)
	ctx := context.Background()
	putItem(t, st, protocol.WorkItem{ID: "A"})

	lua, err := urgency.NewLuaLearning(`function override(item) return 1 end`)
	require.NoError(t, err)
	defer lua.Close()

	s := NewScanner(st, newEngine(t, st, testConfig()), lua, "", testConfig(), nil)
	res, err := s.Score(ctx, protocol.WorkItem{ID: "A", Priority: "medium"})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, res.Score, 1e-9)
	assert.Contains(t, res.ReasonCodes, urgency.ReasonLearningOverride)
}

func TestScanner_StoredLearningOverride(t *testing.T) {
	st, _ := openStore(t)
	ctx := context.Background()
	putItem(t, st, protocol.WorkItem{ID: "A"})
	putItem(t, st, protocol.WorkItem{ID: "B"})
	require.NoError(t, st.SetLearningOverride(ctx, "A", 0))

	s := NewScanner(st, newEngine(t, st, testConfig()), urgency.Sources{urgency.StoreLearning{Store: st}}, "", testConfig(), nil)
	res, err := s.Score(ctx, protocol.WorkItem{ID: "A", Priority: "medium"})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, res.Score, 1e-9)
	assert.Contains(t, res.ReasonCodes, urgency.ReasonLearningOverride)

	res, err = s.Score(ctx, protocol.WorkItem{ID: "B", Priority: "medium"})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Score, 1e-9)
	assert.NotContains(t, res.ReasonCodes, urgency.ReasonLearningOverride)

	bare := NewScanner(st, newEngine(t, st, testConfig()), nil, "", testConfig(), nil)
	res, err = bare.Score(ctx, protocol.WorkItem{ID: "A", Priority: "medium"})
	require.NoError(t, err)
	assert.NotContains(t, res.ReasonCodes, urgency.ReasonLearningOverride, "the store alone is not a learning source")
}

func TestScanner_RunReactsToSignals(t *testing.T) {
	st, _ := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	putItem(t, st, protocol.WorkItem{ID: "A"})

	cfg := testConfig()
	cfg.ScanInterval = time.Hour
	dir := filepath.Join(t.TempDir(), "signals")
	s := NewScanner(st, newEngine(t, st, cfg), nil, dir, cfg, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	putItem(t, st, protocol.WorkItem{ID: "A", Priority: "critical"})
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "backlog"), []byte(time.Now().String()), 0o600)
		it, err := st.GetItem(ctx, "A")
		return err == nil && it.Urgency.Band == protocol.BandP1
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestSortQueue(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []protocol.WorkItem{
		{ID: "d", EnqueuedAt: t0, Urgency: protocol.UrgencyRecord{Score: 0.5, Band: protocol.BandP2}},
		{ID: "c", EnqueuedAt: t0, Urgency: protocol.UrgencyRecord{Score: 0.5, Band: protocol.BandP2}},
		{ID: "b", EnqueuedAt: t0.Add(-time.Hour), Urgency: protocol.UrgencyRecord{Score: 0.5, Band: protocol.BandP2}},
		{ID: "a", EnqueuedAt: t0, Urgency: protocol.UrgencyRecord{Score: 0.6, Band: protocol.BandP2}},
		{ID: "z", EnqueuedAt: t0, Urgency: protocol.UrgencyRecord{Score: 0.1, Band: protocol.BandP0}},
	}
	SortQueue(items)
	assert.Equal(t, []string{"z", "a", "b", "c", "d"}, itemIDs(items))
}
