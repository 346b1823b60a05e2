package store //nolint:testpackage // shares setupTestStore

import (
	"context"
	"errors"
	"testing"
	"time"

	"warden/pkg/protocol"
)

func TestPutGetItem(t *testing.T) {
	st, clock := setupTestStore(t)
	ctx := context.Background()

	deadline := clock.Now().Add(72 * time.Hour)
	err := st.PutItem(ctx, protocol.WorkItem{
		ID: "w-1", Title: "wire claims", Priority: "high", QueueID: "q",
		OKRAlignment: 0.5, OKRDeadline: deadline, Escalated: true,
		DependsOn: []string{"w-0"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := st.GetItem(ctx, "w-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Priority != "high" || got.QueueID != "q" || !got.Escalated {
		t.Errorf("item = %+v", got)
	}
	if !got.OKRDeadline.Equal(deadline) {
		t.Errorf("deadline = %v, want %v", got.OKRDeadline, deadline)
	}
	if got.Urgency.Band != protocol.BandP2 || got.Urgency.Score != 0.5 {
		t.Errorf("default urgency = %+v, want 0.5/P2", got.Urgency)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "w-0" {
		t.Errorf("depends on = %v", got.DependsOn)
	}

	var nf *protocol.ItemNotFoundError
	if _, err := st.GetItem(ctx, "missing"); !errors.As(err, &nf) {
		t.Fatalf("missing item err = %v", err)
	}
}

func TestQueueItemsSkipsTerminal(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	for _, it := range []protocol.WorkItem{
		{ID: "a", QueueID: "q", Status: protocol.ItemActive},
		{ID: "b", QueueID: "q", Status: protocol.ItemCompleted},
		{ID: "c", QueueID: "q", Status: protocol.ItemInProgress},
		{ID: "d", QueueID: "other", Status: protocol.ItemActive},
	} {
		if err := st.PutItem(ctx, it); err != nil {
			t.Fatalf("put %s: %v", it.ID, err)
		}
	}

	items, err := st.QueueItems(ctx, "q")
	if err != nil {
		t.Fatalf("queue items: %v", err)
	}
	if len(items) != 2 || items[0].ID != "a" || items[1].ID != "c" {
		t.Fatalf("queue items = %+v, want a, c", items)
	}
}

func TestUpdateUrgencyAndRanks(t *testing.T) {
	st, clock := setupTestStore(t)
	ctx := context.Background()

	if err := st.PutItem(ctx, protocol.WorkItem{ID: "a"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	err := st.UpdateUrgency(ctx, []UrgencyUpdate{{
		ItemID: "a", Score: 0.9, Band: protocol.BandP0, Reasons: []string{"escalated"},
		ModelVersion: "urgency-v1", BandChanged: true,
	}})
	if err != nil {
		t.Fatalf("update urgency: %v", err)
	}
	if err := st.UpdateRanks(ctx, map[string]int{"a": 3}); err != nil {
		t.Fatalf("update ranks: %v", err)
	}

	got, _ := st.GetItem(ctx, "a")
	if got.Urgency.Band != protocol.BandP0 || got.Urgency.Score != 0.9 {
		t.Errorf("urgency = %+v", got.Urgency)
	}
	if !got.LastBandChange.Equal(clock.Now()) {
		t.Errorf("last band change = %v, want %v", got.LastBandChange, clock.Now())
	}
	if got.SequenceRank != 3 {
		t.Errorf("rank = %d, want 3", got.SequenceRank)
	}
	if len(got.Urgency.Reasons) != 1 || got.Urgency.Reasons[0] != "escalated" {
		t.Errorf("reasons = %v", got.Urgency.Reasons)
	}
}

func TestItemSignals(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	for _, it := range []protocol.WorkItem{
		{ID: "root"},
		{ID: "dep-1", DependsOn: []string{"root"}},
		{ID: "dep-2", DependsOn: []string{"root"}, Status: protocol.ItemCompleted},
	} {
		if err := st.PutItem(ctx, it); err != nil {
			t.Fatalf("put %s: %v", it.ID, err)
		}
	}
	_ = st.AddIssue(ctx, "root", "critical", "prod down")
	_ = st.AddIssue(ctx, "root", "low", "typo")
	_ = st.SetLearningOverride(ctx, "root", 0.7)

	sig, err := st.ItemSignals(ctx, "root")
	if err != nil {
		t.Fatalf("signals: %v", err)
	}
	if sig.OpenHighIssues != 1 {
		t.Errorf("open high issues = %d, want 1", sig.OpenHighIssues)
	}
	if sig.BlocksCount != 1 {
		t.Errorf("blocks = %d, want 1", sig.BlocksCount)
	}
	v, ok, err := st.LearningOverride(ctx, "root")
	if err != nil || !ok || v != 0.7 {
		t.Errorf("learning override = %v %v %v, want 0.7", v, ok, err)
	}
	if _, ok, _ := st.LearningOverride(ctx, "dep-1"); ok {
		t.Error("dep-1 has no override")
	}
}

func TestChildFacts_LatestGateWins(t *testing.T) {
	st, clock := setupTestStore(t)
	ctx := context.Background()

	child := protocol.WorkItem{ID: "c1", ParentID: "p"}
	if err := st.PutItem(ctx, child); err != nil {
		t.Fatalf("put: %v", err)
	}
	_ = st.AddGateResult(ctx, "c1", "lint", false, "")
	clock.Advance(time.Second)
	_ = st.AddGateResult(ctx, "c1", "lint", true, "")
	_ = st.AddGateResult(ctx, "c1", "tests", false, "3 failing")
	_ = st.AddHandoff(ctx, "c1", "blocked", "waiting on API key")

	facts, err := st.ChildFacts(ctx, []protocol.WorkItem{child})
	if err != nil {
		t.Fatalf("facts: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("facts = %+v", facts)
	}
	if len(facts[0].FailedGates) != 1 || facts[0].FailedGates[0] != "tests" {
		t.Errorf("failed gates = %v, want [tests]", facts[0].FailedGates)
	}
	if facts[0].BlockedHandoff != "waiting on API key" {
		t.Errorf("handoff = %q", facts[0].BlockedHandoff)
	}
}

func TestDecisionsAndConflicts(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.InsertDecision(ctx, protocol.DecisionRow{ParentID: "p", Decision: "resume", Outcome: "rejected"}); err != nil {
		t.Fatalf("insert decision: %v", err)
	}
	rows, err := st.ListDecisions(ctx, "p")
	if err != nil || len(rows) != 1 || rows[0].Outcome != "rejected" {
		t.Fatalf("decisions = %+v, %v", rows, err)
	}

	if err := st.AddConflict(ctx, "a", "b", "same_files", protocol.SeverityHigh); err != nil {
		t.Fatalf("add conflict: %v", err)
	}
	conflicts, err := st.UnresolvedConflicts(ctx, "b")
	if err != nil || len(conflicts) != 1 || conflicts[0].Other("b") != "a" {
		t.Fatalf("conflicts = %+v, %v", conflicts, err)
	}
}
