// Package reprioritize persists urgency changes and keeps queue order in
// step with them.
//
// Apply filters a batch of new scores through the churn and jitter guards
// and persists what survives. Queues touched by a persisted change are
// re-ranked on engine goroutines, rate limited per queue: requests that
// arrive inside the window are merged and run once at the window boundary.
package reprioritize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"warden/internal/logging"
	"warden/pkg/config"
	"warden/pkg/protocol"
	"warden/pkg/store"
	"warden/pkg/urgency"
)

// Store is the persistence the engine needs.
type Store interface {
	Now() time.Time
	GetItem(ctx context.Context, id string) (*protocol.WorkItem, error)
	UpdateUrgency(ctx context.Context, updates []store.UrgencyUpdate) error
	QueueItems(ctx context.Context, queueID string) ([]protocol.WorkItem, error)
	UpdateRanks(ctx context.Context, ranks map[string]int) error
	InsertAudit(ctx context.Context, rec protocol.AuditRecord) (int64, error)
}

// Update is a freshly computed score for one item.
type Update struct {
	ItemID string
	Result urgency.Result
}

// Decision is what Apply did with one update.
type Decision string

// Apply decisions.
const (
	DecisionApplied        Decision = "applied"
	DecisionBelowThreshold Decision = "below_threshold"
	DecisionDeferred       Decision = "deferred_due_to_jitter"
	DecisionNotFound       Decision = "not_found"
)

// ItemOutcome reports the decision for one update.
type ItemOutcome struct {
	ItemID   string        `json:"item_id" yaml:"item_id"`
	QueueID  string        `json:"queue_id,omitempty" yaml:"queue_id,omitempty"`
	Decision Decision      `json:"decision" yaml:"decision"`
	OldScore float64       `json:"old_score" yaml:"old_score"`
	NewScore float64       `json:"new_score" yaml:"new_score"`
	OldBand  protocol.Band `json:"old_band,omitempty" yaml:"old_band,omitempty"`
	NewBand  protocol.Band `json:"new_band,omitempty" yaml:"new_band,omitempty"`
}

// ApplyResult summarises one Apply call.
type ApplyResult struct {
	Items   []ItemOutcome `json:"items" yaml:"items"`
	Applied int           `json:"applied" yaml:"applied"`
	Queues  []string      `json:"queues,omitempty" yaml:"queues,omitempty"`
}

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("reprioritize: engine closed")

type queueState struct {
	run      sync.Mutex // serialises executions for the queue
	lastRun  time.Time
	busy     bool
	timer    *time.Timer
	pending  map[string]struct{}
	bandMove map[string][2]protocol.Band
}

// Engine applies urgency batches and re-ranks queues. Safe for concurrent
// use. Call Close to stop pending timers and wait for running re-ranks.
type Engine struct {
	store Store
	cfg   config.Config
	log   *slog.Logger
	clock func() time.Time // wall clock for rate limiting

	mu     sync.Mutex
	queues map[string]*queueState
	closed bool
	wg     sync.WaitGroup

	onRerank func(protocol.AuditRecord)
}

// NewEngine creates an Engine.
func NewEngine(st Store, cfg config.Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:  st,
		cfg:    cfg,
		log:    logging.For(logger, "reprioritize"),
		clock:  time.Now,
		queues: make(map[string]*queueState),
	}
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.StoreTimeout)
}

// Apply runs each update through the churn and jitter guards, persists the
// survivors in one transaction and requests a re-rank of every queue they
// belong to.
func (e *Engine) Apply(ctx context.Context, updates []Update) (ApplyResult, error) {
	var (
		res     ApplyResult
		persist []store.UrgencyUpdate
		touched = map[string][]string{}
		moves   = map[string][2]protocol.Band{}
	)
	now := e.store.Now()

	for _, u := range updates {
		tctx, cancel := e.withTimeout(ctx)
		it, err := e.store.GetItem(tctx, u.ItemID)
		cancel()
		var nf *protocol.ItemNotFoundError
		if errors.As(err, &nf) {
			res.Items = append(res.Items, ItemOutcome{ItemID: u.ItemID, Decision: DecisionNotFound, NewScore: u.Result.Score})
			continue
		}
		if err != nil {
			return res, fmt.Errorf("apply %s: %w", u.ItemID, err)
		}

		out := ItemOutcome{
			ItemID:   it.ID,
			QueueID:  it.QueueID,
			OldScore: it.Urgency.Score,
			NewScore: u.Result.Score,
			OldBand:  it.Urgency.Band,
			NewBand:  u.Result.Band,
		}
		out.Decision = e.decide(*it, u.Result, now)
		res.Items = append(res.Items, out)
		if out.Decision != DecisionApplied {
			e.log.Debug("urgency update skipped", "item", it.ID, "decision", out.Decision,
				"old", it.Urgency.Score, "new", u.Result.Score)
			continue
		}

		bandChanged := u.Result.Band != it.Urgency.Band
		persist = append(persist, store.UrgencyUpdate{
			ItemID:       it.ID,
			Score:        u.Result.Score,
			Band:         u.Result.Band,
			Reasons:      u.Result.ReasonCodes,
			ModelVersion: u.Result.ModelVersion,
			BandChanged:  bandChanged,
		})
		touched[it.QueueID] = append(touched[it.QueueID], it.ID)
		if bandChanged {
			moves[it.ID] = [2]protocol.Band{it.Urgency.Band, u.Result.Band}
		}
	}

	if len(persist) == 0 {
		return res, nil
	}
	tctx, cancel := e.withTimeout(ctx)
	err := e.store.UpdateUrgency(tctx, persist)
	cancel()
	if err != nil {
		return res, fmt.Errorf("persist urgency: %w", err)
	}
	res.Applied = len(persist)
	e.log.Info("urgency applied", "updates", len(updates), "applied", res.Applied, "queues", len(touched))

	for q, ids := range touched {
		res.Queues = append(res.Queues, q)
		e.request(q, ids, moves)
	}
	sort.Strings(res.Queues)
	return res, nil
}

// decide applies the churn threshold and jitter window to one update.
func (e *Engine) decide(it protocol.WorkItem, next urgency.Result, now time.Time) Decision {
	delta := math.Abs(next.Score - it.Urgency.Score)
	if delta < e.cfg.UrgencyDeltaThreshold {
		return DecisionBelowThreshold
	}
	if next.Band == it.Urgency.Band || delta >= e.cfg.JitterOverrideDelta {
		return DecisionApplied
	}
	if !it.LastBandChange.IsZero() && now.Sub(it.LastBandChange) < e.cfg.JitterWindow {
		return DecisionDeferred
	}
	return DecisionApplied
}

// RequestRerank asks for queueID to be re-ranked on behalf of ids. The
// first request after a quiet period runs at once; later ones inside the
// rate-limit window are merged into a single run at the window boundary.
func (e *Engine) RequestRerank(queueID string, ids ...string) {
	e.request(queueID, ids, nil)
}

func (e *Engine) request(queueID string, ids []string, moves map[string][2]protocol.Band) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	q := e.queue(queueID)
	for _, id := range ids {
		q.pending[id] = struct{}{}
		if m, ok := moves[id]; ok {
			q.bandMove[id] = m
		}
	}
	e.schedule(queueID, q)
}

// schedule starts a run of q now or arms its window timer. Caller holds e.mu.
func (e *Engine) schedule(queueID string, q *queueState) {
	if q.busy || q.timer != nil {
		return
	}

	wait := time.Duration(0)
	if !q.lastRun.IsZero() {
		wait = e.cfg.RerankWindow - e.clock().Sub(q.lastRun)
	}
	if wait <= 0 {
		q.busy = true
		e.wg.Add(1)
		go e.runPending(queueID)
		return
	}
	e.log.Debug("rerank coalesced", "queue", queueID, "wait", wait, "pending", len(q.pending))
	e.wg.Add(1)
	q.timer = time.AfterFunc(wait, func() {
		e.mu.Lock()
		q.timer = nil
		if e.closed {
			e.mu.Unlock()
			e.wg.Done()
			return
		}
		q.busy = true
		e.mu.Unlock()
		e.runPending(queueID)
	})
}

// queue returns the state for queueID. Caller holds e.mu.
func (e *Engine) queue(queueID string) *queueState {
	q, ok := e.queues[queueID]
	if !ok {
		q = &queueState{
			pending:  make(map[string]struct{}),
			bandMove: make(map[string][2]protocol.Band),
		}
		e.queues[queueID] = q
	}
	return q
}

// take drains the pending set of q. Caller holds e.mu.
func (q *queueState) take() ([]string, map[string][2]protocol.Band) {
	ids := make([]string, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	moves := q.bandMove
	q.pending = make(map[string]struct{})
	q.bandMove = make(map[string][2]protocol.Band)
	return ids, moves
}

// runPending executes one background re-rank of queueID and, if more
// requests arrived meanwhile, schedules the next at the window boundary.
func (e *Engine) runPending(queueID string) {
	defer e.wg.Done()

	e.mu.Lock()
	q := e.queue(queueID)
	ids, moves := q.take()
	q.lastRun = e.clock()
	e.mu.Unlock()

	ctx, cancel := e.withTimeout(context.Background())
	if _, err := e.execute(ctx, q, queueID, ids, moves); err != nil {
		e.log.Error("rerank failed", "queue", queueID, "error", err)
	}
	cancel()

	e.mu.Lock()
	q.busy = false
	if len(q.pending) > 0 && !e.closed {
		e.schedule(queueID, q)
	}
	e.mu.Unlock()
}

// Flush re-ranks queueID immediately, folding in any pending triggers and
// bypassing the rate limit.
func (e *Engine) Flush(ctx context.Context, queueID string) (protocol.AuditRecord, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return protocol.AuditRecord{}, ErrClosed
	}
	q := e.queue(queueID)
	if q.timer != nil && q.timer.Stop() {
		q.timer = nil
		e.wg.Done()
	}
	ids, moves := q.take()
	q.lastRun = e.clock()
	e.mu.Unlock()

	return e.execute(ctx, q, queueID, ids, moves)
}

// execute loads the queue, sorts it, persists changed positions and writes
// the audit row.
func (e *Engine) execute(ctx context.Context, q *queueState, queueID string, triggers []string, moves map[string][2]protocol.Band) (protocol.AuditRecord, error) {
	q.run.Lock()
	defer q.run.Unlock()

	start := e.clock()
	items, err := e.store.QueueItems(ctx, queueID)
	if err != nil {
		return protocol.AuditRecord{}, fmt.Errorf("rerank %s: %w", queueID, err)
	}

	ordered := slices.Clone(items)
	SortQueue(ordered)

	rec := protocol.AuditRecord{
		CorrelationID:  uuid.NewString(),
		QueueID:        queueID,
		TriggerItemIDs: triggers,
		OldPositions:   itemIDs(items),
		NewPositions:   itemIDs(ordered),
	}
	ranks := make(map[string]int)
	for i, it := range ordered {
		rank := i + 1
		m, moved := moves[it.ID]
		if it.SequenceRank == rank && !moved {
			continue
		}
		change := protocol.RankChange{ItemID: it.ID, OldRank: it.SequenceRank, NewRank: rank}
		if moved {
			change.OldBand, change.NewBand = m[0], m[1]
		}
		rec.Changes = append(rec.Changes, change)
		if it.SequenceRank != rank {
			ranks[it.ID] = rank
		}
	}

	if err := e.store.UpdateRanks(ctx, ranks); err != nil {
		return protocol.AuditRecord{}, fmt.Errorf("rerank %s: %w", queueID, err)
	}
	rec.Latency = e.clock().Sub(start)

	id, err := e.store.InsertAudit(ctx, rec)
	if err != nil {
		e.log.Warn("rerank audit write failed", "queue", queueID, "correlation_id", rec.CorrelationID, "error", err)
	} else {
		rec.ID = id
	}

	e.log.Info("queue reranked", "queue", queueID, "correlation_id", rec.CorrelationID,
		"items", len(items), "moved", len(ranks), "triggers", len(triggers), "latency", rec.Latency)
	if e.onRerank != nil {
		e.onRerank(rec)
	}
	return rec, nil
}

// SortQueue orders items by band (P0 first), score descending, enqueue time
// ascending and id.
func SortQueue(items []protocol.WorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if ra, rb := a.Urgency.Band.Rank(), b.Urgency.Band.Rank(); ra != rb {
			return ra < rb
		}
		if a.Urgency.Score != b.Urgency.Score {
			return a.Urgency.Score > b.Urgency.Score
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.ID < b.ID
	})
}

func itemIDs(items []protocol.WorkItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// Close stops pending timers and waits for running re-ranks. Pending
// triggers that have not run are dropped.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, q := range e.queues {
		if q.timer != nil && q.timer.Stop() {
			q.timer = nil
			e.wg.Done()
		}
	}
	e.mu.Unlock()
	e.wg.Wait()
}
