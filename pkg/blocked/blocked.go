// Package blocked detects orchestrator items whose children can no longer
// make progress and records the human decision that resolves them.
package blocked

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"warden/internal/logging"
	"warden/pkg/protocol"
)

// Snapshot states persisted on the parent item.
const (
	StateAllBlocked = "ALL_BLOCKED"
	StateOverridden = "OVERRIDDEN"
)

// Blocker types.
const (
	TypeExplicit   = "explicit_block"
	TypeDependency = "unresolved_dependency"
	TypeHandoff    = "blocked_handoff"
	TypeGate       = "failed_gate"
)

// MinJustification is the minimum number of non-space characters an
// override justification must carry.
const MinJustification = 20

// Sentinel errors for errors.Is discrimination.
var (
	ErrNotOrchestrator       = errors.New("item is not an orchestrator")
	ErrNotBlocked            = errors.New("item is not blocked")
	ErrStillBlocked          = errors.New("all children are still blocked")
	ErrNothingRunnable       = errors.New("no runnable child to resume")
	ErrJustificationTooShort = fmt.Errorf("override justification needs at least %d non-space characters", MinJustification)
	ErrUnknownDecision       = errors.New("unknown decision")
)

// Store is the persistence the detector needs.
type Store interface {
	Now() time.Time
	GetItem(ctx context.Context, id string) (*protocol.WorkItem, error)
	Children(ctx context.Context, parentID string) ([]protocol.WorkItem, error)
	ChildFacts(ctx context.Context, children []protocol.WorkItem) ([]protocol.ChildFacts, error)
	SaveBlockedState(ctx context.Context, parentID, state string, snapshot any) error
	BlockedSnapshot(ctx context.Context, parentID string) (state, payload string, at time.Time, err error)
	SetGateOverride(ctx context.Context, parentID string, on bool) error
	SetItemStatus(ctx context.Context, id string, status protocol.ItemStatus) error
	InsertDecision(ctx context.Context, d protocol.DecisionRow) (int64, error)
	ListDecisions(ctx context.Context, parentID string) ([]protocol.DecisionRow, error)
}

// Class is a child's classification.
type Class string

// Child classes.
const (
	ClassTerminal Class = "terminal"
	ClassBlocked  Class = "blocked"
	ClassRunnable Class = "runnable"
)

// Child is one classified child.
type Child struct {
	ItemID string   `json:"item_id" yaml:"item_id"`
	Status string   `json:"status" yaml:"status"`
	Class  Class    `json:"class" yaml:"class"`
	Causes []string `json:"causes,omitempty" yaml:"causes,omitempty"`
}

// Report is the result of one detection pass.
type Report struct {
	ParentID         string             `json:"parent_id" yaml:"parent_id"`
	State            string             `json:"state" yaml:"state"`
	AllBlocked       bool               `json:"is_all_blocked" yaml:"is_all_blocked"`
	Overridden       bool               `json:"overridden,omitempty" yaml:"overridden,omitempty"`
	TerminalChildren int                `json:"terminal_children" yaml:"terminal_children"`
	BlockedChildren  int                `json:"blocked_children" yaml:"blocked_children"`
	RunnableChildren int                `json:"runnable_children" yaml:"runnable_children"`
	Children         []Child            `json:"children" yaml:"children"`
	Blockers         []protocol.Blocker `json:"blockers" yaml:"blockers"`
	DetectedAt       time.Time          `json:"detected_at" yaml:"detected_at"`
}

// Detector classifies orchestrator children and records decisions.
type Detector struct {
	store Store
	log   *slog.Logger
}

// NewDetector creates a Detector.
func NewDetector(st Store, logger *slog.Logger) *Detector {
	return &Detector{store: st, log: logging.For(logger, "blocked")}
}

// Detect classifies the children of parentID from their current rows and
// persists the result on the parent: an ALL_BLOCKED snapshot when nothing
// can run, otherwise a cleared one.
func (d *Detector) Detect(ctx context.Context, parentID string) (Report, error) {
	parent, err := d.store.GetItem(ctx, parentID)
	if err != nil {
		return Report{}, err
	}
	if !parent.IsOrchestrator {
		return Report{}, fmt.Errorf("%s: %w", parentID, ErrNotOrchestrator)
	}

	children, err := d.store.Children(ctx, parentID)
	if err != nil {
		return Report{}, fmt.Errorf("detect %s: %w", parentID, err)
	}
	facts, err := d.store.ChildFacts(ctx, children)
	if err != nil {
		return Report{}, fmt.Errorf("detect %s: %w", parentID, err)
	}

	rep := classify(parentID, facts)
	rep.DetectedAt = d.store.Now()

	switch {
	case rep.AllBlocked && parent.GateOverride:
		rep.Overridden = true
		rep.State = StateOverridden
	case rep.AllBlocked:
		rep.State = StateAllBlocked
	}

	if rep.State != "" {
		err = d.store.SaveBlockedState(ctx, parentID, rep.State, rep)
	} else if parent.BlockedState != "" {
		err = d.store.SaveBlockedState(ctx, parentID, "", nil)
	}
	if err != nil {
		return rep, fmt.Errorf("detect %s: %w", parentID, err)
	}

	if rep.State != parent.BlockedState {
		d.log.Info("blocked state changed", "parent", parentID, "from", parent.BlockedState, "to", rep.State,
			"blocked", rep.BlockedChildren, "runnable", rep.RunnableChildren, "blockers", len(rep.Blockers))
	}
	return rep, nil
}

// classify builds a report from child facts. It reads nothing else.
func classify(parentID string, facts []protocol.ChildFacts) Report {
	rep := Report{ParentID: parentID, Children: []Child{}, Blockers: []protocol.Blocker{}}

	status := make(map[string]protocol.ItemStatus, len(facts))
	for _, f := range facts {
		status[f.Item.ID] = f.Item.Status
	}

	agg := newAggregator()
	for _, f := range facts {
		it := f.Item
		c := Child{ItemID: it.ID, Status: string(it.Status)}
		if it.Status.Terminal() {
			c.Class = ClassTerminal
			rep.TerminalChildren++
			rep.Children = append(rep.Children, c)
			continue
		}

		seen := latest(it.UpdatedAt, it.LastActivityAt)
		if it.Blocked {
			reason := it.BlockReason
			if reason == "" {
				reason = "blocked flag set"
			}
			c.Causes = append(c.Causes, agg.add(TypeExplicit, reason, it.ID, seen))
		}
		for _, dep := range it.DependsOn {
			st, sibling := status[dep]
			if sibling && st != protocol.ItemCompleted {
				c.Causes = append(c.Causes, agg.add(TypeDependency, "waiting on "+dep, it.ID, seen))
			}
		}
		if f.BlockedHandoff != "" {
			c.Causes = append(c.Causes, agg.add(TypeHandoff, f.BlockedHandoff, it.ID, seen))
		}
		for _, gate := range f.FailedGates {
			c.Causes = append(c.Causes, agg.add(TypeGate, "gate "+gate+" failing", it.ID, seen))
		}

		if len(c.Causes) > 0 {
			c.Class = ClassBlocked
			rep.BlockedChildren++
		} else {
			c.Class = ClassRunnable
			rep.RunnableChildren++
		}
		rep.Children = append(rep.Children, c)
	}

	rep.AllBlocked = rep.RunnableChildren == 0 && rep.BlockedChildren > 0
	rep.Blockers = agg.sorted()
	return rep
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

type blockerKey struct{ typ, desc string }

type aggregator struct {
	order []blockerKey
	byKey map[blockerKey]*protocol.Blocker
}

func newAggregator() *aggregator {
	return &aggregator{byKey: make(map[blockerKey]*protocol.Blocker)}
}

// add records one occurrence and returns the child-facing cause string.
func (a *aggregator) add(typ, desc, childID string, seen time.Time) string {
	k := blockerKey{typ, desc}
	b, ok := a.byKey[k]
	if !ok {
		b = &protocol.Blocker{
			Type:               typ,
			Severity:           severityOf(typ),
			Description:        desc,
			RecommendedActions: actionsFor(typ),
		}
		a.byKey[k] = b
		a.order = append(a.order, k)
	}
	b.Occurrences++
	if !slices.Contains(b.AffectedChildren, childID) {
		b.AffectedChildren = append(b.AffectedChildren, childID)
	}
	if seen.After(b.LastSeen) {
		b.LastSeen = seen
	}
	return typ + ": " + desc
}

// sorted returns blockers by severity, then most recent first.
func (a *aggregator) sorted() []protocol.Blocker {
	out := make([]protocol.Blocker, 0, len(a.order))
	for _, k := range a.order {
		out = append(out, *a.byKey[k])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank(); ri != rj {
			return ri < rj
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

func severityOf(typ string) protocol.Severity {
	switch typ {
	case TypeExplicit, TypeGate:
		return protocol.SeverityHigh
	case TypeHandoff:
		return protocol.SeverityMedium
	default:
		return protocol.SeverityLow
	}
}

func actionsFor(typ string) []string {
	switch typ {
	case TypeExplicit:
		return []string{"resolve the block reason and clear the blocked flag"}
	case TypeDependency:
		return []string{"finish the dependency first", "drop the dependency if it is no longer needed"}
	case TypeHandoff:
		return []string{"answer the blocked handoff"}
	case TypeGate:
		return []string{"fix the failing gate and re-run it", "override the gate with a justification"}
	default:
		return nil
	}
}

// Snapshot returns the last persisted report for parentID, or nil when the
// parent is not blocked.
func (d *Detector) Snapshot(ctx context.Context, parentID string) (*Report, error) {
	state, payload, _, err := d.store.BlockedSnapshot(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if state == "" || payload == "" {
		return nil, nil
	}
	var rep Report
	if err := json.Unmarshal([]byte(payload), &rep); err != nil {
		return nil, fmt.Errorf("decode blocked snapshot %s: %w", parentID, err)
	}
	return &rep, nil
}

// ShouldPause reports whether work on parentID should wait for a decision:
// it is ALL_BLOCKED and no override is in force.
func (d *Detector) ShouldPause(ctx context.Context, parentID string) (bool, error) {
	parent, err := d.store.GetItem(ctx, parentID)
	if err != nil {
		return false, err
	}
	return parent.BlockedState == StateAllBlocked && !parent.GateOverride, nil
}

// History returns the decisions recorded for parentID, oldest first.
func (d *Detector) History(ctx context.Context, parentID string) ([]protocol.DecisionRow, error) {
	return d.store.ListDecisions(ctx, parentID)
}
