package blocked

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"warden/pkg/protocol"
)

// Kind is one of the three ways to resolve an ALL_BLOCKED parent.
type Kind string

// Decision kinds.
const (
	KindResume   Kind = "resume"
	KindCancel   Kind = "cancel"
	KindOverride Kind = "override"
)

// Decision outcomes recorded in blocked_decisions.
const (
	OutcomeResumed       = "resumed"
	OutcomeCancelled     = "cancelled"
	OutcomeOverridden    = "overridden"
	OutcomeStillBlocked  = "rejected_still_blocked"
	OutcomeNoRunnable    = "rejected_no_runnable_child"
	OutcomeNotBlocked    = "rejected_not_blocked"
	OutcomeBadJustify    = "rejected_justification"
	OutcomeUnknownChoice = "rejected_unknown"
)

// Decision is a human or automation verdict on a blocked parent.
type Decision struct {
	Kind          Kind
	Actor         string
	Justification string
}

// Result is what a decision did.
type Result struct {
	ParentID string  `json:"parent_id" yaml:"parent_id"`
	Kind     Kind    `json:"decision" yaml:"decision"`
	Outcome  string  `json:"outcome" yaml:"outcome"`
	Report   *Report `json:"report,omitempty" yaml:"report,omitempty"`
}

// Decide applies a decision to parentID and appends it, accepted or not,
// to the decision history. Rejections come back as ErrNotBlocked,
// ErrStillBlocked, ErrNothingRunnable, ErrJustificationTooShort or
// ErrUnknownDecision.
func (d *Detector) Decide(ctx context.Context, parentID string, dec Decision) (Result, error) {
	res := Result{ParentID: parentID, Kind: dec.Kind}

	parent, err := d.store.GetItem(ctx, parentID)
	if err != nil {
		return res, err
	}

	var derr error
	switch {
	case dec.Kind != KindResume && dec.Kind != KindCancel && dec.Kind != KindOverride:
		res.Outcome, derr = OutcomeUnknownChoice, fmt.Errorf("%w %q", ErrUnknownDecision, dec.Kind)
	case parent.BlockedState == "":
		res.Outcome, derr = OutcomeNotBlocked, fmt.Errorf("%s: %w", parentID, ErrNotBlocked)
	default:
		derr = d.apply(ctx, parentID, dec, &res)
	}
	if derr != nil && res.Outcome == "" {
		return res, derr
	}

	row := protocol.DecisionRow{
		ParentID:      parentID,
		Decision:      string(dec.Kind),
		Actor:         dec.Actor,
		Justification: dec.Justification,
		Outcome:       res.Outcome,
	}
	if _, err := d.store.InsertDecision(ctx, row); err != nil {
		return res, errors.Join(derr, fmt.Errorf("record decision: %w", err))
	}

	d.log.Info("blocked decision", "parent", parentID, "decision", dec.Kind, "actor", dec.Actor, "outcome", res.Outcome)
	return res, derr
}

// apply performs an accepted decision kind. A non-empty res.Outcome with a
// non-nil error is a rejection that is still recorded; an error with no
// outcome is a system failure.
func (d *Detector) apply(ctx context.Context, parentID string, dec Decision, res *Result) error {
	switch dec.Kind {
	case KindResume:
		rep, err := d.Detect(ctx, parentID)
		if err != nil {
			return err
		}
		res.Report = &rep
		switch {
		case rep.AllBlocked:
			res.Outcome = OutcomeStillBlocked
			return fmt.Errorf("%s: %w", parentID, ErrStillBlocked)
		case rep.RunnableChildren == 0:
			res.Outcome = OutcomeNoRunnable
			return fmt.Errorf("%s: %w", parentID, ErrNothingRunnable)
		}
		res.Outcome = OutcomeResumed
		return nil

	case KindCancel:
		if err := d.store.SetItemStatus(ctx, parentID, protocol.ItemCancelled); err != nil {
			return fmt.Errorf("cancel %s: %w", parentID, err)
		}
		if err := d.store.SaveBlockedState(ctx, parentID, "", nil); err != nil {
			return fmt.Errorf("cancel %s: %w", parentID, err)
		}
		res.Outcome = OutcomeCancelled
		return nil

	default:
		if nonSpaceLen(dec.Justification) < MinJustification {
			res.Outcome = OutcomeBadJustify
			return ErrJustificationTooShort
		}
		if err := d.store.SetGateOverride(ctx, parentID, true); err != nil {
			return fmt.Errorf("override %s: %w", parentID, err)
		}
		snap, err := d.Snapshot(ctx, parentID)
		if err != nil {
			return err
		}
		if snap == nil {
			snap = &Report{ParentID: parentID}
		}
		snap.State = StateOverridden
		snap.Overridden = true
		if err := d.store.SaveBlockedState(ctx, parentID, StateOverridden, snap); err != nil {
			return fmt.Errorf("override %s: %w", parentID, err)
		}
		res.Report = snap
		res.Outcome = OutcomeOverridden
		return nil
	}
}

func nonSpaceLen(s string) int {
	return utf8.RuneCountInString(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s))
}
