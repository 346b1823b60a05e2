// Package claim implements the claim/release state machine.
//
// Acquisition is an atomic store procedure followed by a read-back of the
// claim rows; a write acknowledgment alone is never trusted. When in doubt
// the coordinator refuses the claim: stalling a caller is recoverable, two
// workers on one item is not.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"warden/internal/logging"
	"warden/pkg/config"
	"warden/pkg/conflict"
	"warden/pkg/protocol"
	"warden/pkg/store"
)

// Store is the subset of the store the coordinator drives. *store.Store
// satisfies it.
type Store interface {
	GetSession(ctx context.Context, id string) (*protocol.Session, error)
	ClaimHolders(ctx context.Context, itemID string) ([]protocol.Session, error)
	ClaimItem(ctx context.Context, itemID, sessionID, queueID string) (store.ClaimResult, error)
	SwitchClaim(ctx context.Context, sessionID, oldItem, newItem string) (store.ClaimResult, error)
	AdoptClaim(ctx context.Context, fromSession, toSession, itemID string) (string, store.ClaimResult, error)
	ReleaseClaim(ctx context.Context, sessionID, reason string) (string, error)
	ReleaseStaleClaim(ctx context.Context, sessionID, itemID string, cutoff time.Time) (bool, error)
	ForceReleaseItem(ctx context.Context, itemID, reason string) (int64, error)
	ForceReleaseStale(ctx context.Context, sessionID, itemID string, cutoff time.Time) (bool, error)
	Heartbeat(ctx context.Context, sessionID string) (time.Time, error)
}

// Result is the classified outcome of a Claim call.
type Result struct {
	ItemID    string           `json:"item_id" yaml:"item_id"`
	SessionID string           `json:"session_id" yaml:"session_id"`
	Success   bool             `json:"success" yaml:"success"`
	Outcome   protocol.Outcome `json:"outcome" yaml:"outcome"`

	Conflict conflict.Kind   `json:"conflict,omitempty" yaml:"conflict,omitempty"`
	Owner    *protocol.Owner `json:"owner,omitempty" yaml:"owner,omitempty"`
	Detail   string          `json:"detail,omitempty" yaml:"detail,omitempty"`

	ReleasedStale []string           `json:"released_stale,omitempty" yaml:"released_stale,omitempty"`
	Switched      string             `json:"switched_from,omitempty" yaml:"switched_from,omitempty"`
	Warnings      []conflict.Warning `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Attempts      int                `json:"attempts" yaml:"attempts"`
}

// Err returns the failure as a *protocol.ClaimError, or nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &protocol.ClaimError{ItemID: r.ItemID, Outcome: r.Outcome, Owner: r.Owner, Detail: r.Detail}
}

// ReleaseResult reports what Release did. Release never fails from the
// caller's point of view; Error records a write that could not be made.
type ReleaseResult struct {
	SessionID string `json:"session_id" yaml:"session_id"`
	ItemID    string `json:"item_id,omitempty" yaml:"item_id,omitempty"`
	Fallback  bool   `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Coordinator runs claims and releases. Safe for concurrent use.
type Coordinator struct {
	store    Store
	analyzer *conflict.Analyzer
	cfg      config.Config
	log      *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(st Store, analyzer *conflict.Analyzer, cfg config.Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    st,
		analyzer: analyzer,
		cfg:      cfg,
		log:      logging.For(logger, "claim"),
	}
}

func (c *Coordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.StoreTimeout)
}

// Claim tries to make sessionID the owner of itemID. Classified refusals
// come back as a Result with Success=false; the error is reserved for
// system failures (unknown or released caller, unreachable store).
func (c *Coordinator) Claim(ctx context.Context, itemID, sessionID string) (Result, error) {
	res := Result{ItemID: itemID, SessionID: sessionID}

	caller, err := c.callerSession(ctx, sessionID)
	if err != nil {
		return res, err
	}
	who := conflict.CallerOf(*caller)

	var last *conflict.Classification
	attempts := max(c.cfg.ClaimMaxAttempts, 1)
	for res.Attempts < attempts {
		res.Attempts++

		tctx, cancel := c.withTimeout(ctx)
		holders, err := c.store.ClaimHolders(tctx, itemID)
		cancel()
		if err != nil {
			return res, fmt.Errorf("read claim on %s: %w", itemID, err)
		}

		if others, mine := splitHolders(holders, sessionID); mine {
			if len(others) > 0 {
				// A second claimant slipped past the unique index. Fail
				// closed rather than pick a winner.
				return c.refuse(res, protocol.OutcomeClaimedByActive, c.classify(others[0], who), "multiple sessions hold this item"), nil
			}
			c.touch(ctx, sessionID)
			return c.succeed(ctx, res, protocol.OutcomeAlreadyOwned), nil
		}

		if len(holders) == 0 {
			done, out, err := c.acquire(ctx, res, caller, itemID)
			if err != nil || done {
				return out, err
			}
			res = out
			// Lost the race; re-read whoever won.
			if refreshed, err := c.callerSession(ctx, sessionID); err == nil {
				caller = refreshed
			}
			continue
		}

		if len(holders) > 1 {
			return c.refuse(res, protocol.OutcomeMultipleClaims, c.classify(holders[0], who), "item has more than one holder"), nil
		}

		holder := holders[0]
		cls := c.classify(holder, who)
		last = &cls
		res.Conflict = cls.DisplayKind
		res.Owner = &cls.Owner

		switch {
		case cls.Kind == conflict.KindSameConversation:
			return c.adopt(ctx, res, caller, holder, itemID)
		case cls.Reclaimable():
			// A refused release means the holder moved on or came back;
			// the next pass re-classifies it.
			if c.releaseStale(ctx, holder, itemID) {
				res.ReleasedStale = append(res.ReleasedStale, holder.ID)
			}
			continue
		case cls.Kind == conflict.KindStaleAlive:
			return c.refuse(res, protocol.OutcomeClaimedByStaleAlive, cls, "heartbeat is stale but the process is running"), nil
		default:
			return c.refuse(res, protocol.OutcomeClaimedByActive, cls, ""), nil
		}
	}

	c.log.Warn("claim attempts exhausted", "item", itemID, "session", sessionID, "attempts", res.Attempts)
	detail := fmt.Sprintf("gave up after %d attempts", res.Attempts)
	if last == nil {
		// Every pass lost the acquisition race; name whoever holds it now.
		tctx, cancel := c.withTimeout(ctx)
		holders, err := c.store.ClaimHolders(tctx, itemID)
		cancel()
		if err == nil && len(holders) > 0 {
			cls := c.classify(holders[0], who)
			last = &cls
		}
	}
	if last != nil {
		return c.refuse(res, protocol.OutcomeClaimedByActive, *last, detail), nil
	}
	res.Outcome = protocol.OutcomeClaimedByActive
	res.Detail = detail
	return res, nil
}

func (c *Coordinator) callerSession(ctx context.Context, sessionID string) (*protocol.Session, error) {
	tctx, cancel := c.withTimeout(ctx)
	defer cancel()
	sess, err := c.store.GetSession(tctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == protocol.SessionReleased {
		return nil, fmt.Errorf("session %s: %w", sessionID, protocol.ErrSessionReleased)
	}
	return sess, nil
}

func splitHolders(holders []protocol.Session, sessionID string) (others []protocol.Session, mine bool) {
	for _, h := range holders {
		if h.ID == sessionID {
			mine = true
			continue
		}
		others = append(others, h)
	}
	return others, mine
}

func (c *Coordinator) classify(holder protocol.Session, who conflict.Caller) conflict.Classification {
	return c.analyzer.Analyze(holder, who)
}

// acquire runs claim_item (or switch_claim when the caller is moving off
// another item) and verifies the result. done=false means the procedure
// lost a race and the caller should re-classify.
func (c *Coordinator) acquire(ctx context.Context, res Result, caller *protocol.Session, itemID string) (bool, Result, error) {
	tctx, cancel := c.withTimeout(ctx)
	var (
		pr  store.ClaimResult
		err error
	)
	switching := caller.ClaimedItemID != "" && caller.ClaimedItemID != itemID
	if switching {
		pr, err = c.store.SwitchClaim(tctx, caller.ID, caller.ClaimedItemID, itemID)
	} else {
		pr, err = c.store.ClaimItem(tctx, itemID, caller.ID, "")
	}
	cancel()
	if err != nil {
		return true, res, fmt.Errorf("acquire %s: %w", itemID, err)
	}

	if !pr.Success {
		switch pr.Error {
		case store.ClaimErrItemAlreadyClaimed, store.ClaimErrHoldsOtherClaim:
			c.log.Debug("claim race lost", "item", itemID, "session", caller.ID, "error", pr.Error)
			return false, res, nil
		case store.ClaimErrItemTerminal:
			res.Outcome = protocol.OutcomeItemNotClaimable
			res.Detail = "item is in a terminal status"
			return true, res, nil
		case store.ClaimErrSessionReleased:
			return true, res, fmt.Errorf("session %s: %w", caller.ID, protocol.ErrSessionReleased)
		case store.ClaimErrSessionNotFound:
			return true, res, &protocol.SessionNotFoundError{SessionID: caller.ID}
		default:
			return true, res, fmt.Errorf("acquire %s: unexpected procedure error %q", itemID, pr.Error)
		}
	}

	if switching {
		res.Switched = caller.ClaimedItemID
	}
	return true, c.verify(ctx, res, protocol.OutcomeNewlyAcquired), nil
}

// adopt hands the item from a predecessor session of the same conversation
// to the caller.
func (c *Coordinator) adopt(ctx context.Context, res Result, caller *protocol.Session, holder protocol.Session, itemID string) (Result, error) {
	tctx, cancel := c.withTimeout(ctx)
	prev, pr, err := c.store.AdoptClaim(tctx, holder.ID, caller.ID, itemID)
	cancel()
	if err != nil {
		return res, fmt.Errorf("adopt %s: %w", itemID, err)
	}
	if !pr.Success {
		res.Outcome = protocol.OutcomeClaimedByActive
		res.Detail = "predecessor session changed during adoption: " + pr.Error
		return res, nil
	}
	res.Switched = prev
	c.log.Info("claim adopted", "item", itemID, "from", holder.ID, "to", caller.ID)
	return c.verify(ctx, res, protocol.OutcomeAdoptedSameConvo), nil
}

// verify reads the claim back and only then reports success.
func (c *Coordinator) verify(ctx context.Context, res Result, outcome protocol.Outcome) Result {
	tctx, cancel := c.withTimeout(ctx)
	holders, err := c.store.ClaimHolders(tctx, res.ItemID)
	cancel()

	switch {
	case err != nil:
		res.Outcome = protocol.OutcomeVerificationFailed
		res.Detail = err.Error()
	case len(holders) == 0:
		res.Outcome = protocol.OutcomeNoClaimAfterRPC
	case len(holders) > 1:
		res.Outcome = protocol.OutcomeMultipleClaims
		res.Detail = fmt.Sprintf("%d sessions hold the item", len(holders))
	case holders[0].ID != res.SessionID:
		res.Outcome = protocol.OutcomeWrongOwner
		res.Owner = protocol.OwnerOf(holders[0], c.analyzer.Now())
	default:
		return c.succeed(ctx, res, outcome)
	}
	c.log.Error("claim read-back failed", "item", res.ItemID, "session", res.SessionID, "outcome", res.Outcome, "detail", res.Detail)
	return res
}

func (c *Coordinator) succeed(ctx context.Context, res Result, outcome protocol.Outcome) Result {
	res.Success = true
	res.Outcome = outcome
	if outcome != protocol.OutcomeAdoptedSameConvo {
		res.Owner = nil
		res.Conflict = ""
	}

	tctx, cancel := c.withTimeout(ctx)
	warnings, err := c.analyzer.SiblingConflicts(tctx, res.ItemID)
	cancel()
	if err != nil {
		c.log.Warn("sibling conflict check", "item", res.ItemID, "error", err)
	}
	res.Warnings = warnings

	c.log.Info("claim", "item", res.ItemID, "session", res.SessionID, "outcome", outcome)
	return res
}

func (c *Coordinator) refuse(res Result, outcome protocol.Outcome, cls conflict.Classification, detail string) Result {
	res.Success = false
	res.Outcome = outcome
	res.Conflict = cls.DisplayKind
	owner := cls.Owner
	res.Owner = &owner
	res.Detail = detail
	c.log.Info("claim refused", "item", res.ItemID, "session", res.SessionID,
		"outcome", outcome, "conflict", cls.Kind, "owner", owner.String())
	return res
}

// touch refreshes the caller's heartbeat. Failure is not fatal.
func (c *Coordinator) touch(ctx context.Context, sessionID string) {
	tctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.store.Heartbeat(tctx, sessionID); err != nil {
		c.log.Warn("heartbeat on claim", "session", sessionID, "error", err)
	}
}

// releaseStale frees a dead or unreachable holder's claim: the conditional
// release_stale_claim first, then a conditional direct write. Both only
// apply while the holder still holds itemID with the heartbeat that was
// classified. It reports whether the claim was freed.
func (c *Coordinator) releaseStale(ctx context.Context, holder protocol.Session, itemID string) bool {
	seen := holder.HeartbeatAt
	if seen.IsZero() {
		seen = holder.CreatedAt
	}

	tctx, cancel := c.withTimeout(ctx)
	ok, err := c.store.ReleaseStaleClaim(tctx, holder.ID, itemID, seen)
	cancel()
	if err == nil {
		if ok {
			c.log.Info("stale claim released", "item", itemID, "holder", holder.ID)
		} else {
			c.log.Info("stale holder changed before release", "item", itemID, "holder", holder.ID)
		}
		return ok
	}
	c.log.Warn("release_stale_claim failed, forcing", "item", itemID, "holder", holder.ID, "error", err)

	tctx, cancel = c.withTimeout(ctx)
	ok, err = c.store.ForceReleaseStale(tctx, holder.ID, itemID, seen)
	cancel()
	if err != nil {
		c.log.Error("force release failed", "item", itemID, "holder", holder.ID, "error", err)
	}
	return ok
}

// Release drops whatever sessionID holds. It is idempotent and never
// fails: write errors are logged and reported in the result.
func (c *Coordinator) Release(ctx context.Context, sessionID, reason string) ReleaseResult {
	out := ReleaseResult{SessionID: sessionID}
	if reason == "" {
		reason = protocol.ReasonManual
	}

	tctx, cancel := c.withTimeout(ctx)
	item, err := c.store.ReleaseClaim(tctx, sessionID, reason)
	cancel()
	if err == nil {
		out.ItemID = item
		if item != "" {
			c.log.Info("released", "item", item, "session", sessionID, "reason", reason)
		}
		return out
	}

	var nf *protocol.SessionNotFoundError
	if errors.As(err, &nf) {
		return out
	}
	c.log.Warn("release_claim failed, forcing", "session", sessionID, "error", err)

	tctx, cancel = c.withTimeout(ctx)
	sess, gerr := c.store.GetSession(tctx, sessionID)
	cancel()
	if gerr != nil || sess.ClaimedItemID == "" {
		if gerr != nil {
			out.Error = gerr.Error()
			c.log.Error("release gave up", "session", sessionID, "error", gerr)
		}
		return out
	}

	out.ItemID = sess.ClaimedItemID
	out.Fallback = true
	tctx, cancel = c.withTimeout(ctx)
	_, err = c.store.ForceReleaseItem(tctx, sess.ClaimedItemID, reason)
	cancel()
	if err != nil {
		out.Error = err.Error()
		c.log.Error("force release failed", "item", sess.ClaimedItemID, "session", sessionID, "error", err)
	}
	return out
}

// Status describes who holds an item.
type Status struct {
	ItemID  string                   `json:"item_id" yaml:"item_id"`
	Claimed bool                     `json:"claimed" yaml:"claimed"`
	Holders []protocol.Session       `json:"holders,omitempty" yaml:"holders,omitempty"`
	Holder  *conflict.Classification `json:"holder,omitempty" yaml:"holder,omitempty"`
}

// Status reports the current holder of itemID classified from a neutral
// observer's point of view.
func (c *Coordinator) Status(ctx context.Context, itemID string) (Status, error) {
	tctx, cancel := c.withTimeout(ctx)
	holders, err := c.store.ClaimHolders(tctx, itemID)
	cancel()
	if err != nil {
		return Status{}, fmt.Errorf("status %s: %w", itemID, err)
	}
	st := Status{ItemID: itemID, Claimed: len(holders) > 0, Holders: holders}
	if len(holders) > 0 {
		cls := c.analyzer.Analyze(holders[0], conflict.Caller{})
		st.Holder = &cls
	}
	return st, nil
}
