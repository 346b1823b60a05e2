package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"warden/pkg/protocol"

	"github.com/google/uuid"
)

// RegisterOutcome says what register_or_adopt_session did.
type RegisterOutcome string

// Registration outcomes.
const (
	RegisterCreated           RegisterOutcome = "created"
	RegisterAutoReleasedPrior RegisterOutcome = "auto_released_prior"
	RegisterAdopted           RegisterOutcome = "adopted"
)

// RegisterParams describes the process asking for a session.
type RegisterParams struct {
	Identity  string
	Tier      protocol.Tier
	Channel   string
	MachineID string
	PID       int
	Hostname  string
	Codebase  string

	// AdoptWindow: a prior session for the same identity created less than
	// this long ago is adopted rather than superseded.
	AdoptWindow time.Duration

	// NewID overrides the generated session id. Tests only.
	NewID string
}

// Registration is the result of RegisterOrAdoptSession.
type Registration struct {
	Session  protocol.Session
	Outcome  RegisterOutcome
	Released []string // sessions released as a side effect
}

// RegisterOrAdoptSession is the register_or_adopt_session procedure. In one
// transaction it either adopts the newest session for the identity (if it
// is younger than AdoptWindow) or releases every prior session for the
// identity and inserts a fresh one.
func (s *Store) RegisterOrAdoptSession(ctx context.Context, p RegisterParams) (Registration, error) {
	if p.Identity == "" {
		return Registration{}, protocol.ErrMissingIdentity
	}

	var reg Registration
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		ms := toMillis(now)

		priors, err := querySessions(ctx, tx, `SELECT `+sessionColumns+` FROM sessions
			WHERE terminal_identity = ? AND status != 'released'
			ORDER BY created_at DESC, session_id`, p.Identity)
		if err != nil {
			return err
		}

		if len(priors) > 0 && now.Sub(priors[0].CreatedAt) < p.AdoptWindow {
			adopted := priors[0]
			_, err := tx.ExecContext(ctx, `
				UPDATE sessions SET os_pid = ?, hostname = ?, heartbeat_at = ?, updated_at = ?,
					status = CASE WHEN status = 'stale' THEN 'active' ELSE status END
				WHERE session_id = ?`, p.PID, p.Hostname, ms, ms, adopted.ID)
			if err != nil {
				return fmt.Errorf("adopt session %s: %w", adopted.ID, err)
			}
			for _, dup := range priors[1:] {
				if err := releaseSessionRow(ctx, tx, now, dup, protocol.EventRelease, protocol.ReasonDuplicate); err != nil {
					return err
				}
				reg.Released = append(reg.Released, dup.ID)
			}
			sess, err := getSession(ctx, tx, adopted.ID)
			if err != nil {
				return err
			}
			reg.Session = *sess
			reg.Outcome = RegisterAdopted
			return nil
		}

		for _, prior := range priors {
			if err := releaseSessionRow(ctx, tx, now, prior, protocol.EventRelease, protocol.ReasonSuperseded); err != nil {
				return err
			}
			reg.Released = append(reg.Released, prior.ID)
		}

		id := p.NewID
		if id == "" {
			id = uuid.NewString()
		}
		tier := p.Tier
		if tier == "" {
			tier = protocol.TierFallback
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (session_id, terminal_identity, identity_tier, channel, machine_id, os_pid,
				hostname, codebase, status, heartbeat_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'active', ?, ?, ?)`,
			id, p.Identity, string(tier), p.Channel, p.MachineID, p.PID,
			p.Hostname, p.Codebase, ms, ms, ms)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		sess, err := getSession(ctx, tx, id)
		if err != nil {
			return err
		}
		reg.Session = *sess
		reg.Outcome = RegisterCreated
		if len(reg.Released) > 0 {
			reg.Outcome = RegisterAutoReleasedPrior
		}
		return nil
	})
	if err != nil {
		return Registration{}, fmt.Errorf("register_or_adopt_session: %w", err)
	}
	return reg, nil
}

// Claim procedure error codes.
const (
	ClaimErrSessionNotFound    = "session_not_found"
	ClaimErrSessionReleased    = "session_released"
	ClaimErrHoldsOtherClaim    = "session_holds_other_claim"
	ClaimErrItemTerminal       = "item_terminal"
	ClaimErrItemAlreadyClaimed = "item_already_claimed"
)

// ClaimResult is the {success, error} shape returned by claim_item and
// switch_claim. Error is one of the ClaimErr codes; Holder is set for
// item_already_claimed when the holder could be read.
type ClaimResult struct {
	Success bool
	Error   string
	Holder  *protocol.Session
}

func claimFailure(code string) ClaimResult {
	return ClaimResult{Error: code}
}

// ClaimItem is the claim_item procedure. A session that already holds the
// item succeeds without writing. Items with no work_items row are
// claimable; items in a terminal status are not.
func (s *Store) ClaimItem(ctx context.Context, itemID, sessionID, queueID string) (ClaimResult, error) {
	var res ClaimResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()

		sess, code, err := claimingSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if code != "" {
			res = claimFailure(code)
			return nil
		}
		switch sess.ClaimedItemID {
		case itemID:
			res = ClaimResult{Success: true}
			return nil
		case "":
		default:
			res = claimFailure(ClaimErrHoldsOtherClaim)
			return nil
		}

		r, queue, err := claimTarget(ctx, tx, itemID, sessionID, queueID)
		if err != nil || r != nil {
			if r != nil {
				res = *r
			}
			return err
		}

		ok, err := setClaim(ctx, tx, now, sessionID, itemID)
		if err != nil {
			return err
		}
		if !ok {
			res = claimFailure(ClaimErrItemAlreadyClaimed)
			return nil
		}
		if err := appendEvent(ctx, tx, now, itemID, sessionID, queue, protocol.EventClaim, ""); err != nil {
			return err
		}
		res = ClaimResult{Success: true}
		return nil
	})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim_item %s: %w", itemID, err)
	}
	return res, nil
}

// SwitchClaim is the switch_claim procedure: atomically move sessionID's
// claim from oldItem to newItem. On any failure the old claim is kept.
func (s *Store) SwitchClaim(ctx context.Context, sessionID, oldItem, newItem string) (ClaimResult, error) {
	var res ClaimResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()

		sess, code, err := claimingSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if code != "" {
			res = claimFailure(code)
			return nil
		}
		if sess.ClaimedItemID == newItem {
			res = ClaimResult{Success: true}
			return nil
		}
		if sess.ClaimedItemID != oldItem {
			res = claimFailure(ClaimErrHoldsOtherClaim)
			return nil
		}

		r, queue, err := claimTarget(ctx, tx, newItem, sessionID, "")
		if err != nil || r != nil {
			if r != nil {
				res = *r
			}
			return err
		}

		ok, err := setClaim(ctx, tx, now, sessionID, newItem)
		if err != nil {
			return err
		}
		if !ok {
			res = claimFailure(ClaimErrItemAlreadyClaimed)
			return nil
		}
		if oldItem != "" {
			if err := appendEvent(ctx, tx, now, oldItem, sessionID, "", protocol.EventRelease, protocol.ReasonSwitch); err != nil {
				return err
			}
		}
		if err := appendEvent(ctx, tx, now, newItem, sessionID, queue, protocol.EventSwitch, oldItem); err != nil {
			return err
		}
		res = ClaimResult{Success: true}
		return nil
	})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("switch_claim %s -> %s: %w", oldItem, newItem, err)
	}
	return res, nil
}

// claimingSession loads the session trying to claim, translating absence
// and release into procedure error codes.
func claimingSession(ctx context.Context, tx *sql.Tx, sessionID string) (*protocol.Session, string, error) {
	sess, err := getSession(ctx, tx, sessionID)
	var nf *protocol.SessionNotFoundError
	if errors.As(err, &nf) {
		return nil, ClaimErrSessionNotFound, nil
	}
	if err != nil {
		return nil, "", err
	}
	if sess.Status == protocol.SessionReleased {
		return nil, ClaimErrSessionReleased, nil
	}
	return sess, "", nil
}

// claimTarget checks that itemID may be claimed by sessionID. A non-nil
// result is a refusal; the returned queue is the item's queue.
func claimTarget(ctx context.Context, tx *sql.Tx, itemID, sessionID, queueID string) (*ClaimResult, string, error) {
	var status, itemQueue string
	err := tx.QueryRowContext(ctx, `SELECT status, queue_id FROM work_items WHERE id = ?`, itemID).Scan(&status, &itemQueue)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, "", fmt.Errorf("read item %s: %w", itemID, err)
	case protocol.ItemStatus(status).Terminal():
		r := claimFailure(ClaimErrItemTerminal)
		return &r, "", nil
	}
	if queueID == "" {
		queueID = itemQueue
	}

	holders, err := claimHolders(ctx, tx, itemID)
	if err != nil {
		return nil, "", err
	}
	for _, h := range holders {
		if h.ID != sessionID {
			holder := h
			return &ClaimResult{Error: ClaimErrItemAlreadyClaimed, Holder: &holder}, "", nil
		}
	}
	return nil, queueID, nil
}

// setClaim points the session at itemID. It reports false when the unique
// index rejected the write.
func setClaim(ctx context.Context, tx *sql.Tx, now time.Time, sessionID, itemID string) (bool, error) {
	ms := toMillis(now)
	_, err := tx.ExecContext(ctx, `
		UPDATE sessions SET claimed_item_id = ?, claimed_at = ?, status = 'active',
			heartbeat_at = ?, updated_at = ?
		WHERE session_id = ?`, itemID, ms, ms, ms, sessionID)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("set claim %s: %w", itemID, err)
	}
	return true, nil
}

// ReleaseClaim is the release_claim procedure. It clears the session's
// claim and returns the released item ("" when there was none).
func (s *Store) ReleaseClaim(ctx context.Context, sessionID, reason string) (string, error) {
	var released string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		sess, err := getSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.ClaimedItemID == "" {
			return nil
		}
		released = sess.ClaimedItemID

		ms := toMillis(now)
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET claimed_item_id = NULL, claimed_at = 0, updated_at = ?,
				status = CASE WHEN status = 'active' THEN 'idle' ELSE status END
			WHERE session_id = ?`, ms, sessionID)
		if err != nil {
			return fmt.Errorf("clear claim %s: %w", sessionID, err)
		}
		return appendEvent(ctx, tx, now, released, sessionID, "", protocol.EventRelease, reason)
	})
	if err != nil {
		return "", fmt.Errorf("release_claim %s: %w", sessionID, err)
	}
	return released, nil
}

// staleCondition holds while a session still holds the item, is not
// released and has not heartbeated after the cutoff. Sessions that never
// heartbeated are judged by their creation time.
const staleCondition = `claimed_item_id = ? AND status != 'released'
	AND (CASE WHEN heartbeat_at = 0 THEN created_at ELSE heartbeat_at END) <= ?`

// ReleaseStaleClaim is the release_stale_claim procedure used to reclaim an
// item from a holder judged stale. It retires the holder only if it still
// holds itemID, is not released, and has not heartbeated after cutoff (the
// last heartbeat the caller classified). It reports false, changing
// nothing, when the holder moved on or came back.
func (s *Store) ReleaseStaleClaim(ctx context.Context, sessionID, itemID string, cutoff time.Time) (bool, error) {
	var released bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions WHERE session_id = ? AND `+staleCondition,
			sessionID, itemID, toMillis(cutoff)).Scan(&n)
		if err != nil {
			return fmt.Errorf("check stale holder %s: %w", sessionID, err)
		}
		if n == 0 {
			return nil
		}
		sess, err := getSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		released = true
		return releaseSessionRow(ctx, tx, s.now(), *sess, protocol.EventReclaim, protocol.ReasonStale)
	})
	if err != nil {
		return false, fmt.Errorf("release_stale_claim %s: %w", sessionID, err)
	}
	return released, nil
}

// ForceReleaseStale is the direct-write fallback for ReleaseStaleClaim. It
// clears the holder's claim under the same condition without retiring the
// session.
func (s *Store) ForceReleaseStale(ctx context.Context, sessionID, itemID string, cutoff time.Time) (bool, error) {
	now := s.now()
	ms := toMillis(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET claimed_item_id = NULL, claimed_at = 0, updated_at = ?,
			status = CASE WHEN status = 'active' THEN 'idle' ELSE status END
		WHERE session_id = ? AND `+staleCondition, ms, sessionID, itemID, toMillis(cutoff))
	if err != nil {
		return false, fmt.Errorf("force release stale %s: %w", sessionID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	_ = appendEvent(ctx, s.db, now, itemID, sessionID, "", protocol.EventReclaim, protocol.ReasonStale)
	return true, nil
}

// ForceReleaseItem clears every claim on itemID with plain writes. It is
// the fallback when release_claim itself fails.
func (s *Store) ForceReleaseItem(ctx context.Context, itemID, reason string) (int64, error) {
	now := s.now()
	ms := toMillis(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET claimed_item_id = NULL, claimed_at = 0, updated_at = ?,
			status = CASE WHEN status = 'active' THEN 'idle' ELSE status END
		WHERE claimed_item_id = ?`, ms, itemID)
	if err != nil {
		return 0, fmt.Errorf("force release %s: %w", itemID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		_ = appendEvent(ctx, s.db, now, itemID, "", "", protocol.EventRelease, reason)
	}
	return n, nil
}

// EndSession releases the session's claim and marks it released. Ending an
// already released session is a no-op.
func (s *Store) EndSession(ctx context.Context, sessionID, reason string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := getSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status == protocol.SessionReleased {
			return nil
		}
		return releaseSessionRow(ctx, tx, s.now(), *sess, protocol.EventRelease, reason)
	})
	if err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	return nil
}

// CleanupParams configures one cleanup_stale run.
type CleanupParams struct {
	Threshold time.Duration
	BatchSize int
	Hostname  string // this machine; only its pids can be probed

	// IsDead reports whether a local pid is verifiably gone. Unknown means
	// alive.
	IsDead func(pid int) bool
}

// CleanupResult counts what cleanup_stale changed.
type CleanupResult struct {
	Released    []string `json:"released" yaml:"released"`
	MarkedStale []string `json:"marked_stale" yaml:"marked_stale"`
}

// CleanupStale is the cleanup_stale procedure. Sessions whose heartbeat is
// older than Threshold are released when they ran on this host and their
// process is dead, and marked stale otherwise. Stale sessions on other
// hosts are left alone since nothing here can prove them dead. The context
// is checked between rows; cancellation rolls back the whole batch.
func (s *Store) CleanupStale(ctx context.Context, p CleanupParams) (CleanupResult, error) {
	if p.BatchSize <= 0 {
		p.BatchSize = 100
	}
	isDead := p.IsDead
	if isDead == nil {
		isDead = func(int) bool { return false }
	}

	var res CleanupResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		cutoff := toMillis(now.Add(-p.Threshold))

		candidates, err := querySessions(ctx, tx, `SELECT `+sessionColumns+` FROM sessions
			WHERE heartbeat_at < ?
			  AND (status IN ('active', 'idle') OR (status = 'stale' AND hostname = ?))
			ORDER BY heartbeat_at, session_id
			LIMIT ?`, cutoff, p.Hostname, p.BatchSize)
		if err != nil {
			return err
		}

		ms := toMillis(now)
		for _, sess := range candidates {
			if err := ctx.Err(); err != nil {
				return err
			}
			if sess.Hostname == p.Hostname && isDead(sess.PID) {
				if err := releaseSessionRow(ctx, tx, now, sess, protocol.EventReclaim, protocol.ReasonCleanup); err != nil {
					return err
				}
				res.Released = append(res.Released, sess.ID)
				continue
			}
			if sess.Status == protocol.SessionStale {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE sessions SET status = 'stale', updated_at = ? WHERE session_id = ?`, ms, sess.ID); err != nil {
				return fmt.Errorf("mark stale %s: %w", sess.ID, err)
			}
			res.MarkedStale = append(res.MarkedStale, sess.ID)
		}
		return nil
	})
	if err != nil {
		return CleanupResult{}, fmt.Errorf("cleanup_stale: %w", err)
	}
	return res, nil
}

// AdoptClaim moves itemID from one session of a logical conversation to
// another (a respawned process taking over its predecessor's work). The
// predecessor is retired. If the adopting session held a different item,
// that claim is released and returned as previous.
func (s *Store) AdoptClaim(ctx context.Context, fromSession, toSession, itemID string) (previous string, res ClaimResult, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()

		to, code, err := claimingSession(ctx, tx, toSession)
		if err != nil {
			return err
		}
		if code != "" {
			res = claimFailure(code)
			return nil
		}
		if to.ClaimedItemID == itemID {
			res = ClaimResult{Success: true}
			return nil
		}

		from, err := getSession(ctx, tx, fromSession)
		if err != nil {
			return err
		}
		if from.Status == protocol.SessionReleased || from.ClaimedItemID != itemID {
			// The predecessor no longer holds it; let the caller re-classify.
			res = claimFailure(ClaimErrItemAlreadyClaimed)
			return nil
		}

		if err := releaseSessionRow(ctx, tx, now, *from, protocol.EventRelease, protocol.ReasonAdopted); err != nil {
			return err
		}
		if to.ClaimedItemID != "" {
			previous = to.ClaimedItemID
			if err := appendEvent(ctx, tx, now, previous, toSession, "", protocol.EventRelease, protocol.ReasonSwitch); err != nil {
				return err
			}
		}
		ok, err := setClaim(ctx, tx, now, toSession, itemID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("adopt %s: claim index rejected handover", itemID)
		}
		res = ClaimResult{Success: true}
		return appendEvent(ctx, tx, now, itemID, toSession, "", protocol.EventAdopt, fromSession)
	})
	if err != nil {
		return "", ClaimResult{}, fmt.Errorf("adopt_claim %s: %w", itemID, err)
	}
	return previous, res, nil
}
