package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is discrimination.
var (
	// ErrMissingIdentity means no terminal identity could be derived, so no
	// session can be registered. There is no safe degraded mode for this.
	ErrMissingIdentity = errors.New("terminal identity unavailable")

	// ErrSessionReleased is returned when operating on a released session.
	ErrSessionReleased = errors.New("session released")
)

// Outcome classifies the result of a claim attempt.
type Outcome string

// Successful claim outcomes.
const (
	OutcomeAlreadyOwned     Outcome = "already_owned"
	OutcomeNewlyAcquired    Outcome = "newly_acquired"
	OutcomeAdoptedSameConvo Outcome = "adopted_same_conversation"
)

// Failed claim outcomes. Each is surfaced as a structured result, never a
// raw store error.
const (
	OutcomeClaimedByActive     Outcome = "claimed_by_active_session"
	OutcomeClaimedByStaleAlive Outcome = "claimed_by_stale_but_alive_session"
	OutcomeVerificationFailed  Outcome = "claim_verification_failed"
	OutcomeNoClaimAfterRPC     Outcome = "no_claim_after_rpc"
	OutcomeMultipleClaims      Outcome = "multiple_claims"
	OutcomeWrongOwner          Outcome = "wrong_owner"
	OutcomeItemNotClaimable    Outcome = "item_not_claimable"
)

// Success reports whether the outcome means the caller owns the item.
func (o Outcome) Success() bool {
	switch o {
	case OutcomeAlreadyOwned, OutcomeNewlyAcquired, OutcomeAdoptedSameConvo:
		return true
	default:
		return false
	}
}

// ClaimError is a classified claim failure. It carries enough context for a
// human or calling automation to decide the next step.
type ClaimError struct {
	ItemID  string
	Outcome Outcome
	Owner   *Owner // nil when the holder is unknown
	Detail  string
}

func (e *ClaimError) Error() string {
	msg := fmt.Sprintf("claim %s: %s", e.ItemID, e.Outcome)
	if e.Owner != nil {
		msg += " (held by " + e.Owner.String() + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// SessionNotFoundError represents a session lookup failure.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

// ItemNotFoundError represents a work item lookup failure.
type ItemNotFoundError struct {
	ItemID string
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("work item %s not found", e.ItemID)
}
