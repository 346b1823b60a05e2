// Package conflict classifies the relationship between a work item's
// current claim holder and a session that wants the item.
//
// Liveness errs toward "alive": a false alive only stalls a caller, while a
// false dead lets two workers run the same item.
package conflict

import (
	"context"
	"fmt"
	"time"

	"warden/pkg/config"
	"warden/pkg/liveness"
	"warden/pkg/protocol"
	"warden/pkg/store"
)

// Kind is the classification of a holder relative to a caller.
type Kind string

// Classification kinds.
const (
	KindSelf             Kind = "self"
	KindSameConversation Kind = "same_conversation"
	KindAmbiguous        Kind = "ambiguous"
	KindOtherActive      Kind = "other_active"
	KindStaleDead        Kind = "stale_dead"
	KindStaleAlive       Kind = "stale_alive"
	KindStaleRemote      Kind = "stale_remote"
)

// Caller describes the session asking for an item.
type Caller struct {
	SessionID string
	Identity  string
	Tier      protocol.Tier
	Channel   string
	Hostname  string
}

// CallerOf builds a Caller from the caller's own session row.
func CallerOf(s protocol.Session) Caller {
	return Caller{
		SessionID: s.ID,
		Identity:  s.TerminalIdentity,
		Tier:      s.IdentityTier,
		Channel:   s.Channel,
		Hostname:  s.Hostname,
	}
}

// Classification is the analyzer's verdict on one holder.
type Classification struct {
	Kind Kind `json:"kind" yaml:"kind"`

	// DisplayKind is what humans are shown. It differs from Kind only for
	// an ambiguous holder on this host whose process is gone, which reads
	// as the same conversation but is reclaimed like a stale_dead holder.
	DisplayKind Kind `json:"display_kind" yaml:"display_kind"`

	Owner      protocol.Owner `json:"owner" yaml:"owner"`
	Stale      bool           `json:"stale" yaml:"stale"`
	SameHost   bool           `json:"same_host" yaml:"same_host"`
	HolderDead bool           `json:"holder_dead" yaml:"holder_dead"` // probed only when SameHost
}

// Reclaimable reports whether the holder's claim may be released so the
// caller can retry acquisition.
func (c Classification) Reclaimable() bool {
	switch c.Kind {
	case KindStaleDead, KindStaleRemote:
		return true
	case KindAmbiguous:
		return c.SameHost && c.HolderDead
	default:
		return false
	}
}

// Analyzer classifies holders. Safe for concurrent use.
type Analyzer struct {
	store     *store.Store
	probe     liveness.Probe
	threshold time.Duration
	hostname  string
	now       func() time.Time
}

// NewAnalyzer creates an Analyzer. st is only used by SiblingConflicts and
// may be nil when that is not needed.
func NewAnalyzer(st *store.Store, probe liveness.Probe, cfg config.Config, hostname string) *Analyzer {
	if probe == nil {
		probe = liveness.OS{}
	}
	now := time.Now
	if st != nil {
		now = st.Now
	}
	return &Analyzer{
		store:     st,
		probe:     probe,
		threshold: cfg.StaleThreshold,
		hostname:  hostname,
		now:       now,
	}
}

// Now returns the analyzer's clock reading.
func (a *Analyzer) Now() time.Time {
	return a.now()
}

// Analyze classifies holder relative to caller.
func (a *Analyzer) Analyze(holder protocol.Session, caller Caller) Classification {
	now := a.now()
	c := Classification{
		Owner:    *protocol.OwnerOf(holder, now),
		Stale:    holder.Status == protocol.SessionStale || holder.HeartbeatAge(now) > a.threshold,
		SameHost: holder.Hostname != "" && holder.Hostname == a.hostname,
	}

	bothExact := holder.IdentityTier == protocol.TierExact && caller.Tier == protocol.TierExact
	sameIdentity := holder.TerminalIdentity != "" && holder.TerminalIdentity == caller.Identity
	sameChannel := holder.Channel != "" && holder.Channel == caller.Channel

	switch {
	case holder.ID == caller.SessionID:
		c.Kind = KindSelf
	case sameIdentity && bothExact:
		c.Kind = KindSameConversation
	case (sameIdentity || sameChannel) && !bothExact:
		c.Kind = KindAmbiguous
		if c.SameHost {
			c.HolderDead = !a.probe.Alive(holder.PID)
		}
	case !c.Stale:
		c.Kind = KindOtherActive
	case !c.SameHost:
		c.Kind = KindStaleRemote
	default:
		c.HolderDead = !a.probe.Alive(holder.PID)
		if c.HolderDead {
			c.Kind = KindStaleDead
		} else {
			c.Kind = KindStaleAlive
		}
	}

	c.DisplayKind = c.Kind
	if c.Kind == KindAmbiguous && c.SameHost && c.HolderDead {
		c.DisplayKind = KindSameConversation
	}
	return c
}

// Warning is an informational note about a conflicting sibling item that is
// currently being worked.
type Warning struct {
	ItemID       string            `json:"item_id" yaml:"item_id"`
	ConflictType string            `json:"conflict_type" yaml:"conflict_type"`
	Severity     protocol.Severity `json:"severity" yaml:"severity"`
	HeldBy       string            `json:"held_by" yaml:"held_by"`
}

func (w Warning) String() string {
	return fmt.Sprintf("conflicts with %s (%s, %s), held by %s", w.ItemID, w.ConflictType, w.Severity, w.HeldBy)
}

// SiblingConflicts returns unresolved conflict_matrix entries for itemID
// whose other side is currently claimed. Errors are returned for logging;
// callers treat the result as advisory.
func (a *Analyzer) SiblingConflicts(ctx context.Context, itemID string) ([]Warning, error) {
	if a.store == nil {
		return nil, nil
	}
	entries, err := a.store.UnresolvedConflicts(ctx, itemID)
	if err != nil {
		return nil, err
	}
	var out []Warning
	for _, e := range entries {
		other := e.Other(itemID)
		holders, err := a.store.ClaimHolders(ctx, other)
		if err != nil {
			return out, err
		}
		if len(holders) == 0 {
			continue
		}
		out = append(out, Warning{
			ItemID:       other,
			ConflictType: e.ConflictType,
			Severity:     e.Severity,
			HeldBy:       holders[0].ID,
		})
	}
	return out, nil
}
