package protocol

import (
	"fmt"
	"time"
)

// ItemStatus is the lifecycle status of a work item.
type ItemStatus string

// Work item status constants.
const (
	ItemDraft      ItemStatus = "draft"
	ItemActive     ItemStatus = "active"
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted  ItemStatus = "completed"
	ItemCancelled  ItemStatus = "cancelled"
	ItemFailed     ItemStatus = "failed"
	ItemRejected   ItemStatus = "rejected"
)

// Terminal reports whether the item can no longer be worked on.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemCompleted, ItemCancelled, ItemFailed, ItemRejected:
		return true
	default:
		return false
	}
}

// SessionStatus is the lifecycle status of a session row.
type SessionStatus string

// Session status constants.
const (
	SessionActive   SessionStatus = "active"
	SessionIdle     SessionStatus = "idle"
	SessionStale    SessionStatus = "stale"
	SessionReleased SessionStatus = "released"
)

// Live reports whether a session in this status may hold a claim.
func (s SessionStatus) Live() bool {
	return s == SessionActive || s == SessionIdle
}

// Tier is the confidence of a resolved terminal identity.
type Tier string

// Identity tiers, strongest first.
const (
	TierExact     Tier = "exact"     // Distinguishes sibling conversations.
	TierAmbiguous Tier = "ambiguous" // May conflate conversations sharing a channel.
	TierFallback  Tier = "fallback"  // Derived without process information.
)

// Band is a discrete priority tier derived from an urgency score.
type Band string

// Urgency bands, P0 highest.
const (
	BandP0 Band = "P0"
	BandP1 Band = "P1"
	BandP2 Band = "P2"
	BandP3 Band = "P3"
)

// Rank orders bands for sorting: P0 sorts first.
func (b Band) Rank() int {
	switch b {
	case BandP0:
		return 0
	case BandP1:
		return 1
	case BandP2:
		return 2
	default:
		return 3
	}
}

// WorkItem represents a row in the work_items table.
type WorkItem struct {
	ID             string        `json:"id" yaml:"id"`
	Key            string        `json:"key" yaml:"key"`
	Title          string        `json:"title" yaml:"title"`
	Status         ItemStatus    `json:"status" yaml:"status"`
	ParentID       string        `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	QueueID        string        `json:"queue_id" yaml:"queue_id"`
	IsOrchestrator bool          `json:"is_orchestrator,omitempty" yaml:"is_orchestrator,omitempty"`
	Priority       string        `json:"priority" yaml:"priority"` // critical | high | medium | low
	Blocked        bool          `json:"blocked,omitempty" yaml:"blocked,omitempty"`
	BlockReason    string        `json:"block_reason,omitempty" yaml:"block_reason,omitempty"`
	ProgressPct    float64       `json:"progress_pct" yaml:"progress_pct"`
	OKRAlignment   float64       `json:"okr_alignment" yaml:"okr_alignment"`
	OKRDeadline    time.Time     `json:"okr_deadline,omitempty" yaml:"okr_deadline,omitempty"`
	Escalated      bool          `json:"escalated,omitempty" yaml:"escalated,omitempty"`
	Urgency        UrgencyRecord `json:"urgency" yaml:"urgency"`
	LastBandChange time.Time     `json:"last_band_change_at,omitempty" yaml:"last_band_change_at,omitempty"`
	SequenceRank   int           `json:"sequence_rank" yaml:"sequence_rank"`
	EnqueuedAt     time.Time     `json:"enqueued_at" yaml:"enqueued_at"`
	LastActivityAt time.Time     `json:"last_activity_at,omitempty" yaml:"last_activity_at,omitempty"`
	BlockedState   string        `json:"blocked_state,omitempty" yaml:"blocked_state,omitempty"`
	GateOverride   bool          `json:"gate_override,omitempty" yaml:"gate_override,omitempty"`
	DependsOn      []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at" yaml:"updated_at"`
}

// UrgencyRecord is the current priority signal of a work item.
type UrgencyRecord struct {
	Score        float64   `json:"score" yaml:"score"`
	Band         Band      `json:"band" yaml:"band"`
	Reasons      []string  `json:"reasons,omitempty" yaml:"reasons,omitempty"`
	ModelVersion string    `json:"model_version,omitempty" yaml:"model_version,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Session represents a row in the sessions table.
type Session struct {
	ID               string            `json:"session_id" yaml:"session_id"`
	TerminalIdentity string            `json:"terminal_identity" yaml:"terminal_identity"`
	IdentityTier     Tier              `json:"identity_tier" yaml:"identity_tier"`
	Channel          string            `json:"channel,omitempty" yaml:"channel,omitempty"`
	MachineID        string            `json:"machine_id,omitempty" yaml:"machine_id,omitempty"`
	PID              int               `json:"os_pid" yaml:"os_pid"`
	Hostname         string            `json:"hostname" yaml:"hostname"`
	Codebase         string            `json:"codebase,omitempty" yaml:"codebase,omitempty"`
	Status           SessionStatus     `json:"status" yaml:"status"`
	ClaimedItemID    string            `json:"claimed_item_id,omitempty" yaml:"claimed_item_id,omitempty"`
	ClaimedAt        time.Time         `json:"claimed_at,omitempty" yaml:"claimed_at,omitempty"`
	HeartbeatAt      time.Time         `json:"heartbeat_at" yaml:"heartbeat_at"`
	CreatedAt        time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" yaml:"updated_at"`
	ReleasedAt       time.Time         `json:"released_at,omitempty" yaml:"released_at,omitempty"`
	ReleasedReason   string            `json:"released_reason,omitempty" yaml:"released_reason,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// HeartbeatAge returns how long ago the session last heartbeated.
func (s Session) HeartbeatAge(now time.Time) time.Duration {
	if s.HeartbeatAt.IsZero() {
		return now.Sub(s.CreatedAt)
	}
	return now.Sub(s.HeartbeatAt)
}

// Owner describes a claim holder for human diagnosis.
type Owner struct {
	SessionID    string        `json:"session_id" yaml:"session_id"`
	Hostname     string        `json:"hostname" yaml:"hostname"`
	PID          int           `json:"os_pid" yaml:"os_pid"`
	HeartbeatAge time.Duration `json:"heartbeat_age" yaml:"heartbeat_age"`
}

// String renders the owner as "session@host pid=N heartbeat=Xs ago".
func (o Owner) String() string {
	return fmt.Sprintf("%s@%s pid=%d heartbeat=%s ago",
		o.SessionID, o.Hostname, o.PID, o.HeartbeatAge.Truncate(time.Second))
}

// OwnerOf builds the diagnostic owner view of a session.
func OwnerOf(s Session, now time.Time) *Owner {
	return &Owner{
		SessionID:    s.ID,
		Hostname:     s.Hostname,
		PID:          s.PID,
		HeartbeatAge: s.HeartbeatAge(now),
	}
}

// Severity ranks blockers and conflicts.
type Severity string

// Severity constants.
const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// Rank orders severities for sorting: HIGH sorts first.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	default:
		return 2
	}
}

// Blocker is an aggregated reason one or more children cannot proceed.
type Blocker struct {
	Type               string    `json:"type" yaml:"type"`
	Severity           Severity  `json:"severity" yaml:"severity"`
	Description        string    `json:"description" yaml:"description"`
	Occurrences        int       `json:"occurrences" yaml:"occurrences"`
	AffectedChildren   []string  `json:"affected_children" yaml:"affected_children"`
	RecommendedActions []string  `json:"recommended_actions,omitempty" yaml:"recommended_actions,omitempty"`
	LastSeen           time.Time `json:"last_seen" yaml:"last_seen"`
}
