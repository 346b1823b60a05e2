package protocol

import "time"

// ClaimEvent represents a row in the claim_events ledger.
type ClaimEvent struct {
	ID        int64     `json:"id" yaml:"id"`
	ItemID    string    `json:"item_id" yaml:"item_id"`
	SessionID string    `json:"session_id" yaml:"session_id"`
	QueueID   string    `json:"queue_id,omitempty" yaml:"queue_id,omitempty"`
	Event     string    `json:"event" yaml:"event"`
	Reason    string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// RankChange is one item's movement within a re-rank.
type RankChange struct {
	ItemID  string `json:"item_id" yaml:"item_id"`
	OldRank int    `json:"old_rank" yaml:"old_rank"`
	NewRank int    `json:"new_rank" yaml:"new_rank"`
	OldBand Band   `json:"old_band,omitempty" yaml:"old_band,omitempty"`
	NewBand Band   `json:"new_band,omitempty" yaml:"new_band,omitempty"`
}

// AuditRecord represents a row in the reprioritization_audit table.
// Immutable once written.
type AuditRecord struct {
	ID             int64         `json:"id" yaml:"id"`
	CorrelationID  string        `json:"correlation_id" yaml:"correlation_id"`
	QueueID        string        `json:"queue_id" yaml:"queue_id"`
	TriggerItemIDs []string      `json:"trigger_item_ids" yaml:"trigger_item_ids"`
	OldPositions   []string      `json:"old_positions" yaml:"old_positions"`
	NewPositions   []string      `json:"new_positions" yaml:"new_positions"`
	Changes        []RankChange  `json:"changes" yaml:"changes"`
	Latency        time.Duration `json:"latency" yaml:"latency"`
	CreatedAt      time.Time     `json:"created_at" yaml:"created_at"`
}

// ConflictEntry represents a row in the conflict_matrix table.
type ConflictEntry struct {
	ID           int64     `json:"id" yaml:"id"`
	ItemA        string    `json:"item_a" yaml:"item_a"`
	ItemB        string    `json:"item_b" yaml:"item_b"`
	ConflictType string    `json:"conflict_type" yaml:"conflict_type"`
	Severity     Severity  `json:"severity" yaml:"severity"`
	ResolvedAt   time.Time `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
}

// Other returns the item on the opposite side of the pair from itemID.
func (c ConflictEntry) Other(itemID string) string {
	if c.ItemA == itemID {
		return c.ItemB
	}
	return c.ItemA
}

// DecisionRow represents a row in the blocked_decisions table.
type DecisionRow struct {
	ID            int64     `json:"id" yaml:"id"`
	ParentID      string    `json:"parent_id" yaml:"parent_id"`
	Decision      string    `json:"decision" yaml:"decision"`
	Actor         string    `json:"actor,omitempty" yaml:"actor,omitempty"`
	Justification string    `json:"justification,omitempty" yaml:"justification,omitempty"`
	Outcome       string    `json:"outcome" yaml:"outcome"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
}

// ChildFacts gathers what the blocked-state detector needs about one child.
type ChildFacts struct {
	Item           WorkItem
	BlockedHandoff string // reason of the newest blocked handoff, "" if none
	FailedGates    []string
}
