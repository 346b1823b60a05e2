package store

import (
	"context"
	"encoding/json"
	"fmt"

	"warden/pkg/protocol"
)

// InsertAudit appends one reprioritization audit row and returns its id.
func (s *Store) InsertAudit(ctx context.Context, rec protocol.AuditRecord) (int64, error) {
	trigger, err := json.Marshal(nonNil(rec.TriggerItemIDs))
	if err != nil {
		return 0, fmt.Errorf("marshal trigger ids: %w", err)
	}
	oldPos, err := json.Marshal(nonNil(rec.OldPositions))
	if err != nil {
		return 0, fmt.Errorf("marshal old positions: %w", err)
	}
	newPos, err := json.Marshal(nonNil(rec.NewPositions))
	if err != nil {
		return 0, fmt.Errorf("marshal new positions: %w", err)
	}
	changes := rec.Changes
	if changes == nil {
		changes = []protocol.RankChange{}
	}
	changeJSON, err := json.Marshal(changes)
	if err != nil {
		return 0, fmt.Errorf("marshal changes: %w", err)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reprioritization_audit
			(correlation_id, queue_id, trigger_item_ids, old_positions, new_positions, changes, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CorrelationID, rec.QueueID, string(trigger), string(oldPos), string(newPos), string(changeJSON),
		rec.Latency.Milliseconds(), toMillis(created))
	if err != nil {
		return 0, fmt.Errorf("insert audit %s: %w", rec.CorrelationID, err)
	}
	return res.LastInsertId()
}

// InsertDecision appends one blocked-state decision row.
func (s *Store) InsertDecision(ctx context.Context, d protocol.DecisionRow) (int64, error) {
	created := d.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_decisions (parent_id, decision, actor, justification, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ParentID, d.Decision, d.Actor, d.Justification, d.Outcome, toMillis(created))
	if err != nil {
		return 0, fmt.Errorf("insert decision %s: %w", d.ParentID, err)
	}
	return res.LastInsertId()
}

// ListDecisions returns a parent's decision history, oldest first.
func (s *Store) ListDecisions(ctx context.Context, parentID string) ([]protocol.DecisionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, decision, actor, justification, outcome, created_at
		FROM blocked_decisions WHERE parent_id = ? ORDER BY id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list decisions %s: %w", parentID, err)
	}
	defer rows.Close()

	var out []protocol.DecisionRow
	for rows.Next() {
		var d protocol.DecisionRow
		var ms int64
		if err := rows.Scan(&d.ID, &d.ParentID, &d.Decision, &d.Actor, &d.Justification, &d.Outcome, &ms); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.CreatedAt = fromMillis(ms)
		out = append(out, d)
	}
	return out, rows.Err()
}

// AddConflict records a known conflict between two items.
func (s *Store) AddConflict(ctx context.Context, itemA, itemB, kind string, sev protocol.Severity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conflict_matrix (item_a, item_b, conflict_type, severity) VALUES (?, ?, ?, ?)`,
		itemA, itemB, kind, string(sev))
	if err != nil {
		return fmt.Errorf("add conflict %s/%s: %w", itemA, itemB, err)
	}
	return nil
}

// UnresolvedConflicts returns open conflict_matrix rows touching itemID.
func (s *Store) UnresolvedConflicts(ctx context.Context, itemID string) ([]protocol.ConflictEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_a, item_b, conflict_type, severity, resolved_at
		FROM conflict_matrix
		WHERE (item_a = ? OR item_b = ?) AND resolved_at = 0
		ORDER BY id`, itemID, itemID)
	if err != nil {
		return nil, fmt.Errorf("query conflicts %s: %w", itemID, err)
	}
	defer rows.Close()

	var out []protocol.ConflictEntry
	for rows.Next() {
		var c protocol.ConflictEntry
		var sev string
		var ms int64
		if err := rows.Scan(&c.ID, &c.ItemA, &c.ItemB, &c.ConflictType, &sev, &ms); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		c.Severity = protocol.Severity(sev)
		c.ResolvedAt = fromMillis(ms)
		out = append(out, c)
	}
	return out, rows.Err()
}
