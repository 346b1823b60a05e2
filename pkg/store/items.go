package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"warden/pkg/protocol"
)

const itemColumns = `id, key, title, status, COALESCE(parent_id, ''), queue_id, is_orchestrator,
	priority, blocked, block_reason, progress_pct, okr_alignment, okr_deadline, escalated,
	urgency_score, urgency_band, urgency_reasons, urgency_model_version, urgency_updated_at,
	last_band_change_at, sequence_rank, enqueued_at, last_activity_at,
	blocked_state, gate_override, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (protocol.WorkItem, error) {
	var (
		it                                                             protocol.WorkItem
		status, band, reasons                                          string
		orchestrator, blocked, escalated, override                     int
		okrDeadline, urgencyAt, bandAt, enqueuedAt, activityAt, update int64
	)
	err := r.Scan(&it.ID, &it.Key, &it.Title, &status, &it.ParentID, &it.QueueID, &orchestrator,
		&it.Priority, &blocked, &it.BlockReason, &it.ProgressPct, &it.OKRAlignment, &okrDeadline, &escalated,
		&it.Urgency.Score, &band, &reasons, &it.Urgency.ModelVersion, &urgencyAt,
		&bandAt, &it.SequenceRank, &enqueuedAt, &activityAt,
		&it.BlockedState, &override, &update)
	if err != nil {
		return protocol.WorkItem{}, err
	}
	it.Status = protocol.ItemStatus(status)
	it.IsOrchestrator = orchestrator != 0
	it.Blocked = blocked != 0
	it.Escalated = escalated != 0
	it.GateOverride = override != 0
	it.OKRDeadline = fromMillis(okrDeadline)
	it.Urgency.Band = protocol.Band(band)
	it.Urgency.UpdatedAt = fromMillis(urgencyAt)
	_ = json.Unmarshal([]byte(reasons), &it.Urgency.Reasons)
	it.LastBandChange = fromMillis(bandAt)
	it.EnqueuedAt = fromMillis(enqueuedAt)
	it.LastActivityAt = fromMillis(activityAt)
	it.UpdatedAt = fromMillis(update)
	return it, nil
}

// PutItem inserts or replaces a work item and its dependency set. Backlog
// CRUD lives outside warden; this exists for importers and tests.
func (s *Store) PutItem(ctx context.Context, it protocol.WorkItem) error {
	now := s.now()
	if it.QueueID == "" {
		it.QueueID = protocol.DefaultQueue
	}
	if it.Status == "" {
		it.Status = protocol.ItemActive
	}
	if it.Priority == "" {
		it.Priority = "medium"
	}
	if it.Urgency.Band == "" {
		it.Urgency.Band = protocol.BandP2
		if it.Urgency.Score == 0 {
			it.Urgency.Score = 0.5
		}
	}
	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = now
	}
	reasons, err := json.Marshal(nonNil(it.Urgency.Reasons))
	if err != nil {
		return fmt.Errorf("marshal urgency reasons: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO work_items (id, key, title, status, parent_id, queue_id, is_orchestrator,
				priority, blocked, block_reason, progress_pct, okr_alignment, okr_deadline, escalated,
				urgency_score, urgency_band, urgency_reasons, urgency_model_version, urgency_updated_at,
				last_band_change_at, sequence_rank, enqueued_at, last_activity_at,
				blocked_state, gate_override, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			it.ID, it.Key, it.Title, string(it.Status), nullString(it.ParentID), it.QueueID, boolInt(it.IsOrchestrator),
			it.Priority, boolInt(it.Blocked), it.BlockReason, it.ProgressPct, it.OKRAlignment, toMillis(it.OKRDeadline), boolInt(it.Escalated),
			it.Urgency.Score, string(it.Urgency.Band), string(reasons), it.Urgency.ModelVersion, toMillis(it.Urgency.UpdatedAt),
			toMillis(it.LastBandChange), it.SequenceRank, toMillis(it.EnqueuedAt), toMillis(it.LastActivityAt),
			it.BlockedState, boolInt(it.GateOverride), toMillis(now),
		)
		if err != nil {
			return fmt.Errorf("put item %s: %w", it.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM item_dependencies WHERE item_id = ?`, it.ID); err != nil {
			return fmt.Errorf("reset dependencies %s: %w", it.ID, err)
		}
		for _, dep := range it.DependsOn {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO item_dependencies (item_id, depends_on_id) VALUES (?, ?)`, it.ID, dep); err != nil {
				return fmt.Errorf("add dependency %s -> %s: %w", it.ID, dep, err)
			}
		}
		return nil
	})
}

// GetItem loads one work item with its dependency set.
func (s *Store) GetItem(ctx context.Context, id string) (*protocol.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.ItemNotFoundError{ItemID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	deps, err := s.dependencies(ctx, s.db, []string{id})
	if err != nil {
		return nil, err
	}
	it.DependsOn = deps[id]
	return &it, nil
}

// Children returns the direct children of parentID ordered by id.
func (s *Store) Children(ctx context.Context, parentID string) ([]protocol.WorkItem, error) {
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM work_items WHERE parent_id = ? ORDER BY id`, parentID)
}

// QueueItems returns the non-terminal items of one queue.
func (s *Store) QueueItems(ctx context.Context, queueID string) ([]protocol.WorkItem, error) {
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM work_items
		WHERE queue_id = ? AND status NOT IN ('completed', 'cancelled', 'failed', 'rejected')
		ORDER BY sequence_rank, id`, queueID)
}

// ActiveItems returns every non-terminal item across all queues.
func (s *Store) ActiveItems(ctx context.Context) ([]protocol.WorkItem, error) {
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM work_items
		WHERE status NOT IN ('completed', 'cancelled', 'failed', 'rejected')
		ORDER BY queue_id, sequence_rank, id`)
}

func (s *Store) queryItems(ctx context.Context, q string, args ...any) ([]protocol.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []protocol.WorkItem
	var ids []string
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
		ids = append(ids, it.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query items rows: %w", err)
	}

	deps, err := s.dependencies(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].DependsOn = deps[items[i].ID]
	}
	return items, nil
}

func (s *Store) dependencies(ctx context.Context, q queryer, ids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx,
		`SELECT item_id, depends_on_id FROM item_dependencies WHERE item_id IN (`+placeholders+`) ORDER BY depends_on_id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item, dep string
		if err := rows.Scan(&item, &dep); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		out[item] = append(out[item], dep)
	}
	return out, rows.Err()
}

// SetItemStatus updates an item's status.
func (s *Store) SetItemStatus(ctx context.Context, id string, status protocol.ItemStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE work_items SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("set item status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &protocol.ItemNotFoundError{ItemID: id}
	}
	return nil
}

// UrgencyUpdate is one persisted score/band change.
type UrgencyUpdate struct {
	ItemID       string
	Score        float64
	Band         protocol.Band
	Reasons      []string
	ModelVersion string
	BandChanged  bool
}

// UpdateUrgency persists a batch of urgency changes in one transaction.
// last_band_change_at is stamped only for rows whose band changed.
func (s *Store) UpdateUrgency(ctx context.Context, updates []UrgencyUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	now := toMillis(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, u := range updates {
			reasons, err := json.Marshal(nonNil(u.Reasons))
			if err != nil {
				return fmt.Errorf("marshal reasons %s: %w", u.ItemID, err)
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE work_items SET urgency_score = ?, urgency_band = ?, urgency_reasons = ?,
					urgency_model_version = ?, urgency_updated_at = ?,
					last_band_change_at = CASE WHEN ? = 1 THEN ? ELSE last_band_change_at END,
					updated_at = ?
				WHERE id = ?`,
				u.Score, string(u.Band), string(reasons), u.ModelVersion, now,
				boolInt(u.BandChanged), now, now, u.ItemID)
			if err != nil {
				return fmt.Errorf("update urgency %s: %w", u.ItemID, err)
			}
		}
		return nil
	})
}

// UpdateRanks persists new sequence positions. Only the given items are
// touched; callers pass just the ones whose position changed.
func (s *Store) UpdateRanks(ctx context.Context, ranks map[string]int) error {
	if len(ranks) == 0 {
		return nil
	}
	ids := make([]string, 0, len(ranks))
	for id := range ranks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE work_items SET sequence_rank = ? WHERE id = ?`, ranks[id], id); err != nil {
				return fmt.Errorf("update rank %s: %w", id, err)
			}
		}
		return nil
	})
}

// SaveBlockedState records the blocked-state snapshot on a parent item.
// An empty state clears the snapshot.
func (s *Store) SaveBlockedState(ctx context.Context, parentID, state string, snapshot any) error {
	payload := ""
	if snapshot != nil {
		b, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("marshal blocked snapshot: %w", err)
		}
		payload = string(b)
	}
	now := toMillis(s.now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET blocked_state = ?, blocked_state_json = ?, blocked_state_at = ?, updated_at = ?
		WHERE id = ?`, state, payload, now, now, parentID)
	if err != nil {
		return fmt.Errorf("save blocked state %s: %w", parentID, err)
	}
	return nil
}

// BlockedSnapshot returns the raw persisted blocked-state snapshot.
func (s *Store) BlockedSnapshot(ctx context.Context, parentID string) (state, payload string, at time.Time, err error) {
	var ms int64
	err = s.db.QueryRowContext(ctx,
		`SELECT blocked_state, blocked_state_json, blocked_state_at FROM work_items WHERE id = ?`, parentID).
		Scan(&state, &payload, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", time.Time{}, &protocol.ItemNotFoundError{ItemID: parentID}
	}
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("blocked snapshot %s: %w", parentID, err)
	}
	return state, payload, fromMillis(ms), nil
}

// SetGateOverride silences (or re-arms) the blocked gate of a parent.
func (s *Store) SetGateOverride(ctx context.Context, parentID string, on bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE work_items SET gate_override = ?, updated_at = ? WHERE id = ?`,
		boolInt(on), toMillis(s.now()), parentID)
	if err != nil {
		return fmt.Errorf("set gate override %s: %w", parentID, err)
	}
	return nil
}

// ChildFacts gathers blocked-handoff and gate information for each child.
// Only the newest result per gate counts.
func (s *Store) ChildFacts(ctx context.Context, children []protocol.WorkItem) ([]protocol.ChildFacts, error) {
	out := make([]protocol.ChildFacts, 0, len(children))
	for _, c := range children {
		facts := protocol.ChildFacts{Item: c}

		var reason string
		err := s.db.QueryRowContext(ctx, `
			SELECT reason FROM handoffs WHERE item_id = ? AND status = 'blocked'
			ORDER BY created_at DESC, id DESC LIMIT 1`, c.ID).Scan(&reason)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("query handoffs %s: %w", c.ID, err)
		default:
			if reason == "" {
				reason = "handoff blocked"
			}
			facts.BlockedHandoff = reason
		}

		rows, err := s.db.QueryContext(ctx, `
			SELECT g.gate FROM gate_results g
			WHERE g.item_id = ? AND g.passed = 0
			  AND g.id = (SELECT g2.id FROM gate_results g2 WHERE g2.item_id = g.item_id AND g2.gate = g.gate
			              ORDER BY g2.created_at DESC, g2.id DESC LIMIT 1)
			ORDER BY g.gate`, c.ID)
		if err != nil {
			return nil, fmt.Errorf("query gates %s: %w", c.ID, err)
		}
		for rows.Next() {
			var gate string
			if err := rows.Scan(&gate); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan gate %s: %w", c.ID, err)
			}
			facts.FailedGates = append(facts.FailedGates, gate)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("gate rows %s: %w", c.ID, err)
		}

		out = append(out, facts)
	}
	return out, nil
}

// AddHandoff records a handoff for an item.
func (s *Store) AddHandoff(ctx context.Context, itemID, status, reason string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO handoffs (item_id, status, reason, created_at) VALUES (?, ?, ?, ?)`,
		itemID, status, reason, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("add handoff %s: %w", itemID, err)
	}
	return nil
}

// AddGateResult records a validation gate result for an item.
func (s *Store) AddGateResult(ctx context.Context, itemID, gate string, passed bool, detail string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO gate_results (item_id, gate, passed, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		itemID, gate, boolInt(passed), detail, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("add gate result %s: %w", itemID, err)
	}
	return nil
}

// AddIssue records an issue related to an item.
func (s *Store) AddIssue(ctx context.Context, itemID, severity, summary string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO item_issues (item_id, severity, summary) VALUES (?, ?, ?)`,
		itemID, severity, summary)
	if err != nil {
		return fmt.Errorf("add issue %s: %w", itemID, err)
	}
	return nil
}

// SetLearningOverride stores an externally computed learning signal.
func (s *Store) SetLearningOverride(ctx context.Context, itemID string, value float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learning_overrides (item_id, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		itemID, value, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("set learning override %s: %w", itemID, err)
	}
	return nil
}

// Signals are the store-derived inputs to urgency scoring for one item.
type Signals struct {
	OpenHighIssues int
	BlocksCount    int
}

// ItemSignals counts unresolved high/critical issues and the non-terminal
// items depending on itemID.
func (s *Store) ItemSignals(ctx context.Context, itemID string) (Signals, error) {
	var sig Signals
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM item_issues
		WHERE item_id = ? AND resolved_at = 0 AND lower(severity) IN ('high', 'critical')`, itemID).
		Scan(&sig.OpenHighIssues)
	if err != nil {
		return Signals{}, fmt.Errorf("count issues %s: %w", itemID, err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM item_dependencies d
		JOIN work_items w ON w.id = d.item_id
		WHERE d.depends_on_id = ? AND w.status NOT IN ('completed', 'cancelled', 'failed', 'rejected')`, itemID).
		Scan(&sig.BlocksCount)
	if err != nil {
		return Signals{}, fmt.Errorf("count dependents %s: %w", itemID, err)
	}
	return sig, nil
}

// LearningOverride reads the stored learning override for itemID.
func (s *Store) LearningOverride(ctx context.Context, itemID string) (float64, bool, error) {
	var v float64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM learning_overrides WHERE item_id = ?`, itemID).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("learning override %s: %w", itemID, err)
	}
	return v, true, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
