// Package eventlog provides read-only access to warden's append-only
// ledgers: claim_events and reprioritization_audit. It opens the database
// without taking the write lock so it can run beside live sessions.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"warden/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// QueryOpts specifies filter criteria for claim events.
type QueryOpts struct {
	ItemID    string
	SessionID string
	QueueID   string

	// Event filters to one event name (claim, release, switch, reclaim, adopt).
	Event string

	// Since and Until bound created_at, both inclusive.
	Since *time.Time
	Until *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Reader provides read-only access to the ledgers.
type Reader struct {
	db *sql.DB
}

// NewReader opens the coordination database read-only. Returns an error if
// the database doesn't exist or cannot be opened.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	q := url.Values{}
	q.Set("mode", "ro")
	q.Add("_pragma", "busy_timeout(5000)")
	db, err := sql.Open("sqlite", "file:"+dbPath+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Reader{db: db}, nil
}

// Close releases the database connection.
// Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// ClaimEvents returns claim ledger rows matching opts, newest first.
func (r *Reader) ClaimEvents(ctx context.Context, opts QueryOpts) ([]protocol.ClaimEvent, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query claim events: %w", err)
	}
	defer rows.Close()

	events := []protocol.ClaimEvent{}
	for rows.Next() {
		var e protocol.ClaimEvent
		var ms int64
		if err := rows.Scan(&e.ID, &e.ItemID, &e.SessionID, &e.QueueID, &e.Event, &e.Reason, &ms); err != nil {
			return nil, fmt.Errorf("scan claim event: %w", err)
		}
		e.CreatedAt = time.UnixMilli(ms)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claim events: %w", err)
	}
	return events, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, item_id, session_id, queue_id, event, reason, created_at FROM claim_events WHERE 1=1"

	add := func(cond string, v any) {
		conditions = append(conditions, cond)
		args = append(args, v)
	}
	if opts.ItemID != "" {
		add("item_id = ?", opts.ItemID)
	}
	if opts.SessionID != "" {
		add("session_id = ?", opts.SessionID)
	}
	if opts.QueueID != "" {
		add("queue_id = ?", opts.QueueID)
	}
	if opts.Event != "" {
		add("event = ?", opts.Event)
	}
	if opts.Since != nil {
		add("created_at >= ?", opts.Since.UnixMilli())
	}
	if opts.Until != nil {
		add("created_at <= ?", opts.Until.UnixMilli())
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}

// Audits returns re-rank audit rows, newest first. An empty queueID means
// every queue.
func (r *Reader) Audits(ctx context.Context, queueID string, limit int) ([]protocol.AuditRecord, error) {
	query := `SELECT id, correlation_id, queue_id, trigger_item_ids, old_positions, new_positions,
		changes, latency_ms, created_at FROM reprioritization_audit`
	var args []any
	if queueID != "" {
		query += " WHERE queue_id = ?"
		args = append(args, queueID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audits: %w", err)
	}
	defer rows.Close()

	out := []protocol.AuditRecord{}
	for rows.Next() {
		var (
			rec                              protocol.AuditRecord
			trigger, oldPos, newPos, changes string
			latency, ms                      int64
		)
		if err := rows.Scan(&rec.ID, &rec.CorrelationID, &rec.QueueID, &trigger, &oldPos, &newPos,
			&changes, &latency, &ms); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		for _, f := range []struct {
			raw string
			dst any
		}{
			{trigger, &rec.TriggerItemIDs},
			{oldPos, &rec.OldPositions},
			{newPos, &rec.NewPositions},
			{changes, &rec.Changes},
		} {
			if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
				return nil, fmt.Errorf("decode audit %s: %w", rec.CorrelationID, err)
			}
		}
		rec.Latency = time.Duration(latency) * time.Millisecond
		rec.CreatedAt = time.UnixMilli(ms)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audits: %w", err)
	}
	return out, nil
}
