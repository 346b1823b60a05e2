package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"warden/pkg/protocol"
)

const sessionColumns = `session_id, terminal_identity, identity_tier, channel, machine_id, os_pid,
	hostname, codebase, status, COALESCE(claimed_item_id, ''), claimed_at, heartbeat_at,
	created_at, updated_at, released_at, released_reason, metadata`

func scanSession(r rowScanner) (protocol.Session, error) {
	var (
		s                                         protocol.Session
		tier, status, meta                        string
		claimed, beat, created, updated, released int64
	)
	err := r.Scan(&s.ID, &s.TerminalIdentity, &tier, &s.Channel, &s.MachineID, &s.PID,
		&s.Hostname, &s.Codebase, &status, &s.ClaimedItemID, &claimed, &beat,
		&created, &updated, &released, &s.ReleasedReason, &meta)
	if err != nil {
		return protocol.Session{}, err
	}
	s.IdentityTier = protocol.Tier(tier)
	s.Status = protocol.SessionStatus(status)
	s.ClaimedAt = fromMillis(claimed)
	s.HeartbeatAt = fromMillis(beat)
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)
	s.ReleasedAt = fromMillis(released)
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &s.Metadata)
	}
	return s, nil
}

func querySessions(ctx context.Context, q queryer, query string, args ...any) ([]protocol.Session, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []protocol.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query sessions rows: %w", err)
	}
	return out, nil
}

func getSession(ctx context.Context, q queryer, id string) (*protocol.Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.SessionNotFoundError{SessionID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &s, nil
}

// GetSession loads one session by id. A missing row yields
// *protocol.SessionNotFoundError.
func (s *Store) GetSession(ctx context.Context, id string) (*protocol.Session, error) {
	return getSession(ctx, s.db, id)
}

// SessionsByIdentity returns the non-released sessions for a terminal
// identity, most recently updated first.
func (s *Store) SessionsByIdentity(ctx context.Context, identity string) ([]protocol.Session, error) {
	return querySessions(ctx, s.db, `SELECT `+sessionColumns+` FROM sessions
		WHERE terminal_identity = ? AND status != 'released'
		ORDER BY updated_at DESC, created_at DESC, session_id`, identity)
}

// ListSessions returns sessions ordered by creation time, newest first.
func (s *Store) ListSessions(ctx context.Context, includeReleased bool) ([]protocol.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	if !includeReleased {
		q += ` WHERE status != 'released'`
	}
	q += ` ORDER BY created_at DESC, session_id`
	return querySessions(ctx, s.db, q)
}

// ClaimHolders returns every non-released session whose claim points at
// itemID. Stale sessions are included: they still hold the item until
// reclaimed. More than one row means the single-claim rule was violated.
func (s *Store) ClaimHolders(ctx context.Context, itemID string) ([]protocol.Session, error) {
	return claimHolders(ctx, s.db, itemID)
}

func claimHolders(ctx context.Context, q queryer, itemID string) ([]protocol.Session, error) {
	return querySessions(ctx, q, `SELECT `+sessionColumns+` FROM sessions
		WHERE claimed_item_id = ? AND status != 'released'
		ORDER BY claimed_at, session_id`, itemID)
}

// ClaimedItems maps every currently claimed item to its holder.
func (s *Store) ClaimedItems(ctx context.Context) (map[string]protocol.Session, error) {
	sessions, err := querySessions(ctx, s.db, `SELECT `+sessionColumns+` FROM sessions
		WHERE claimed_item_id IS NOT NULL AND status != 'released'`)
	if err != nil {
		return nil, err
	}
	out := make(map[string]protocol.Session, len(sessions))
	for _, sess := range sessions {
		out[sess.ClaimedItemID] = sess
	}
	return out, nil
}

// Heartbeat refreshes heartbeat_at and revives a stale session. Released
// sessions are never revived.
func (s *Store) Heartbeat(ctx context.Context, sessionID string) (time.Time, error) {
	now := s.now()
	ms := toMillis(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET heartbeat_at = ?, updated_at = ?,
			status = CASE WHEN status = 'stale' THEN 'active' ELSE status END
		WHERE session_id = ? AND status != 'released'`, ms, ms, sessionID)
	if err != nil {
		return time.Time{}, fmt.Errorf("heartbeat %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return now, nil
	}

	// Tell "released" apart from "never existed".
	if _, err := getSession(ctx, s.db, sessionID); err != nil {
		return time.Time{}, err
	}
	return time.Time{}, fmt.Errorf("heartbeat %s: %w", sessionID, protocol.ErrSessionReleased)
}

// UpdateMetadata merges kv into the session's metadata map.
func (s *Store) UpdateMetadata(ctx context.Context, sessionID string, kv map[string]string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT metadata FROM sessions WHERE session_id = ?`, sessionID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return &protocol.SessionNotFoundError{SessionID: sessionID}
		}
		if err != nil {
			return fmt.Errorf("read metadata %s: %w", sessionID, err)
		}
		meta := map[string]string{}
		_ = json.Unmarshal([]byte(raw), &meta)
		for k, v := range kv {
			meta[k] = v
		}
		b, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET metadata = ? WHERE session_id = ?`, string(b), sessionID); err != nil {
			return fmt.Errorf("write metadata %s: %w", sessionID, err)
		}
		return nil
	})
}

// appendEvent writes one claim_events row inside the caller's transaction.
func appendEvent(ctx context.Context, q queryer, at time.Time, itemID, sessionID, queueID, event, reason string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO claim_events (item_id, session_id, queue_id, event, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, itemID, sessionID, queueID, event, reason, toMillis(at))
	if err != nil {
		return fmt.Errorf("append %s event for %s: %w", event, itemID, err)
	}
	return nil
}

// releaseSessionRow marks a session released and clears its claim, logging
// a claim event when it held an item.
func releaseSessionRow(ctx context.Context, q queryer, at time.Time, sess protocol.Session, event, reason string) error {
	ms := toMillis(at)
	_, err := q.ExecContext(ctx, `
		UPDATE sessions SET status = 'released', claimed_item_id = NULL, claimed_at = 0,
			released_at = ?, released_reason = ?, updated_at = ?
		WHERE session_id = ?`, ms, reason, ms, sess.ID)
	if err != nil {
		return fmt.Errorf("release session %s: %w", sess.ID, err)
	}
	if sess.ClaimedItemID == "" {
		return nil
	}
	return appendEvent(ctx, q, at, sess.ClaimedItemID, sess.ID, "", event, reason)
}
