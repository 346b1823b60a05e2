package protocol

// SchemaDDL defines the SQLite schema for the warden coordination database.
// Tables: work_items, item_dependencies, item_issues, handoffs, gate_results,
// sessions, claim_events, conflict_matrix, reprioritization_audit,
// blocked_decisions, learning_overrides.
// All *_at columns hold unix milliseconds (0 = unset).
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Backlog units of work. Created externally; status/urgency mutated by warden.
CREATE TABLE IF NOT EXISTS work_items (
    id TEXT PRIMARY KEY,
    key TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'draft',
    parent_id TEXT,
    queue_id TEXT NOT NULL DEFAULT 'default',
    is_orchestrator INTEGER NOT NULL DEFAULT 0,
    priority TEXT NOT NULL DEFAULT 'medium',
    blocked INTEGER NOT NULL DEFAULT 0,
    block_reason TEXT NOT NULL DEFAULT '',
    progress_pct REAL NOT NULL DEFAULT 0,
    okr_alignment REAL NOT NULL DEFAULT 0,
    okr_deadline INTEGER NOT NULL DEFAULT 0,
    escalated INTEGER NOT NULL DEFAULT 0,
    urgency_score REAL NOT NULL DEFAULT 0.5,
    urgency_band TEXT NOT NULL DEFAULT 'P2',
    urgency_reasons TEXT NOT NULL DEFAULT '[]',
    urgency_model_version TEXT NOT NULL DEFAULT '',
    urgency_updated_at INTEGER NOT NULL DEFAULT 0,
    last_band_change_at INTEGER NOT NULL DEFAULT 0,
    sequence_rank INTEGER NOT NULL DEFAULT 0,
    enqueued_at INTEGER NOT NULL DEFAULT 0,
    last_activity_at INTEGER NOT NULL DEFAULT 0,
    blocked_state TEXT NOT NULL DEFAULT '',
    blocked_state_json TEXT NOT NULL DEFAULT '',
    blocked_state_at INTEGER NOT NULL DEFAULT 0,
    gate_override INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_work_items_parent ON work_items(parent_id);
CREATE INDEX IF NOT EXISTS idx_work_items_queue ON work_items(queue_id, status);

-- item_id cannot start until depends_on_id completes.
CREATE TABLE IF NOT EXISTS item_dependencies (
    item_id TEXT NOT NULL,
    depends_on_id TEXT NOT NULL,
    PRIMARY KEY (item_id, depends_on_id)
);

-- Issues related to an item; unresolved high/critical ones raise urgency.
CREATE TABLE IF NOT EXISTS item_issues (
    id INTEGER PRIMARY KEY,
    item_id TEXT NOT NULL,
    severity TEXT NOT NULL,
    summary TEXT NOT NULL DEFAULT '',
    resolved_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS handoffs (
    id INTEGER PRIMARY KEY,
    item_id TEXT NOT NULL,
    status TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS gate_results (
    id INTEGER PRIMARY KEY,
    item_id TEXT NOT NULL,
    gate TEXT NOT NULL,
    passed INTEGER NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL DEFAULT 0
);

-- One row per worker process attached to a logical conversation.
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    terminal_identity TEXT NOT NULL,
    identity_tier TEXT NOT NULL DEFAULT 'fallback',
    channel TEXT NOT NULL DEFAULT '',
    machine_id TEXT NOT NULL DEFAULT '',
    os_pid INTEGER NOT NULL DEFAULT 0,
    hostname TEXT NOT NULL DEFAULT '',
    codebase TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    claimed_item_id TEXT,
    claimed_at INTEGER NOT NULL DEFAULT 0,
    heartbeat_at INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0,
    released_at INTEGER NOT NULL DEFAULT 0,
    released_reason TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_sessions_identity ON sessions(terminal_identity, status);

-- The single-claim invariant: at most one live session per claimed item.
CREATE UNIQUE INDEX IF NOT EXISTS uq_sessions_claimed_item
    ON sessions(claimed_item_id)
    WHERE claimed_item_id IS NOT NULL AND status IN ('active', 'idle');

-- Append-only claim lifecycle ledger.
CREATE TABLE IF NOT EXISTS claim_events (
    id INTEGER PRIMARY KEY,
    item_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    queue_id TEXT NOT NULL DEFAULT '',
    event TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_claim_events_item ON claim_events(item_id);

-- Known pairwise conflicts between items (e.g. touching the same files).
CREATE TABLE IF NOT EXISTS conflict_matrix (
    id INTEGER PRIMARY KEY,
    item_a TEXT NOT NULL,
    item_b TEXT NOT NULL,
    conflict_type TEXT NOT NULL,
    severity TEXT NOT NULL DEFAULT 'MEDIUM',
    resolved_at INTEGER NOT NULL DEFAULT 0
);

-- Append-only: one row per executed queue re-rank.
CREATE TABLE IF NOT EXISTS reprioritization_audit (
    id INTEGER PRIMARY KEY,
    correlation_id TEXT NOT NULL,
    queue_id TEXT NOT NULL,
    trigger_item_ids TEXT NOT NULL DEFAULT '[]',
    old_positions TEXT NOT NULL DEFAULT '[]',
    new_positions TEXT NOT NULL DEFAULT '[]',
    changes TEXT NOT NULL DEFAULT '[]',
    latency_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

-- Append-only: human/automation decisions on ALL_BLOCKED orchestrators.
CREATE TABLE IF NOT EXISTS blocked_decisions (
    id INTEGER PRIMARY KEY,
    parent_id TEXT NOT NULL,
    decision TEXT NOT NULL,
    actor TEXT NOT NULL DEFAULT '',
    justification TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS learning_overrides (
    item_id TEXT PRIMARY KEY,
    value REAL NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT 0
);
`
