package protocol

// Directory and file constants used throughout warden.
const (
	// WardenDir is the user-level state directory (e.g., ~/.warden).
	WardenDir = ".warden"

	// SignalsDir is watched for backlog change nudges.
	SignalsDir = "signals"

	// SessionsDir holds the local per-identity session cache.
	SessionsDir = "sessions"

	// DefaultQueue is the queue used when a work item names none.
	DefaultQueue = "default"
)

// Release reasons recorded on sessions and claim_events.
const (
	ReasonManual     = "manual"
	ReasonSwitch     = "switch"
	ReasonStale      = "stale_reclaim"
	ReasonCleanup    = "stale_cleanup"
	ReasonSuperseded = "superseded"
	ReasonDuplicate  = "duplicate_registration"
	ReasonExit       = "session_end"
	ReasonAdopted    = "adopted"
)

// Claim event kinds in the claim_events ledger.
const (
	EventClaim   = "claim"
	EventRelease = "release"
	EventSwitch  = "switch"
	EventReclaim = "reclaim"
	EventAdopt   = "adopt"
)
