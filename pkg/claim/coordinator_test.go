package claim

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"warden/pkg/config"
	"warden/pkg/conflict"
	"warden/pkg/liveness"
	"warden/pkg/protocol"
	"warden/pkg/store"
)

type harness struct {
	st    *store.Store
	coord *Coordinator
	mu    sync.Mutex
	now   time.Time
	alive map[int]bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{st: st, now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC), alive: map[int]bool{}}
	st.SetClock(h.clock)
	probe := liveness.ProbeFunc(func(pid int) bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		alive, known := h.alive[pid]
		return !known || alive
	})
	analyzer := conflict.NewAnalyzer(st, probe, config.Default(), "host-a")
	h.coord = NewCoordinator(st, analyzer, config.Default(), nil)
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) kill(pid int) {
	h.mu.Lock()
	h.alive[pid] = false
	h.mu.Unlock()
}

func (h *harness) session(t *testing.T, ident string, tier protocol.Tier, host string, pid int) string {
	t.Helper()
	reg, err := h.st.RegisterOrAdoptSession(context.Background(), store.RegisterParams{
		Identity: ident, Tier: tier, Channel: "9", PID: pid, Hostname: host,
	})
	if err != nil {
		t.Fatalf("register %s: %v", ident, err)
	}
	return reg.Session.ID
}

// rawSession inserts a session row directly, bypassing supersession, to
// model a predecessor process of the same conversation.
func (h *harness) rawSession(t *testing.T, id, ident string, tier protocol.Tier, pid int) {
	t.Helper()
	ms := h.clock().UnixMilli()
	_, err := h.st.DB().Exec(`
		INSERT INTO sessions (session_id, terminal_identity, identity_tier, channel, os_pid, hostname, status, heartbeat_at, created_at, updated_at)
		VALUES (?, ?, ?, '9', ?, 'host-a', 'active', ?, ?, ?)`, id, ident, string(tier), pid, ms, ms, ms)
	if err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func (h *harness) claim(t *testing.T, item, session string) Result {
	t.Helper()
	res, err := h.coord.Claim(context.Background(), item, session)
	if err != nil {
		t.Fatalf("claim %s by %s: %v", item, session, err)
	}
	return res
}

func TestClaim_Scenario(t *testing.T) {
	h := newHarness(t)
	a := h.session(t, "rt-1@9", protocol.TierExact, "host-a", 101)
	b := h.session(t, "rt-2@9", protocol.TierExact, "host-a", 102)

	res := h.claim(t, "X-1", a)
	if !res.Success || res.Outcome != protocol.OutcomeNewlyAcquired {
		t.Fatalf("A claim = %+v, want newly_acquired", res)
	}

	h.advance(time.Second)
	res = h.claim(t, "X-1", b)
	if res.Success || res.Conflict != conflict.KindOtherActive || res.Outcome != protocol.OutcomeClaimedByActive {
		t.Fatalf("B claim = %+v, want other_active refusal", res)
	}
	if res.Owner == nil || res.Owner.SessionID != a {
		t.Fatalf("owner = %+v, want %s", res.Owner, a)
	}
	var ce *protocol.ClaimError
	if !errors.As(res.Err(), &ce) || ce.Outcome != protocol.OutcomeClaimedByActive {
		t.Fatalf("Err() = %v, want ClaimError", res.Err())
	}

	rel := h.coord.Release(context.Background(), a, protocol.ReasonManual)
	if rel.ItemID != "X-1" || rel.Error != "" {
		t.Fatalf("release = %+v", rel)
	}

	res = h.claim(t, "X-1", b)
	if !res.Success || res.Outcome != protocol.OutcomeNewlyAcquired {
		t.Fatalf("B retry = %+v, want newly_acquired", res)
	}
}

func TestClaim_IdempotentSelfClaim(t *testing.T) {
	h := newHarness(t)
	a := h.session(t, "rt-1@9", protocol.TierExact, "host-a", 101)

	if res := h.claim(t, "X-1", a); res.Outcome != protocol.OutcomeNewlyAcquired {
		t.Fatalf("first = %s", res.Outcome)
	}
	for i := range 2 {
		if res := h.claim(t, "X-1", a); !res.Success || res.Outcome != protocol.OutcomeAlreadyOwned {
			t.Fatalf("repeat #%d = %+v, want already_owned", i, res)
		}
	}
	holders, _ := h.st.ClaimHolders(context.Background(), "X-1")
	if len(holders) != 1 {
		t.Fatalf("holders = %d, want 1", len(holders))
	}
}

func TestClaim_MutualExclusion(t *testing.T) {
	h := newHarness(t)
	const m = 8
	sessions := make([]string, m)
	for i := range m {
		sessions[i] = h.session(t, fmt.Sprintf("rt-%d", 200+i), protocol.TierExact, "host-a", 200+i)
	}

	results := make([]Result, m)
	var wg sync.WaitGroup
	for i := range m {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.coord.Claim(context.Background(), "HOT-1", sessions[i])
			if err != nil {
				t.Errorf("claim %d: %v", i, err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	winners, refused := 0, 0
	for _, r := range results {
		switch {
		case r.Success && r.Outcome == protocol.OutcomeNewlyAcquired:
			winners++
		case !r.Success && r.Outcome == protocol.OutcomeClaimedByActive:
			refused++
		default:
			t.Errorf("unexpected result %+v", r)
		}
	}
	if winners != 1 || refused != m-1 {
		t.Fatalf("winners=%d refused=%d, want 1 and %d", winners, refused, m-1)
	}
}

func TestClaim_StaleHolders(t *testing.T) {
	tests := []struct {
		name        string
		holderHost  string
		holderDead  bool
		wantSuccess bool
		wantOutcome protocol.Outcome
	}{
		{"stale but alive refuses", "host-a", false, false, protocol.OutcomeClaimedByStaleAlive},
		{"stale and dead is reclaimed", "host-a", true, true, protocol.OutcomeNewlyAcquired},
		{"stale on another host is reclaimed", "host-b", false, true, protocol.OutcomeNewlyAcquired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			a := h.session(t, "rt-1@9", protocol.TierExact, tt.holderHost, 301)
			b := h.session(t, "rt-2@9", protocol.TierExact, "host-a", 302)
			if res := h.claim(t, "X-1", a); !res.Success {
				t.Fatalf("A claim = %+v", res)
			}

			h.advance(10 * time.Minute)
			if _, err := h.st.Heartbeat(context.Background(), b); err != nil {
				t.Fatalf("heartbeat b: %v", err)
			}
			if tt.holderDead {
				h.kill(301)
			}

			res := h.claim(t, "X-1", b)
			if res.Success != tt.wantSuccess || res.Outcome != tt.wantOutcome {
				t.Fatalf("B claim = %+v, want success=%v %s", res, tt.wantSuccess, tt.wantOutcome)
			}
			if tt.wantSuccess && (len(res.ReleasedStale) != 1 || res.ReleasedStale[0] != a) {
				t.Errorf("released stale = %v, want [%s]", res.ReleasedStale, a)
			}
		})
	}
}

// staleReleaseStore wraps a real store and intercepts release_stale_claim.
type staleReleaseStore struct {
	*store.Store
	release func(ctx context.Context, sessionID, itemID string, cutoff time.Time) (bool, error)
}

func (s staleReleaseStore) ReleaseStaleClaim(ctx context.Context, sessionID, itemID string, cutoff time.Time) (bool, error) {
	return s.release(ctx, sessionID, itemID, cutoff)
}

func TestClaim_StaleReleaseIsConditional(t *testing.T) {
	setup := func(t *testing.T) (*harness, string, string) {
		h := newHarness(t)
		a := h.session(t, "rt-1@9", protocol.TierExact, "host-b", 311)
		b := h.session(t, "rt-2@9", protocol.TierExact, "host-a", 312)
		if res := h.claim(t, "X-1", a); !res.Success {
			t.Fatalf("A claim = %+v", res)
		}
		h.advance(10 * time.Minute)
		if _, err := h.st.Heartbeat(context.Background(), b); err != nil {
			t.Fatalf("heartbeat b: %v", err)
		}
		return h, a, b
	}
	coordFor := func(h *harness, st Store) *Coordinator {
		analyzer := conflict.NewAnalyzer(h.st, liveness.ProbeFunc(func(int) bool { return true }), config.Default(), "host-a")
		return NewCoordinator(st, analyzer, config.Default(), nil)
	}

	t.Run("holder heartbeats before the release", func(t *testing.T) {
		h, a, b := setup(t)
		st := staleReleaseStore{Store: h.st, release: func(ctx context.Context, sessionID, itemID string, cutoff time.Time) (bool, error) {
			if _, err := h.st.Heartbeat(ctx, a); err != nil {
				return false, err
			}
			return h.st.ReleaseStaleClaim(ctx, sessionID, itemID, cutoff)
		}}

		res, err := coordFor(h, st).Claim(context.Background(), "X-1", b)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if res.Success || res.Outcome != protocol.OutcomeClaimedByActive || len(res.ReleasedStale) != 0 {
			t.Fatalf("B claim = %+v, want refusal by the revived holder", res)
		}
		sess, _ := h.st.GetSession(context.Background(), a)
		if sess.Status == protocol.SessionReleased || sess.ClaimedItemID != "X-1" {
			t.Fatalf("holder = %s holding %q, want it live on X-1", sess.Status, sess.ClaimedItemID)
		}
	})

	t.Run("release refused every time names the holder", func(t *testing.T) {
		h, a, b := setup(t)
		st := staleReleaseStore{Store: h.st, release: func(context.Context, string, string, time.Time) (bool, error) {
			return false, nil
		}}

		res, err := coordFor(h, st).Claim(context.Background(), "X-1", b)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if res.Success || res.Attempts != config.Default().ClaimMaxAttempts {
			t.Fatalf("B claim = %+v, want exhausted attempts", res)
		}
		if res.Owner == nil || res.Owner.SessionID != a {
			t.Fatalf("owner = %+v, want %s", res.Owner, a)
		}
		var ce *protocol.ClaimError
		if !errors.As(res.Err(), &ce) || ce.Owner == nil {
			t.Fatalf("Err() = %v, want ClaimError with owner", res.Err())
		}
	})

	t.Run("procedure failure falls back to a conditional write", func(t *testing.T) {
		h, a, b := setup(t)
		st := staleReleaseStore{Store: h.st, release: func(context.Context, string, string, time.Time) (bool, error) {
			return false, errors.New("procedure unavailable")
		}}

		res, err := coordFor(h, st).Claim(context.Background(), "X-1", b)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if !res.Success || len(res.ReleasedStale) != 1 || res.ReleasedStale[0] != a {
			t.Fatalf("B claim = %+v, want reclaim of %s", res, a)
		}
	})
}

func TestClaim_SameConversationAdopts(t *testing.T) {
	h := newHarness(t)
	h.rawSession(t, "pred", "rt-1@9", protocol.TierExact, 401)
	h.rawSession(t, "succ", "rt-1@9", protocol.TierExact, 402)
	if res := h.claim(t, "X-1", "pred"); !res.Success {
		t.Fatalf("pred claim = %+v", res)
	}

	res := h.claim(t, "X-1", "succ")
	if !res.Success || res.Outcome != protocol.OutcomeAdoptedSameConvo {
		t.Fatalf("succ claim = %+v, want adopted_same_conversation", res)
	}
	holders, _ := h.st.ClaimHolders(context.Background(), "X-1")
	if len(holders) != 1 || holders[0].ID != "succ" {
		t.Fatalf("holders = %+v, want [succ]", holders)
	}
}

func TestClaim_Ambiguous(t *testing.T) {
	for _, dead := range []bool{false, true} {
		t.Run(fmt.Sprintf("dead=%v", dead), func(t *testing.T) {
			h := newHarness(t)
			a := h.session(t, "ch-9", protocol.TierAmbiguous, "host-a", 501)
			b := h.session(t, "rt-2@9", protocol.TierExact, "host-a", 502)
			if res := h.claim(t, "X-1", a); !res.Success {
				t.Fatalf("A claim = %+v", res)
			}
			if dead {
				h.kill(501)
			}

			res := h.claim(t, "X-1", b)
			if dead {
				if !res.Success || res.Outcome != protocol.OutcomeNewlyAcquired {
					t.Fatalf("claim over dead ambiguous holder = %+v", res)
				}
				return
			}
			if res.Success || res.Outcome != protocol.OutcomeClaimedByActive || res.Conflict != conflict.KindAmbiguous {
				t.Fatalf("claim over live ambiguous holder = %+v", res)
			}
		})
	}
}

func TestClaim_SwitchesOffPreviousItem(t *testing.T) {
	h := newHarness(t)
	a := h.session(t, "rt-1@9", protocol.TierExact, "host-a", 601)
	h.claim(t, "X-1", a)

	res := h.claim(t, "X-2", a)
	if !res.Success || res.Switched != "X-1" {
		t.Fatalf("switch = %+v, want success from X-1", res)
	}
	if holders, _ := h.st.ClaimHolders(context.Background(), "X-1"); len(holders) != 0 {
		t.Fatalf("X-1 still held: %+v", holders)
	}
}

func TestClaim_TerminalItem(t *testing.T) {
	h := newHarness(t)
	a := h.session(t, "rt-1@9", protocol.TierExact, "host-a", 701)
	if err := h.st.PutItem(context.Background(), protocol.WorkItem{ID: "DONE", Status: protocol.ItemCompleted}); err != nil {
		t.Fatalf("put: %v", err)
	}
	res := h.claim(t, "DONE", a)
	if res.Success || res.Outcome != protocol.OutcomeItemNotClaimable {
		t.Fatalf("claim = %+v, want item_not_claimable", res)
	}
}

func TestClaim_SystemErrors(t *testing.T) {
	h := newHarness(t)
	a := h.session(t, "rt-1@9", protocol.TierExact, "host-a", 801)
	if err := h.st.EndSession(context.Background(), a, protocol.ReasonExit); err != nil {
		t.Fatalf("end: %v", err)
	}

	if _, err := h.coord.Claim(context.Background(), "X-1", a); !errors.Is(err, protocol.ErrSessionReleased) {
		t.Fatalf("released caller err = %v", err)
	}
	var nf *protocol.SessionNotFoundError
	if _, err := h.coord.Claim(context.Background(), "X-1", "ghost"); !errors.As(err, &nf) {
		t.Fatalf("unknown caller err = %v", err)
	}
}

func TestClaim_SiblingWarnings(t *testing.T) {
	h := newHarness(t)
	a := h.session(t, "rt-1@9", protocol.TierExact, "host-a", 901)
	b := h.session(t, "rt-2@9", protocol.TierExact, "host-a", 902)
	_ = h.st.AddConflict(context.Background(), "X-1", "X-2", "same_files", protocol.SeverityMedium)
	h.claim(t, "X-2", b)

	res := h.claim(t, "X-1", a)
	if !res.Success || len(res.Warnings) != 1 || res.Warnings[0].HeldBy != b {
		t.Fatalf("claim = %+v, want one sibling warning", res)
	}
}

// readBackStore wraps a real store and replaces the read-back query that
// follows a successful acquisition.
type readBackStore struct {
	*store.Store
	mu       sync.Mutex
	acquired bool
	readBack func(held []protocol.Session) ([]protocol.Session, error)
}

func (s *readBackStore) ClaimItem(ctx context.Context, itemID, sessionID, queueID string) (store.ClaimResult, error) {
	res, err := s.Store.ClaimItem(ctx, itemID, sessionID, queueID)
	s.mu.Lock()
	s.acquired = err == nil && res.Success
	s.mu.Unlock()
	return res, err
}

func (s *readBackStore) ClaimHolders(ctx context.Context, itemID string) ([]protocol.Session, error) {
	held, err := s.Store.ClaimHolders(ctx, itemID)
	s.mu.Lock()
	acquired := s.acquired
	s.mu.Unlock()
	if !acquired || err != nil {
		return held, err
	}
	return s.readBack(held)
}

func TestClaim_ReadBackFailures(t *testing.T) {
	other := protocol.Session{ID: "intruder", Hostname: "host-z", PID: 9}
	tests := []struct {
		name     string
		readBack func(held []protocol.Session) ([]protocol.Session, error)
		want     protocol.Outcome
	}{
		{"query error", func([]protocol.Session) ([]protocol.Session, error) { return nil, errors.New("disk I/O") }, protocol.OutcomeVerificationFailed},
		{"no row", func([]protocol.Session) ([]protocol.Session, error) { return nil, nil }, protocol.OutcomeNoClaimAfterRPC},
		{"two rows", func(r []protocol.Session) ([]protocol.Session, error) { return append(r, other), nil }, protocol.OutcomeMultipleClaims},
		{"wrong owner", func([]protocol.Session) ([]protocol.Session, error) { return []protocol.Session{other}, nil }, protocol.OutcomeWrongOwner},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			a := h.session(t, "rt-1@9", protocol.TierExact, "host-a", 111)
			fake := &readBackStore{Store: h.st, readBack: tt.readBack}
			analyzer := conflict.NewAnalyzer(h.st, liveness.ProbeFunc(func(int) bool { return true }), config.Default(), "host-a")
			coord := NewCoordinator(fake, analyzer, config.Default(), nil)

			res, err := coord.Claim(context.Background(), "X-1", a)
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if res.Success || res.Outcome != tt.want {
				t.Fatalf("claim = %+v, want failure %s", res, tt.want)
			}
		})
	}
}

// failingRelease makes release_claim fail so the direct-write fallback runs.
type failingRelease struct {
	*store.Store
}

func (failingRelease) ReleaseClaim(context.Context, string, string) (string, error) {
	return "", errors.New("procedure unavailable")
}

func TestRelease(t *testing.T) {
	h := newHarness(t)
	a := h.session(t, "rt-1@9", protocol.TierExact, "host-a", 121)
	h.claim(t, "X-1", a)

	analyzer := conflict.NewAnalyzer(h.st, nil, config.Default(), "host-a")
	coord := NewCoordinator(failingRelease{h.st}, analyzer, config.Default(), nil)
	rel := coord.Release(context.Background(), a, protocol.ReasonManual)
	if !rel.Fallback || rel.ItemID != "X-1" || rel.Error != "" {
		t.Fatalf("release = %+v, want fallback release of X-1", rel)
	}
	if holders, _ := h.st.ClaimHolders(context.Background(), "X-1"); len(holders) != 0 {
		t.Fatalf("X-1 still held: %+v", holders)
	}

	// Nothing held and unknown sessions are both quiet no-ops.
	if rel := h.coord.Release(context.Background(), a, ""); rel.ItemID != "" || rel.Error != "" {
		t.Fatalf("second release = %+v", rel)
	}
	if rel := h.coord.Release(context.Background(), "ghost", ""); rel.Error != "" {
		t.Fatalf("ghost release = %+v", rel)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	a := h.session(t, "rt-1@9", protocol.TierExact, "host-a", 131)

	st, err := h.coord.Status(context.Background(), "X-1")
	if err != nil || st.Claimed {
		t.Fatalf("status before claim = %+v, %v", st, err)
	}
	h.claim(t, "X-1", a)
	st, err = h.coord.Status(context.Background(), "X-1")
	if err != nil || !st.Claimed || st.Holder == nil || st.Holder.Owner.SessionID != a {
		t.Fatalf("status after claim = %+v, %v", st, err)
	}
	if st.Holder.Kind != conflict.KindOtherActive {
		t.Errorf("neutral classification = %s, want other_active", st.Holder.Kind)
	}
}
