package conflict

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"warden/pkg/config"
	"warden/pkg/liveness"
	"warden/pkg/protocol"
	"warden/pkg/store"
)

var now = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func newTestAnalyzer(alive bool) *Analyzer {
	a := NewAnalyzer(nil, liveness.ProbeFunc(func(int) bool { return alive }), config.Default(), "host-a")
	a.now = func() time.Time { return now }
	return a
}

func holder(mut func(*protocol.Session)) protocol.Session {
	s := protocol.Session{
		ID:               "holder",
		TerminalIdentity: "rt-1@9",
		IdentityTier:     protocol.TierExact,
		Channel:          "9",
		Hostname:         "host-a",
		PID:              100,
		Status:           protocol.SessionActive,
		HeartbeatAt:      now.Add(-10 * time.Second),
	}
	if mut != nil {
		mut(&s)
	}
	return s
}

func TestAnalyze(t *testing.T) {
	caller := Caller{SessionID: "caller", Identity: "rt-2@9", Tier: protocol.TierExact, Channel: "9", Hostname: "host-a"}
	stale := func(s *protocol.Session) { s.HeartbeatAt = now.Add(-10 * time.Minute) }

	tests := []struct {
		name        string
		holder      protocol.Session
		caller      Caller
		alive       bool
		want        Kind
		wantDisplay Kind
		reclaim     bool
	}{
		{
			name:   "self",
			holder: holder(func(s *protocol.Session) { s.ID = "caller" }),
			caller: caller, alive: true,
			want: KindSelf, wantDisplay: KindSelf,
		},
		{
			name:   "same conversation after respawn",
			holder: holder(func(s *protocol.Session) { s.TerminalIdentity = "rt-2@9" }),
			caller: caller, alive: true,
			want: KindSameConversation, wantDisplay: KindSameConversation,
		},
		{
			name:   "shared channel with coarse tier is ambiguous",
			holder: holder(func(s *protocol.Session) { s.TerminalIdentity = "ch-9"; s.IdentityTier = protocol.TierAmbiguous }),
			caller: caller, alive: true,
			want: KindAmbiguous, wantDisplay: KindAmbiguous,
		},
		{
			name:   "ambiguous with dead local holder displays as same conversation",
			holder: holder(func(s *protocol.Session) { s.TerminalIdentity = "ch-9"; s.IdentityTier = protocol.TierAmbiguous }),
			caller: caller, alive: false,
			want: KindAmbiguous, wantDisplay: KindSameConversation, reclaim: true,
		},
		{
			name:   "ambiguous on another host is never probed",
			holder: holder(func(s *protocol.Session) { s.IdentityTier = protocol.TierAmbiguous; s.Hostname = "host-b" }),
			caller: caller, alive: false,
			want: KindAmbiguous, wantDisplay: KindAmbiguous,
		},
		{
			name:   "fresh other session",
			holder: holder(nil),
			caller: caller, alive: true,
			want: KindOtherActive, wantDisplay: KindOtherActive,
		},
		{
			name:   "stale on this host and dead",
			holder: holder(stale),
			caller: caller, alive: false,
			want: KindStaleDead, wantDisplay: KindStaleDead, reclaim: true,
		},
		{
			name:   "stale on this host but alive",
			holder: holder(stale),
			caller: caller, alive: true,
			want: KindStaleAlive, wantDisplay: KindStaleAlive,
		},
		{
			name:   "stale on another host",
			holder: holder(func(s *protocol.Session) { stale(s); s.Hostname = "host-b" }),
			caller: caller, alive: true,
			want: KindStaleRemote, wantDisplay: KindStaleRemote, reclaim: true,
		},
		{
			name:   "stale status counts even with recent heartbeat",
			holder: holder(func(s *protocol.Session) { s.Status = protocol.SessionStale }),
			caller: caller, alive: true,
			want: KindStaleAlive, wantDisplay: KindStaleAlive,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newTestAnalyzer(tt.alive).Analyze(tt.holder, tt.caller)
			if got.Kind != tt.want || got.DisplayKind != tt.wantDisplay {
				t.Fatalf("kind = %s/%s, want %s/%s", got.Kind, got.DisplayKind, tt.want, tt.wantDisplay)
			}
			if got.Reclaimable() != tt.reclaim {
				t.Errorf("reclaimable = %v, want %v", got.Reclaimable(), tt.reclaim)
			}
			if got.Owner.SessionID != tt.holder.ID {
				t.Errorf("owner = %s, want %s", got.Owner.SessionID, tt.holder.ID)
			}
		})
	}
}

func TestSiblingConflicts(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	reg, err := st.RegisterOrAdoptSession(ctx, store.RegisterParams{Identity: "rt-1", Hostname: "host-a", PID: 1})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if res, _ := st.ClaimItem(ctx, "B", reg.Session.ID, ""); !res.Success {
		t.Fatal("claim B failed")
	}
	_ = st.AddConflict(ctx, "A", "B", "same_files", protocol.SeverityHigh)
	_ = st.AddConflict(ctx, "A", "C", "same_files", protocol.SeverityLow)

	a := NewAnalyzer(st, liveness.OS{}, config.Default(), "host-a")
	warnings, err := a.SiblingConflicts(ctx, "A")
	if err != nil {
		t.Fatalf("sibling conflicts: %v", err)
	}
	if len(warnings) != 1 || warnings[0].ItemID != "B" || warnings[0].HeldBy != reg.Session.ID {
		t.Fatalf("warnings = %+v, want one for B", warnings)
	}
}
