package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"warden/pkg/config"
	"warden/pkg/liveness"
	"warden/pkg/store"
)

// waitFor polls condition until it returns true or timeout elapses.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestRegistry(t *testing.T, st *store.Store, alive func(int) bool) *Registry {
	t.Helper()
	return NewRegistry(st, config.Default(), Options{
		Cache:    NewCache(filepath.Join(t.TempDir(), "sessions")),
		Probe:    liveness.ProbeFunc(alive),
		Hostname: "host-a",
	})
}
