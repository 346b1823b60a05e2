package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestCache_RoundTrip(t *testing.T) {
	c := NewCache(filepath.Join(t.TempDir(), "nested", "sessions"))
	if _, ok := c.Load("rt-1"); ok {
		t.Fatal("empty cache returned an entry")
	}
	e := CacheEntry{Identity: "rt-1", SessionID: "s1", Hostname: "h", PID: 4, UpdatedAt: time.Unix(100, 0).UTC()}
	if err := c.Save(e); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok := c.Load("rt-1")
	if !ok || got.SessionID != "s1" || !got.UpdatedAt.Equal(e.UpdatedAt) {
		t.Fatalf("load = %+v %v", got, ok)
	}
	if err := c.Remove("rt-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
}

type fakeRunner struct {
	out  string
	err  error
	args []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.args = append([]string{name}, args...)
	return []byte(f.out), f.err
}

func TestGitContext(t *testing.T) {
	r := &fakeRunner{out: "main\n"}
	kv, err := GitContext{Dir: "/src/app", Runner: r}.Context(context.Background())
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if kv["branch"] != "main" || kv["cwd"] != "/src/app" {
		t.Fatalf("kv = %v", kv)
	}

	r.err = errors.New("not a repo")
	if _, err := (GitContext{Dir: "/tmp", Runner: r}).Context(context.Background()); err == nil {
		t.Fatal("expected error from failing git")
	}
}
