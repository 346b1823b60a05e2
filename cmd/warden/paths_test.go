package main

import (
	"os"
	"path/filepath"
	"testing"

	"warden/pkg/protocol"
)

func TestResolvePaths_Defaults(t *testing.T) {
	t.Setenv("WARDEN_HOME", "")
	t.Setenv("WARDEN_DB_PATH", "")
	t.Setenv("WARDEN_CONFIG", "")
	t.Setenv("WARDEN_PID_PATH", "")
	t.Setenv("WARDEN_SIGNALS_DIR", "")
	t.Setenv("WARDEN_SESSIONS_DIR", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("get home dir: %v", err)
	}

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}

	expectedBase := filepath.Join(home, protocol.WardenDir)
	want := map[string][2]string{
		"Home":        {paths.Home, expectedBase},
		"StateDBPath": {paths.StateDBPath, filepath.Join(expectedBase, "state.db")},
		"ConfigPath":  {paths.ConfigPath, filepath.Join(expectedBase, "config.toml")},
		"PIDPath":     {paths.PIDPath, filepath.Join(expectedBase, "daemon.pid")},
		"SignalsDir":  {paths.SignalsDir, filepath.Join(expectedBase, "signals")},
		"SessionsDir": {paths.SessionsDir, filepath.Join(expectedBase, "sessions")},
	}
	for name, pair := range want {
		if pair[0] != pair[1] {
			t.Errorf("%s = %q, want %q", name, pair[0], pair[1])
		}
	}
}

func TestResolvePaths_EnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()

	t.Setenv("WARDEN_HOME", filepath.Join(tmpDir, "custom-home"))
	t.Setenv("WARDEN_DB_PATH", filepath.Join(tmpDir, "custom-state.db"))
	t.Setenv("WARDEN_CONFIG", filepath.Join(tmpDir, "custom.toml"))
	t.Setenv("WARDEN_PID_PATH", filepath.Join(tmpDir, "run", "warden.pid"))
	t.Setenv("WARDEN_SIGNALS_DIR", "")
	t.Setenv("WARDEN_SESSIONS_DIR", filepath.Join(tmpDir, "cache"))

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}

	if paths.Home != filepath.Join(tmpDir, "custom-home") {
		t.Errorf("Home = %q", paths.Home)
	}
	if paths.StateDBPath != filepath.Join(tmpDir, "custom-state.db") {
		t.Errorf("StateDBPath = %q", paths.StateDBPath)
	}
	if paths.ConfigPath != filepath.Join(tmpDir, "custom.toml") {
		t.Errorf("ConfigPath = %q", paths.ConfigPath)
	}
	if paths.PIDPath != filepath.Join(tmpDir, "run", "warden.pid") {
		t.Errorf("PIDPath = %q", paths.PIDPath)
	}
	if paths.SessionsDir != filepath.Join(tmpDir, "cache") {
		t.Errorf("SessionsDir = %q", paths.SessionsDir)
	}
	// Unset overrides follow WARDEN_HOME.
	if paths.SignalsDir != filepath.Join(tmpDir, "custom-home", "signals") {
		t.Errorf("SignalsDir = %q", paths.SignalsDir)
	}
}
