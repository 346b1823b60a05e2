package main

import (
	"fmt"
	"os"
	"path/filepath"

	"warden/pkg/protocol"
)

// Paths holds all resolved warden state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home        string // ~/.warden or WARDEN_HOME
	StateDBPath string // state.db or WARDEN_DB_PATH
	ConfigPath  string // config.toml or WARDEN_CONFIG
	PIDPath     string // daemon.pid or WARDEN_PID_PATH
	SignalsDir  string // backlog change nudges, watched by the daemon
	SessionsDir string // local identity -> session cache
}

// ResolvePaths returns all warden paths, respecting env var overrides.
// Environment variables:
//   - WARDEN_HOME: base directory for all warden state (default: ~/.warden)
//   - WARDEN_DB_PATH: coordination database (default: $WARDEN_HOME/state.db)
//   - WARDEN_CONFIG: TOML config file (default: $WARDEN_HOME/config.toml)
//   - WARDEN_PID_PATH: daemon PID file (default: $WARDEN_HOME/daemon.pid)
//   - WARDEN_SIGNALS_DIR: directory the daemon watches (default: $WARDEN_HOME/signals)
//   - WARDEN_SESSIONS_DIR: local session cache (default: $WARDEN_HOME/sessions)
//
// Specific env vars override both the default and the WARDEN_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		Home:        home,
		StateDBPath: resolvePathWithEnv("WARDEN_DB_PATH", home, "state.db"),
		ConfigPath:  resolvePathWithEnv("WARDEN_CONFIG", home, "config.toml"),
		PIDPath:     resolvePathWithEnv("WARDEN_PID_PATH", home, pidFileName),
		SignalsDir:  resolvePathWithEnv("WARDEN_SIGNALS_DIR", home, protocol.SignalsDir),
		SessionsDir: resolvePathWithEnv("WARDEN_SESSIONS_DIR", home, protocol.SessionsDir),
	}, nil
}

func resolveHome() (string, error) {
	if v := os.Getenv("WARDEN_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.WardenDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
