package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration loaded from defaults, file and env.
type Config struct {
	// Sessions and claims.
	StaleThreshold       time.Duration // Heartbeat age after which a session is stale (default 300s).
	HeartbeatInterval    time.Duration // Heartbeat cadence (default 30s).
	MaxHeartbeatFailures int           // Consecutive failures before the scheduler stops (default 3).
	StoreTimeout         time.Duration // Per-call store timeout (default 5s).
	ClaimMaxAttempts     int           // Acquisition attempts per Claim call (default 3).
	AdoptWindow          time.Duration // A registration younger than this is adopted, not superseded (default 10s).
	CleanupBatchSize     int           // Rows examined per cleanup pass (default 100).

	// Reprioritization.
	UrgencyDeltaThreshold float64       // Minimum |Δscore| worth persisting (default 0.05).
	RerankWindow          time.Duration // Minimum interval between re-ranks of one queue (default 30s).
	JitterWindow          time.Duration // Minimum interval between band changes of one item (default 10m).
	JitterOverrideDelta   float64       // |Δscore| that bypasses the jitter window (default 0.25).
	ScanInterval          time.Duration // Fallback backlog rescoring interval (default 60s).
	LearningScript        string        // Optional Lua script providing learning overrides.

	// Identity.
	ChannelEnv   string   // Env var holding the shared channel attribute (default WARDEN_CHANNEL).
	RuntimeNames []string // Process names of the worker runtime (default claude, node).

	// Logging.
	LogLevel  string // debug | info | warn | error (default info).
	LogFormat string // text | json (default text).
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		StaleThreshold:        300 * time.Second,
		HeartbeatInterval:     30 * time.Second,
		MaxHeartbeatFailures:  3,
		StoreTimeout:          5 * time.Second,
		ClaimMaxAttempts:      3,
		AdoptWindow:           10 * time.Second,
		CleanupBatchSize:      100,
		UrgencyDeltaThreshold: 0.05,
		RerankWindow:          30 * time.Second,
		JitterWindow:          10 * time.Minute,
		JitterOverrideDelta:   0.25,
		ScanInterval:          60 * time.Second,
		ChannelEnv:            "WARDEN_CHANNEL",
		RuntimeNames:          []string{"claude", "node"},
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// fileConfig mirrors config.toml. Pointer fields distinguish "unset" from
// zero so that the file only overrides what it names.
type fileConfig struct {
	StaleThresholdSeconds    *int     `toml:"stale_threshold_seconds"`
	HeartbeatIntervalSeconds *int     `toml:"heartbeat_interval_seconds"`
	MaxHeartbeatFailures     *int     `toml:"max_heartbeat_failures"`
	StoreTimeoutSeconds      *int     `toml:"store_timeout_seconds"`
	ClaimMaxAttempts         *int     `toml:"claim_max_attempts"`
	AdoptWindowSeconds       *int     `toml:"adopt_window_seconds"`
	CleanupBatchSize         *int     `toml:"cleanup_batch_size"`
	UrgencyDeltaThreshold    *float64 `toml:"urgency_delta_threshold"`
	RerankWindowSeconds      *int     `toml:"rerank_window_seconds"`
	JitterWindowSeconds      *int     `toml:"jitter_window_seconds"`
	JitterOverrideDelta      *float64 `toml:"jitter_override_delta"`
	ScanIntervalSeconds      *int     `toml:"scan_interval_seconds"`
	LearningScript           *string  `toml:"learning_script"`
	ChannelEnv               *string  `toml:"channel_env"`
	RuntimeNames             []string `toml:"runtime_names"`
	LogLevel                 *string  `toml:"log_level"`
	LogFormat                *string  `toml:"log_format"`
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty or the file does not exist) and WARDEN_* environment
// variables. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	FromEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // config path is chosen by the operator
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setSeconds(&cfg.StaleThreshold, fc.StaleThresholdSeconds)
	setSeconds(&cfg.HeartbeatInterval, fc.HeartbeatIntervalSeconds)
	setSeconds(&cfg.StoreTimeout, fc.StoreTimeoutSeconds)
	setSeconds(&cfg.AdoptWindow, fc.AdoptWindowSeconds)
	setSeconds(&cfg.RerankWindow, fc.RerankWindowSeconds)
	setSeconds(&cfg.JitterWindow, fc.JitterWindowSeconds)
	setSeconds(&cfg.ScanInterval, fc.ScanIntervalSeconds)
	if fc.MaxHeartbeatFailures != nil {
		cfg.MaxHeartbeatFailures = *fc.MaxHeartbeatFailures
	}
	if fc.ClaimMaxAttempts != nil {
		cfg.ClaimMaxAttempts = *fc.ClaimMaxAttempts
	}
	if fc.CleanupBatchSize != nil {
		cfg.CleanupBatchSize = *fc.CleanupBatchSize
	}
	if fc.UrgencyDeltaThreshold != nil {
		cfg.UrgencyDeltaThreshold = *fc.UrgencyDeltaThreshold
	}
	if fc.JitterOverrideDelta != nil {
		cfg.JitterOverrideDelta = *fc.JitterOverrideDelta
	}
	if fc.LearningScript != nil {
		cfg.LearningScript = *fc.LearningScript
	}
	if fc.ChannelEnv != nil {
		cfg.ChannelEnv = *fc.ChannelEnv
	}
	if len(fc.RuntimeNames) > 0 {
		cfg.RuntimeNames = fc.RuntimeNames
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.LogFormat != nil {
		cfg.LogFormat = *fc.LogFormat
	}
	return nil
}

func setSeconds(dst *time.Duration, secs *int) {
	if secs != nil {
		*dst = time.Duration(*secs) * time.Second
	}
}

// Validate rejects configurations that would make components disagree or
// spin: non-positive durations, and a heartbeat cadence that is not well
// under the stale threshold.
func (c Config) Validate() error {
	durations := map[string]time.Duration{
		"stale threshold":    c.StaleThreshold,
		"heartbeat interval": c.HeartbeatInterval,
		"store timeout":      c.StoreTimeout,
		"rerank window":      c.RerankWindow,
		"jitter window":      c.JitterWindow,
		"scan interval":      c.ScanInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	if c.HeartbeatInterval*2 >= c.StaleThreshold {
		return fmt.Errorf("config: heartbeat interval %s must be under half the stale threshold %s",
			c.HeartbeatInterval, c.StaleThreshold)
	}
	if c.MaxHeartbeatFailures < 1 {
		return fmt.Errorf("config: max heartbeat failures must be at least 1")
	}
	if c.ClaimMaxAttempts < 1 {
		return fmt.Errorf("config: claim max attempts must be at least 1")
	}
	if c.CleanupBatchSize < 1 {
		return fmt.Errorf("config: cleanup batch size must be at least 1")
	}
	if c.UrgencyDeltaThreshold < 0 || c.JitterOverrideDelta < 0 {
		return fmt.Errorf("config: urgency deltas must not be negative")
	}
	return nil
}
