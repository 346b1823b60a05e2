package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays WARDEN_* environment variables onto cfg. Values that do
// not parse are ignored.
func FromEnv(cfg *Config) {
	envSeconds("WARDEN_STALE_THRESHOLD_SECONDS", &cfg.StaleThreshold)
	envSeconds("WARDEN_HEARTBEAT_INTERVAL_SECONDS", &cfg.HeartbeatInterval)
	envSeconds("WARDEN_STORE_TIMEOUT_SECONDS", &cfg.StoreTimeout)
	envSeconds("WARDEN_ADOPT_WINDOW_SECONDS", &cfg.AdoptWindow)
	envSeconds("WARDEN_RERANK_WINDOW_SECONDS", &cfg.RerankWindow)
	envSeconds("WARDEN_JITTER_WINDOW_SECONDS", &cfg.JitterWindow)
	envSeconds("WARDEN_SCAN_INTERVAL_SECONDS", &cfg.ScanInterval)
	envInt("WARDEN_MAX_HEARTBEAT_FAILURES", &cfg.MaxHeartbeatFailures)
	envInt("WARDEN_CLAIM_MAX_ATTEMPTS", &cfg.ClaimMaxAttempts)
	envInt("WARDEN_CLEANUP_BATCH_SIZE", &cfg.CleanupBatchSize)
	envFloat("WARDEN_URGENCY_DELTA_THRESHOLD", &cfg.UrgencyDeltaThreshold)
	envFloat("WARDEN_JITTER_OVERRIDE_DELTA", &cfg.JitterOverrideDelta)

	if v := os.Getenv("WARDEN_LEARNING_SCRIPT"); v != "" {
		cfg.LearningScript = v
	}
	if v := os.Getenv("WARDEN_CHANNEL_ENV"); v != "" {
		cfg.ChannelEnv = v
	}
	if v := os.Getenv("WARDEN_RUNTIME_NAMES"); v != "" {
		var names []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				names = append(names, p)
			}
		}
		if len(names) > 0 {
			cfg.RuntimeNames = names
		}
	}
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WARDEN_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}

func envSeconds(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
