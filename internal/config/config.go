// Package config resolves the opsd configuration from the environment.
// An optional .env file in the working directory is loaded first; real
// environment variables win over .env entries.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MinSecretLength is the recommended minimum length for the read secret.
// Shorter values are accepted with a warning.
const MinSecretLength = 16

// Config holds every environment-derived setting the daemon consumes.
type Config struct {
	// HTTP auth
	ReadSecret          string // OS_HTTP_SECRET, required
	WriteSecretCurrent  string // COCKPIT_WRITE_SECRET_CURRENT
	WriteSecretPrevious string // COCKPIT_WRITE_SECRET_PREVIOUS

	// Governance
	Strict     bool   // GOV_STRICT=1
	PolicyFile string // OPSPLANE_POLICY_FILE, optional group/provider overlay

	// Alerts
	TelegramBotToken   string
	TelegramChatID     string
	WorkerOfflineGrace time.Duration // WORKER_OFFLINE_GRACE_MS, default 120s
	DispatchFailThresh int           // DISPATCH_FAIL_THRESHOLD, default 3
	DispatchFailWindow time.Duration // DISPATCH_FAIL_WINDOW_MS, default 5m
	AlertDedupWindow   time.Duration // ALERT_DEDUP_WINDOW_MS, default 10m

	// External-access broker
	ExtHMACSecret   string         // EXT_CALL_HMAC_SECRET
	ExtMaxPending   int            // EXT_MAX_PENDING per group, default 10
	ExtCallMaxAge   time.Duration  // EXT_CALL_MAX_AGE_MS, default 7d
	ExtRateLimits   map[string]int // EXT_RATE_LIMIT_<PROVIDER>, calls/minute
	ExtDailyQuotas  map[string]int // EXT_DAILY_QUOTA_<PROVIDER>
	BreakerFailures int            // BREAKER_FAILURE_THRESHOLD, default 5
	BreakerOpenFor  time.Duration  // BREAKER_OPEN_MS, default 30s

	// Chat bus binding surfaced on GET /ops/messages
	GroupJID string // OPSPLANE_GROUP_JID
}

// Load reads the configuration from the environment. It does not validate
// secrets; call Preflight for that.
func Load() Config {
	// Best effort: a missing .env is the normal case.
	godotenv.Load() //nolint:errcheck

	return Config{
		ReadSecret:          os.Getenv("OS_HTTP_SECRET"),
		WriteSecretCurrent:  os.Getenv("COCKPIT_WRITE_SECRET_CURRENT"),
		WriteSecretPrevious: os.Getenv("COCKPIT_WRITE_SECRET_PREVIOUS"),

		Strict:     os.Getenv("GOV_STRICT") == "1",
		PolicyFile: os.Getenv("OPSPLANE_POLICY_FILE"),

		TelegramBotToken:   os.Getenv("ALERT_TELEGRAM_BOT_TOKEN"),
		TelegramChatID:     os.Getenv("ALERT_TELEGRAM_CHAT_ID"),
		WorkerOfflineGrace: envDurationMS("WORKER_OFFLINE_GRACE_MS", 120*time.Second),
		DispatchFailThresh: envInt("DISPATCH_FAIL_THRESHOLD", 3),
		DispatchFailWindow: envDurationMS("DISPATCH_FAIL_WINDOW_MS", 5*time.Minute),
		AlertDedupWindow:   envDurationMS("ALERT_DEDUP_WINDOW_MS", 10*time.Minute),

		ExtHMACSecret:   os.Getenv("EXT_CALL_HMAC_SECRET"),
		ExtMaxPending:   envInt("EXT_MAX_PENDING", 10),
		ExtCallMaxAge:   envDurationMS("EXT_CALL_MAX_AGE_MS", 7*24*time.Hour),
		ExtRateLimits:   envPerProvider("EXT_RATE_LIMIT_"),
		ExtDailyQuotas:  envPerProvider("EXT_DAILY_QUOTA_"),
		BreakerFailures: envInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerOpenFor:  envDurationMS("BREAKER_OPEN_MS", 30*time.Second),

		GroupJID: os.Getenv("OPSPLANE_GROUP_JID"),
	}
}

// Preflight checks required secrets at startup. A missing read secret is
// fatal; weak or absent secondary secrets only warn so a degraded cockpit
// can still read state.
func (c Config) Preflight() error {
	if c.ReadSecret == "" {
		return fmt.Errorf("OS_HTTP_SECRET is required")
	}
	if len(c.ReadSecret) < MinSecretLength {
		slog.Warn("OS_HTTP_SECRET is shorter than recommended",
			"length", len(c.ReadSecret), "recommended", MinSecretLength)
	}
	if c.WriteSecretCurrent == "" && c.WriteSecretPrevious == "" {
		slog.Warn("no write secret configured; all mutating requests will be rejected")
	}
	if c.ExtHMACSecret == "" {
		slog.Warn("EXT_CALL_HMAC_SECRET is not set; ext-call parameter hashes use an empty key")
	}
	return nil
}

// EnvOrDefault returns the value of the environment variable named by key,
// or def if the variable is not set or empty.
func EnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring non-numeric env value", "key", key, "value", v)
		return def
	}
	return n
}

func envDurationMS(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		slog.Warn("ignoring invalid millisecond env value", "key", key, "value", v)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// envPerProvider collects <PREFIX><PROVIDER>=<int> variables into a map
// keyed by the lowercased provider name.
func envPerProvider(prefix string) map[string]int {
	out := make(map[string]int)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		provider := strings.ToLower(strings.TrimPrefix(k, prefix))
		if provider == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			slog.Warn("ignoring invalid per-provider limit", "key", k, "value", v)
			continue
		}
		out[provider] = n
	}
	return out
}
