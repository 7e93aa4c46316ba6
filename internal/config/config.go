package config

import (
	"strings"
	"time"

	"peercall-engine/pkg/constants"
	"peercall-engine/pkg/env"
)

// Config holds all runtime configuration for the call agent.
// Every timer and retry knob defaults to the protocol's canonical value;
// tests shrink them through the struct, deployments through env vars.
type Config struct {
	Env      string
	SelfID   string
	HTTPAddr string

	// Signaling store
	StoreBackend       string // firestore, memory
	FirestoreProjectID string
	FirestoreCredsPath string
	CallsCollection    string

	// Push / notification bridge
	RedisAddr     string
	RedisPassword string

	// Media transport
	ICEServers []string

	// Call setup
	NoAnswerTimeout    time.Duration
	AutoDeclineTimeout time.Duration

	// Reconnect policy
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// Connection-state monitor
	MonitorInterval  time.Duration
	MonitorMaxChecks int

	// Participant heartbeat
	PingInterval time.Duration

	// ICE candidate buffering
	CandidateRetryDelay time.Duration
}

// Load reads configuration from the environment (or Docker secrets for
// credentials) and falls back to defaults.
func Load() *Config {
	return &Config{
		Env:      env.GetString("ENV", "development"),
		SelfID:   env.GetString("PEERCALL_SELF_ID", ""),
		HTTPAddr: env.GetString("HTTP_ADDR", ":8085"),

		StoreBackend:       env.GetString("STORE_BACKEND", "firestore"),
		FirestoreProjectID: env.GetString("FIRESTORE_PROJECT_ID", ""),
		FirestoreCredsPath: env.GetStringFromFile("FIRESTORE_CREDENTIALS_PATH", ""),
		CallsCollection:    env.GetString("CALLS_COLLECTION", "calls"),

		RedisAddr:     env.GetString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: env.GetStringFromFile("REDIS_PASSWORD", ""),

		ICEServers: splitList(env.GetString("ICE_SERVERS", "stun:stun.l.google.com:19302")),

		NoAnswerTimeout:    env.GetDuration("NO_ANSWER_TIMEOUT", constants.NoAnswerTimeout),
		AutoDeclineTimeout: env.GetDuration("AUTO_DECLINE_TIMEOUT", constants.AutoDeclineTimeout),

		MaxReconnectAttempts: env.GetInt("MAX_RECONNECT_ATTEMPTS", constants.MaxReconnectAttempts),
		ReconnectBaseDelay:   env.GetDuration("RECONNECT_BASE_DELAY", constants.ReconnectBaseDelay),
		ReconnectMaxDelay:    env.GetDuration("RECONNECT_MAX_DELAY", constants.ReconnectMaxDelay),

		MonitorInterval:  env.GetDuration("MONITOR_INTERVAL", constants.MonitorInterval),
		MonitorMaxChecks: env.GetInt("MONITOR_MAX_CHECKS", constants.MonitorMaxChecks),

		PingInterval: env.GetDuration("PING_INTERVAL", constants.PingInterval),

		CandidateRetryDelay: env.GetDuration("CANDIDATE_RETRY_DELAY", constants.CandidateRetryDelay),
	}
}

// Default returns the canonical protocol configuration without touching
// the environment. Used by tests as a baseline to override.
func Default() *Config {
	return &Config{
		Env:                  "test",
		CallsCollection:      "calls",
		NoAnswerTimeout:      constants.NoAnswerTimeout,
		AutoDeclineTimeout:   constants.AutoDeclineTimeout,
		MaxReconnectAttempts: constants.MaxReconnectAttempts,
		ReconnectBaseDelay:   constants.ReconnectBaseDelay,
		ReconnectMaxDelay:    constants.ReconnectMaxDelay,
		MonitorInterval:      constants.MonitorInterval,
		MonitorMaxChecks:     constants.MonitorMaxChecks,
		PingInterval:         constants.PingInterval,
		CandidateRetryDelay:  constants.CandidateRetryDelay,
	}
}

// splitList parses a comma-separated env value into a trimmed slice
func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
