// Package config loads application configuration from the environment.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the stage tracker binaries.
type Config struct {
	Env      string
	HTTPAddr string

	DatabaseURL string

	// Follow Up Boss API access.
	FUBAPIKey    string
	FUBSystemKey string
	FUBSystem    string
	FUBBaseURL   string
	// Requests per second against the FUB API; bursts allowed up to FUBRateBurst.
	FUBRatePerSecond float64
	FUBRateBurst     int

	WebhookBaseURL string

	// Bounds for the last-resort numeric identifier scan. Payload values
	// outside [IDScanMin, IDScanMax] are never treated as person IDs.
	IDScanMin int64
	IDScanMax int64

	// Window within which an identical transition is treated as a redelivery.
	DuplicateWindow time.Duration
	// The /health endpoint reports unhealthy when no webhook has arrived
	// within this duration.
	WebhookStaleAfter time.Duration

	// Unknown-agent policy: records whose assignment metadata is missing get
	// LegacyAgentName when changed before LegacyAgentCutover, else DefaultAgentName.
	DefaultAgentName   string
	LegacyAgentName    string
	LegacyAgentCutover time.Time

	// Scheduler (reconciliation worker).
	RedisURL          string
	RedisTLSInsecure  bool
	AsynqQueue        string
	AsynqConcurrency  int
	ReconcileCron     string
	ReconcileLookback time.Duration

	SlackWebhookURL string
}

// Load reads configuration from the environment, applying defaults.
// A local .env file is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("APP_ENV", "development"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		FUBAPIKey:        getEnv("FUB_API_KEY", ""),
		FUBSystemKey:     getEnv("FUB_SYSTEM_KEY", ""),
		FUBSystem:        getEnv("FUB_SYSTEM", "SynergyFUBLeadMetrics"),
		FUBBaseURL:       getEnv("FUB_BASE_URL", "https://api.followupboss.com/v1"),
		FUBRatePerSecond: mustFloat(getEnv("FUB_RATE_PER_SECOND", "3")),
		FUBRateBurst:     mustInt(getEnv("FUB_RATE_BURST", "5")),

		WebhookBaseURL: getEnv("WEBHOOK_BASE_URL", "http://localhost:8080"),

		IDScanMin: mustInt64(getEnv("ID_SCAN_MIN", "1000")),
		IDScanMax: mustInt64(getEnv("ID_SCAN_MAX", "999999")),

		DuplicateWindow:   mustDuration(getEnv("DUPLICATE_WINDOW", "1s")),
		WebhookStaleAfter: mustDuration(getEnv("WEBHOOK_STALE_AFTER", "90m")),

		DefaultAgentName: getEnv("DEFAULT_AGENT_NAME", "Unassigned"),
		LegacyAgentName:  getEnv("LEGACY_AGENT_NAME", ""),

		RedisURL:          getEnv("REDIS_URL", ""),
		RedisTLSInsecure:  strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueue:        getEnv("ASYNQ_QUEUE", "default"),
		AsynqConcurrency:  mustInt(getEnv("ASYNQ_CONCURRENCY", "1")),
		ReconcileCron:     getEnv("RECONCILE_CRON", "0 6 * * *"),
		ReconcileLookback: mustDuration(getEnv("RECONCILE_LOOKBACK", "168h")),

		SlackWebhookURL: getEnv("SLACK_WEBHOOK_URL", ""),
	}

	if cutover := getEnv("LEGACY_AGENT_CUTOVER", ""); cutover != "" {
		parsed, err := time.Parse("2006-01-02", cutover)
		if err != nil {
			return nil, fmt.Errorf("LEGACY_AGENT_CUTOVER must be YYYY-MM-DD: %w", err)
		}
		cfg.LegacyAgentCutover = parsed
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.FUBAPIKey == "" {
		return nil, fmt.Errorf("FUB_API_KEY is required")
	}
	if cfg.IDScanMin >= cfg.IDScanMax {
		return nil, fmt.Errorf("ID_SCAN_MIN must be below ID_SCAN_MAX")
	}
	if cfg.DuplicateWindow <= 0 {
		return nil, fmt.Errorf("DUPLICATE_WINDOW must be positive")
	}
	if cfg.WebhookStaleAfter <= 0 {
		return nil, fmt.Errorf("WEBHOOK_STALE_AFTER must be a positive duration")
	}
	if cfg.ReconcileLookback <= 0 {
		return nil, fmt.Errorf("RECONCILE_LOOKBACK must be a positive duration")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}

func mustInt64(value string) int64 {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func mustFloat(value string) float64 {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return f
}
