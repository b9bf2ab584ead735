package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var conciergeEnvKeys = []string{
	"CONCIERGE_ADDR",
	"CONCIERGE_OPENAI_API_KEY",
	"CONCIERGE_REALTIME_MODEL",
	"CONCIERGE_COMPLETION_MODEL",
	"CONCIERGE_EMBEDDING_MODEL",
	"CONCIERGE_VOICE",
	"CONCIERGE_TELNYX_API_KEY",
	"CONCIERGE_TELNYX_FROM_NUMBER",
	"CONCIERGE_MEDIA_URL_BASE",
	"CONCIERGE_SUPABASE_URL",
	"CONCIERGE_SUPABASE_API_KEY",
	"CONCIERGE_QDRANT_URL",
	"CONCIERGE_QDRANT_API_KEY",
	"CONCIERGE_QDRANT_COLLECTION",
	"CONCIERGE_REDIS_ADDR",
	"CONCIERGE_REDIS_PASSWORD",
	"CONCIERGE_CACHE_TTL",
	"CONCIERGE_RATE_TIER",
	"CONCIERGE_RATE_REQUESTS_PER_MINUTE",
	"CONCIERGE_RATE_SAFETY_MARGIN",
	"CONCIERGE_INSTRUCTIONS",
	"CONCIERGE_HISTORY_WINDOW",
	"CONCIERGE_SESSION_IDLE_TIMEOUT",
	"CONCIERGE_WS_PING_INTERVAL",
	"CONCIERGE_WS_WRITE_TIMEOUT",
	"CONCIERGE_MAX_MESSAGE_BYTES",
	"CONCIERGE_READ_HEADER_TIMEOUT",
	"CONCIERGE_SHUTDOWN_GRACE_PERIOD",
	"CONCIERGE_TEARDOWN_TIMEOUT",
}

func clearConciergeEnv(t *testing.T) {
	t.Helper()
	for _, key := range conciergeEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnvDefaults(t *testing.T) {
	clearConciergeEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.RateTier != TierStandard {
		t.Errorf("RateTier = %q, want standard", cfg.RateTier)
	}
	if cfg.EffectiveRequestsPerWindow() != 50 {
		t.Errorf("EffectiveRequestsPerWindow = %d, want 50", cfg.EffectiveRequestsPerWindow())
	}
	if cfg.RateSafetyMargin != 0.9 {
		t.Errorf("RateSafetyMargin = %v, want 0.9", cfg.RateSafetyMargin)
	}
	if cfg.SessionIdleTimeout != 0 {
		t.Errorf("SessionIdleTimeout = %v, want disabled", cfg.SessionIdleTimeout)
	}
	if cfg.HistoryWindow != 20 {
		t.Errorf("HistoryWindow = %d, want 20", cfg.HistoryWindow)
	}
	if cfg.QdrantCollection != "property_knowledge" {
		t.Errorf("QdrantCollection = %q", cfg.QdrantCollection)
	}
}

func TestLoadFromEnvScaleTier(t *testing.T) {
	clearConciergeEnv(t)
	t.Setenv("CONCIERGE_RATE_TIER", "scale")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.EffectiveRequestsPerWindow() != 500 {
		t.Errorf("EffectiveRequestsPerWindow = %d, want 500", cfg.EffectiveRequestsPerWindow())
	}
}

func TestLoadFromEnvExplicitBudgetWinsOverTier(t *testing.T) {
	clearConciergeEnv(t)
	t.Setenv("CONCIERGE_RATE_TIER", "scale")
	t.Setenv("CONCIERGE_RATE_REQUESTS_PER_MINUTE", "42")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.EffectiveRequestsPerWindow() != 42 {
		t.Errorf("EffectiveRequestsPerWindow = %d, want 42", cfg.EffectiveRequestsPerWindow())
	}
}

func TestLoadFromEnvValidation(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad tier", "CONCIERGE_RATE_TIER", "enterprise"},
		{"margin above one", "CONCIERGE_RATE_SAFETY_MARGIN", "1.5"},
		{"zero history", "CONCIERGE_HISTORY_WINDOW", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConciergeEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := LoadFromEnv(); err == nil {
				t.Errorf("LoadFromEnv accepted %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestLoadFromEnvIdleTimeout(t *testing.T) {
	clearConciergeEnv(t)
	t.Setenv("CONCIERGE_SESSION_IDLE_TIMEOUT", "90s")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.SessionIdleTimeout != 90*time.Second {
		t.Errorf("SessionIdleTimeout = %v, want 90s", cfg.SessionIdleTimeout)
	}
}

func TestApplyOverlay(t *testing.T) {
	clearConciergeEnv(t)
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	path := filepath.Join(t.TempDir(), "overlay.yaml")
	overlay := "addr: \":9090\"\nrate_tier: scale\nhistory_window: 8\nsession_idle_timeout: 2m\n"
	if err := os.WriteFile(path, []byte(overlay), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	if err := cfg.ApplyOverlay(path); err != nil {
		t.Fatalf("ApplyOverlay: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Errorf("Addr = %q, want :9090", cfg.Addr)
	}
	if cfg.RateTier != TierScale {
		t.Errorf("RateTier = %q, want scale", cfg.RateTier)
	}
	if cfg.HistoryWindow != 8 {
		t.Errorf("HistoryWindow = %d, want 8", cfg.HistoryWindow)
	}
	if cfg.SessionIdleTimeout != 2*time.Minute {
		t.Errorf("SessionIdleTimeout = %v, want 2m", cfg.SessionIdleTimeout)
	}
	// Keys absent from the overlay keep their env values.
	if cfg.Voice != "alloy" {
		t.Errorf("Voice = %q, want alloy", cfg.Voice)
	}
}

func TestApplyOverlayInvalid(t *testing.T) {
	clearConciergeEnv(t)
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	path := filepath.Join(t.TempDir(), "overlay.yaml")
	if err := os.WriteFile(path, []byte("rate_tier: bogus\n"), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	if err := cfg.ApplyOverlay(path); err == nil {
		t.Error("ApplyOverlay accepted an invalid tier")
	}
}
