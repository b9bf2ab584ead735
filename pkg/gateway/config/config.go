// Package config loads gateway configuration from CONCIERGE_* environment
// variables, with an optional YAML overlay file on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateTier selects the provider quota budget the limiter is sized for.
type RateTier string

const (
	TierStandard RateTier = "standard"
	TierScale    RateTier = "scale"
)

type Config struct {
	Addr string

	// Provider credentials and model routing.
	OpenAIAPIKey    string
	RealtimeModel   string
	CompletionModel string
	EmbeddingModel  string
	Voice           string

	// Telnyx call control.
	TelnyxAPIKey     string
	TelnyxFromNumber string
	// MediaURLBase is the externally reachable websocket base for call media.
	MediaURLBase string

	// Supabase persistence.
	SupabaseURL    string
	SupabaseAPIKey string

	// Qdrant knowledge base.
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// Redis cache. Empty address disables caching.
	RedisAddr     string
	RedisPassword string
	CacheTTL      time.Duration

	// Provider rate budget.
	RateTier          RateTier
	RequestsPerWindow int
	RateSafetyMargin  float64

	// Session behavior.
	Instructions  string
	HistoryWindow int
	// SessionIdleTimeout ends idle socket sessions. Zero disables it.
	SessionIdleTimeout time.Duration

	// Socket tuning.
	WSPingInterval  time.Duration
	WSWriteTimeout  time.Duration
	MaxMessageBytes int64

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
	TeardownTimeout     time.Duration
}

const (
	tierStandardRequests = 50
	tierScaleRequests    = 500
)

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("CONCIERGE_ADDR", ":8080"),
		OpenAIAPIKey:        strings.TrimSpace(os.Getenv("CONCIERGE_OPENAI_API_KEY")),
		RealtimeModel:       envOr("CONCIERGE_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		CompletionModel:     envOr("CONCIERGE_COMPLETION_MODEL", "gpt-4o-mini"),
		EmbeddingModel:      envOr("CONCIERGE_EMBEDDING_MODEL", "text-embedding-3-small"),
		Voice:               envOr("CONCIERGE_VOICE", "alloy"),
		TelnyxAPIKey:        strings.TrimSpace(os.Getenv("CONCIERGE_TELNYX_API_KEY")),
		TelnyxFromNumber:    strings.TrimSpace(os.Getenv("CONCIERGE_TELNYX_FROM_NUMBER")),
		MediaURLBase:        envOr("CONCIERGE_MEDIA_URL_BASE", ""),
		SupabaseURL:         strings.TrimSpace(os.Getenv("CONCIERGE_SUPABASE_URL")),
		SupabaseAPIKey:      strings.TrimSpace(os.Getenv("CONCIERGE_SUPABASE_API_KEY")),
		QdrantURL:           strings.TrimSpace(os.Getenv("CONCIERGE_QDRANT_URL")),
		QdrantAPIKey:        strings.TrimSpace(os.Getenv("CONCIERGE_QDRANT_API_KEY")),
		QdrantCollection:    envOr("CONCIERGE_QDRANT_COLLECTION", "property_knowledge"),
		RedisAddr:           envOr("CONCIERGE_REDIS_ADDR", ""),
		RedisPassword:       strings.TrimSpace(os.Getenv("CONCIERGE_REDIS_PASSWORD")),
		CacheTTL:            envDurationOr("CONCIERGE_CACHE_TTL", 5*time.Minute),
		RateTier:            RateTier(envOr("CONCIERGE_RATE_TIER", string(TierStandard))),
		RequestsPerWindow:   envIntOr("CONCIERGE_RATE_REQUESTS_PER_MINUTE", 0),
		RateSafetyMargin:    envFloat64Or("CONCIERGE_RATE_SAFETY_MARGIN", 0.9),
		Instructions:        envOr("CONCIERGE_INSTRUCTIONS", defaultInstructions),
		HistoryWindow:       envIntOr("CONCIERGE_HISTORY_WINDOW", 20),
		SessionIdleTimeout:  envDurationOr("CONCIERGE_SESSION_IDLE_TIMEOUT", 0),
		WSPingInterval:      envDurationOr("CONCIERGE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:      envDurationOr("CONCIERGE_WS_WRITE_TIMEOUT", 5*time.Second),
		MaxMessageBytes:     envInt64Or("CONCIERGE_MAX_MESSAGE_BYTES", 256*1024),
		ReadHeaderTimeout:   envDurationOr("CONCIERGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("CONCIERGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		TeardownTimeout:     envDurationOr("CONCIERGE_TEARDOWN_TIMEOUT", 5*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

const defaultInstructions = "You are a friendly property concierge. Answer questions about the " +
	"property and the surrounding area briefly and accurately. When you do not know, say so " +
	"and offer to pass the question to the host."

// ApplyOverlay merges a YAML overlay file over the loaded configuration.
// Only keys present in the file are applied.
func (c *Config) ApplyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config overlay: %w", err)
	}

	var overlay struct {
		Addr               *string  `yaml:"addr"`
		RealtimeModel      *string  `yaml:"realtime_model"`
		CompletionModel    *string  `yaml:"completion_model"`
		EmbeddingModel     *string  `yaml:"embedding_model"`
		Voice              *string  `yaml:"voice"`
		MediaURLBase       *string  `yaml:"media_url_base"`
		QdrantCollection   *string  `yaml:"qdrant_collection"`
		RateTier           *string  `yaml:"rate_tier"`
		RequestsPerWindow  *int     `yaml:"rate_requests_per_minute"`
		RateSafetyMargin   *float64 `yaml:"rate_safety_margin"`
		Instructions       *string  `yaml:"instructions"`
		HistoryWindow      *int     `yaml:"history_window"`
		SessionIdleTimeout *string  `yaml:"session_idle_timeout"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse config overlay: %w", err)
	}

	if overlay.Addr != nil {
		c.Addr = *overlay.Addr
	}
	if overlay.RealtimeModel != nil {
		c.RealtimeModel = *overlay.RealtimeModel
	}
	if overlay.CompletionModel != nil {
		c.CompletionModel = *overlay.CompletionModel
	}
	if overlay.EmbeddingModel != nil {
		c.EmbeddingModel = *overlay.EmbeddingModel
	}
	if overlay.Voice != nil {
		c.Voice = *overlay.Voice
	}
	if overlay.MediaURLBase != nil {
		c.MediaURLBase = *overlay.MediaURLBase
	}
	if overlay.QdrantCollection != nil {
		c.QdrantCollection = *overlay.QdrantCollection
	}
	if overlay.RateTier != nil {
		c.RateTier = RateTier(*overlay.RateTier)
	}
	if overlay.RequestsPerWindow != nil {
		c.RequestsPerWindow = *overlay.RequestsPerWindow
	}
	if overlay.RateSafetyMargin != nil {
		c.RateSafetyMargin = *overlay.RateSafetyMargin
	}
	if overlay.Instructions != nil {
		c.Instructions = *overlay.Instructions
	}
	if overlay.HistoryWindow != nil {
		c.HistoryWindow = *overlay.HistoryWindow
	}
	if overlay.SessionIdleTimeout != nil {
		d, err := time.ParseDuration(*overlay.SessionIdleTimeout)
		if err != nil {
			return fmt.Errorf("invalid session_idle_timeout in overlay: %w", err)
		}
		c.SessionIdleTimeout = d
	}

	return c.Validate()
}

// Validate checks cross-field constraints. LoadFromEnv and ApplyOverlay both
// call it; check-config calls it directly.
func (c *Config) Validate() error {
	switch c.RateTier {
	case TierStandard, TierScale:
	default:
		return fmt.Errorf("CONCIERGE_RATE_TIER must be one of standard|scale")
	}
	if c.RequestsPerWindow < 0 {
		return fmt.Errorf("CONCIERGE_RATE_REQUESTS_PER_MINUTE must be >= 0")
	}
	if c.RateSafetyMargin <= 0 || c.RateSafetyMargin > 1 {
		return fmt.Errorf("CONCIERGE_RATE_SAFETY_MARGIN must be in (0, 1]")
	}
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("CONCIERGE_HISTORY_WINDOW must be > 0")
	}
	if c.SessionIdleTimeout < 0 {
		return fmt.Errorf("CONCIERGE_SESSION_IDLE_TIMEOUT must be >= 0")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("CONCIERGE_MAX_MESSAGE_BYTES must be > 0")
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("CONCIERGE_WS_PING_INTERVAL must be > 0")
	}
	if c.WSWriteTimeout <= 0 {
		return fmt.Errorf("CONCIERGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if c.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("CONCIERGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("CONCIERGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if c.TeardownTimeout <= 0 {
		return fmt.Errorf("CONCIERGE_TEARDOWN_TIMEOUT must be > 0")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CONCIERGE_CACHE_TTL must be > 0")
	}
	return nil
}

// EffectiveRequestsPerWindow resolves the per-minute provider request budget:
// the explicit override when set, otherwise the tier default.
func (c *Config) EffectiveRequestsPerWindow() int {
	if c.RequestsPerWindow > 0 {
		return c.RequestsPerWindow
	}
	if c.RateTier == TierScale {
		return tierScaleRequests
	}
	return tierStandardRequests
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
