// Package config manages Faultline configuration.
//
// Configuration comes from environment variables, with an optional .env file
// loaded for deployment overrides. All thresholds and windows are carried in an
// explicit Config value handed to the pipeline constructors, so tests can vary
// them per case without touching process-wide state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// AI provider constants
const (
	AIProviderOllama = "ollama"
	AIProviderOpenAI = "openai"
)

// AIConfig holds the inference backend configuration used for classification
// and merge-combine calls.
type AIConfig struct {
	Enabled  bool          // master switch for classification
	Provider string        // "ollama" or "openai"
	Model    string        // model name, e.g. "mistral:latest"
	APIKey   string        // credential; classification is skipped when empty on providers that need one
	BaseURL  string        // backend URL, default per provider
	Timeout  time.Duration // bounded wait per external call
}

// CredentialConfigured reports whether the provider has the credential it
// needs. Ollama is local and keyless; everything else wants an API key.
func (a AIConfig) CredentialConfigured() bool {
	if a.Provider == AIProviderOllama {
		return true
	}
	return a.APIKey != ""
}

// Config holds all application configuration.
type Config struct {
	// Master switch: when off, report() stores nothing and the schedulers idle.
	Enabled bool

	// Server settings
	ListenAddr  string
	MetricsAddr string // empty disables the metrics endpoint
	DataPath    string
	DBPath      string

	// Classification backend
	AI AIConfig

	// Aggregation settings
	OccurrenceWindow   time.Duration // lookback for counting unlinked structured records
	PromotionThreshold int           // occurrences within the window required to create an issue
	AggregateInterval  time.Duration // how often the aggregation pass runs

	// Resolution settings
	StalenessWindow time.Duration // fingerprint inactivity lookback for the sweep
	QuietWindow     time.Duration // minimum time since an issue's last update before solving
	ResolveInterval time.Duration // how often the resolution sweep runs

	// Notifications
	SlackWebhookURL string

	// Logging settings
	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment, with defaults matching the
// original deployment. A .env file in the data directory or the current
// directory is loaded first if present.
func Load() (*Config, error) {
	dataDir := "/var/lib/faultline"
	if dir := os.Getenv("FAULTLINE_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}

	// Also try loading from current directory for development
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		Enabled:     true,
		ListenAddr:  ":7600",
		MetricsAddr: "",
		DataPath:    dataDir,
		DBPath:      filepath.Join(dataDir, "faultline.db"),
		AI: AIConfig{
			Enabled:  true,
			Provider: AIProviderOllama,
			Model:    "mistral:latest",
			BaseURL:  "",
			Timeout:  300 * time.Second,
		},
		OccurrenceWindow:   5 * time.Minute,
		PromotionThreshold: 5,
		AggregateInterval:  time.Minute,
		StalenessWindow:    5000 * time.Minute,
		QuietWindow:        30 * time.Minute,
		ResolveInterval:    10 * time.Minute,
		LogLevel:           "info",
		LogFormat:          "auto",
	}

	cfg.Enabled = envBool("FAULTLINE_ENABLED", cfg.Enabled)

	if addr := os.Getenv("FAULTLINE_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if addr := os.Getenv("FAULTLINE_METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}
	if path := os.Getenv("FAULTLINE_DB_PATH"); path != "" {
		cfg.DBPath = path
	}

	cfg.AI.Enabled = envBool("FAULTLINE_AI_ENABLED", cfg.AI.Enabled)
	if provider := os.Getenv("FAULTLINE_AI_PROVIDER"); provider != "" {
		switch provider {
		case AIProviderOllama, AIProviderOpenAI:
			cfg.AI.Provider = provider
		default:
			return nil, fmt.Errorf("unknown AI provider %q", provider)
		}
	}
	if model := os.Getenv("FAULTLINE_AI_MODEL"); model != "" {
		cfg.AI.Model = model
	}
	cfg.AI.APIKey = os.Getenv("FAULTLINE_AI_API_KEY")
	if url := os.Getenv("FAULTLINE_AI_URL"); url != "" {
		cfg.AI.BaseURL = url
	}
	cfg.AI.Timeout = envDuration("FAULTLINE_AI_TIMEOUT", cfg.AI.Timeout)

	cfg.OccurrenceWindow = envDuration("FAULTLINE_OCCURRENCE_WINDOW", cfg.OccurrenceWindow)
	cfg.PromotionThreshold = envInt("FAULTLINE_PROMOTION_THRESHOLD", cfg.PromotionThreshold)
	cfg.AggregateInterval = envDuration("FAULTLINE_AGGREGATE_INTERVAL", cfg.AggregateInterval)
	cfg.StalenessWindow = envDuration("FAULTLINE_STALENESS_WINDOW", cfg.StalenessWindow)
	cfg.QuietWindow = envDuration("FAULTLINE_QUIET_WINDOW", cfg.QuietWindow)
	cfg.ResolveInterval = envDuration("FAULTLINE_RESOLVE_INTERVAL", cfg.ResolveInterval)

	cfg.SlackWebhookURL = os.Getenv("FAULTLINE_SLACK_WEBHOOK_URL")

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the windows and threshold are usable.
func (c *Config) Validate() error {
	if c.PromotionThreshold < 1 {
		return fmt.Errorf("promotion threshold must be at least 1, got %d", c.PromotionThreshold)
	}
	if c.OccurrenceWindow <= 0 {
		return fmt.Errorf("occurrence window must be positive, got %s", c.OccurrenceWindow)
	}
	if c.StalenessWindow <= 0 {
		return fmt.Errorf("staleness window must be positive, got %s", c.StalenessWindow)
	}
	if c.QuietWindow <= 0 {
		return fmt.Errorf("quiet window must be positive, got %s", c.QuietWindow)
	}
	return nil
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid boolean in environment, using default")
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return value
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		// Bare numbers are read as minutes, matching the original config keys
		if minutes, convErr := strconv.Atoi(strings.TrimSpace(raw)); convErr == nil {
			return time.Duration(minutes) * time.Minute
		}
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return value
}
