package providers

import (
	"fmt"

	"github.com/nikolajve/faultline/internal/config"
)

// NewFromConfig creates a Provider based on the AIConfig settings
func NewFromConfig(cfg config.AIConfig) (Provider, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("AI is not enabled")
	}

	switch cfg.Provider {
	case config.AIProviderOllama:
		return NewOllamaClient(cfg.Model, cfg.BaseURL, cfg.Timeout), nil

	case config.AIProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key is required")
		}
		return NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Timeout), nil

	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}
