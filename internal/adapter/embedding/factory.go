package embedding

import (
	"fmt"

	"pkb/config"
	"pkb/internal/port"
)

// New creates the embedding client selected by the configuration.
func New(cfg config.EmbeddingConfig) (port.EmbeddingClient, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaClient(cfg.BaseURL, cfg.Model, cfg.Dimension, cfg.Timeout), nil
	case "openai":
		return NewOpenAIClient(cfg.BaseURL, cfg.APIKeyEnv, cfg.Model, cfg.Dimension, cfg.Timeout)
	case "mock":
		return NewMockClient(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}
