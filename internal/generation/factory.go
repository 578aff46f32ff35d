package generation

import (
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/config"
)

// New builds the configured generator. An anthropic provider without an API
// key falls back to the extractive generator so local runs work offline.
func New(cfg config.GenerationConfig) (Generator, error) {
	switch cfg.Provider {
	case "anthropic":
		if cfg.APIKey == "" {
			slog.Warn("no anthropic API key configured, using extractive generator")
			return NewExtractive(), nil
		}
		return NewAnthropic(AnthropicConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temp,
		})
	case "", "extractive":
		return NewExtractive(), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}
