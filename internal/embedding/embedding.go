// Package embedding provides the text-to-vector capability used by dense
// retrieval and ingestion.
package embedding

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/config"
)

// Embedder matches retrieval.Embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// New builds the configured embedder. The Gemini client holds a connection
// and must be closed by the caller through the returned func.
func New(ctx context.Context, cfg config.EmbeddingConfig) (Embedder, func() error, error) {
	switch cfg.Provider {
	case "", "hashing":
		return NewHashing(cfg.Dimensions), func() error { return nil }, nil
	case "gemini":
		g, err := NewGemini(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
