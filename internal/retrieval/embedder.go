package retrieval

import (
	"context"
	"fmt"

	"github.com/kalambet/dispatch/internal/provider"
)

// Engine is the embedding half of an inference backend.
type Engine interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Embedder turns text into vectors with a fixed model. Every call is bounded
// by the embedder's policy (per-attempt timeout, transient retries).
type Embedder struct {
	engine Engine
	model  string
	policy provider.Policy
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e Engine, model string, policy provider.Policy) *Embedder {
	return &Embedder{engine: e, model: model, policy: policy}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := provider.Retry(ctx, e.policy, func(ctx context.Context) error {
		v, err := e.engine.Embed(ctx, e.model, text)
		if err != nil {
			return err
		}
		if len(v) == 0 {
			return fmt.Errorf("empty embedding")
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}
