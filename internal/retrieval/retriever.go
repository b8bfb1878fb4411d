package retrieval

import (
	"context"
	"strings"
)

// Retriever embeds a free-text query and searches a user's history with it.
type Retriever struct {
	embedder *Embedder
	index    HistoryIndex
}

// NewRetriever creates a Retriever backed by the given Embedder and index.
func NewRetriever(embedder *Embedder, index HistoryIndex) *Retriever {
	return &Retriever{embedder: embedder, index: index}
}

// Search returns up to topK of the user's delivered items closest to query.
func (r *Retriever) Search(ctx context.Context, userID, query string, topK int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.index.Search(ctx, userID, vec, topK)
}
