package retrieval

import (
	"context"
	"time"
)

// HistoryIndex searches a user's delivered content by vector similarity.
// SQLiteStore is the only implementation; the interface lets callers swap in
// an ANN-backed store once a user's history outgrows a linear scan.
type HistoryIndex interface {
	Search(ctx context.Context, userID string, vector []float32, topK int) ([]Hit, error)
}

// Hit is a delivered content item scored against a query.
type Hit struct {
	ID           string
	URL          string
	Headline     string
	Summary      string
	NewsletterID string
	CreatedAt    time.Time
	Score        float32
}
