// Package dedup filters research candidates against what a user has already
// received: first by normalized URL, then by embedding similarity.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/dispatch/internal/provider"
	"github.com/kalambet/dispatch/internal/research"
	"github.com/kalambet/dispatch/internal/retrieval"
	"github.com/kalambet/dispatch/internal/storage"
)

// Rejection reasons.
const (
	ReasonInvalidURL  = "invalid_url"
	ReasonSeenURL     = "seen_url"
	ReasonRunURL      = "duplicate_in_run"
	ReasonSimilar     = "similar_content"
	ReasonEmbedFailed = "embed_failed"
	ReasonOverCap     = "over_cap"
)

const (
	defaultThreshold    = 0.90
	defaultRecentWindow = 200
	defaultMaxItems     = 10
)

// History is the read side of the user's delivered content.
type History interface {
	ListRecentContent(ctx context.Context, userID string, limit int) ([]storage.ContentItem, error)
	URLExists(ctx context.Context, userID, url string) (bool, error)
}

// Embedder computes the vector for a candidate's text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds the deduplication parameters. Threshold is the cosine
// similarity at or above which two items are the same story.
type Config struct {
	Threshold    float32
	RecentWindow int
	MaxItems     int
}

// Accepted is a candidate that survived both filters.
type Accepted struct {
	research.Candidate
	NormalizedURL string
	Embedding     []float32
}

// Rejection records why a candidate was filtered out. Score and MatchURL are
// set for similarity rejections.
type Rejection struct {
	Candidate research.Candidate
	Reason    string
	Score     float32
	MatchURL  string
	Err       error
}

// Output is the result of one Deduplicate call, both slices in run order.
type Output struct {
	Items    []Accepted
	Rejected []Rejection
}

// Deduplicator applies the URL and similarity filters for one user at a time.
// Its configuration is fixed at construction.
type Deduplicator struct {
	history  History
	embedder Embedder
	cfg      Config
	logger   *slog.Logger
}

// New creates a Deduplicator. Zero config fields take defaults.
func New(history History, embedder Embedder, cfg Config, logger *slog.Logger) *Deduplicator {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = defaultRecentWindow
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = defaultMaxItems
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{history: history, embedder: embedder, cfg: cfg, logger: logger}
}

// Threshold returns the similarity threshold in use.
func (d *Deduplicator) Threshold() float32 { return d.cfg.Threshold }

// Deduplicate filters candidates, which must already be in run order. A
// candidate is dropped if its normalized URL was delivered before or appeared
// earlier in the run, or if its embedding is at least Threshold-similar to one
// of the user's RecentWindow latest items or to a candidate accepted earlier
// in this call. The output holds at most MaxItems items.
//
// An embedding failure drops only that candidate, except quota errors and
// cancellation, which abort the call.
func (d *Deduplicator) Deduplicate(ctx context.Context, userID string, candidates []research.Candidate) (Output, error) {
	var out Output
	reject := func(c research.Candidate, reason string) {
		out.Rejected = append(out.Rejected, Rejection{Candidate: c, Reason: reason})
	}

	type urlSurvivor struct {
		c    research.Candidate
		norm string
	}
	var survivors []urlSurvivor
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		norm, err := NormalizeURL(c.URL)
		if err != nil {
			reject(c, ReasonInvalidURL)
			continue
		}
		if seen[norm] {
			reject(c, ReasonRunURL)
			continue
		}
		seen[norm] = true
		exists, err := d.history.URLExists(ctx, userID, norm)
		if err != nil {
			return Output{}, fmt.Errorf("checking url history: %w", err)
		}
		if exists {
			reject(c, ReasonSeenURL)
			continue
		}
		survivors = append(survivors, urlSurvivor{c: c, norm: norm})
	}
	if len(survivors) == 0 {
		return out, nil
	}

	index, urls, err := d.recentIndex(ctx, userID)
	if err != nil {
		return Output{}, err
	}

	for _, s := range survivors {
		if len(out.Items) >= d.cfg.MaxItems {
			reject(s.c, ReasonOverCap)
			continue
		}
		vec, err := d.embedder.Embed(ctx, EmbeddingText(s.c.Title, s.c.Snippet, s.c.URL))
		if err != nil {
			if ctx.Err() != nil {
				return Output{}, ctx.Err()
			}
			if provider.IsQuota(err) {
				return Output{}, fmt.Errorf("embedding candidate %s: %w", s.c.URL, err)
			}
			d.logger.Warn("dropping candidate after embedding failure", "user_id", userID, "url", s.c.URL, "error", err)
			out.Rejected = append(out.Rejected, Rejection{Candidate: s.c, Reason: ReasonEmbedFailed, Err: err})
			continue
		}

		if score, at := index.Max(vec); at >= 0 && score >= d.cfg.Threshold {
			d.logger.Debug("similar content rejected", "user_id", userID, "url", s.c.URL, "match", urls[at], "score", score)
			out.Rejected = append(out.Rejected, Rejection{Candidate: s.c, Reason: ReasonSimilar, Score: score, MatchURL: urls[at]})
			continue
		}

		index.Add(vec)
		urls = append(urls, s.norm)
		out.Items = append(out.Items, Accepted{Candidate: s.c, NormalizedURL: s.norm, Embedding: vec})
	}
	return out, nil
}

// recentIndex loads the user's latest items into a similarity index. The
// returned slice maps index positions to item URLs.
func (d *Deduplicator) recentIndex(ctx context.Context, userID string) (*retrieval.Index, []string, error) {
	recent, err := d.history.ListRecentContent(ctx, userID, d.cfg.RecentWindow)
	if err != nil {
		return nil, nil, fmt.Errorf("loading recent content: %w", err)
	}
	index := &retrieval.Index{}
	urls := make([]string, 0, len(recent))
	for _, it := range recent {
		if len(it.Embedding) == 0 {
			continue
		}
		index.Add(it.Embedding)
		urls = append(urls, it.URL)
	}
	return index, urls, nil
}

// Verdict is the outcome of Check.
type Verdict struct {
	Duplicate bool    `json:"duplicate"`
	Reason    string  `json:"reason,omitempty"`
	Score     float32 `json:"score"`
	MatchURL  string  `json:"match_url,omitempty"`
}

// Check reports whether content with the given url and text would be
// rejected against the user's history. Either argument may be empty, but not
// both.
func (d *Deduplicator) Check(ctx context.Context, userID, rawURL, text string) (Verdict, error) {
	rawURL, text = strings.TrimSpace(rawURL), strings.TrimSpace(text)
	if rawURL == "" && text == "" {
		return Verdict{}, errors.New("url or text required")
	}
	if rawURL != "" {
		norm, err := NormalizeURL(rawURL)
		if err != nil {
			return Verdict{}, err
		}
		exists, err := d.history.URLExists(ctx, userID, norm)
		if err != nil {
			return Verdict{}, fmt.Errorf("checking url history: %w", err)
		}
		if exists {
			return Verdict{Duplicate: true, Reason: ReasonSeenURL, Score: 1, MatchURL: norm}, nil
		}
	}
	if text == "" {
		return Verdict{}, nil
	}

	vec, err := d.embedder.Embed(ctx, text)
	if err != nil {
		return Verdict{}, err
	}
	index, urls, err := d.recentIndex(ctx, userID)
	if err != nil {
		return Verdict{}, err
	}
	score, at := index.Max(vec)
	if at < 0 {
		return Verdict{}, nil
	}
	v := Verdict{Score: score, MatchURL: urls[at]}
	if score >= d.cfg.Threshold {
		v.Duplicate = true
		v.Reason = ReasonSimilar
	}
	return v, nil
}

// EmbeddingText is the text embedded for a candidate: title and snippet on
// separate lines, or the URL when both are blank.
func EmbeddingText(title, snippet, fallback string) string {
	title, snippet = strings.TrimSpace(title), strings.TrimSpace(snippet)
	switch {
	case title != "" && snippet != "":
		return title + "\n" + snippet
	case title != "":
		return title
	case snippet != "":
		return snippet
	}
	return fallback
}
