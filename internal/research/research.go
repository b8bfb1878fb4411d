// Package research fans subtopic queries out to the configured search
// providers and collects candidate items.
package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kalambet/dispatch/internal/provider"
	"github.com/kalambet/dispatch/internal/search"
)

// ErrAllSourcesFailed is returned when every subtopic of a run failed on
// every provider.
var ErrAllSourcesFailed = errors.New("research unavailable: all sources failed")

// Subtopic is one search query derived from an interest.
type Subtopic struct {
	InterestID string
	Text       string
}

// Candidate is a search hit attributed to the subtopic that found it.
type Candidate struct {
	URL            string
	Title          string
	Snippet        string
	PublishedAt    time.Time
	SourceSubtopic string
	InterestID     string
	Provider       string
	Rank           int
}

// SubtopicFailure records a subtopic for which no provider answered.
type SubtopicFailure struct {
	Subtopic Subtopic
	Err      error
}

// Result is the research outcome. Candidates are ordered by subtopic
// position, then provider order, then provider rank.
type Result struct {
	Candidates []Candidate
	Failures   []SubtopicFailure
}

// Config bounds the research stage.
type Config struct {
	Parallelism       int
	PerSubtopicLimit  int
	RequestsPerSecond float64
	Policy            provider.Policy
}

// Client queries search providers for subtopics.
type Client struct {
	providers []search.Provider
	cfg       Config
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// New creates a Client. Providers are queried in the given order.
func New(providers []search.Provider, cfg Config, logger *slog.Logger) *Client {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.PerSubtopicLimit <= 0 {
		cfg.PerSubtopicLimit = 5
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		providers: providers,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger,
	}
}

// Research queries every provider for every subtopic with bounded
// parallelism. A subtopic fails only if all providers fail for it; it is
// then reported in Result.Failures and contributes nothing. If every
// subtopic fails the error is ErrAllSourcesFailed. A quota error from any
// provider cancels the remaining searches and is returned as is.
func (c *Client) Research(ctx context.Context, subtopics []Subtopic) (Result, error) {
	if len(subtopics) == 0 {
		return Result{}, nil
	}

	perSubtopic := make([][]Candidate, len(subtopics))
	failures := make([]error, len(subtopics))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallelism)
	for i, st := range subtopics {
		g.Go(func() error {
			perSubtopic[i], failures[i] = c.searchSubtopic(gCtx, st)
			if provider.IsQuota(failures[i]) {
				return failures[i]
			}
			return nil
		})
	}
	quotaErr := g.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if quotaErr != nil {
		return Result{}, fmt.Errorf("researching subtopics: %w", quotaErr)
	}

	var res Result
	for i, st := range subtopics {
		if failures[i] != nil {
			res.Failures = append(res.Failures, SubtopicFailure{Subtopic: st, Err: failures[i]})
			continue
		}
		res.Candidates = append(res.Candidates, perSubtopic[i]...)
	}
	if len(res.Failures) == len(subtopics) {
		return res, fmt.Errorf("%w: %d subtopics", ErrAllSourcesFailed, len(subtopics))
	}
	return res, nil
}

// searchSubtopic queries providers in order and concatenates their results,
// capped at the per-subtopic limit. It returns an error when no provider
// answered or when any provider is out of quota.
func (c *Client) searchSubtopic(ctx context.Context, st Subtopic) ([]Candidate, error) {
	limit := c.cfg.PerSubtopicLimit
	var out []Candidate
	var errs []error
	answered := false

	for _, p := range c.providers {
		if len(out) >= limit {
			break
		}
		results, err := c.query(ctx, p, st.Text, limit)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if provider.IsQuota(err) {
				return nil, fmt.Errorf("%s: %w", p.Name(), err)
			}
			c.logger.Warn("search provider failed", "provider", p.Name(), "subtopic", st.Text, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		answered = true

		for _, r := range results {
			if len(out) >= limit {
				break
			}
			if strings.TrimSpace(r.URL) == "" {
				continue
			}
			out = append(out, Candidate{
				URL:            r.URL,
				Title:          r.Title,
				Snippet:        r.Snippet,
				PublishedAt:    r.PublishedAt,
				SourceSubtopic: st.Text,
				InterestID:     st.InterestID,
				Provider:       p.Name(),
				Rank:           r.Rank,
			})
		}
	}

	if !answered {
		if len(errs) == 0 {
			return nil, errors.New("no search providers configured")
		}
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// query runs one provider search under the rate limiter and retry policy.
func (c *Client) query(ctx context.Context, p search.Provider, q string, limit int) ([]search.Result, error) {
	var results []search.Result
	err := provider.Retry(ctx, c.cfg.Policy, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		r, err := p.Search(ctx, q, limit)
		if err != nil {
			return err
		}
		results = r
		return nil
	})
	return results, err
}
