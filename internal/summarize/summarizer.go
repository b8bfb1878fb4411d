// Package summarize writes one validated newsletter entry per accepted
// candidate.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/dispatch/internal/dedup"
	"github.com/kalambet/dispatch/internal/llm"
	"github.com/kalambet/dispatch/internal/provider"
)

const (
	defaultParallelism    = 4
	defaultMaxInputTokens = 600
	defaultMaxBodyChars   = 800
	charsPerToken         = 4
)

// Config bounds summarization.
type Config struct {
	Model          string
	Parallelism    int
	MaxInputTokens int
	MaxBodyChars   int
}

// Summary is a validated entry together with the candidate it came from.
type Summary struct {
	Item     dedup.Accepted
	Headline string
	Body     string
}

// Drop records an item that could not be summarized.
type Drop struct {
	Item dedup.Accepted
	Err  error
}

type reply struct {
	Headline  string `json:"headline"`
	Body      string `json:"body"`
	SourceURL string `json:"source_url"`
}

func (r *reply) Validate() error {
	switch {
	case strings.TrimSpace(r.Headline) == "":
		return errors.New("headline is empty")
	case strings.TrimSpace(r.Body) == "":
		return errors.New("body is empty")
	case strings.TrimSpace(r.SourceURL) == "":
		return errors.New("source_url is empty")
	}
	return nil
}

// Summarizer calls the model once per item.
type Summarizer struct {
	client *llm.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a Summarizer.
func New(client *llm.Client, cfg Config, logger *slog.Logger) *Summarizer {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	if cfg.MaxInputTokens <= 0 {
		cfg.MaxInputTokens = defaultMaxInputTokens
	}
	if cfg.MaxBodyChars <= 0 {
		cfg.MaxBodyChars = defaultMaxBodyChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{client: client, cfg: cfg, logger: logger}
}

// Summarize produces entries for items, preserving input order. Items whose
// reply stays invalid after the corrective retry, or whose provider call keeps
// failing, are returned as drops. A quota error or cancellation aborts the
// whole call.
func (s *Summarizer) Summarize(ctx context.Context, items []dedup.Accepted) ([]Summary, []Drop, error) {
	if len(items) == 0 {
		return nil, nil, nil
	}
	results := make([]*Summary, len(items))
	failures := make([]error, len(items))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for i, it := range items {
		g.Go(func() error {
			sum, err := s.one(gCtx, it)
			if err != nil {
				if provider.IsQuota(err) {
					return err
				}
				if gCtx.Err() != nil {
					return gCtx.Err()
				}
				failures[i] = err
				return nil
			}
			results[i] = &sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var out []Summary
	var drops []Drop
	for i, it := range items {
		if failures[i] != nil {
			s.logger.Warn("dropping item after summarization failure", "url", it.URL, "error", failures[i])
			drops = append(drops, Drop{Item: it, Err: failures[i]})
			continue
		}
		out = append(out, *results[i])
	}
	return out, drops, nil
}

func (s *Summarizer) one(ctx context.Context, it dedup.Accepted) (Summary, error) {
	title, snippet := s.fitInput(it.Title, it.Snippet)

	r, err := llm.Call(ctx, s.client, llm.Request{
		Model:      s.cfg.Model,
		Messages:   BuildPrompt(it.SourceSubtopic, it.URL, title, snippet),
		Schema:     replySchema(),
		Correction: correction,
	}, sourceMatches(it.URL))
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Item:     it,
		Headline: strings.TrimSpace(r.Headline),
		Body:     truncateRunes(strings.TrimSpace(r.Body), s.cfg.MaxBodyChars),
	}, nil
}

// fitInput truncates title and snippet so the prompt stays within the input
// token budget. The title keeps at most a quarter of the budget.
func (s *Summarizer) fitInput(title, snippet string) (string, string) {
	budget := max(s.cfg.MaxInputTokens-promptOverhead, 32) * charsPerToken
	title = truncateRunes(strings.TrimSpace(title), budget/4)
	rest := budget - len([]rune(title))
	return title, truncateRunes(strings.TrimSpace(snippet), rest)
}

func sourceMatches(url string) func(reply) error {
	return func(r reply) error {
		if strings.TrimSpace(r.SourceURL) != url {
			return fmt.Errorf("source_url %q does not match the given URL %q", r.SourceURL, url)
		}
		return nil
	}
}
