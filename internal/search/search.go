// Package search holds the web and news search providers the research stage
// queries for each subtopic.
package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/dispatch/internal/provider"
)

const (
	maxBody      = 4 << 20
	maxErrorBody = 4 << 10
	userAgent    = "dispatch/1.0 (+https://github.com/kalambet/dispatch)"
)

// Provider is one search backend.
type Provider interface {
	// Name identifies the provider in logs, warnings and stored candidates.
	Name() string
	// Search returns at most limit results for query, best first. Results
	// without a URL are never returned.
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// Result is one search hit.
type Result struct {
	URL         string
	Title       string
	Snippet     string
	PublishedAt time.Time // zero when the provider does not report it
	Rank        int       // 1-based position in the provider's result list
}

// Options configures the providers built by New.
type Options struct {
	NewsAPIKey string
	HTTPClient *http.Client
}

// New builds the named providers in order. Unknown names are an error so a
// typo in configuration fails at startup rather than silently searching less.
func New(names []string, opts Options) ([]Provider, error) {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	var out []Provider
	for _, name := range names {
		switch strings.TrimSpace(name) {
		case "duckduckgo":
			out = append(out, NewDuckDuckGo(client))
		case "newsapi":
			if opts.NewsAPIKey == "" {
				return nil, fmt.Errorf("search provider newsapi requires search.newsapi_key")
			}
			out = append(out, NewNewsAPI(client, opts.NewsAPIKey))
		case "newsfeed":
			out = append(out, NewNewsFeed(client))
		case "":
		default:
			return nil, fmt.Errorf("unknown search provider %q", name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no search providers configured")
	}
	return out, nil
}

// fetch performs a GET and returns the body of a 200 response. Other
// statuses and transport failures are mapped to the provider error taxonomy.
func fetch(ctx context.Context, client *http.Client, op, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", op, err)
	}
	req.Header.Set("User-Agent", userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, provider.FromRequestError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, provider.FromStatus(op, resp.StatusCode, string(msg))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, provider.FromRequestError(op, err)
	}
	return body, nil
}

// keep appends r if it has an absolute http(s) URL and the limit is not
// reached yet. Rank is assigned from the kept position.
func keep(out []Result, r Result, limit int) []Result {
	if len(out) >= limit {
		return out
	}
	r.URL = strings.TrimSpace(r.URL)
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return out
	}
	r.Title = CleanText(r.Title)
	r.Snippet = CleanText(r.Snippet)
	r.Rank = len(out) + 1
	return append(out, r)
}
