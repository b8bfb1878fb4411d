package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kalambet/dispatch/internal/provider"
)

const newsAPIURL = "https://newsapi.org/v2/everything"

// NewsAPI queries the newsapi.org "everything" endpoint.
type NewsAPI struct {
	client  *http.Client
	apiKey  string
	baseURL string
}

// NewNewsAPI creates a NewsAPI provider.
func NewNewsAPI(client *http.Client, apiKey string) *NewsAPI {
	return &NewsAPI{client: client, apiKey: apiKey, baseURL: newsAPIURL}
}

func (n *NewsAPI) Name() string { return "newsapi" }

type newsAPIResponse struct {
	Status   string `json:"status"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Articles []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		PublishedAt string `json:"publishedAt"`
	} `json:"articles"`
}

func (n *NewsAPI) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	q := url.Values{
		"q":        {query},
		"pageSize": {strconv.Itoa(min(max(limit, 1), 100))},
		"sortBy":   {"publishedAt"},
		"language": {"en"},
	}
	body, err := fetch(ctx, n.client, "newsapi search", n.baseURL+"?"+q.Encode(),
		http.Header{"X-Api-Key": {n.apiKey}})
	if err != nil {
		return nil, err
	}

	var resp newsAPIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("newsapi search: decoding response: %w", err)
	}
	if resp.Status != "ok" {
		return nil, newsAPIError(resp.Code, resp.Message)
	}

	var out []Result
	for _, a := range resp.Articles {
		r := Result{URL: a.URL, Title: a.Title, Snippet: a.Description}
		if t, err := time.Parse(time.RFC3339, a.PublishedAt); err == nil {
			r.PublishedAt = t
		}
		out = keep(out, r, limit)
	}
	return out, nil
}

// newsAPIError maps NewsAPI's in-body error codes onto the provider taxonomy.
func newsAPIError(code, msg string) error {
	err := fmt.Errorf("%s: %s", code, msg)
	switch code {
	case "rateLimited":
		return &provider.TransientError{Op: "newsapi search", Status: http.StatusTooManyRequests, Err: err}
	case "apiKeyExhausted", "maximumResultsReached":
		return &provider.QuotaError{Op: "newsapi search", Status: http.StatusTooManyRequests, Err: err}
	case "unexpectedError":
		return &provider.TransientError{Op: "newsapi search", Status: http.StatusInternalServerError, Err: err}
	}
	return fmt.Errorf("newsapi search: %w", err)
}
