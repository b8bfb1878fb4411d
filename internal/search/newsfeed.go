package search

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mmcdole/gofeed"
)

const googleNewsURL = "https://news.google.com/rss/search"

// NewsFeed searches Google News through its RSS endpoint.
type NewsFeed struct {
	client  *http.Client
	baseURL string
}

// NewNewsFeed creates a NewsFeed provider.
func NewNewsFeed(client *http.Client) *NewsFeed {
	return &NewsFeed{client: client, baseURL: googleNewsURL}
}

func (n *NewsFeed) Name() string { return "newsfeed" }

func (n *NewsFeed) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	q := url.Values{"q": {query}, "hl": {"en-US"}, "gl": {"US"}, "ceid": {"US:en"}}
	body, err := fetch(ctx, n.client, "newsfeed search", n.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	// gofeed parsers keep decoding state, so each search gets its own.
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("newsfeed search: parsing feed: %w", err)
	}

	var out []Result
	for _, item := range feed.Items {
		link := item.Link
		if link == "" {
			link = item.GUID
		}
		r := Result{URL: link, Title: item.Title, Snippet: item.Description}
		if item.PublishedParsed != nil {
			r.PublishedAt = item.PublishedParsed.UTC()
		}
		out = keep(out, r, limit)
	}
	return out, nil
}
