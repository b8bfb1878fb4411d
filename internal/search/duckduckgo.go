package search

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const duckDuckGoURL = "https://html.duckduckgo.com/html/"

// DuckDuckGo scrapes the JavaScript-free HTML results page. It needs no key.
type DuckDuckGo struct {
	client  *http.Client
	baseURL string
}

// NewDuckDuckGo creates a DuckDuckGo provider.
func NewDuckDuckGo(client *http.Client) *DuckDuckGo {
	return &DuckDuckGo{client: client, baseURL: duckDuckGoURL}
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

func (d *DuckDuckGo) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	u := d.baseURL + "?" + url.Values{"q": {query}}.Encode()
	body, err := fetch(ctx, d.client, "duckduckgo search", u, nil)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("duckduckgo search: parsing results: %w", err)
	}

	var out []Result
	doc.Find("div.result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.HasClass("result--ad") {
			return true
		}
		link := s.Find("a.result__a").First()
		href, _ := link.Attr("href")
		out = keep(out, Result{
			URL:     resolveDuckDuckGoLink(href),
			Title:   link.Text(),
			Snippet: s.Find(".result__snippet").First().Text(),
		}, limit)
		return len(out) < limit
	})
	return out, nil
}

// resolveDuckDuckGoLink unwraps the /l/?uddg= redirect DuckDuckGo puts on
// result links. Only absolute http(s) targets are returned.
func resolveDuckDuckGoLink(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" && strings.HasSuffix(u.Path, "/l/") {
		if t, err := url.Parse(target); err == nil {
			u = t
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
