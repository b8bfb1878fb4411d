package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/dispatch/internal/dedup"
	"github.com/kalambet/dispatch/internal/engine"
	"github.com/kalambet/dispatch/internal/expand"
	"github.com/kalambet/dispatch/internal/guard"
	"github.com/kalambet/dispatch/internal/interests"
	"github.com/kalambet/dispatch/internal/llm"
	"github.com/kalambet/dispatch/internal/provider"
	"github.com/kalambet/dispatch/internal/research"
	"github.com/kalambet/dispatch/internal/search"
	"github.com/kalambet/dispatch/internal/storage"
	"github.com/kalambet/dispatch/internal/summarize"
)

// fakeModel answers expansion prompts with a fixed reply and summary prompts
// with a valid summary for the URL in the prompt.
type fakeModel struct {
	mu        sync.Mutex
	expansion string
	summary   func(url string) (string, error)
	calls     int
}

func (m *fakeModel) Chat(_ context.Context, _ string, messages []engine.Message, _ *engine.Schema) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	user := messages[1].Content
	if strings.HasPrefix(user, "{") {
		return m.expansion, nil
	}
	url := ""
	for _, line := range strings.Split(user, "\n") {
		if u, ok := strings.CutPrefix(line, "URL: "); ok {
			url = u
		}
	}
	if m.summary != nil {
		return m.summary(url)
	}
	return fmt.Sprintf(`{"headline":"About %s","body":"A summary.","source_url":%q}`, url, url), nil
}

// expansionFor builds an expansion reply giving one interest the subtopics.
func expansionFor(interestID string, subtopics ...string) string {
	quoted := make([]string, len(subtopics))
	for i, s := range subtopics {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf(`{"interests":[{"interest_id":%q,"subtopics":[%s]}]}`, interestID, strings.Join(quoted, ","))
}

// fakeSearch returns results per query; queries in fail always error.
type fakeSearch struct {
	results map[string][]search.Result
	fail    map[string]error
}

func (f *fakeSearch) Name() string { return "fake" }

func (f *fakeSearch) Search(_ context.Context, query string, _ int) ([]search.Result, error) {
	if err := f.fail[query]; err != nil {
		return nil, err
	}
	return f.results[query], nil
}

func hits(urls ...string) []search.Result {
	out := make([]search.Result, len(urls))
	for i, u := range urls {
		out[i] = search.Result{URL: u, Title: "title " + u, Snippet: "snippet " + u, Rank: i + 1}
	}
	return out
}

// fakeEmbedder gives every distinct text its own axis unless a vector is
// pinned for it.
type fakeEmbedder struct {
	mu     sync.Mutex
	pinned map[string][]float32
	axes   map[string]int
}

const embedDim = 64

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.pinned[text]; ok {
		return v, nil
	}
	if e.axes == nil {
		e.axes = make(map[string]int)
	}
	axis, ok := e.axes[text]
	if !ok {
		axis = len(e.axes) + 1
		e.axes[text] = axis
	}
	v := make([]float32, embedDim)
	v[axis%embedDim] = 1
	return v, nil
}

type harness struct {
	store    *storage.Store
	model    *fakeModel
	search   *fakeSearch
	embedder *fakeEmbedder
	manager  *interests.Manager
	interest storage.Interest
	deps     Deps
	cfg      Config
	dedupCfg dedup.Config
	limits   guard.Limits
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness wires real pipeline stages to fake model, search and embedding
// backends. The user u1 follows "rust async".
func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := &harness{
		store:    s,
		model:    &fakeModel{},
		search:   &fakeSearch{results: map[string][]search.Result{}, fail: map[string]error{}},
		embedder: &fakeEmbedder{pinned: map[string][]float32{}},
		manager:  interests.NewManager(s),
		cfg:      Config{SubtopicsPerInterest: 5, RunTimeout: 10 * time.Second},
		dedupCfg: dedup.Config{Threshold: 0.9, MaxItems: 10},
		limits:   guard.Limits{MaxItems: 10, MaxTotalTokens: 10000},
	}
	h.interest, err = h.manager.Add(context.Background(), "u1", "rust async")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return h
}

// expand sets the expansion reply for the harness interest.
func (h *harness) expand(subtopics ...string) {
	h.model.expansion = expansionFor(h.interest.ID, subtopics...)
}

func (h *harness) assembler() *Assembler {
	policy := provider.Policy{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	client := llm.New(h.model, policy)
	logger := quietLogger()
	deps := Deps{
		Interests:  h.manager,
		Expander:   expand.New(client, expand.Config{Model: "llama3.2"}, nil, logger),
		Research:   research.New([]search.Provider{h.search}, research.Config{Parallelism: 2, PerSubtopicLimit: 5, Policy: policy}, logger),
		Dedup:      dedup.New(h.store, h.embedder, h.dedupCfg, logger),
		Summarizer: summarize.New(client, summarize.Config{Model: "llama3.2", Parallelism: 2}, logger),
		Guard:      guard.NewValidator(nil, h.limits),
		Store:      h.store,
		Runs:       h.store,
		Logger:     logger,
	}
	if h.deps.Store != nil {
		deps.Store = h.deps.Store
	}
	if h.deps.Summarizer != nil {
		deps.Summarizer = h.deps.Summarizer
	}
	return New(deps, h.cfg)
}

// history commits an item for u1 directly.
func (h *harness) history(t *testing.T, url string, vec []float32) {
	t.Helper()
	_, err := h.store.CommitNewsletter(context.Background(), "u1", time.Now(), []storage.NewContent{
		{URL: url, Headline: "old", Summary: "old", Embedding: vec},
	})
	if err != nil {
		t.Fatalf("seeding history: %v", err)
	}
}

func axis(i int) []float32 {
	v := make([]float32, embedDim)
	v[i] = 1
	return v
}

func newsletterURLs(nl *storage.Newsletter) []string {
	if nl == nil {
		return nil
	}
	out := make([]string, len(nl.Items))
	for i, it := range nl.Items {
		out[i] = it.URL
	}
	return out
}
