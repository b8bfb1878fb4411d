package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/kalambet/dispatch/internal/dedup"
	"github.com/kalambet/dispatch/internal/provider"
	"github.com/kalambet/dispatch/internal/storage"
	"github.com/kalambet/dispatch/internal/summarize"
)

func TestGenerate_ExcludesURLAlreadyInHistory(t *testing.T) {
	h := newHarness(t)
	h.history(t, "https://a.example/post", axis(0))
	h.expand("rust async runtimes")
	h.search.results["rust async runtimes"] = hits("https://a.example/post", "https://b.example/post", "https://c.example/post")

	res, err := h.assembler().Generate(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	want := []string{"https://b.example/post", "https://c.example/post"}
	if got := newsletterURLs(res.Newsletter); !reflect.DeepEqual(got, want) {
		t.Errorf("newsletter = %v, want %v", got, want)
	}
	if res.State != StateCompleted {
		t.Errorf("state = %s", res.State)
	}
	wantStates := []State{StateStarted, StateExpanding, StateResearching, StateDeduplicating,
		StateSummarizing, StateValidating, StatePersisting, StateCompleted}
	if !reflect.DeepEqual(res.Transitions, wantStates) {
		t.Errorf("transitions = %v", res.Transitions)
	}

	stored, err := h.store.GetNewsletter(context.Background(), "u1", res.Newsletter.ID)
	if err != nil {
		t.Fatalf("GetNewsletter: %v", err)
	}
	if got := newsletterURLs(&stored); !reflect.DeepEqual(got, want) {
		t.Errorf("stored = %v", got)
	}
	if stored.Items[0].Headline != "About https://b.example/post" || stored.Items[0].Subtopic != "rust async runtimes" {
		t.Errorf("stored item = %+v", stored.Items[0])
	}
}

func TestGenerate_SimilarContentRejected(t *testing.T) {
	h := newHarness(t)
	h.history(t, "https://h.example/story", axis(0))
	h.expand("rust async runtimes")
	h.search.results["rust async runtimes"] = hits("https://d.example/new", "https://e.example/other")

	d := make([]float32, embedDim)
	d[0], d[embedDim-1] = 0.97, float32(math.Sqrt(1-0.97*0.97))
	h.embedder.pinned[dedup.EmbeddingText("title https://d.example/new", "snippet https://d.example/new", "")] = d

	res, err := h.assembler().Generate(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := newsletterURLs(res.Newsletter); !reflect.DeepEqual(got, []string{"https://e.example/other"}) {
		t.Errorf("newsletter = %v, want only E", got)
	}
}

func TestGenerate_RerunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.expand("rust async runtimes")
	h.search.results["rust async runtimes"] = hits("https://b.example/1", "https://c.example/2")
	a := h.assembler()
	ctx := context.Background()

	first, err := a.Generate(ctx, "u1")
	if err != nil || first.Newsletter == nil {
		t.Fatalf("first run: %v, %+v", err, first)
	}

	second, err := a.Generate(ctx, "u1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Newsletter != nil {
		t.Errorf("second run committed %v", newsletterURLs(second.Newsletter))
	}
	if second.State != StateCompleted || !hasWarning(second, WarnNothingNew) {
		t.Errorf("second run = %+v", second)
	}
	recent, _ := h.store.ListRecentContent(ctx, "u1", 100)
	if len(recent) != 2 {
		t.Errorf("stored items = %d, want 2", len(recent))
	}
}

func TestGenerate_PartialResearchFailure(t *testing.T) {
	h := newHarness(t)
	subs := []string{"s1", "s2", "s3", "s4", "s5"}
	h.expand(subs...)
	timeout := &provider.TransientError{Op: "search", Err: context.DeadlineExceeded}
	for i, s := range subs {
		if i == 1 || i == 3 {
			h.search.fail[s] = timeout
			continue
		}
		h.search.results[s] = hits(fmt.Sprintf("https://%s.example/a", s))
	}

	res, err := h.assembler().Generate(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.SkippedSubtopics != 2 {
		t.Errorf("skipped = %d, want 2", res.SkippedSubtopics)
	}
	var researchWarnings []Warning
	for _, w := range res.Warnings {
		if w.Stage == StateResearching {
			researchWarnings = append(researchWarnings, w)
		}
	}
	if len(researchWarnings) != 2 || researchWarnings[0].Subject != "s2" || researchWarnings[1].Subject != "s4" {
		t.Errorf("research warnings = %+v", researchWarnings)
	}
	want := []string{"https://s1.example/a", "https://s3.example/a", "https://s5.example/a"}
	if got := newsletterURLs(res.Newsletter); !reflect.DeepEqual(got, want) {
		t.Errorf("newsletter = %v, want %v", got, want)
	}
}

func TestGenerate_AllResearchFails(t *testing.T) {
	h := newHarness(t)
	h.expand("s1", "s2")
	h.search.fail["s1"] = &provider.TransientError{Op: "search", Status: 503, Err: errors.New("down")}
	h.search.fail["s2"] = &provider.TransientError{Op: "search", Status: 503, Err: errors.New("down")}
	ctx := context.Background()

	res, err := h.assembler().Generate(ctx, "u1")
	pe, ok := AsPipelineError(err)
	if !ok || pe.Kind != KindAllSourcesFailed || pe.Stage != StateResearching {
		t.Fatalf("err = %v, want all_sources_failed", err)
	}
	if res.State != StateFailed || res.Newsletter != nil {
		t.Errorf("result = %+v", res)
	}
	if nls, _ := h.store.ListNewsletters(ctx, "u1", 10); len(nls) != 0 {
		t.Errorf("newsletters = %d, want 0", len(nls))
	}

	runs, err := h.store.ListRuns(ctx, "u1", 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %v, %v", runs, err)
	}
	if runs[0].State != string(StateFailed) || runs[0].FailureReason != string(KindAllSourcesFailed) {
		t.Errorf("run = %+v", runs[0])
	}
	if !reflect.DeepEqual(runs[0].InterestIDs, []string{h.interest.ID}) {
		t.Errorf("interest snapshot = %v", runs[0].InterestIDs)
	}
}

func TestGenerate_ResearchQuotaFailsRun(t *testing.T) {
	h := newHarness(t)
	h.expand("s1", "s2", "s3")
	h.search.results["s1"] = hits("https://a.example/1")
	h.search.results["s3"] = hits("https://a.example/3")
	h.search.fail["s2"] = &provider.QuotaError{Op: "search", Status: 429, Err: errors.New("monthly limit")}
	ctx := context.Background()

	res, err := h.assembler().Generate(ctx, "u1")
	pe, ok := AsPipelineError(err)
	if !ok || pe.Kind != KindQuota || pe.Stage != StateResearching {
		t.Fatalf("err = %v, want quota_exceeded while researching", err)
	}
	if res.Newsletter != nil || res.SkippedSubtopics != 0 {
		t.Errorf("result = %+v", res)
	}
	if nls, _ := h.store.ListNewsletters(ctx, "u1", 10); len(nls) != 0 {
		t.Errorf("newsletters = %d, want 0", len(nls))
	}
}

func TestGenerate_ExpansionFailure(t *testing.T) {
	h := newHarness(t)
	h.model.expansion = "I think you would enjoy Tokio."

	_, err := h.assembler().Generate(context.Background(), "u1")
	pe, ok := AsPipelineError(err)
	if !ok || pe.Kind != KindExpansion || pe.Stage != StateExpanding {
		t.Errorf("err = %v, want expansion_failed", err)
	}
}

func TestGenerate_NoInterests(t *testing.T) {
	h := newHarness(t)
	if err := h.manager.Deactivate(context.Background(), "u1", h.interest.ID); err != nil {
		t.Fatal(err)
	}
	res, err := h.assembler().Generate(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Newsletter != nil || !hasWarning(res, WarnNoInterests) || h.model.calls != 0 {
		t.Errorf("result = %+v, model calls = %d", res, h.model.calls)
	}
}

func TestGenerate_SummaryQuotaFailsRun(t *testing.T) {
	h := newHarness(t)
	h.expand("s1")
	h.search.results["s1"] = hits("https://a.example/1")
	h.model.summary = func(string) (string, error) {
		return "", &provider.QuotaError{Op: "chat", Status: 402, Err: errors.New("no credits")}
	}

	_, err := h.assembler().Generate(context.Background(), "u1")
	if pe, ok := AsPipelineError(err); !ok || pe.Kind != KindQuota || pe.Stage != StateSummarizing {
		t.Errorf("err = %v, want quota_exceeded", err)
	}
	if !provider.IsQuota(err) {
		t.Error("cause should stay reachable through Unwrap")
	}
}

func TestGenerate_DroppedSummaryIsWarning(t *testing.T) {
	h := newHarness(t)
	h.expand("s1")
	h.search.results["s1"] = hits("https://a.example/1", "https://a.example/2")
	h.model.summary = func(url string) (string, error) {
		if url == "https://a.example/1" {
			return `{"headline":"","body":"","source_url":""}`, nil
		}
		return fmt.Sprintf(`{"headline":"h","body":"b","source_url":%q}`, url), nil
	}

	res, err := h.assembler().Generate(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := newsletterURLs(res.Newsletter); !reflect.DeepEqual(got, []string{"https://a.example/2"}) {
		t.Errorf("newsletter = %v", got)
	}
	if res.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", res.Dropped)
	}
}

func TestGenerate_CapsNewsletterSize(t *testing.T) {
	h := newHarness(t)
	h.dedupCfg.MaxItems = 3
	h.limits.MaxItems = 2
	h.expand("s1")
	h.search.results["s1"] = hits("https://a.example/1", "https://a.example/2", "https://a.example/3", "https://a.example/4")

	res, err := h.assembler().Generate(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Newsletter == nil || len(res.Newsletter.Items) != 2 {
		t.Fatalf("newsletter = %v, want 2 items", newsletterURLs(res.Newsletter))
	}
	if res.Dropped != 1 {
		t.Errorf("dropped = %d, want 1 (guard trim)", res.Dropped)
	}
}

type failingCommitter struct{}

func (failingCommitter) CommitNewsletter(context.Context, string, time.Time, []storage.NewContent) (storage.Newsletter, error) {
	return storage.Newsletter{}, fmt.Errorf("inserting https://a.example/1: %w", storage.ErrDuplicateURL)
}

func TestGenerate_PersistenceFailure(t *testing.T) {
	h := newHarness(t)
	h.expand("s1")
	h.search.results["s1"] = hits("https://a.example/1")
	h.deps.Store = failingCommitter{}

	_, err := h.assembler().Generate(context.Background(), "u1")
	pe, ok := AsPipelineError(err)
	if !ok || pe.Kind != KindPersistence || !errors.Is(err, storage.ErrDuplicateURL) {
		t.Errorf("err = %v, want persistence_failed", err)
	}
}

// cancellingSummarizer cancels the run while summarizing.
type cancellingSummarizer struct {
	cancel context.CancelFunc
}

func (c cancellingSummarizer) Summarize(ctx context.Context, items []dedup.Accepted) ([]summarize.Summary, []summarize.Drop, error) {
	c.cancel()
	out := make([]summarize.Summary, len(items))
	for i, it := range items {
		out[i] = summarize.Summary{Item: it, Headline: "h", Body: "b"}
	}
	return out, nil, nil
}

func TestGenerate_CancelledBeforePersistWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.expand("s1")
	h.search.results["s1"] = hits("https://a.example/1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.deps.Summarizer = cancellingSummarizer{cancel: cancel}

	_, err := h.assembler().Generate(ctx, "u1")
	if pe, ok := AsPipelineError(err); !ok || pe.Kind != KindCancelled {
		t.Errorf("err = %v, want cancelled", err)
	}
	if n, _ := h.store.ListNewsletters(context.Background(), "u1", 10); len(n) != 0 {
		t.Errorf("newsletters = %d, want 0", len(n))
	}
	runs, _ := h.store.ListRuns(context.Background(), "u1", 10)
	if len(runs) != 1 || runs[0].FailureReason != string(KindCancelled) {
		t.Errorf("run record = %+v", runs)
	}
}

func TestGenerate_RecordsRun(t *testing.T) {
	h := newHarness(t)
	h.expand("s1")
	h.search.results["s1"] = hits("https://a.example/1")

	res, err := h.assembler().Generate(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	runs, err := h.store.ListRuns(context.Background(), "u1", 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %v, %v", runs, err)
	}
	if runs[0].ID != res.RunID || runs[0].NewsletterID != res.Newsletter.ID || runs[0].State != string(StateCompleted) {
		t.Errorf("run = %+v", runs[0])
	}
}

func hasWarning(r Result, subject string) bool {
	for _, w := range r.Warnings {
		if w.Subject == subject {
			return true
		}
	}
	return false
}
