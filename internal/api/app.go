package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/dispatch/internal/dedup"
	"github.com/kalambet/dispatch/internal/guard"
	"github.com/kalambet/dispatch/internal/interests"
	"github.com/kalambet/dispatch/internal/jobs"
	"github.com/kalambet/dispatch/internal/pipeline"
	"github.com/kalambet/dispatch/internal/retrieval"
	"github.com/kalambet/dispatch/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Generator is the newsletter pipeline entry point.
type Generator interface {
	Generate(ctx context.Context, userID string) (pipeline.Result, error)
}

// InterestManager reads and edits a user's interests.
type InterestManager interface {
	ListActive(ctx context.Context, userID string) ([]storage.Interest, error)
	ListAll(ctx context.Context, userID string) ([]storage.Interest, error)
	Add(ctx context.Context, userID, label string) (storage.Interest, error)
	Deactivate(ctx context.Context, userID, id string) error
}

// InterestExtractor applies interest changes described in free text.
type InterestExtractor interface {
	Apply(ctx context.Context, userID, prompt string) (interests.Applied, error)
}

// HistorySearcher finds a user's delivered items closest to a query.
type HistorySearcher interface {
	Search(ctx context.Context, userID, query string, topK int) ([]retrieval.Hit, error)
}

// DuplicateChecker tells whether a URL or text was already delivered.
type DuplicateChecker interface {
	Check(ctx context.Context, userID, rawURL, text string) (dedup.Verdict, error)
}

// RateLimits are per-user request budgets per minute. Zero disables a limit.
type RateLimits struct {
	PerMinute        int
	ExtractPerMinute int
}

type AppDeps struct {
	Store      *storage.Store
	Interests  InterestManager
	Extractor  InterestExtractor // optional; if nil, /interests/extract is unavailable
	Generator  Generator
	History    HistorySearcher
	Dedup      DuplicateChecker
	Token      string
	UserHeader string
	Limits     RateLimits
	Logger     *slog.Logger
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.UserHeader == "" {
		deps.UserHeader = "X-Dispatch-User"
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(RequireUser(deps.UserHeader))
		r.Use(RateLimit(deps.Limits.PerMinute))

		r.Post("/newsletters", handleGenerate(deps))
		r.Post("/newsletters/jobs", handleEnqueueGenerate(deps))
		r.Get("/newsletters/jobs/{id}", handleGetJob(deps))
		r.Get("/newsletters", handleListNewsletters(deps))
		r.Get("/newsletters/{id}", handleGetNewsletter(deps))

		r.Get("/interests", handleListInterests(deps))
		r.Post("/interests", handleAddInterest(deps))
		r.Delete("/interests/{id}", handleDeleteInterest(deps))
		r.With(RateLimit(deps.Limits.ExtractPerMinute)).Post("/interests/extract", handleExtractInterests(deps))

		r.Get("/content/search", handleSearchContent(deps))
		r.Post("/content/check", handleCheckDuplicate(deps))
		r.Get("/runs", handleListRuns(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// --- wire types ---

type contentItemJSON struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Headline   string    `json:"headline"`
	Summary    string    `json:"summary"`
	InterestID string    `json:"interest_id"`
	Subtopic   string    `json:"subtopic"`
	CreatedAt  time.Time `json:"created_at"`
}

type newsletterJSON struct {
	ID        string            `json:"id"`
	IssueDate string            `json:"issue_date"`
	CreatedAt time.Time         `json:"created_at"`
	ItemCount int               `json:"item_count"`
	Items     []contentItemJSON `json:"items,omitempty"`
}

func toNewsletterJSON(n storage.Newsletter) newsletterJSON {
	out := newsletterJSON{
		ID:        n.ID,
		IssueDate: n.IssueDate.Format(time.DateOnly),
		CreatedAt: n.CreatedAt,
		ItemCount: n.ItemCount,
	}
	if len(n.Items) > 0 {
		out.ItemCount = len(n.Items)
		out.Items = make([]contentItemJSON, len(n.Items))
		for i, it := range n.Items {
			out.Items[i] = contentItemJSON{
				ID:         it.ID,
				URL:        it.URL,
				Headline:   it.Headline,
				Summary:    it.Summary,
				InterestID: it.InterestID,
				Subtopic:   it.Subtopic,
				CreatedAt:  it.CreatedAt,
			}
		}
	}
	return out
}

type generateResponse struct {
	RunID            string             `json:"run_id"`
	State            string             `json:"state"`
	Newsletter       *newsletterJSON    `json:"newsletter"`
	Dropped          int                `json:"dropped"`
	SkippedSubtopics int                `json:"skipped_subtopics"`
	Warnings         []pipeline.Warning `json:"warnings"`
}

type interestJSON struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func toInterestJSON(in storage.Interest) interestJSON {
	return interestJSON{ID: in.ID, Label: in.Label, Active: in.Active, CreatedAt: in.CreatedAt}
}

// --- newsletters ---

func handleGenerate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Generator.Generate(r.Context(), userFrom(r.Context()))
		if err != nil {
			writePipelineError(w, err)
			return
		}

		resp := generateResponse{
			RunID:            res.RunID,
			State:            string(res.State),
			Dropped:          res.Dropped,
			SkippedSubtopics: res.SkippedSubtopics,
			Warnings:         res.Warnings,
		}
		if resp.Warnings == nil {
			resp.Warnings = []pipeline.Warning{}
		}
		code := http.StatusOK
		if res.Newsletter != nil {
			n := toNewsletterJSON(*res.Newsletter)
			resp.Newsletter = &n
			code = http.StatusCreated
		}
		writeJSON(w, code, resp)
	}
}

func handleEnqueueGenerate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := jobs.Enqueue(r.Context(), deps.Store, userFrom(r.Context()))
		if err != nil {
			httpError(w, http.StatusInternalServerError, errInternal, "failed to enqueue job: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id": job.ID,
			"status": storage.JobPending,
		})
	}
}

type jobJSON struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, errInternal, "failed to get job: %v", err)
			return
		}

		// Jobs of other users and other types look exactly like missing ones.
		var p jobs.Payload
		if err != nil || job.Type != jobs.TypeGenerate ||
			json.Unmarshal([]byte(job.PayloadJSON), &p) != nil || p.UserID != userFrom(r.Context()) {
			httpError(w, http.StatusNotFound, errNotFound, "job not found")
			return
		}

		out := jobJSON{
			ID:        job.ID,
			Status:    job.Status,
			Attempts:  job.Attempts,
			LastError: job.LastError,
			CreatedAt: job.CreatedAt,
			UpdatedAt: job.UpdatedAt,
		}
		if job.ResultJSON != "" {
			out.Result = json.RawMessage(job.ResultJSON)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleListNewsletters(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		list, err := deps.Store.ListNewsletters(r.Context(), userFrom(r.Context()), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, errInternal, "failed to list newsletters: %v", err)
			return
		}

		out := make([]newsletterJSON, len(list))
		for i, n := range list {
			out[i] = toNewsletterJSON(n)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetNewsletter(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Store.GetNewsletter(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, errNotFound, "newsletter not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, errInternal, "failed to get newsletter: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toNewsletterJSON(n))
	}
}

// --- interests ---

func handleListInterests(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := deps.Interests.ListActive
		if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
			list = deps.Interests.ListAll
		}

		found, err := list(r.Context(), userFrom(r.Context()))
		if err != nil {
			httpError(w, http.StatusInternalServerError, errInternal, "failed to list interests: %v", err)
			return
		}

		out := make([]interestJSON, len(found))
		for i, in := range found {
			out[i] = toInterestJSON(in)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleAddInterest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Label string `json:"label"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, errBadRequest, "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Label) == "" {
			httpError(w, http.StatusBadRequest, errBadRequest, "label is required")
			return
		}

		in, err := deps.Interests.Add(r.Context(), userFrom(r.Context()), req.Label)
		if errors.Is(err, guard.ErrInvalidPrompt) {
			httpError(w, http.StatusUnprocessableEntity, errValidation, "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, errInternal, "failed to add interest: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, toInterestJSON(in))
	}
}

func handleDeleteInterest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Interests.Deactivate(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, errNotFound, "interest not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, errInternal, "failed to delete interest: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleExtractInterests(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Extractor == nil {
			httpError(w, http.StatusServiceUnavailable, errServiceUnavailable, "interest extraction is not configured")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, errBadRequest, "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			httpError(w, http.StatusBadRequest, errBadRequest, "prompt is required")
			return
		}

		applied, err := deps.Extractor.Apply(r.Context(), userFrom(r.Context()), req.Prompt)
		if errors.Is(err, guard.ErrInvalidPrompt) {
			httpError(w, http.StatusUnprocessableEntity, errValidation, "%v", err)
			return
		}
		if err != nil {
			deps.Logger.Warn("interest extraction failed", "user_id", userFrom(r.Context()), "error", err)
			httpError(w, http.StatusServiceUnavailable, errServiceUnavailable, "interest extraction failed: %v", err)
			return
		}
		if applied.Added == nil {
			applied.Added = []storage.Interest{}
		}
		if applied.Removed == nil {
			applied.Removed = []string{}
		}

		added := make([]interestJSON, len(applied.Added))
		for i, in := range applied.Added {
			added[i] = toInterestJSON(in)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"added":    added,
			"removed":  applied.Removed,
			"rejected": applied.Rejected,
		})
	}
}

// --- history ---

type hitJSON struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Headline     string    `json:"headline"`
	Summary      string    `json:"summary"`
	NewsletterID string    `json:"newsletter_id"`
	CreatedAt    time.Time `json:"created_at"`
	Score        float32   `json:"score"`
}

func handleSearchContent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, errBadRequest, "q is required")
			return
		}
		limit := parseIntParam(r, "limit", 10, 50)
		if limit == 0 {
			limit = 10
		}

		hits, err := deps.History.Search(r.Context(), userFrom(r.Context()), q, limit)
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, errServiceUnavailable, "search failed: %v", err)
			return
		}

		out := make([]hitJSON, len(hits))
		for i, h := range hits {
			out[i] = hitJSON(h)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleCheckDuplicate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			URL  string `json:"url"`
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, errBadRequest, "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.URL) == "" && strings.TrimSpace(req.Text) == "" {
			httpError(w, http.StatusBadRequest, errBadRequest, "url or text is required")
			return
		}

		v, err := deps.Dedup.Check(r.Context(), userFrom(r.Context()), req.URL, req.Text)
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, errServiceUnavailable, "duplicate check failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// --- runs ---

type runJSON struct {
	ID               string               `json:"id"`
	State            string               `json:"state"`
	FailureReason    string               `json:"failure_reason,omitempty"`
	InterestIDs      []string             `json:"interest_ids"`
	Warnings         []storage.RunWarning `json:"warnings"`
	Dropped          int                  `json:"dropped"`
	SkippedSubtopics int                  `json:"skipped_subtopics"`
	NewsletterID     string               `json:"newsletter_id,omitempty"`
	StartedAt        time.Time            `json:"started_at"`
	FinishedAt       time.Time            `json:"finished_at"`
}

func handleListRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		runs, err := deps.Store.ListRuns(r.Context(), userFrom(r.Context()), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, errInternal, "failed to list runs: %v", err)
			return
		}

		out := make([]runJSON, len(runs))
		for i, run := range runs {
			out[i] = runJSON{
				ID:               run.ID,
				State:            run.State,
				FailureReason:    run.FailureReason,
				InterestIDs:      run.InterestIDs,
				Warnings:         run.Warnings,
				Dropped:          run.DroppedCount,
				SkippedSubtopics: run.SkippedSubtopics,
				NewsletterID:     run.NewsletterID,
				StartedAt:        run.StartedAt,
				FinishedAt:       run.FinishedAt,
			}
			if out[i].InterestIDs == nil {
				out[i].InterestIDs = []string{}
			}
			if out[i].Warnings == nil {
				out[i].Warnings = []storage.RunWarning{}
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
