// Package pipeline assembles one newsletter for one user: expand interests,
// research subtopics, deduplicate, summarize, validate, persist.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/dispatch/internal/dedup"
	"github.com/kalambet/dispatch/internal/expand"
	"github.com/kalambet/dispatch/internal/guard"
	"github.com/kalambet/dispatch/internal/research"
	"github.com/kalambet/dispatch/internal/storage"
	"github.com/kalambet/dispatch/internal/summarize"
)

const recordTimeout = 5 * time.Second

// InterestSource supplies a user's active interests.
type InterestSource interface {
	ListActive(ctx context.Context, userID string) ([]storage.Interest, error)
}

// Expander turns interests into subtopics.
type Expander interface {
	Expand(ctx context.Context, interests []storage.Interest, perInterest int) (expand.Result, error)
}

// Researcher fetches candidates for subtopics.
type Researcher interface {
	Research(ctx context.Context, subtopics []research.Subtopic) (research.Result, error)
}

// Deduplicator filters candidates against the user's history.
type Deduplicator interface {
	Deduplicate(ctx context.Context, userID string, candidates []research.Candidate) (dedup.Output, error)
}

// Summarizer writes newsletter entries.
type Summarizer interface {
	Summarize(ctx context.Context, items []dedup.Accepted) ([]summarize.Summary, []summarize.Drop, error)
}

// Validator is the final gate before persistence.
type Validator interface {
	Validate(interests []storage.Interest, items []guard.Item) (guard.Report, error)
}

// Committer persists a newsletter and its items atomically.
type Committer interface {
	CommitNewsletter(ctx context.Context, userID string, issueDate time.Time, items []storage.NewContent) (storage.Newsletter, error)
}

// RunRecorder stores the record of a finished run.
type RunRecorder interface {
	SaveRun(ctx context.Context, r storage.Run) error
}

// Deps are the collaborators of an Assembler. Runs may be nil.
type Deps struct {
	Interests  InterestSource
	Expander   Expander
	Research   Researcher
	Dedup      Deduplicator
	Summarizer Summarizer
	Guard      Validator
	Store      Committer
	Runs       RunRecorder
	Logger     *slog.Logger
}

// Config holds run-level settings.
type Config struct {
	SubtopicsPerInterest int
	RunTimeout           time.Duration
}

// Result describes a finished run. Newsletter is nil when nothing was
// committed.
type Result struct {
	RunID            string              `json:"run_id"`
	State            State               `json:"state"`
	Newsletter       *storage.Newsletter `json:"-"`
	InterestIDs      []string            `json:"interest_ids"`
	Warnings         []Warning           `json:"warnings"`
	Dropped          int                 `json:"dropped"`
	SkippedSubtopics int                 `json:"skipped_subtopics"`
	Transitions      []State             `json:"transitions"`
}

// Assembler runs the generation pipeline. It is safe for concurrent use;
// runs for the same user are serialized.
type Assembler struct {
	deps   Deps
	cfg    Config
	locks  *Locker
	now    func() time.Time
	logger *slog.Logger
}

// New creates an Assembler.
func New(deps Deps, cfg Config) *Assembler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{deps: deps, cfg: cfg, locks: NewLocker(), now: time.Now, logger: logger}
}

// run carries the mutable state of one Generate call.
type run struct {
	userID  string
	started time.Time
	res     Result
	logger  *slog.Logger
}

func (r *run) to(s State) {
	r.res.State = s
	r.res.Transitions = append(r.res.Transitions, s)
	r.logger.Debug("run state", "state", s)
}

func (r *run) warn(stage State, subject, msg string) {
	r.res.Warnings = append(r.res.Warnings, Warning{Stage: stage, Subject: subject, Message: msg})
}

// Generate produces and commits one newsletter for userID. It returns a
// *PipelineError on any fatal failure, in which case nothing was committed.
// A run that finds nothing new completes without a newsletter and with a
// nothing_new warning.
func (a *Assembler) Generate(ctx context.Context, userID string) (Result, error) {
	if a.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.RunTimeout)
		defer cancel()
	}

	r := &run{
		userID:  userID,
		started: a.now(),
		res:     Result{RunID: uuid.NewString(), Warnings: []Warning{}},
	}
	r.logger = a.logger.With("run_id", r.res.RunID, "user_id", userID)
	r.to(StateStarted)

	unlock, err := a.locks.Lock(ctx, userID)
	if err != nil {
		return a.finish(ctx, r, classify(ctx, StateStarted, err))
	}
	defer unlock()

	return a.finish(ctx, r, a.generate(ctx, r))
}

func (a *Assembler) generate(ctx context.Context, r *run) *PipelineError {
	r.to(StateExpanding)
	interests, err := a.deps.Interests.ListActive(ctx, r.userID)
	if err != nil {
		return classify(ctx, StateExpanding, fmt.Errorf("loading interests: %w", err))
	}
	r.res.InterestIDs = make([]string, len(interests))
	for i, in := range interests {
		r.res.InterestIDs[i] = in.ID
	}
	if len(interests) == 0 {
		r.warn(StateExpanding, WarnNoInterests, "user has no active interests")
		return nil
	}

	expanded, err := a.deps.Expander.Expand(ctx, interests, a.cfg.SubtopicsPerInterest)
	if err != nil {
		return classify(ctx, StateExpanding, err)
	}
	for _, s := range expanded.Skipped {
		r.warn(StateExpanding, s.Interest.Label, s.Reason)
	}
	var subtopics []research.Subtopic
	for _, in := range expanded.Interests {
		for _, text := range expanded.Subtopics[in.ID] {
			subtopics = append(subtopics, research.Subtopic{InterestID: in.ID, Text: text})
		}
	}
	if len(subtopics) == 0 {
		r.warn(StateExpanding, WarnNothingNew, "no interest produced subtopics")
		return nil
	}

	r.to(StateResearching)
	found, err := a.deps.Research.Research(ctx, subtopics)
	if err != nil {
		return classify(ctx, StateResearching, err)
	}
	for _, f := range found.Failures {
		r.warn(StateResearching, f.Subtopic.Text, f.Err.Error())
	}
	r.res.SkippedSubtopics = len(found.Failures)
	if len(found.Candidates) == 0 {
		r.warn(StateResearching, WarnNothingNew, "research returned no candidates")
		return nil
	}

	r.to(StateDeduplicating)
	deduped, err := a.deps.Dedup.Deduplicate(ctx, r.userID, found.Candidates)
	if err != nil {
		return classify(ctx, StateDeduplicating, err)
	}
	for _, rej := range deduped.Rejected {
		if rej.Reason == dedup.ReasonEmbedFailed {
			r.res.Dropped++
			r.warn(StateDeduplicating, rej.Candidate.URL, fmt.Sprintf("embedding failed: %v", rej.Err))
		}
	}
	r.logger.Info("deduplicated candidates", "candidates", len(found.Candidates), "accepted", len(deduped.Items))
	if len(deduped.Items) == 0 {
		r.warn(StateDeduplicating, WarnNothingNew, "every candidate was already delivered")
		return nil
	}

	r.to(StateSummarizing)
	summaries, drops, err := a.deps.Summarizer.Summarize(ctx, deduped.Items)
	if err != nil {
		return classify(ctx, StateSummarizing, err)
	}
	for _, d := range drops {
		r.res.Dropped++
		r.warn(StateSummarizing, d.Item.URL, fmt.Sprintf("summary dropped: %v", d.Err))
	}
	if len(summaries) == 0 {
		r.warn(StateSummarizing, WarnNothingNew, "no item could be summarized")
		return nil
	}

	r.to(StateValidating)
	items := make([]guard.Item, len(summaries))
	for i, s := range summaries {
		items[i] = guard.Item{
			InterestID: s.Item.InterestID,
			SourceURL:  s.Item.NormalizedURL,
			Headline:   s.Headline,
			Body:       s.Body,
		}
	}
	report, err := a.deps.Guard.Validate(expanded.Interests, items)
	if err != nil {
		return classify(ctx, StateValidating, err)
	}
	if report.DroppedCount > 0 {
		r.res.Dropped += report.DroppedCount
		r.warn(StateValidating, "", fmt.Sprintf("%d items trimmed to fit newsletter limits", report.DroppedCount))
	}
	summaries = summaries[:len(report.Items)]

	r.to(StatePersisting)
	if err := ctx.Err(); err != nil {
		return classify(ctx, StatePersisting, err)
	}
	contents := make([]storage.NewContent, len(summaries))
	for i, s := range summaries {
		contents[i] = storage.NewContent{
			URL:        s.Item.NormalizedURL,
			Headline:   s.Headline,
			Summary:    s.Body,
			Embedding:  s.Item.Embedding,
			InterestID: s.Item.InterestID,
			Subtopic:   s.Item.SourceSubtopic,
		}
	}
	issueDate := r.started.UTC().Truncate(24 * time.Hour)
	nl, err := a.deps.Store.CommitNewsletter(ctx, r.userID, issueDate, contents)
	if err != nil {
		return classify(ctx, StatePersisting, err)
	}
	r.res.Newsletter = &nl
	return nil
}

// finish moves the run to its terminal state and records it.
func (a *Assembler) finish(ctx context.Context, r *run, perr *PipelineError) (Result, error) {
	if perr != nil {
		r.to(StateFailed)
		r.logger.Warn("newsletter run failed", "stage", perr.Stage, "kind", perr.Kind, "error", perr.Cause)
	} else {
		r.to(StateCompleted)
		items := 0
		if r.res.Newsletter != nil {
			items = r.res.Newsletter.ItemCount
		}
		r.logger.Info("newsletter run completed", "items", items, "dropped", r.res.Dropped, "warnings", len(r.res.Warnings))
	}
	a.record(ctx, r, perr)

	if perr != nil {
		return r.res, perr
	}
	return r.res, nil
}

// record saves the run. It runs even if ctx is done, and failures are only
// logged.
func (a *Assembler) record(ctx context.Context, r *run, perr *PipelineError) {
	if a.deps.Runs == nil {
		return
	}
	rec := storage.Run{
		ID:               r.res.RunID,
		UserID:           r.userID,
		State:            string(r.res.State),
		InterestIDs:      r.res.InterestIDs,
		DroppedCount:     r.res.Dropped,
		SkippedSubtopics: r.res.SkippedSubtopics,
		StartedAt:        r.started,
		FinishedAt:       a.now(),
	}
	if perr != nil {
		rec.FailureReason = string(perr.Kind)
	}
	if r.res.Newsletter != nil {
		rec.NewsletterID = r.res.Newsletter.ID
	}
	for _, w := range r.res.Warnings {
		rec.Warnings = append(rec.Warnings, storage.RunWarning{Stage: string(w.Stage), Subject: w.Subject, Message: w.Message})
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := a.deps.Runs.SaveRun(saveCtx, rec); err != nil {
		r.logger.Warn("failed to record run", "error", err)
	}
}
