// Package jobs runs newsletter generation in the background from the SQLite
// job queue.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/dispatch/internal/pipeline"
	"github.com/kalambet/dispatch/internal/storage"
)

// TypeGenerate is the job type for one newsletter generation.
const TypeGenerate = "generate_newsletter"

// Store abstracts the job queue operations.
type Store interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id, resultJSON string) error
	FailJob(ctx context.Context, id, errMsg string, permanent bool) error
}

// Generator is the pipeline entry point.
type Generator interface {
	Generate(ctx context.Context, userID string) (pipeline.Result, error)
}

// Payload is the JSON body of a generate_newsletter job.
type Payload struct {
	UserID string `json:"user_id"`
}

// Outcome summarizes a finished run. It is stored as the job result and
// returned by the API.
type Outcome struct {
	RunID            string             `json:"run_id"`
	State            string             `json:"state"`
	NewsletterID     string             `json:"newsletter_id,omitempty"`
	ItemCount        int                `json:"item_count"`
	Dropped          int                `json:"dropped"`
	SkippedSubtopics int                `json:"skipped_subtopics"`
	Warnings         []pipeline.Warning `json:"warnings"`
}

// OutcomeFrom builds an Outcome from a pipeline result.
func OutcomeFrom(res pipeline.Result) Outcome {
	o := Outcome{
		RunID:            res.RunID,
		State:            string(res.State),
		Dropped:          res.Dropped,
		SkippedSubtopics: res.SkippedSubtopics,
		Warnings:         res.Warnings,
	}
	if o.Warnings == nil {
		o.Warnings = []pipeline.Warning{}
	}
	if res.Newsletter != nil {
		o.NewsletterID = res.Newsletter.ID
		o.ItemCount = len(res.Newsletter.Items)
	}
	return o
}

// Enqueue adds a generation job for userID.
func Enqueue(ctx context.Context, store Store, userID string) (storage.Job, error) {
	if strings.TrimSpace(userID) == "" {
		return storage.Job{}, errors.New("user id is required")
	}
	payload, err := json.Marshal(Payload{UserID: userID})
	if err != nil {
		return storage.Job{}, err
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        TypeGenerate,
		PayloadJSON: string(payload),
		Status:      storage.JobPending,
	}
	if err := store.EnqueueJob(ctx, job); err != nil {
		return storage.Job{}, err
	}
	return job, nil
}

// Worker processes generate_newsletter jobs.
type Worker struct {
	store  Store
	gen    Generator
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 2s.
func NewWorker(store Store, gen Generator, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: store, gen: gen, poll: pollInterval, logger: logger}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{TypeGenerate})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	result, err := w.process(ctx, job)
	if err != nil {
		permanent := isPermanent(err)
		w.logger.Warn("job failed", "job_id", job.ID, "permanent", permanent, "error", err)
		// Record the failure even when ctx is done so the job is not left running.
		failCtx := context.WithoutCancel(ctx)
		if failErr := w.store.FailJob(failCtx, job.ID, err.Error(), permanent); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID, result); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type payloadError struct{ err error }

func (e payloadError) Error() string { return "invalid payload: " + e.err.Error() }
func (e payloadError) Unwrap() error { return e.err }

func (w *Worker) process(ctx context.Context, job *storage.Job) (string, error) {
	var p Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return "", payloadError{err}
	}
	if p.UserID == "" {
		return "", payloadError{errors.New("missing user_id")}
	}

	res, err := w.gen.Generate(ctx, p.UserID)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(OutcomeFrom(res))
	if err != nil {
		return "", fmt.Errorf("encoding outcome: %w", err)
	}
	w.logger.Info("generation job completed", "job_id", job.ID, "user_id", p.UserID, "run_id", res.RunID)
	return string(out), nil
}

// isPermanent reports whether retrying the job cannot help.
func isPermanent(err error) bool {
	var pe payloadError
	if errors.As(err, &pe) {
		return true
	}
	if perr, ok := pipeline.AsPipelineError(err); ok {
		switch perr.Kind {
		case pipeline.KindQuota, pipeline.KindGuardrail:
			return true
		}
	}
	return false
}
