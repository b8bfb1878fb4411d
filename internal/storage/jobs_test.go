package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

const genJob = "generate_newsletter"

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j1", Type: genJob, PayloadJSON: `{"user_id":"u1"}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{genJob})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j1" || got.PayloadJSON != `{"user_id":"u1"}` {
		t.Errorf("job = %+v", got)
	}
	if got.Status != JobRunning {
		t.Errorf("Status = %q, want %q", got.Status, JobRunning)
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob(context.Background(), []string{genJob})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.EnqueueJob(ctx, Job{ID: "j-future", Type: genJob, PayloadJSON: `{}`, RunAfter: time.Now().Add(time.Hour)})

	got, err := s.ClaimNextJob(ctx, []string{genJob})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilterAndSkipsRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.EnqueueJob(ctx, Job{ID: "j-other", Type: "other", PayloadJSON: `{}`})
	s.EnqueueJob(ctx, Job{ID: "j-first", Type: genJob, PayloadJSON: `{}`})
	if _, err := s.ClaimNextJob(ctx, []string{genJob}); err != nil {
		t.Fatalf("ClaimNextJob first: %v", err)
	}
	s.EnqueueJob(ctx, Job{ID: "j-second", Type: genJob, PayloadJSON: `{}`})

	got, err := s.ClaimNextJob(ctx, []string{genJob})
	if err != nil {
		t.Fatalf("ClaimNextJob second: %v", err)
	}
	if got == nil || got.ID != "j-second" {
		t.Errorf("got = %+v, want j-second", got)
	}
}

func TestCompleteJob_StoresResult(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.EnqueueJob(ctx, Job{ID: "j1", Type: genJob, PayloadJSON: `{}`})
	s.ClaimNextJob(ctx, []string{genJob})
	if err := s.CompleteJob(ctx, "j1", `{"newsletter_id":"n1"}`); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != JobCompleted || got.ResultJSON != `{"newsletter_id":"n1"}` {
		t.Errorf("job = %+v", got)
	}
	if err := s.CompleteJob(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestFailJob_RetriesWithBackoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.EnqueueJob(ctx, Job{ID: "j1", Type: genJob, PayloadJSON: `{}`})
	s.ClaimNextJob(ctx, []string{genJob})

	before := time.Now()
	if err := s.FailJob(ctx, "j1", "research unavailable", false); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	got, _ := s.GetJob(ctx, "j1")
	if got.Status != JobPending || got.Attempts != 1 || got.LastError != "research unavailable" {
		t.Errorf("job = %+v", got)
	}
	if !got.RunAfter.After(before) {
		t.Errorf("run_after %v should be after %v", got.RunAfter, before)
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.EnqueueJob(ctx, Job{ID: "j1", Type: genJob, PayloadJSON: `{}`, MaxAttempts: 1})
	s.ClaimNextJob(ctx, []string{genJob})
	if err := s.FailJob(ctx, "j1", "fatal", false); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	got, _ := s.GetJob(ctx, "j1")
	if got.Status != JobFailed {
		t.Errorf("Status = %q, want %q", got.Status, JobFailed)
	}
}

func TestFailJob_Permanent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.EnqueueJob(ctx, Job{ID: "j1", Type: genJob, PayloadJSON: `{}`})
	s.ClaimNextJob(ctx, []string{genJob})
	if err := s.FailJob(ctx, "j1", "quota exceeded", true); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	got, _ := s.GetJob(ctx, "j1")
	if got.Status != JobFailed || got.Attempts != 1 {
		t.Errorf("job = %+v, want failed after one attempt", got)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetJob(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
