package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func fastPolicy(retries int) Policy {
	return Policy{MaxRetries: retries, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &TransientError{Op: "search", Status: 503, Err: errors.New("unavailable")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_GivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(2), func(ctx context.Context) error {
		calls++
		return &TransientError{Op: "search", Err: errors.New("reset")}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (1 attempt + 2 retries)", calls)
	}
	if !IsTransient(err) {
		t.Errorf("final error should still wrap the transient cause: %v", err)
	}
}

func TestRetry_QuotaNotRetried(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return &QuotaError{Op: "llm", Status: 402, Err: errors.New("no credits")}
	})
	if !IsQuota(err) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_PerAttemptTimeoutIsTransient(t *testing.T) {
	calls := 0
	p := fastPolicy(1)
	p.Timeout = 10 * time.Millisecond
	err := Retry(context.Background(), p, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if !IsTransient(err) {
		t.Fatalf("expected transient timeout, got %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetry_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, fastPolicy(3), func(ctx context.Context) error {
		return &TransientError{Op: "x", Err: errors.New("boom")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDelay_Exponential(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestFromStatus(t *testing.T) {
	if err := FromStatus("op", http.StatusOK, ""); err != nil {
		t.Errorf("2xx should be nil, got %v", err)
	}
	if !IsTransient(FromStatus("op", http.StatusBadGateway, "")) {
		t.Error("502 should be transient")
	}
	if !IsTransient(FromStatus("op", http.StatusTooManyRequests, "slow down")) {
		t.Error("429 should be transient")
	}
	if !IsQuota(FromStatus("op", http.StatusTooManyRequests, `{"error":"monthly quota exceeded"}`)) {
		t.Error("429 with quota body should be quota")
	}
	if !IsQuota(FromStatus("op", http.StatusPaymentRequired, "")) {
		t.Error("402 should be quota")
	}
	err := FromStatus("op", http.StatusBadRequest, "bad")
	if err == nil || IsTransient(err) || IsQuota(err) {
		t.Errorf("400 should be a plain error, got %v", err)
	}
}

func TestFromRequestError_CancelPassthrough(t *testing.T) {
	err := FromRequestError("op", context.Canceled)
	if IsTransient(err) {
		t.Error("cancellation must not be classified as transient")
	}
	if !IsTransient(FromRequestError("op", errors.New("connection refused"))) {
		t.Error("network error should be transient")
	}
}
