// Package provider holds the failure taxonomy shared by every external call
// the pipeline makes (search, embedding, language model) and the retry loop
// that acts on it.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// TransientError is a failure worth retrying: network errors, timeouts,
// HTTP 5xx and rate-limit (429) responses.
type TransientError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transient failure (HTTP %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// QuotaError means the provider refused service for the account. It is never
// retried and aborts the whole run.
type QuotaError struct {
	Op     string
	Status int
	Err    error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s: quota exceeded (HTTP %d): %v", e.Op, e.Status, e.Err)
}

func (e *QuotaError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsQuota reports whether err (or anything it wraps) is a QuotaError.
func IsQuota(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}

// FromStatus converts a non-2xx HTTP response into a typed error. body is the
// (possibly truncated) response body used for the message. Returns nil for 2xx.
func FromStatus(op string, status int, body string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	base := fmt.Errorf("unexpected status %d: %s", status, strings.TrimSpace(body))
	switch {
	case status == http.StatusTooManyRequests:
		if mentionsQuota(body) {
			return &QuotaError{Op: op, Status: status, Err: base}
		}
		return &TransientError{Op: op, Status: status, Err: base}
	case status >= 500:
		return &TransientError{Op: op, Status: status, Err: base}
	case status == http.StatusPaymentRequired:
		return &QuotaError{Op: op, Status: status, Err: base}
	case status == http.StatusForbidden && mentionsQuota(body):
		return &QuotaError{Op: op, Status: status, Err: base}
	}
	return fmt.Errorf("%s: %w", op, base)
}

// FromRequestError classifies an error returned by http.Client.Do. Caller
// cancellation is passed through untouched; everything else (refused
// connections, resets, per-attempt deadlines) is transient.
func FromRequestError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

func mentionsQuota(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "quota") || strings.Contains(b, "insufficient_credits") || strings.Contains(b, "billing")
}
