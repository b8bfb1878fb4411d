package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/dispatch/internal/expand"
	"github.com/kalambet/dispatch/internal/guard"
	"github.com/kalambet/dispatch/internal/llm"
	"github.com/kalambet/dispatch/internal/provider"
	"github.com/kalambet/dispatch/internal/research"
)

// Kind is the single failure reason reported for a failed run.
type Kind string

const (
	KindExpansion        Kind = "expansion_failed"
	KindAllSourcesFailed Kind = "all_sources_failed"
	KindQuota            Kind = "quota_exceeded"
	KindProvider         Kind = "provider_unavailable"
	KindGuardrail        Kind = "guardrail_violation"
	KindPersistence      Kind = "persistence_failed"
	KindCancelled        Kind = "cancelled"
	KindTimeout          Kind = "timeout"
	KindInternal         Kind = "internal"
)

// PipelineError is the one error a failed run returns. Cause is the
// originating error.
type PipelineError struct {
	Kind  Kind
	Stage State
	Cause error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("newsletter generation failed during %s (%s): %v", e.Stage, e.Kind, e.Cause)
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// AsPipelineError returns the *PipelineError wrapped by err, if any.
func AsPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	ok := errors.As(err, &pe)
	return pe, ok
}

// classify maps a stage error onto a failure kind. A done run context wins
// over the error itself; persistence failures are decided by the stage.
func classify(ctx context.Context, stage State, err error) *PipelineError {
	var expErr *expand.ExpansionError
	kind := KindInternal
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = KindTimeout
	case ctx.Err() != nil:
		kind = KindCancelled
	case provider.IsQuota(err):
		kind = KindQuota
	case stage == StatePersisting:
		kind = KindPersistence
	case errors.As(err, &expErr), stage == StateExpanding && llm.IsSchemaError(err):
		kind = KindExpansion
	case errors.Is(err, research.ErrAllSourcesFailed):
		kind = KindAllSourcesFailed
	case errors.Is(err, guard.ErrMissingSourceURL), errors.Is(err, guard.ErrInterestNotAllowed):
		kind = KindGuardrail
	case provider.IsTransient(err):
		kind = KindProvider
	}
	return &PipelineError{Kind: kind, Stage: stage, Cause: err}
}
