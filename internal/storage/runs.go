package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// SaveRun stores a finished run record.
func (s *Store) SaveRun(ctx context.Context, r Run) error {
	interestIDs, err := json.Marshal(nonNil(r.InterestIDs))
	if err != nil {
		return fmt.Errorf("encoding interest ids: %w", err)
	}
	warnings := r.Warnings
	if warnings == nil {
		warnings = []RunWarning{}
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("encoding warnings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, user_id, state, failure_reason, interest_ids, warnings, dropped_count,
			skipped_subtopics, newsletter_id, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.State, r.FailureReason, string(interestIDs), string(warningsJSON),
		r.DroppedCount, r.SkippedSubtopics, r.NewsletterID, formatTime(r.StartedAt), formatTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", r.ID, err)
	}
	return nil
}

// ListRuns returns the user's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, userID string, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, state, failure_reason, interest_ids, warnings, dropped_count,
			skipped_subtopics, newsletter_id, started_at, finished_at
		FROM runs WHERE user_id = ? ORDER BY started_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var interestIDs, warnings, startedAt, finishedAt string
		if err := rows.Scan(&r.ID, &r.UserID, &r.State, &r.FailureReason, &interestIDs, &warnings,
			&r.DroppedCount, &r.SkippedSubtopics, &r.NewsletterID, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if err := json.Unmarshal([]byte(interestIDs), &r.InterestIDs); err != nil {
			return nil, fmt.Errorf("decoding interest ids for run %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(warnings), &r.Warnings); err != nil {
			return nil, fmt.Errorf("decoding warnings for run %s: %w", r.ID, err)
		}
		if r.StartedAt, err = parseTime("started_at", startedAt); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseTime("finished_at", finishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
