package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertInterest adds label for the user, or reactivates it if the user had
// it before. Labels are immutable, so an existing row keeps its id.
func (s *Store) UpsertInterest(ctx context.Context, userID, label string) (Interest, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interests (id, user_id, label, active, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(user_id, label) DO UPDATE SET active = 1, updated_at = excluded.updated_at`,
		uuid.NewString(), userID, label, formatTime(now), formatTime(now),
	)
	if err != nil {
		return Interest{}, fmt.Errorf("upserting interest %q: %w", label, err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, label, active, created_at FROM interests
		WHERE user_id = ? AND label = ?`, userID, label)
	return scanInterest(row)
}

// DeactivateInterest soft-deletes an interest owned by userID.
func (s *Store) DeactivateInterest(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE interests SET active = 0, updated_at = ? WHERE id = ? AND user_id = ?`,
		formatTime(time.Now()), id, userID)
	if err != nil {
		return fmt.Errorf("deactivating interest %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateInterestByLabel soft-deletes the user's active interest with the
// given label, compared case insensitively.
func (s *Store) DeactivateInterestByLabel(ctx context.Context, userID, label string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE interests SET active = 0, updated_at = ? WHERE user_id = ? AND label = ? COLLATE NOCASE AND active = 1`,
		formatTime(time.Now()), userID, label)
	if err != nil {
		return fmt.Errorf("deactivating interest %q: %w", label, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListInterests returns the user's interests in creation order. With
// activeOnly set, soft-deleted interests are skipped.
func (s *Store) ListInterests(ctx context.Context, userID string, activeOnly bool) ([]Interest, error) {
	q := `SELECT id, user_id, label, active, created_at FROM interests WHERE user_id = ?`
	if activeOnly {
		q += ` AND active = 1`
	}
	q += ` ORDER BY created_at ASC, label ASC`

	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("listing interests: %w", err)
	}
	defer rows.Close()

	var out []Interest
	for rows.Next() {
		in, err := scanInterest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInterest(r rowScanner) (Interest, error) {
	var in Interest
	var active int
	var createdAt string
	err := r.Scan(&in.ID, &in.UserID, &in.Label, &active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Interest{}, ErrNotFound
	}
	if err != nil {
		return Interest{}, fmt.Errorf("scanning interest: %w", err)
	}
	in.Active = active == 1
	if in.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Interest{}, err
	}
	return in, nil
}
