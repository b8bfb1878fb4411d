package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CommitNewsletter writes a newsletter and all of its content items in one
// transaction. Either every item is stored and linked in order, or nothing
// is. A URL the user already received fails the whole commit with
// ErrDuplicateURL.
func (s *Store) CommitNewsletter(ctx context.Context, userID string, issueDate time.Time, items []NewContent) (Newsletter, error) {
	if len(items) == 0 {
		return Newsletter{}, fmt.Errorf("committing newsletter: no items")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Newsletter{}, fmt.Errorf("beginning commit transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	nl := Newsletter{
		ID:        uuid.NewString(),
		UserID:    userID,
		IssueDate: issueDate.UTC(),
		CreatedAt: now,
		ItemCount: len(items),
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO newsletters (id, user_id, issue_date, created_at) VALUES (?, ?, ?, ?)`,
		nl.ID, userID, formatTime(nl.IssueDate), formatTime(now),
	); err != nil {
		return Newsletter{}, fmt.Errorf("inserting newsletter: %w", err)
	}

	insertItem, err := tx.PrepareContext(ctx, `
		INSERT INTO content_items (id, user_id, url, headline, summary, embedding, newsletter_id, interest_id, subtopic, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return Newsletter{}, fmt.Errorf("preparing content insert: %w", err)
	}
	defer insertItem.Close()

	link, err := tx.PrepareContext(ctx, `
		INSERT INTO newsletter_items (newsletter_id, position, content_item_id) VALUES (?, ?, ?)`)
	if err != nil {
		return Newsletter{}, fmt.Errorf("preparing link insert: %w", err)
	}
	defer link.Close()

	for pos, it := range items {
		ci := ContentItem{
			ID:           uuid.NewString(),
			UserID:       userID,
			URL:          it.URL,
			Headline:     it.Headline,
			Summary:      it.Summary,
			Embedding:    it.Embedding,
			NewsletterID: nl.ID,
			InterestID:   it.InterestID,
			Subtopic:     it.Subtopic,
			CreatedAt:    now,
		}
		if _, err := insertItem.ExecContext(ctx,
			ci.ID, userID, ci.URL, ci.Headline, ci.Summary, EncodeVector(ci.Embedding),
			nl.ID, ci.InterestID, ci.Subtopic, formatTime(now),
		); err != nil {
			if isUniqueViolation(err) {
				return Newsletter{}, fmt.Errorf("inserting %s: %w", it.URL, ErrDuplicateURL)
			}
			return Newsletter{}, fmt.Errorf("inserting content item %s: %w", it.URL, err)
		}
		if _, err := link.ExecContext(ctx, nl.ID, pos, ci.ID); err != nil {
			return Newsletter{}, fmt.Errorf("linking content item %s: %w", ci.ID, err)
		}
		nl.Items = append(nl.Items, ci)
	}

	if err := tx.Commit(); err != nil {
		return Newsletter{}, fmt.Errorf("committing newsletter: %w", err)
	}
	return nl, nil
}

// URLExists reports whether the normalized url was ever delivered to userID.
func (s *Store) URLExists(ctx context.Context, userID, url string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM content_items WHERE user_id = ? AND url = ?`, userID, url,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking url: %w", err)
	}
	return n > 0, nil
}

// ListRecentContent returns the user's most recently delivered items, newest
// first, embeddings included.
func (s *Store) ListRecentContent(ctx context.Context, userID string, limit int) ([]ContentItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, url, headline, summary, embedding, newsletter_id, interest_id, subtopic, created_at
		FROM content_items WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent content: %w", err)
	}
	defer rows.Close()
	return scanContentItems(rows)
}

// GetContentItems returns the user's items with the given ids, in no
// particular order. Unknown ids are skipped.
func (s *Store) GetContentItems(ctx context.Context, userID string, ids []string) ([]ContentItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, url, headline, summary, embedding, newsletter_id, interest_id, subtopic, created_at
		FROM content_items WHERE user_id = ? AND id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying content items: %w", err)
	}
	defer rows.Close()
	return scanContentItems(rows)
}

// GetNewsletter returns one of the user's newsletters with its items in order.
func (s *Store) GetNewsletter(ctx context.Context, userID, id string) (Newsletter, error) {
	var nl Newsletter
	var issueDate, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, issue_date, created_at FROM newsletters WHERE id = ? AND user_id = ?`,
		id, userID,
	).Scan(&nl.ID, &nl.UserID, &issueDate, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Newsletter{}, ErrNotFound
	}
	if err != nil {
		return Newsletter{}, fmt.Errorf("querying newsletter: %w", err)
	}
	if nl.IssueDate, err = parseTime("issue_date", issueDate); err != nil {
		return Newsletter{}, err
	}
	if nl.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Newsletter{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.user_id, c.url, c.headline, c.summary, c.embedding, c.newsletter_id, c.interest_id, c.subtopic, c.created_at
		FROM newsletter_items ni JOIN content_items c ON c.id = ni.content_item_id
		WHERE ni.newsletter_id = ? ORDER BY ni.position ASC`, id)
	if err != nil {
		return Newsletter{}, fmt.Errorf("querying newsletter items: %w", err)
	}
	defer rows.Close()

	if nl.Items, err = scanContentItems(rows); err != nil {
		return Newsletter{}, err
	}
	nl.ItemCount = len(nl.Items)
	return nl, nil
}

// ListNewsletters returns the user's newsletters, newest first, without items.
func (s *Store) ListNewsletters(ctx context.Context, userID string, limit int) ([]Newsletter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.user_id, n.issue_date, n.created_at,
			(SELECT COUNT(*) FROM newsletter_items ni WHERE ni.newsletter_id = n.id)
		FROM newsletters n WHERE n.user_id = ?
		ORDER BY n.created_at DESC, n.rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing newsletters: %w", err)
	}
	defer rows.Close()

	var out []Newsletter
	for rows.Next() {
		var nl Newsletter
		var issueDate, createdAt string
		if err := rows.Scan(&nl.ID, &nl.UserID, &issueDate, &createdAt, &nl.ItemCount); err != nil {
			return nil, fmt.Errorf("scanning newsletter: %w", err)
		}
		if nl.IssueDate, err = parseTime("issue_date", issueDate); err != nil {
			return nil, err
		}
		if nl.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, nl)
	}
	return out, rows.Err()
}

func scanContentItems(rows *sql.Rows) ([]ContentItem, error) {
	var out []ContentItem
	for rows.Next() {
		var c ContentItem
		var blob []byte
		var createdAt string
		if err := rows.Scan(&c.ID, &c.UserID, &c.URL, &c.Headline, &c.Summary, &blob,
			&c.NewsletterID, &c.InterestID, &c.Subtopic, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning content item: %w", err)
		}
		vec, err := DecodeVector(nil, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}
		c.Embedding = vec
		if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
