package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateURL is returned when a content item's URL was already delivered
// to the same user.
var ErrDuplicateURL = errors.New("content url already delivered to user")

// Interest is a user topic. Inactive interests are kept so past runs stay
// interpretable.
type Interest struct {
	ID        string
	UserID    string
	Label     string
	Active    bool
	CreatedAt time.Time
}

// ContentItem is a summarized piece of content that was delivered in a
// newsletter. URL is stored normalized and is unique per user.
type ContentItem struct {
	ID           string
	UserID       string
	URL          string
	Headline     string
	Summary      string
	Embedding    []float32
	NewsletterID string
	InterestID   string
	Subtopic     string
	CreatedAt    time.Time
}

// NewContent is the input for one item of a newsletter commit.
type NewContent struct {
	URL        string
	Headline   string
	Summary    string
	Embedding  []float32
	InterestID string
	Subtopic   string
}

// Newsletter is one issue. Items are in delivery order; ListNewsletters
// leaves Items empty and fills ItemCount.
type Newsletter struct {
	ID        string
	UserID    string
	IssueDate time.Time
	CreatedAt time.Time
	ItemCount int
	Items     []ContentItem
}

// RunWarning is a non-fatal problem recorded during a run.
type RunWarning struct {
	Stage   string `json:"stage"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`
}

// Run records one generation attempt.
type Run struct {
	ID               string
	UserID           string
	State            string
	FailureReason    string
	InterestIDs      []string
	Warnings         []RunWarning
	DroppedCount     int
	SkippedSubtopics int
	NewsletterID     string
	StartedAt        time.Time
	FinishedAt       time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
	ResultJSON  string
}
