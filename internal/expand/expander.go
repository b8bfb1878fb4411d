// Package expand turns a user's interests into concrete research subtopics
// with one structured model call per batch of interests.
package expand

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/dispatch/internal/guard"
	"github.com/kalambet/dispatch/internal/llm"
	"github.com/kalambet/dispatch/internal/provider"
	"github.com/kalambet/dispatch/internal/storage"
)

const (
	defaultMaxInterests = 10
	defaultPerInterest  = 3
)

// ExpansionError means the model could not produce valid subtopics for a
// batch of interests.
type ExpansionError struct {
	InterestIDs []string
	Err         error
}

func (e *ExpansionError) Error() string {
	return fmt.Sprintf("expanding %d interests: %v", len(e.InterestIDs), e.Err)
}

func (e *ExpansionError) Unwrap() error { return e.Err }

// Config bounds expansion.
type Config struct {
	Model        string
	MaxInterests int // interests per model call
}

// Skipped is an interest that was not sent to the model.
type Skipped struct {
	Interest storage.Interest
	Reason   string
}

// Result maps interest ids to their subtopics. Interests lists the expanded
// interests in input order.
type Result struct {
	Interests []storage.Interest
	Subtopics map[string][]string
	Skipped   []Skipped
}

// Expander generates subtopics for interests.
type Expander struct {
	client    *llm.Client
	cfg       Config
	whitelist *guard.Whitelist
	logger    *slog.Logger
}

// New creates an Expander. A nil whitelist allows every interest.
func New(client *llm.Client, cfg Config, whitelist *guard.Whitelist, logger *slog.Logger) *Expander {
	if cfg.MaxInterests <= 0 {
		cfg.MaxInterests = defaultMaxInterests
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{client: client, cfg: cfg, whitelist: whitelist, logger: logger}
}

type expansionReply struct {
	Interests []struct {
		InterestID string   `json:"interest_id"`
		Subtopics  []string `json:"subtopics"`
	} `json:"interests"`
}

func (r *expansionReply) Validate() error {
	if len(r.Interests) == 0 {
		return errors.New("interests list is empty")
	}
	for _, in := range r.Interests {
		if strings.TrimSpace(in.InterestID) == "" {
			return errors.New("entry without interest_id")
		}
		if len(in.Subtopics) == 0 {
			return fmt.Errorf("interest %s has no subtopics", in.InterestID)
		}
		for _, s := range in.Subtopics {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("interest %s has a blank subtopic", in.InterestID)
			}
		}
	}
	return nil
}

// coversExactly checks that a reply names every requested id once and
// nothing else.
func coversExactly(ids []string) func(expansionReply) error {
	return func(r expansionReply) error {
		want := make(map[string]bool, len(ids))
		for _, id := range ids {
			want[id] = true
		}
		seen := make(map[string]bool, len(r.Interests))
		for _, in := range r.Interests {
			if !want[in.InterestID] {
				return fmt.Errorf("unknown interest_id %q", in.InterestID)
			}
			if seen[in.InterestID] {
				return fmt.Errorf("interest_id %q listed twice", in.InterestID)
			}
			seen[in.InterestID] = true
		}
		for _, id := range ids {
			if !seen[id] {
				return fmt.Errorf("missing interest_id %q", id)
			}
		}
		return nil
	}
}

// Expand returns up to perInterest subtopics for each eligible interest.
// Labels that fail sanitization or the whitelist are skipped, not sent.
// Schema failures after the corrective retry return an *ExpansionError;
// quota errors are returned as they are.
func (e *Expander) Expand(ctx context.Context, interests []storage.Interest, perInterest int) (Result, error) {
	if perInterest <= 0 {
		perInterest = defaultPerInterest
	}
	res := Result{Subtopics: make(map[string][]string)}

	var eligible []storage.Interest
	var batch []promptInterest
	for _, in := range interests {
		label, err := guard.SanitizeLabel(in.Label)
		if err != nil {
			e.logger.Warn("skipping interest with unsafe label", "interest_id", in.ID, "error", err)
			res.Skipped = append(res.Skipped, Skipped{Interest: in, Reason: err.Error()})
			continue
		}
		if !e.whitelist.Allowed(label) {
			e.logger.Warn("skipping interest outside whitelist", "interest_id", in.ID, "label", label)
			res.Skipped = append(res.Skipped, Skipped{Interest: in, Reason: "not in allowed topics"})
			continue
		}
		eligible = append(eligible, in)
		batch = append(batch, promptInterest{InterestID: in.ID, Label: label})
	}

	for start := 0; start < len(batch); start += e.cfg.MaxInterests {
		end := min(start+e.cfg.MaxInterests, len(batch))
		if err := e.expandBatch(ctx, batch[start:end], perInterest, res.Subtopics); err != nil {
			return Result{}, err
		}
	}
	res.Interests = eligible
	return res, nil
}

func (e *Expander) expandBatch(ctx context.Context, batch []promptInterest, perInterest int, into map[string][]string) error {
	ids := make([]string, len(batch))
	for i, b := range batch {
		ids[i] = b.InterestID
	}

	reply, err := llm.Call(ctx, e.client, llm.Request{
		Model:      e.cfg.Model,
		Messages:   BuildPrompt(batch, perInterest),
		Schema:     replySchema(),
		Correction: correction,
	}, coversExactly(ids))
	if err != nil {
		if ctx.Err() != nil || provider.IsQuota(err) {
			return err
		}
		return &ExpansionError{InterestIDs: ids, Err: err}
	}

	for _, in := range reply.Interests {
		into[in.InterestID] = clean(in.Subtopics, perInterest)
	}
	return nil
}

// clean trims subtopics, drops case-insensitive repeats and keeps at most n.
func clean(subtopics []string, n int) []string {
	out := make([]string, 0, min(len(subtopics), n))
	seen := make(map[string]bool, len(subtopics))
	for _, s := range subtopics {
		s = strings.Join(strings.Fields(s), " ")
		key := strings.ToLower(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
		if len(out) == n {
			break
		}
	}
	return out
}
