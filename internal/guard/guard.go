// Package guard holds the hard checks applied to model input and to an
// assembled newsletter before it is persisted.
package guard

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/dispatch/internal/storage"
)

var (
	// ErrMissingSourceURL means an item reached validation without a source.
	// It indicates a bug upstream and is never retried.
	ErrMissingSourceURL = errors.New("item has no source url")

	// ErrInterestNotAllowed means an interest outside the whitelist reached
	// validation.
	ErrInterestNotAllowed = errors.New("interest not allowed")
)

// Whitelist decides which interest labels may be researched. An empty
// whitelist allows everything.
type Whitelist struct {
	topics   map[string]bool
	patterns []*regexp.Regexp
}

// NewWhitelist builds a whitelist from exact topics (compared case
// insensitively) and regular expressions (matched case insensitively).
func NewWhitelist(topics, patterns []string) (*Whitelist, error) {
	w := &Whitelist{topics: make(map[string]bool, len(topics))}
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			w.topics[strings.ToLower(t)] = true
		}
	}
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compiling allowed pattern %q: %w", p, err)
		}
		w.patterns = append(w.patterns, re)
	}
	return w, nil
}

// Allowed reports whether label passes the whitelist.
func (w *Whitelist) Allowed(label string) bool {
	if w == nil || (len(w.topics) == 0 && len(w.patterns) == 0) {
		return true
	}
	label = strings.TrimSpace(label)
	if w.topics[strings.ToLower(label)] {
		return true
	}
	for _, re := range w.patterns {
		if re.MatchString(label) {
			return true
		}
	}
	return false
}

// Item is one summarized entry of an assembled newsletter.
type Item struct {
	InterestID string
	SourceURL  string
	Headline   string
	Body       string
}

// Tokens estimates the item's token count.
func (it Item) Tokens() int {
	return EstimateTokens(it.Headline) + EstimateTokens(it.Body)
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

// Limits caps an assembled newsletter. Zero fields are unlimited.
type Limits struct {
	MaxItems       int
	MaxTotalTokens int
}

// Report is the outcome of Validate. Items is the kept prefix of the input.
type Report struct {
	Items            []Item
	DroppedCount     int
	DroppedForTokens int
	TotalTokens      int
}

// Validator is the final gate before persistence.
type Validator struct {
	whitelist *Whitelist
	limits    Limits
}

// NewValidator creates a Validator. A nil whitelist allows all interests.
func NewValidator(whitelist *Whitelist, limits Limits) *Validator {
	return &Validator{whitelist: whitelist, limits: limits}
}

// Whitelist returns the validator's whitelist.
func (v *Validator) Whitelist() *Whitelist { return v.whitelist }

// Validate checks the assembled newsletter. Missing source URLs and
// interests outside the whitelist are errors. Count and token caps are
// enforced by dropping items from the end.
func (v *Validator) Validate(interests []storage.Interest, items []Item) (Report, error) {
	for i, it := range items {
		if strings.TrimSpace(it.SourceURL) == "" {
			return Report{}, fmt.Errorf("item %d (%q): %w", i, it.Headline, ErrMissingSourceURL)
		}
	}
	labels := make(map[string]string, len(interests))
	for _, in := range interests {
		if !v.whitelist.Allowed(in.Label) {
			return Report{}, fmt.Errorf("%q: %w", in.Label, ErrInterestNotAllowed)
		}
		labels[in.ID] = in.Label
	}
	for _, it := range items {
		if it.InterestID == "" {
			continue
		}
		if _, ok := labels[it.InterestID]; !ok {
			return Report{}, fmt.Errorf("item %q references unknown interest %s: %w", it.Headline, it.InterestID, ErrInterestNotAllowed)
		}
	}

	kept := items
	var rep Report
	if v.limits.MaxItems > 0 && len(kept) > v.limits.MaxItems {
		rep.DroppedCount += len(kept) - v.limits.MaxItems
		kept = kept[:v.limits.MaxItems]
	}

	total := 0
	for _, it := range kept {
		total += it.Tokens()
	}
	if v.limits.MaxTotalTokens > 0 {
		for len(kept) > 0 && total > v.limits.MaxTotalTokens {
			last := kept[len(kept)-1]
			total -= last.Tokens()
			rep.DroppedForTokens++
			kept = kept[:len(kept)-1]
		}
	}

	rep.Items = kept
	rep.DroppedCount += rep.DroppedForTokens
	rep.TotalTokens = total
	return rep, nil
}
