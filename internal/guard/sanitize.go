package guard

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrInvalidPrompt is returned for user text that must not reach a model.
var ErrInvalidPrompt = errors.New("invalid prompt")

// MaxLabelLength is the longest interest label accepted, in characters.
const MaxLabelLength = 120

var (
	codeBlockPattern    = regexp.MustCompile("(?s)```.*?```")
	inlineCodePattern   = regexp.MustCompile("`[^`]+`")
	urlPattern          = regexp.MustCompile(`(?i)(https?://|www\.)\S+`)
	controlCharsPattern = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	injectionPatterns   = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore (all|previous|prior) instructions`),
		regexp.MustCompile(`(?i)system prompt`),
		regexp.MustCompile(`(?i)developer message`),
		regexp.MustCompile(`(?i)jailbreak`),
	}
)

// SanitizePrompt checks free text before it is embedded in a model prompt.
// Text with control characters, URLs or instruction-override phrases is
// rejected; code spans are removed and whitespace is collapsed.
func SanitizePrompt(prompt string) (string, error) {
	if controlCharsPattern.MatchString(prompt) {
		return "", fmt.Errorf("%w: contains unsupported control characters", ErrInvalidPrompt)
	}
	if urlPattern.MatchString(prompt) {
		return "", fmt.Errorf("%w: must not include URLs", ErrInvalidPrompt)
	}
	for _, p := range injectionPatterns {
		if p.MatchString(prompt) {
			return "", fmt.Errorf("%w: contains disallowed instruction patterns", ErrInvalidPrompt)
		}
	}

	out := codeBlockPattern.ReplaceAllString(prompt, " ")
	out = inlineCodePattern.ReplaceAllString(out, " ")
	out = strings.Join(strings.Fields(out), " ")
	if out == "" {
		return "", fmt.Errorf("%w: no text left after sanitization", ErrInvalidPrompt)
	}
	if out != prompt {
		slog.Debug("sanitized prompt input", "original_length", len(prompt), "sanitized_length", len(out))
	}
	return out, nil
}

// SanitizeLabel applies SanitizePrompt to an interest label and bounds its
// length.
func SanitizeLabel(label string) (string, error) {
	out, err := SanitizePrompt(label)
	if err != nil {
		return "", err
	}
	if utf8.RuneCountInString(out) > MaxLabelLength {
		return "", fmt.Errorf("%w: label longer than %d characters", ErrInvalidPrompt, MaxLabelLength)
	}
	return out, nil
}
