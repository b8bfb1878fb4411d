// Package llm turns free-form chat completions into validated Go values.
// Every structured call goes through Call: provider failures are retried
// according to a provider.Policy, and a reply that does not decode into the
// target type gets exactly one corrective follow-up before the call fails
// with a SchemaValidationError.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/dispatch/internal/engine"
	"github.com/kalambet/dispatch/internal/provider"
)

const defaultCorrection = "Your previous reply did not match the required JSON schema: %v. " +
	"Reply again with ONLY a single JSON object that matches the schema exactly. " +
	"No prose, no markdown fences, no extra fields."

// Chatter is the chat completion backend used for structured calls.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Validator is implemented by response types that check their own invariants
// after decoding.
type Validator interface {
	Validate() error
}

// SchemaValidationError reports a reply that could not be decoded into the
// expected structure, after the corrective retry.
type SchemaValidationError struct {
	Model string
	Raw   string
	Err   error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("model %s returned invalid structured output: %v", e.Model, e.Err)
}

func (e *SchemaValidationError) Unwrap() error { return e.Err }

// IsSchemaError reports whether err wraps a SchemaValidationError.
func IsSchemaError(err error) bool {
	var se *SchemaValidationError
	return errors.As(err, &se)
}

// Client binds a Chatter to a retry policy.
type Client struct {
	chatter Chatter
	policy  provider.Policy
}

// New creates a Client.
func New(chatter Chatter, policy provider.Policy) *Client {
	return &Client{chatter: chatter, policy: policy}
}

// Request is a single structured completion.
type Request struct {
	Model    string
	Messages []engine.Message
	Schema   *engine.Schema
	// Correction is the follow-up instruction sent after an invalid reply. It
	// may contain one %v verb for the decode error. Empty uses a generic one.
	Correction string
}

// Call sends req and decodes the reply into T. Transient provider errors are
// retried per the client's policy; quota errors return immediately. A reply
// that fails decoding or any of checks is followed by one corrective message
// carrying the bad reply back to the model.
func Call[T any](ctx context.Context, c *Client, req Request, checks ...func(T) error) (T, error) {
	var zero T

	raw, err := c.chat(ctx, req.Model, req.Messages, req.Schema)
	if err != nil {
		return zero, err
	}
	v, decodeErr := decodeChecked(raw, checks)
	if decodeErr == nil {
		return v, nil
	}

	slog.Debug("structured reply rejected, retrying with correction", "model", req.Model, "error", decodeErr)

	correction := req.Correction
	if correction == "" {
		correction = defaultCorrection
	}
	if strings.Contains(correction, "%v") {
		correction = fmt.Sprintf(correction, decodeErr)
	}
	retry := make([]engine.Message, 0, len(req.Messages)+2)
	retry = append(retry, req.Messages...)
	retry = append(retry,
		engine.Message{Role: "assistant", Content: raw},
		engine.Message{Role: "user", Content: correction},
	)

	raw, err = c.chat(ctx, req.Model, retry, req.Schema)
	if err != nil {
		return zero, err
	}
	v, decodeErr = decodeChecked(raw, checks)
	if decodeErr != nil {
		return zero, &SchemaValidationError{Model: req.Model, Raw: raw, Err: decodeErr}
	}
	return v, nil
}

func (c *Client) chat(ctx context.Context, model string, messages []engine.Message, schema *engine.Schema) (string, error) {
	var raw string
	err := provider.Retry(ctx, c.policy, func(ctx context.Context) error {
		out, err := c.chatter.Chat(ctx, model, messages, schema)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("chat with %s: %w", model, err)
	}
	return raw, nil
}

func decodeChecked[T any](raw string, checks []func(T) error) (T, error) {
	v, err := Decode[T](raw)
	if err != nil {
		return v, err
	}
	for _, check := range checks {
		if err := check(v); err != nil {
			return v, err
		}
	}
	return v, nil
}

// Decode strictly parses a model reply into T: markdown fences are stripped,
// unknown fields and trailing data are rejected, and T's Validate method (if
// any) must pass.
func Decode[T any](raw string) (T, error) {
	var v T
	text := StripFences(raw)
	if text == "" {
		return v, errors.New("empty reply")
	}

	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("decoding reply: %w", err)
	}
	if dec.More() {
		return v, errors.New("trailing data after JSON object")
	}
	if val, ok := any(&v).(Validator); ok {
		if err := val.Validate(); err != nil {
			return v, err
		}
	}
	return v, nil
}

// StripFences removes a surrounding markdown code block, if present.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	end := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			end = i
			break
		}
	}
	if end <= 1 {
		return strings.TrimSpace(strings.Trim(text, "`"))
	}
	return strings.TrimSpace(strings.Join(lines[1:end], "\n"))
}
