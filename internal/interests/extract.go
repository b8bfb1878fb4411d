package interests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/dispatch/internal/engine"
	"github.com/kalambet/dispatch/internal/guard"
	"github.com/kalambet/dispatch/internal/llm"
	"github.com/kalambet/dispatch/internal/storage"
)

const extractionSystemPrompt = `You extract structured interests from natural language prompts. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Identify:
1. Interests the user wants to ADD (new interests mentioned or implied).
2. Interests the user wants to REMOVE (ones they explicitly no longer want or want to stop following).

Rules:
- Extract specific, actionable topics (e.g. "Python async patterns", "React hooks", "machine learning").
- Avoid overly broad topics unless explicitly mentioned.
- Only put an interest in remove_interests if the user explicitly asks to remove or stop following it.
- Keep names concise but descriptive, usually 2-5 words.
- Use empty lists when nothing applies.`

// Extraction is the model's reading of a free-text prompt.
type Extraction struct {
	AddInterests    []string `json:"add_interests"`
	RemoveInterests []string `json:"remove_interests"`
}

// Applied reports what an extraction changed.
type Applied struct {
	Added    []storage.Interest `json:"added"`
	Removed  []string           `json:"removed"`
	Rejected []string           `json:"rejected,omitempty"`
}

// Extractor turns a free-text prompt into interest changes.
type Extractor struct {
	client  *llm.Client
	model   string
	manager *Manager
}

// NewExtractor creates an Extractor that applies its results through m.
func NewExtractor(client *llm.Client, model string, m *Manager) *Extractor {
	return &Extractor{client: client, model: model, manager: m}
}

func extractionSchema() *engine.Schema {
	return engine.Object(map[string]*engine.Schema{
		"add_interests":    engine.ArrayOf(engine.String("Interest to add")),
		"remove_interests": engine.ArrayOf(engine.String("Interest to remove")),
	})
}

// Extract reads prompt with the model and returns the interests it names.
// The prompt is sanitized first; unsafe prompts fail with
// guard.ErrInvalidPrompt before any model call.
func (x *Extractor) Extract(ctx context.Context, prompt string) (Extraction, error) {
	clean, err := guard.SanitizePrompt(prompt)
	if err != nil {
		return Extraction{}, err
	}
	return llm.Call[Extraction](ctx, x.client, llm.Request{
		Model: x.model,
		Messages: []engine.Message{
			{Role: "system", Content: extractionSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("User prompt: %q\n\nReturn a JSON object with \"add_interests\" and \"remove_interests\" arrays.", clean)},
		},
		Schema: extractionSchema(),
	})
}

// Apply extracts interest changes from prompt and writes them for userID.
// Removals run before additions so "replace X with Y" prompts work. Labels
// that fail sanitization are reported as rejected.
func (x *Extractor) Apply(ctx context.Context, userID, prompt string) (Applied, error) {
	ext, err := x.Extract(ctx, prompt)
	if err != nil {
		return Applied{}, err
	}

	res := Applied{Added: []storage.Interest{}, Removed: []string{}}
	for _, label := range ext.RemoveInterests {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		ok, err := x.manager.Remove(ctx, userID, label)
		if err != nil {
			return Applied{}, fmt.Errorf("removing interest %q: %w", label, err)
		}
		if ok {
			res.Removed = append(res.Removed, label)
		}
	}
	for _, label := range ext.AddInterests {
		if strings.TrimSpace(label) == "" {
			continue
		}
		in, err := x.manager.Add(ctx, userID, label)
		if err != nil {
			if errors.Is(err, guard.ErrInvalidPrompt) {
				slog.Warn("rejected extracted interest", "user_id", userID, "label", label, "error", err)
				res.Rejected = append(res.Rejected, label)
				continue
			}
			return Applied{}, fmt.Errorf("adding interest %q: %w", label, err)
		}
		res.Added = append(res.Added, in)
	}
	return res, nil
}
