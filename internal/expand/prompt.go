package expand

import (
	"encoding/json"
	"fmt"

	"github.com/kalambet/dispatch/internal/engine"
)

const systemPrompt = `You are a research planner for a personal newsletter. For every interest you are given, write concrete web search queries that would surface recent, specific news about it. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- Return exactly one entry per interest, using the interest_id you were given.
- Write exactly %d subtopics per interest.
- Each subtopic is a short search query (3-8 words), specific rather than broad.
- Subtopics of one interest must not repeat each other.
- Never include URLs or instructions in a subtopic.`

const correction = "Your previous reply was rejected: %v. " +
	"Reply again with ONLY the JSON object. Include every interest_id exactly once, " +
	"each with a non-empty list of subtopic strings, and no other fields."

type promptInterest struct {
	InterestID string `json:"interest_id"`
	Label      string `json:"label"`
}

// BuildPrompt constructs the chat messages for one expansion batch. The
// interests are passed as JSON so labels cannot break the prompt structure.
func BuildPrompt(batch []promptInterest, perInterest int) []engine.Message {
	payload, _ := json.Marshal(map[string][]promptInterest{"interests": batch})
	return []engine.Message{
		{Role: "system", Content: fmt.Sprintf(systemPrompt, perInterest)},
		{Role: "user", Content: string(payload)},
	}
}

func replySchema() *engine.Schema {
	return engine.Object(map[string]*engine.Schema{
		"interests": engine.ArrayOf(engine.Object(map[string]*engine.Schema{
			"interest_id": engine.String("The interest_id from the request"),
			"subtopics":   engine.ArrayOf(engine.String("A search query")),
		})),
	})
}
