package summarize

import (
	"fmt"
	"strings"

	"github.com/kalambet/dispatch/internal/engine"
)

const systemPrompt = `You write entries for a personal technology newsletter. Summarize the single search result you are given for a reader interested in the listed topic. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- headline: one line, at most 12 words, factual.
- body: two to four sentences using only facts present in the result.
- source_url: copy the URL exactly as given.
- Never invent details that are not in the title or snippet.`

const correction = "Your previous reply was rejected: %v. " +
	"Reply again with ONLY a JSON object with the fields headline, body and source_url. " +
	"source_url must be the exact URL you were given."

// promptOverhead approximates the tokens of the system prompt and framing.
const promptOverhead = 200

// BuildPrompt constructs the chat messages for one item.
func BuildPrompt(topic, url, title, snippet string) []engine.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\nURL: %s\nTitle: %s\n", topic, url, title)
	if snippet != "" {
		fmt.Fprintf(&sb, "Snippet: %s\n", snippet)
	}
	return []engine.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

func replySchema() *engine.Schema {
	return engine.Object(map[string]*engine.Schema{
		"headline":   engine.String("Short factual headline"),
		"body":       engine.String("Two to four sentence summary"),
		"source_url": engine.String("The URL of the result, copied exactly"),
	})
}

// truncateRunes cuts s to at most n runes, on a word boundary when one is
// close.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	cut := string(r[:n])
	if i := strings.LastIndexByte(cut, ' '); i > len(cut)*3/4 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}
