package engine

import (
	"fmt"

	"github.com/kalambet/dispatch/internal/proxy"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	OllamaBaseURL    string
	ChatBackend      string
	OpenRouterAPIKey string
}

// Detect returns the local inference engine used for embeddings and, unless
// another chat backend is configured, for chat as well.
func Detect(cfg DetectConfig) (Engine, error) {
	return NewOllamaEngine(cfg.OllamaBaseURL), nil
}

// NewChatter picks the chat backend. "ollama" (or empty) reuses the local
// engine; "openrouter" requires an API key.
func NewChatter(cfg DetectConfig, local Engine) (Chatter, error) {
	switch cfg.ChatBackend {
	case "", "ollama":
		return local, nil
	case "openrouter":
		if cfg.OpenRouterAPIKey == "" {
			return nil, fmt.Errorf("llm backend openrouter requires proxy.openrouter_api_key")
		}
		return NewOpenRouterChatter(proxy.NewClient(cfg.OpenRouterAPIKey)), nil
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.ChatBackend)
	}
}
