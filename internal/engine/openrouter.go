package engine

import (
	"context"

	"github.com/kalambet/dispatch/internal/proxy"
)

// OpenRouterChatter sends chat requests to OpenRouter. Structured requests
// use the strict json_schema response format.
type OpenRouterChatter struct {
	client *proxy.Client
}

// NewOpenRouterChatter wraps an OpenRouter client as a Chatter.
func NewOpenRouterChatter(client *proxy.Client) *OpenRouterChatter {
	return &OpenRouterChatter{client: client}
}

func (c *OpenRouterChatter) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	req := proxy.ChatRequest{
		Model:    model,
		Messages: make([]proxy.Message, len(messages)),
	}
	for i, m := range messages {
		req.Messages[i] = proxy.Message{Role: m.Role, Content: m.Content}
	}
	if jsonSchema != nil {
		zero := 0.0
		req.Temperature = &zero
		req.ResponseFormat = &proxy.ResponseFormat{
			Type: "json_schema",
			JSONSchema: &proxy.JSONSchema{
				Name:   "response",
				Strict: true,
				Schema: closeObjects(jsonSchema),
			},
		}
	}
	return c.client.Complete(ctx, req)
}

// closeObjects renders the schema as a generic map with additionalProperties
// disabled on every object, which strict mode requires.
func closeObjects(s *Schema) map[string]any {
	out := map[string]any{"type": s.Type}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if s.Items != nil {
		out["items"] = closeObjects(s.Items)
	}
	if s.Type == "object" {
		props := make(map[string]any, len(s.Properties))
		for k, v := range s.Properties {
			props[k] = closeObjects(v)
		}
		out["properties"] = props
		out["additionalProperties"] = false
		if len(s.Required) > 0 {
			out["required"] = s.Required
		}
	}
	return out
}
