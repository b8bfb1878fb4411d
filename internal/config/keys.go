package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kList
)

// keySpec binds a dotted config key to its environment variable and Config
// field. Secret keys are never read from or written to the backend; they
// come from the environment or the platform secret store under account.
type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DISPATCH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.user_header", typ: kString, env: "DISPATCH_SERVER_USER_HEADER",
		apply:   func(cfg *Config, v any) { cfg.Server.UserHeader = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.UserHeader },
	},
	{
		key: "server.rate_limit", typ: kInt, env: "DISPATCH_SERVER_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Server.RateLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.RateLimit },
	},
	{
		key: "server.extract_rate_limit", typ: kInt, env: "DISPATCH_SERVER_EXTRACT_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Server.ExtractRateLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.ExtractRateLimit },
	},
	{
		key: "ollama.base_url", typ: kString, env: "DISPATCH_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.fast_model", typ: kString, env: "DISPATCH_OLLAMA_FAST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.FastModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.FastModel },
	},
	{
		key: "ollama.deep_model", typ: kString, env: "DISPATCH_OLLAMA_DEEP_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.DeepModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.DeepModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "DISPATCH_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "llm.backend", typ: kString, env: "DISPATCH_LLM_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.LLM.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Backend },
	},
	{
		key: "llm.timeout", typ: kString, env: "DISPATCH_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "llm.max_retries", typ: kInt, env: "DISPATCH_LLM_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxRetries },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "DISPATCH_OPENROUTER_API_KEY",
		secret: true, account: "openrouter_api_key",
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "proxy.default_model", typ: kString, env: "DISPATCH_PROXY_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.DefaultModel },
	},
	{
		key: "search.providers", typ: kList, env: "DISPATCH_SEARCH_PROVIDERS",
		apply:   func(cfg *Config, v any) { cfg.Search.Providers = v.([]string) },
		extract: func(cfg Config) any { return cfg.Search.Providers },
	},
	{
		key: "search.newsapi_key", typ: kString, env: "DISPATCH_NEWSAPI_KEY",
		secret: true, account: "newsapi_key",
		apply:   func(cfg *Config, v any) { cfg.Search.NewsAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.NewsAPIKey },
	},
	{
		key: "research.parallelism", typ: kInt, env: "DISPATCH_RESEARCH_PARALLELISM",
		apply:   func(cfg *Config, v any) { cfg.Research.Parallelism = v.(int) },
		extract: func(cfg Config) any { return cfg.Research.Parallelism },
	},
	{
		key: "research.per_subtopic_limit", typ: kInt, env: "DISPATCH_RESEARCH_PER_SUBTOPIC_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Research.PerSubtopicLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Research.PerSubtopicLimit },
	},
	{
		key: "research.request_timeout", typ: kString, env: "DISPATCH_RESEARCH_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Research.RequestTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Research.RequestTimeout },
	},
	{
		key: "research.max_retries", typ: kInt, env: "DISPATCH_RESEARCH_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Research.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Research.MaxRetries },
	},
	{
		key: "research.requests_per_second", typ: kFloat, env: "DISPATCH_RESEARCH_REQUESTS_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Research.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Research.RequestsPerSecond },
	},
	{
		key: "expand.max_interests", typ: kInt, env: "DISPATCH_EXPAND_MAX_INTERESTS",
		apply:   func(cfg *Config, v any) { cfg.Expand.MaxInterests = v.(int) },
		extract: func(cfg Config) any { return cfg.Expand.MaxInterests },
	},
	{
		key: "expand.subtopics_per_interest", typ: kInt, env: "DISPATCH_EXPAND_SUBTOPICS_PER_INTEREST",
		apply:   func(cfg *Config, v any) { cfg.Expand.SubtopicsPerInterest = v.(int) },
		extract: func(cfg Config) any { return cfg.Expand.SubtopicsPerInterest },
	},
	{
		key: "dedup.similarity_threshold", typ: kFloat, env: "DISPATCH_DEDUP_SIMILARITY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Dedup.SimilarityThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Dedup.SimilarityThreshold },
	},
	{
		key: "dedup.recent_window", typ: kInt, env: "DISPATCH_DEDUP_RECENT_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Dedup.RecentWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Dedup.RecentWindow },
	},
	{
		key: "dedup.max_items", typ: kInt, env: "DISPATCH_DEDUP_MAX_ITEMS",
		apply:   func(cfg *Config, v any) { cfg.Dedup.MaxItems = v.(int) },
		extract: func(cfg Config) any { return cfg.Dedup.MaxItems },
	},
	{
		key: "dedup.embed_timeout", typ: kString, env: "DISPATCH_DEDUP_EMBED_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Dedup.EmbedTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Dedup.EmbedTimeout },
	},
	{
		key: "summarize.parallelism", typ: kInt, env: "DISPATCH_SUMMARIZE_PARALLELISM",
		apply:   func(cfg *Config, v any) { cfg.Summarize.Parallelism = v.(int) },
		extract: func(cfg Config) any { return cfg.Summarize.Parallelism },
	},
	{
		key: "summarize.max_input_tokens", typ: kInt, env: "DISPATCH_SUMMARIZE_MAX_INPUT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Summarize.MaxInputTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Summarize.MaxInputTokens },
	},
	{
		key: "summarize.max_body_chars", typ: kInt, env: "DISPATCH_SUMMARIZE_MAX_BODY_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Summarize.MaxBodyChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Summarize.MaxBodyChars },
	},
	{
		key: "guard.max_items", typ: kInt, env: "DISPATCH_GUARD_MAX_ITEMS",
		apply:   func(cfg *Config, v any) { cfg.Guard.MaxItems = v.(int) },
		extract: func(cfg Config) any { return cfg.Guard.MaxItems },
	},
	{
		key: "guard.max_total_tokens", typ: kInt, env: "DISPATCH_GUARD_MAX_TOTAL_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Guard.MaxTotalTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Guard.MaxTotalTokens },
	},
	{
		key: "guard.allowed_topics", typ: kList, env: "DISPATCH_GUARD_ALLOWED_TOPICS",
		apply:   func(cfg *Config, v any) { cfg.Guard.AllowedTopics = v.([]string) },
		extract: func(cfg Config) any { return cfg.Guard.AllowedTopics },
	},
	{
		key: "guard.allowed_patterns", typ: kList, env: "DISPATCH_GUARD_ALLOWED_PATTERNS",
		apply:   func(cfg *Config, v any) { cfg.Guard.AllowedPatterns = v.([]string) },
		extract: func(cfg Config) any { return cfg.Guard.AllowedPatterns },
	},
	{
		key: "pipeline.run_timeout", typ: kString, env: "DISPATCH_PIPELINE_RUN_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.RunTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.RunTimeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DISPATCH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "DISPATCH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "jobs.poll_interval", typ: kString, env: "DISPATCH_JOBS_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Jobs.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Jobs.PollInterval },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// splitList parses a comma-separated list, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseValue converts raw text to the Go type a spec's apply expects.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kList:
		return splitList(raw), nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
