package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	LLM       LLMConfig
	Proxy     ProxyConfig
	Search    SearchConfig
	Research  ResearchConfig
	Expand    ExpandConfig
	Dedup     DedupConfig
	Summarize SummarizeConfig
	Guard     GuardConfig
	Pipeline  PipelineConfig
	Storage   StorageConfig
	Log       LogConfig
	Jobs      JobsConfig
}

// ServerConfig holds the HTTP listener settings. Rate limits are requests
// per user per minute; zero disables a limit.
type ServerConfig struct {
	Port             int
	UserHeader       string
	RateLimit        int
	ExtractRateLimit int
}

type OllamaConfig struct {
	BaseURL    string
	FastModel  string
	DeepModel  string
	EmbedModel string
}

// LLMConfig selects the chat backend used by expansion, summarization and
// interest extraction. Embeddings always go through Ollama.
type LLMConfig struct {
	Backend    string
	Timeout    string
	MaxRetries int
}

type ProxyConfig struct {
	OpenRouterAPIKey string
	DefaultModel     string
}

type SearchConfig struct {
	Providers  []string
	NewsAPIKey string
}

type ResearchConfig struct {
	Parallelism       int
	PerSubtopicLimit  int
	RequestTimeout    string
	MaxRetries        int
	RequestsPerSecond float64
}

type ExpandConfig struct {
	MaxInterests         int
	SubtopicsPerInterest int
}

type DedupConfig struct {
	SimilarityThreshold float64
	RecentWindow        int
	MaxItems            int
	EmbedTimeout        string
}

type SummarizeConfig struct {
	Parallelism    int
	MaxInputTokens int
	MaxBodyChars   int
}

type GuardConfig struct {
	MaxItems        int
	MaxTotalTokens  int
	AllowedTopics   []string
	AllowedPatterns []string
}

type PipelineConfig struct {
	RunTimeout string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type JobsConfig struct {
	PollInterval string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:             4100,
			UserHeader:       "X-Dispatch-User",
			RateLimit:        120,
			ExtractRateLimit: 5,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			FastModel:  "phi3.5",
			DeepModel:  "mistral-nemo",
			EmbedModel: "nomic-embed-text",
		},
		LLM: LLMConfig{
			Backend:    "ollama",
			Timeout:    "60s",
			MaxRetries: 2,
		},
		Proxy: ProxyConfig{
			DefaultModel: "anthropic/claude-sonnet-4",
		},
		Search: SearchConfig{
			Providers: []string{"duckduckgo", "newsfeed"},
		},
		Research: ResearchConfig{
			Parallelism:       4,
			PerSubtopicLimit:  5,
			RequestTimeout:    "15s",
			MaxRetries:        2,
			RequestsPerSecond: 2,
		},
		Expand: ExpandConfig{
			MaxInterests:         10,
			SubtopicsPerInterest: 3,
		},
		Dedup: DedupConfig{
			SimilarityThreshold: 0.90,
			RecentWindow:        200,
			MaxItems:            10,
			EmbedTimeout:        "30s",
		},
		Summarize: SummarizeConfig{
			Parallelism:    4,
			MaxInputTokens: 600,
			MaxBodyChars:   800,
		},
		Guard: GuardConfig{
			MaxItems:       10,
			MaxTotalTokens: 4000,
		},
		Pipeline: PipelineConfig{
			RunTimeout: "5m",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Jobs: JobsConfig{
			PollInterval: "2s",
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory, environment variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.dispatch.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a YAML file at $XDG_CONFIG_HOME/dispatch/config.yaml
// and secrets fall back to $XDG_DATA_HOME/dispatch/secrets.json.
//
// Environment variables (DISPATCH_*) override backend values on all platforms.
// Variables set in .env never override ones already present in the process
// environment.
func Load() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	return loadWith(newPlatformBackend(), NewKeychain())
}

// SecretStore abstracts Keychain access for testing.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b ConfigBackend, kc SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySecrets fills empty secret keys from the platform secret store.
func applySecrets(cfg *Config, kc SecretStore) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

// Validate reports every invalid value at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(strings.TrimSpace(c.Server.UserHeader) != "", "server.user_header must not be empty")
	check(c.Server.RateLimit >= 0, "server.rate_limit must not be negative")
	check(c.Server.ExtractRateLimit >= 0, "server.extract_rate_limit must not be negative")
	check(c.Ollama.BaseURL != "", "ollama.base_url must not be empty")
	check(c.Ollama.EmbedModel != "", "ollama.embed_model must not be empty")

	switch c.LLM.Backend {
	case "ollama":
	case "openrouter":
		if c.Proxy.OpenRouterAPIKey == "" {
			errs = append(errs, fmt.Errorf("missing required config: OpenRouter API key. "+
				"Set it via environment variable DISPATCH_OPENROUTER_API_KEY%s", apiKeyHint("openrouter_api_key")))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.backend %q must be ollama or openrouter", c.LLM.Backend))
	}
	check(c.LLM.MaxRetries >= 0, "llm.max_retries must not be negative")

	check(len(c.Search.Providers) > 0, "search.providers must name at least one provider")
	if slices.Contains(c.Search.Providers, "newsapi") && c.Search.NewsAPIKey == "" {
		errs = append(errs, fmt.Errorf("missing required config: NewsAPI key. "+
			"Set it via environment variable DISPATCH_NEWSAPI_KEY%s", apiKeyHint("newsapi_key")))
	}

	check(c.Research.Parallelism > 0, "research.parallelism must be positive")
	check(c.Research.PerSubtopicLimit > 0, "research.per_subtopic_limit must be positive")
	check(c.Research.MaxRetries >= 0, "research.max_retries must not be negative")
	check(c.Research.RequestsPerSecond >= 0, "research.requests_per_second must not be negative")
	check(c.Expand.MaxInterests > 0, "expand.max_interests must be positive")
	check(c.Expand.SubtopicsPerInterest > 0, "expand.subtopics_per_interest must be positive")
	check(c.Dedup.SimilarityThreshold > 0 && c.Dedup.SimilarityThreshold <= 1,
		"dedup.similarity_threshold %v must be in (0, 1]", c.Dedup.SimilarityThreshold)
	check(c.Dedup.RecentWindow >= 0, "dedup.recent_window must not be negative")
	check(c.Dedup.MaxItems > 0, "dedup.max_items must be positive")
	check(c.Summarize.Parallelism > 0, "summarize.parallelism must be positive")
	check(c.Summarize.MaxInputTokens > 0, "summarize.max_input_tokens must be positive")
	check(c.Summarize.MaxBodyChars > 0, "summarize.max_body_chars must be positive")
	check(c.Guard.MaxItems > 0, "guard.max_items must be positive")
	check(c.Dedup.MaxItems <= c.Guard.MaxItems,
		"dedup.max_items %d exceeds guard.max_items %d; extra items would be summarized and then rejected",
		c.Dedup.MaxItems, c.Guard.MaxItems)
	check(c.Guard.MaxTotalTokens > 0, "guard.max_total_tokens must be positive")

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}

	for _, d := range []struct{ key, val string }{
		{"llm.timeout", c.LLM.Timeout},
		{"research.request_timeout", c.Research.RequestTimeout},
		{"dedup.embed_timeout", c.Dedup.EmbedTimeout},
		{"pipeline.run_timeout", c.Pipeline.RunTimeout},
		{"jobs.poll_interval", c.Jobs.PollInterval},
	} {
		v, err := time.ParseDuration(d.val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
			continue
		}
		check(v > 0, "%s must be positive", d.key)
	}

	return errors.Join(errs...)
}

// Duration parses a validated duration value. Invalid input yields zero,
// which callers treat as "use the package default".
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
