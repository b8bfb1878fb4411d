package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/dispatch/internal/api"
	"github.com/kalambet/dispatch/internal/config"
	"github.com/kalambet/dispatch/internal/dedup"
	"github.com/kalambet/dispatch/internal/engine"
	"github.com/kalambet/dispatch/internal/expand"
	"github.com/kalambet/dispatch/internal/guard"
	"github.com/kalambet/dispatch/internal/interests"
	"github.com/kalambet/dispatch/internal/jobs"
	"github.com/kalambet/dispatch/internal/llm"
	"github.com/kalambet/dispatch/internal/pipeline"
	"github.com/kalambet/dispatch/internal/provider"
	"github.com/kalambet/dispatch/internal/research"
	"github.com/kalambet/dispatch/internal/retrieval"
	"github.com/kalambet/dispatch/internal/search"
	"github.com/kalambet/dispatch/internal/storage"
	"github.com/kalambet/dispatch/internal/summarize"
)

var withMCP bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the dispatch server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running dispatch server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dispatch system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().BoolVar(&withMCP, "mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "dispatch.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// chatModels returns the models used for expansion/extraction and for
// summarization. OpenRouter serves both from its default model.
func chatModels(cfg config.Config) (fast, deep string) {
	if cfg.LLM.Backend == "openrouter" {
		return cfg.Proxy.DefaultModel, cfg.Proxy.DefaultModel
	}
	return cfg.Ollama.FastModel, cfg.Ollama.DeepModel
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "dispatch version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("dispatch is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("dispatch is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	detectCfg := engine.DetectConfig{
		OllamaBaseURL:    cfg.Ollama.BaseURL,
		ChatBackend:      cfg.LLM.Backend,
		OpenRouterAPIKey: cfg.Proxy.OpenRouterAPIKey,
	}
	eng, err := engine.Detect(detectCfg)
	if err != nil {
		return fmt.Errorf("detecting inference engine: %w", err)
	}
	chatter, err := engine.NewChatter(detectCfg, eng)
	if err != nil {
		return fmt.Errorf("selecting chat backend: %w", err)
	}
	fastModel, deepModel := chatModels(cfg)
	required := []string{cfg.Ollama.EmbedModel}
	if cfg.LLM.Backend != "openrouter" {
		required = append(required, fastModel, deepModel)
	}
	if err := engine.EnsureReady(ctx, eng, os.Stderr, required...); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	assembler, deps, err := buildPipeline(cfg, eng, chatter, store, logger)
	if err != nil {
		return err
	}

	handler := api.NewAppHandler(api.AppDeps{
		Store:      store,
		Interests:  deps.interests,
		Extractor:  deps.extractor,
		Generator:  assembler,
		History:    deps.retriever,
		Dedup:      deps.dedup,
		Token:      apiToken,
		UserHeader: cfg.Server.UserHeader,
		Limits: api.RateLimits{
			PerMinute:        cfg.Server.RateLimit,
			ExtractPerMinute: cfg.Server.ExtractRateLimit,
		},
		Logger: logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	worker := jobs.NewWorker(store, assembler, config.Duration(cfg.Jobs.PollInterval), logger)
	go worker.Run(ctx)

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Generator: assembler,
			Interests: deps.interests,
			History:   deps.retriever,
			Dedup:     deps.dedup,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "dispatch listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// components exposes the pieces the HTTP and MCP surfaces use directly.
type components struct {
	interests *interests.Manager
	extractor *interests.Extractor
	retriever *retrieval.Retriever
	dedup     *dedup.Deduplicator
}

func buildPipeline(cfg config.Config, eng engine.Engine, chatter engine.Chatter, store *storage.Store, logger *slog.Logger) (*pipeline.Assembler, components, error) {
	fastModel, deepModel := chatModels(cfg)

	llmClient := llm.New(chatter, provider.Policy{
		Timeout:        config.Duration(cfg.LLM.Timeout),
		MaxRetries:     cfg.LLM.MaxRetries,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	})
	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel, provider.Policy{
		Timeout:        config.Duration(cfg.Dedup.EmbedTimeout),
		MaxRetries:     cfg.LLM.MaxRetries,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	})
	retriever := retrieval.NewRetriever(embedder, retrieval.NewSQLiteStore(store.DB()))

	requestTimeout := config.Duration(cfg.Research.RequestTimeout)
	providers, err := search.New(cfg.Search.Providers, search.Options{
		NewsAPIKey: cfg.Search.NewsAPIKey,
		HTTPClient: &http.Client{Timeout: requestTimeout},
	})
	if err != nil {
		return nil, components{}, fmt.Errorf("configuring search providers: %w", err)
	}
	researcher := research.New(providers, research.Config{
		Parallelism:       cfg.Research.Parallelism,
		PerSubtopicLimit:  cfg.Research.PerSubtopicLimit,
		RequestsPerSecond: cfg.Research.RequestsPerSecond,
		Policy: provider.Policy{
			Timeout:        requestTimeout,
			MaxRetries:     cfg.Research.MaxRetries,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
	}, logger)

	dd := dedup.New(store, embedder, dedup.Config{
		Threshold:    float32(cfg.Dedup.SimilarityThreshold),
		RecentWindow: cfg.Dedup.RecentWindow,
		MaxItems:     cfg.Dedup.MaxItems,
	}, logger)

	whitelist, err := guard.NewWhitelist(cfg.Guard.AllowedTopics, cfg.Guard.AllowedPatterns)
	if err != nil {
		return nil, components{}, fmt.Errorf("building topic whitelist: %w", err)
	}
	validator := guard.NewValidator(whitelist, guard.Limits{
		MaxItems:       cfg.Guard.MaxItems,
		MaxTotalTokens: cfg.Guard.MaxTotalTokens,
	})

	expander := expand.New(llmClient, expand.Config{
		Model:        fastModel,
		MaxInterests: cfg.Expand.MaxInterests,
	}, whitelist, logger)
	summarizer := summarize.New(llmClient, summarize.Config{
		Model:          deepModel,
		Parallelism:    cfg.Summarize.Parallelism,
		MaxInputTokens: cfg.Summarize.MaxInputTokens,
		MaxBodyChars:   cfg.Summarize.MaxBodyChars,
	}, logger)

	mgr := interests.NewManager(store)
	extractor := interests.NewExtractor(llmClient, fastModel, mgr)

	assembler := pipeline.New(pipeline.Deps{
		Interests:  mgr,
		Expander:   expander,
		Research:   researcher,
		Dedup:      dd,
		Summarizer: summarizer,
		Guard:      validator,
		Store:      store,
		Runs:       store,
		Logger:     logger,
	}, pipeline.Config{
		SubtopicsPerInterest: cfg.Expand.SubtopicsPerInterest,
		RunTimeout:           config.Duration(cfg.Pipeline.RunTimeout),
	})

	return assembler, components{
		interests: mgr,
		extractor: extractor,
		retriever: retriever,
		dedup:     dd,
	}, nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("dispatch is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop dispatch (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to dispatch (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	fast, deep := chatModels(cfg)
	printStatus("Chat backend", "%s", cfg.LLM.Backend)
	printStatus("Fast model", "%s", fast)
	printStatus("Deep model", "%s", deep)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Search", "%s", strings.Join(cfg.Search.Providers, ", "))

	if running && userID != "" {
		c, err := newAPIClient()
		if err == nil {
			c.httpClient = client
			var active []json.RawMessage
			if r, err := c.get(ctx, "/interests"); err == nil && decodeJSON(r, &active) == nil {
				printStatus("Interests", "%d active for %s", len(active), userID)
			}
			var issues []json.RawMessage
			if r, err := c.get(ctx, "/newsletters?limit=100"); err == nil && decodeJSON(r, &issues) == nil {
				printStatus("Newsletters", "%s", countLabel(len(issues), 100))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
