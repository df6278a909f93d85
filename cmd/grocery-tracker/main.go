package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/peterbourgon/ff/v4/ffyaml"

	"github.com/zombor/grocery-tracker/internal/observability/logging"
	"github.com/zombor/grocery-tracker/internal/observability/metrics"
	"github.com/zombor/grocery-tracker/internal/receipt"
	"github.com/zombor/grocery-tracker/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("grocery-tracker")
	var (
		port             = fs.IntLong("port", 8080, "HTTP server port")
		dbPath           = fs.StringLong("db", "grocery-tracker.db", "Database file path")
		storagePath      = fs.StringLong("storage", "./receipts", "Storage directory path")
		provider         = fs.StringLong("provider", scanning.ProviderOpenAI, "Default vision provider: 'openai', 'gemini' or 'ollama'")
		openAIURL        = fs.StringLong("openai-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
		openAIModel      = fs.StringLong("openai-model", "gpt-4o", "OpenAI model name")
		geminiModel      = fs.StringLong("gemini-model", "gemini-1.5-flash", "Google Gemini model name")
		ollamaURL        = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel      = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, qwen2-vl)")
		apiKey           = fs.StringLong("api-key", "", "Default provider API key (or set OPENAI_API_KEY / GEMINI_API_KEY)")
		allowPlaceholder = fs.BoolLong("allow-placeholder", "Return sample data instead of failing when the provider quota is exhausted")
		extractTimeout   = fs.DurationLong("extract-timeout", scanning.DefaultTimeout, "Upper bound on a single provider call")
		uploadRate       = fs.Float64Long("upload-rate", 1, "Sustained uploads per second (0 disables limiting)")
		uploadBurst      = fs.IntLong("upload-burst", 5, "Upload burst size")
		breakerFailures  = fs.IntLong("breaker-failures", 5, "Consecutive provider failures before extraction is paused (0 disables)")
		breakerCooldown  = fs.DurationLong("breaker-cooldown", 30*time.Second, "How long extraction stays paused")
		authUser         = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass         = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel         = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat        = fs.StringLong("log-format", "text", "Log format: text or json")
		_                = fs.StringLong("config", "", "YAML config file (optional)")
		showVersion      = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("GROCERY_TRACKER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ffyaml.Parse),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logging.New(os.Stderr, *logLevel, *logFormat)

	credential := *apiKey
	if credential == "" {
		credential = providerKeyFromEnv(*provider)
	}

	extractors := scanning.NewExtractors(scanning.ProviderConfig{
		OpenAIURL:   *openAIURL,
		OpenAIModel: *openAIModel,
		GeminiModel: *geminiModel,
		OllamaURL:   *ollamaURL,
		OllamaModel: *ollamaModel,
	})
	pipeline, err := scanning.NewPipeline(extractors, strings.ToLower(*provider), scanning.Options{
		AllowPlaceholderOnQuotaError: *allowPlaceholder,
		Timeout:                      *extractTimeout,
	})
	if err != nil {
		slog.Error("Invalid provider", "error", err)
		os.Exit(1)
	}
	if credential == "" && pipeline.DefaultProvider() != scanning.ProviderOllama {
		slog.Warn("No default API key configured; requests must supply one or it must be set in settings", "provider", pipeline.DefaultProvider())
	}

	slog.Info("Initializing database...", "path", *dbPath)
	db, err := receipt.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	slog.Info("Initializing storage...", "path", *storagePath)
	store, err := receipt.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	if *breakerFailures < 0 {
		*breakerFailures = 0
	}
	receiptService := receipt.NewService(db, pipeline, store, receipt.Config{
		DefaultCredential: credential,
		BreakerFailures:   uint32(*breakerFailures),
		BreakerCooldown:   *breakerCooldown,
		Metrics:           m,
	})

	server := receipt.NewServer(receiptService, receipt.ServerConfig{
		BasicAuth: receipt.BasicAuth{
			Username: *authUser,
			Password: *authPass,
		},
		UploadRate:  *uploadRate,
		UploadBurst: *uploadBurst,
		Metrics:     m,
	})

	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}
	slog.Info("Vision provider configured", "provider", pipeline.DefaultProvider(), "allow_placeholder", *allowPlaceholder)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", *port)
	if err := server.Start(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shut down cleanly")
}

// providerKeyFromEnv reads the conventional per-provider key variables
func providerKeyFromEnv(provider string) string {
	switch strings.ToLower(provider) {
	case scanning.ProviderGemini:
		return os.Getenv("GEMINI_API_KEY")
	case scanning.ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	default:
		return ""
	}
}
