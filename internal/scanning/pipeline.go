package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Provider names accepted in configuration
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
)

// DefaultTimeout bounds a single extraction when Options.Timeout is unset
const DefaultTimeout = 30 * time.Second

// ProviderConfig configures every provider the pipeline can route to
type ProviderConfig struct {
	OpenAIURL   string
	OpenAIModel string
	GeminiModel string
	OllamaURL   string
	OllamaModel string
}

// NewExtractors builds one Extractor per supported provider
func NewExtractors(cfg ProviderConfig) map[string]Extractor {
	return map[string]Extractor{
		ProviderOpenAI: NewOpenAI(cfg.OpenAIURL, cfg.OpenAIModel),
		ProviderGemini: NewGemini(cfg.GeminiModel),
		ProviderOllama: NewOllama(cfg.OllamaURL, cfg.OllamaModel),
	}
}

// Options control the degrade and timeout behavior of ExtractAndParse
type Options struct {
	// AllowPlaceholderOnQuotaError substitutes PlaceholderExtraction when the
	// provider reports quota or billing exhaustion
	AllowPlaceholderOnQuotaError bool
	// Timeout bounds the outbound call; zero means DefaultTimeout
	Timeout time.Duration
}

// Request is one image to extract
type Request struct {
	ImageData   []byte
	ContentType string
	Credential  string
	// Provider selects an extractor; empty uses the pipeline default
	Provider string
	// Options overrides the pipeline options for this request when set
	Options *Options
}

// Result is a parsed extraction plus how it was obtained
type Result struct {
	Extraction  ReceiptExtraction `json:"extraction"`
	Provider    string            `json:"provider"`
	Tier        Tier              `json:"tier"`
	Placeholder bool              `json:"placeholder"`
}

// Pipeline routes images to a provider and parses the reply
type Pipeline struct {
	extractors      map[string]Extractor
	defaultProvider string
	opts            Options
}

// NewPipeline creates a Pipeline. defaultProvider must be a key of extractors.
func NewPipeline(extractors map[string]Extractor, defaultProvider string, opts Options) (*Pipeline, error) {
	if _, ok := extractors[defaultProvider]; !ok {
		return nil, &ConfigurationError{Field: "provider", Reason: fmt.Sprintf("%q is not one of %s", defaultProvider, strings.Join(providerNames(extractors), ", "))}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Pipeline{
		extractors:      extractors,
		defaultProvider: defaultProvider,
		opts:            opts,
	}, nil
}

// DefaultProvider returns the provider used when a request names none
func (p *Pipeline) DefaultProvider() string {
	return p.defaultProvider
}

// HasProvider reports whether name can be routed to
func (p *Pipeline) HasProvider(name string) bool {
	_, ok := p.extractors[name]
	return ok
}

// CheckImage reports whether data is an image ExtractAndParse can send
func (p *Pipeline) CheckImage(data []byte, contentType string) error {
	return CheckImage(data, contentType)
}

// ExtractAndParse makes one provider call and parses its reply. Provider
// failures, including timeouts, come back as *ExternalServiceError.
func (p *Pipeline) ExtractAndParse(ctx context.Context, req Request) (*Result, error) {
	opts := p.opts
	if req.Options != nil {
		opts = *req.Options
		if opts.Timeout <= 0 {
			opts.Timeout = p.opts.Timeout
		}
	}

	provider := req.Provider
	if provider == "" {
		provider = p.defaultProvider
	}
	extractor, ok := p.extractors[provider]
	if !ok {
		return nil, &ConfigurationError{Field: "provider", Reason: fmt.Sprintf("%q is not configured", provider)}
	}

	imageData, err := prepareImage(req.ImageData, req.ContentType)
	if err != nil {
		return nil, fmt.Errorf("preparing image: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	raw, err := extractor.Extract(ctx, imageData, req.Credential)
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) && opts.AllowPlaceholderOnQuotaError {
			slog.Warn("Provider quota exhausted, returning placeholder extraction", "provider", provider, "error", err)
			return &Result{
				Extraction:  PlaceholderExtraction(),
				Provider:    provider,
				Tier:        TierPlaceholder,
				Placeholder: true,
			}, nil
		}
		return nil, wrapContextError(provider, err)
	}

	extraction, tier := ParseWithTier(raw)
	return &Result{
		Extraction: extraction,
		Provider:   provider,
		Tier:       tier,
	}, nil
}

// wrapContextError reports timeouts and cancellation as upstream failures
func wrapContextError(provider string, err error) error {
	var serviceErr *ExternalServiceError
	var configErr *ConfigurationError
	if errors.As(err, &serviceErr) || errors.As(err, &configErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ExternalServiceError{Provider: provider, Message: err.Error(), Err: err}
	}
	return fmt.Errorf("extracting with %s: %w", provider, err)
}

func providerNames(extractors map[string]Extractor) []string {
	names := make([]string, 0, len(extractors))
	for name := range extractors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
