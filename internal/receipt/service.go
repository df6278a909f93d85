package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"

	"github.com/zombor/grocery-tracker/internal/scanning"
)

// ErrInvalidUpload is wrapped when an uploaded file cannot be accepted
var ErrInvalidUpload = errors.New("invalid upload")

const breakerName = "extraction"

// Scanner runs the extraction pipeline. *scanning.Pipeline satisfies it.
type Scanner interface {
	ExtractAndParse(ctx context.Context, req scanning.Request) (*scanning.Result, error)
	CheckImage(data []byte, contentType string) error
	DefaultProvider() string
	HasProvider(name string) bool
}

// ExtractionRecorder receives extraction metrics
type ExtractionRecorder interface {
	RecordExtraction(provider, tier, outcome string, items int, duration time.Duration)
	SetBreakerOpen(name string, open bool)
}

// IDGenerator generates unique IDs for receipts
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

type noopRecorder struct{}

func (noopRecorder) RecordExtraction(string, string, string, int, time.Duration) {}
func (noopRecorder) SetBreakerOpen(string, bool)                                 {}

// Config tunes the service
type Config struct {
	// DefaultCredential is used when neither the request nor the stored
	// settings carry an API key.
	DefaultCredential string

	// BreakerFailures is the number of consecutive upstream failures that
	// open the circuit. Zero disables the breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	Metrics ExtractionRecorder
}

// Service handles receipt operations
type Service struct {
	db          DB
	scanner     Scanner
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource
	cfg         Config
	metrics     ExtractionRecorder
	breaker     *gobreaker.CircuitBreaker[*scanning.Result]
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, scanner Scanner, storage Storage, cfg Config) *Service {
	return NewServiceWithDeps(db, scanner, storage, cfg, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, scanner Scanner, storage Storage, cfg Config, idGen IDGenerator, timeSrc TimeSource) *Service {
	s := &Service{
		db:          db,
		scanner:     scanner,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
		cfg:         cfg,
		metrics:     cfg.Metrics,
	}
	if s.metrics == nil {
		s.metrics = noopRecorder{}
	}
	if cfg.BreakerFailures > 0 {
		s.breaker = s.newBreaker()
	}
	return s
}

func (s *Service) newBreaker() *gobreaker.CircuitBreaker[*scanning.Result] {
	cooldown := s.cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker[*scanning.Result](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.cfg.BreakerFailures
		},
		// Only provider failures count against the breaker; a bad image, a
		// missing key or a caller hanging up says nothing about upstream health.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var serviceErr *scanning.ExternalServiceError
			return !errors.As(err, &serviceErr)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			s.metrics.SetBreakerOpen(name, to == gobreaker.StateOpen)
		},
	})
}

// IsCircuitOpen reports whether err was caused by an open breaker
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	filename = filepath.Base(filepath.Clean("/" + filename))
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(repeatedSpaces.ReplaceAllString(base, " "))

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}
	return base + unsafeFilenameChars.ReplaceAllString(ext, "")
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_.]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// UploadReceipt stores the file and creates a pending receipt. Files the
// pipeline could never read are refused before anything is stored.
func (s *Service) UploadReceipt(filename string, data []byte, contentType string) (*Receipt, error) {
	if err := s.checkUpload(data, contentType); err != nil {
		return nil, err
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	savedPath, err := s.storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(filename)), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	receipt := &Receipt{
		ID:               id,
		Filename:         savedPath,
		OriginalFilename: filename,
		ContentType:      contentType,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.db.SaveReceipt(receipt); err != nil {
		if delErr := s.storage.Delete(savedPath); delErr != nil {
			slog.Warn("Failed to clean up file", "filename", savedPath, "error", delErr)
		}
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}

	slog.Info("Receipt uploaded", "receipt_id", id, "content_type", contentType, "file_size", len(data))
	return receipt, nil
}

// ProcessReceipt runs extraction for a stored receipt, replaces its line items
// and marks it processed. On failure the receipt is left untouched.
func (s *Service) ProcessReceipt(ctx context.Context, id string, credential string) (*ReceiptDetail, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}

	data, err := s.storage.Get(receipt.Filename)
	if err != nil {
		return nil, fmt.Errorf("getting receipt file: %w", err)
	}

	result, err := s.extract(ctx, data, receipt.ContentType, credential)
	if err != nil {
		slog.Error("Failed to scan receipt",
			"receipt_id", id,
			"content_type", receipt.ContentType,
			"file_size", len(data),
			"error", err,
		)
		return nil, fmt.Errorf("scanning receipt: %w", err)
	}

	now := s.timeSource.Now()
	extraction := result.Extraction

	transactions := make([]*Transaction, 0, len(extraction.Transactions))
	for _, item := range extraction.Transactions {
		transactions = append(transactions, &Transaction{
			ID:              s.idGenerator.Generate(),
			ReceiptID:       id,
			ItemName:        item.ItemName,
			Quantity:        item.Quantity,
			UnitPrice:       nullDecimal(item.UnitPrice),
			TotalPrice:      decimal.NewFromFloat(item.TotalPrice),
			Category:        string(item.Category),
			ConfidenceScore: item.ConfidenceScore,
			Position:        len(transactions),
			CreatedAt:       now,
		})
	}

	receipt.StoreName = extraction.StoreName
	receipt.TotalAmount = nullDecimal(extraction.TotalAmount)
	receipt.TransactionDate = extraction.TransactionDate
	receipt.TransactionTime = normalizeTransactionDate(extraction.TransactionDate)
	receipt.Status = StatusProcessed
	receipt.Placeholder = result.Placeholder
	receipt.ProcessedAt = &now
	receipt.UpdatedAt = now

	if err := s.db.SaveProcessedReceipt(receipt, transactions); err != nil {
		return nil, fmt.Errorf("saving processed receipt: %w", err)
	}

	if len(transactions) == 0 {
		slog.Info("Receipt processed but nothing was recognized", "receipt_id", id, "tier", result.Tier)
	} else {
		slog.Info("Receipt processed", "receipt_id", id, "items", len(transactions), "tier", result.Tier, "placeholder", result.Placeholder)
	}
	return newReceiptDetail(receipt, transactions), nil
}

// ScanAndSave uploads and immediately processes a receipt. When processing
// fails the pending receipt is still returned alongside the error so it can
// be retried.
func (s *Service) ScanAndSave(ctx context.Context, filename string, data []byte, contentType string, credential string) (*ReceiptDetail, error) {
	receipt, err := s.UploadReceipt(filename, data, contentType)
	if err != nil {
		return nil, err
	}
	detail, err := s.ProcessReceipt(ctx, receipt.ID, credential)
	if err != nil {
		return newReceiptDetail(receipt, nil), err
	}
	return detail, nil
}

// Extract runs the pipeline without persisting anything
func (s *Service) Extract(ctx context.Context, data []byte, contentType string, credential string) (*scanning.Result, error) {
	if err := s.checkUpload(data, contentType); err != nil {
		return nil, err
	}
	return s.extract(ctx, data, contentType, credential)
}

func (s *Service) checkUpload(data []byte, contentType string) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: file is empty", ErrInvalidUpload)
	}
	if err := s.scanner.CheckImage(data, contentType); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidUpload, err)
	}
	return nil
}

func (s *Service) extract(ctx context.Context, data []byte, contentType string, credential string) (*scanning.Result, error) {
	settings := s.currentSettings()
	req := scanning.Request{
		ImageData:   data,
		ContentType: contentType,
		Credential:  s.resolveCredential(credential, settings),
		Provider:    s.resolveProvider(settings),
	}

	start := time.Now()
	var (
		result *scanning.Result
		err    error
	)
	if s.breaker != nil {
		result, err = s.breaker.Execute(func() (*scanning.Result, error) {
			return s.scanner.ExtractAndParse(ctx, req)
		})
	} else {
		result, err = s.scanner.ExtractAndParse(ctx, req)
	}

	if err != nil {
		s.metrics.RecordExtraction(req.Provider, "", extractionOutcome(err), 0, time.Since(start))
		return nil, err
	}
	s.metrics.RecordExtraction(result.Provider, string(result.Tier), "success", len(result.Extraction.Transactions), time.Since(start))
	return result, nil
}

func extractionOutcome(err error) string {
	var (
		configErr  *scanning.ConfigurationError
		serviceErr *scanning.ExternalServiceError
	)
	switch {
	case IsCircuitOpen(err):
		return "unavailable"
	case errors.As(err, &configErr):
		return "config"
	case errors.Is(err, scanning.ErrQuotaExceeded):
		return "quota"
	case errors.As(err, &serviceErr):
		return "upstream"
	default:
		return "error"
	}
}

// resolveCredential prefers the request, then stored settings, then the
// process default.
func (s *Service) resolveCredential(explicit string, settings *Settings) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	if settings.APIKey != "" {
		return settings.APIKey
	}
	return s.cfg.DefaultCredential
}

func (s *Service) resolveProvider(settings *Settings) string {
	if settings.AIProvider != "" && s.scanner.HasProvider(settings.AIProvider) {
		return settings.AIProvider
	}
	return s.scanner.DefaultProvider()
}

func (s *Service) currentSettings() *Settings {
	settings, err := s.db.GetSettings()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("Failed to load settings", "error", err)
		}
		return &Settings{}
	}
	return settings
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(id string) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// GetReceiptDetail retrieves a receipt with its transactions
func (s *Service) GetReceiptDetail(id string) (*ReceiptDetail, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	transactions, err := s.db.ListTransactions(id)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return newReceiptDetail(receipt, transactions), nil
}

// ListReceipts returns all receipts
func (s *Service) ListReceipts() ([]*Receipt, error) {
	receipts, err := s.db.ListReceipts()
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// DeleteReceipt removes a receipt, its transactions and its file
func (s *Service) DeleteReceipt(id string) error {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return fmt.Errorf("getting receipt for deletion: %w", err)
	}

	if err := s.db.DeleteTransactions(id); err != nil {
		return fmt.Errorf("deleting transactions: %w", err)
	}
	if err := s.db.DeleteReceipt(id); err != nil {
		return fmt.Errorf("deleting receipt from database: %w", err)
	}

	// The record is gone; a leftover file is only logged
	if err := s.storage.Delete(receipt.Filename); err != nil {
		slog.Warn("Failed to delete file", "filename", receipt.Filename, "error", err)
	}
	return nil
}

// GetReceiptFile retrieves the file data for a receipt
func (s *Service) GetReceiptFile(id string) ([]byte, string, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}

	data, err := s.storage.Get(receipt.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}

	return data, receipt.ContentType, nil
}

// GetSettings returns the stored settings, falling back to defaults
func (s *Service) GetSettings() *Settings {
	settings := s.currentSettings()
	if settings.AIProvider == "" {
		settings.AIProvider = s.scanner.DefaultProvider()
	}
	return settings
}

// SettingsUpdate carries the fields to change; nil fields are left alone.
// An empty APIKey clears the stored key.
type SettingsUpdate struct {
	Name       *string `json:"name"`
	AIProvider *string `json:"ai_provider"`
	APIKey     *string `json:"api_key"`
}

// UpdateSettings applies update and persists the result
func (s *Service) UpdateSettings(update SettingsUpdate) (*Settings, error) {
	settings := s.currentSettings()

	if update.AIProvider != nil {
		provider := strings.ToLower(strings.TrimSpace(*update.AIProvider))
		if !s.scanner.HasProvider(provider) {
			return nil, &scanning.ConfigurationError{Field: "ai provider", Reason: fmt.Sprintf("%q is not configured", provider)}
		}
		settings.AIProvider = provider
	}
	if update.Name != nil {
		settings.Name = strings.TrimSpace(*update.Name)
	}
	if update.APIKey != nil {
		settings.APIKey = strings.TrimSpace(*update.APIKey)
	}
	settings.UpdatedAt = s.timeSource.Now()

	if err := s.db.SaveSettings(settings); err != nil {
		return nil, fmt.Errorf("saving settings: %w", err)
	}
	return settings, nil
}

func nullDecimal(value *float64) decimal.NullDecimal {
	if value == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(*value))
}
