package scanning

import (
	"errors"
	"fmt"
)

// ErrQuotaExceeded matches an ExternalServiceError caused by quota or billing exhaustion
var ErrQuotaExceeded = errors.New("provider quota exceeded")

// ExternalServiceError is returned when the upstream provider call fails
type ExternalServiceError struct {
	Provider   string
	StatusCode int
	Message    string
	Quota      bool
	Err        error
}

// Error formats the provider, status and message
func (e *ExternalServiceError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = "unknown error"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s API error: %s", e.Provider, msg)
}

// Unwrap returns the underlying transport or context error, if any
func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrQuotaExceeded) detect quota failures
func (e *ExternalServiceError) Is(target error) bool {
	return target == ErrQuotaExceeded && e.Quota
}

// ConfigurationError is returned before any outbound call when required configuration is missing
type ConfigurationError struct {
	Field  string
	Reason string
}

// Error names the missing or invalid field
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Field, e.Reason)
}

// decodeError marks a strict-tier decode failure. It never leaves the package.
type decodeError struct {
	err error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("decoding receipt json: %v", e.err)
}

func (e *decodeError) Unwrap() error {
	return e.err
}
