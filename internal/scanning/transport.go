package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// errorDecoder turns a non-2xx response body into a provider error
type errorDecoder func(statusCode int, body []byte) *ExternalServiceError

// postJSON performs a single JSON POST. Transport and status failures come
// back as *ExternalServiceError; encoding bugs on our side do not.
func postJSON(ctx context.Context, client *http.Client, provider, url string, header http.Header, payload, out any, decodeErr errorDecoder) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", provider, err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return &ExternalServiceError{Provider: provider, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		serviceErr := decodeErr(resp.StatusCode, respBody)
		serviceErr.Provider = provider
		serviceErr.StatusCode = resp.StatusCode
		if serviceErr.Message == "" {
			serviceErr.Message = strings.TrimSpace(string(respBody))
		}
		if serviceErr.Message == "" {
			serviceErr.Message = resp.Status
		}
		return serviceErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ExternalServiceError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("decoding response: %v", err),
			Err:        err,
		}
	}
	return nil
}
