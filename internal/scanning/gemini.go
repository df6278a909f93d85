package scanning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Gemini implements the Extractor interface using Google Gemini.
// The API key arrives per call, so a client is opened for each extraction.
type Gemini struct {
	modelName string
	opts      []option.ClientOption
}

// NewGemini creates a new Gemini Extractor. Extra client options are applied
// after the per-call API key.
func NewGemini(modelName string, opts ...option.ClientOption) *Gemini {
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &Gemini{
		modelName: modelName,
		opts:      opts,
	}
}

// Extract analyzes a receipt image and returns the model's text reply
func (g *Gemini) Extract(ctx context.Context, imageData []byte, credential string) (string, error) {
	if strings.TrimSpace(credential) == "" {
		return "", &ConfigurationError{Field: "gemini api key", Reason: "is required"}
	}

	opts := append([]option.ClientOption{option.WithAPIKey(credential)}, g.opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("creating gemini client: %w", err)
	}
	defer client.Close()

	model := client.GenerativeModel(g.modelName)
	model.SetTemperature(0)
	model.SetMaxOutputTokens(MaxCompletionTokens)

	// genai.ImageData expects the format suffix ("png"), not the MIME type
	resp, err := model.GenerateContent(ctx,
		genai.ImageData("png", imageData),
		genai.Text(receiptScanPrompt),
	)
	if err != nil {
		return "", geminiServiceError(ctx, err)
	}
	return geminiResponseText(resp)
}

// geminiResponseText concatenates the text parts of the first candidate
func geminiResponseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", &ExternalServiceError{Provider: "gemini", Message: "no response from gemini"}
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}
	return responseText.String(), nil
}

// geminiServiceError classifies a GenerateContent failure. Quota exhaustion is
// read from the gRPC status code or the REST status, never from message text.
func geminiServiceError(ctx context.Context, err error) *ExternalServiceError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &ExternalServiceError{Provider: "gemini", Message: ctxErr.Error(), Err: ctxErr}
	}

	serviceErr := &ExternalServiceError{Provider: "gemini", Err: err}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		serviceErr.StatusCode = apiErr.Code
		serviceErr.Message = apiErr.Message
		serviceErr.Quota = apiErr.Code == http.StatusTooManyRequests
		return serviceErr
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		serviceErr.Message = st.Message()
		if st.Code() == codes.ResourceExhausted {
			serviceErr.StatusCode = http.StatusTooManyRequests
			serviceErr.Quota = true
		}
		return serviceErr
	}

	serviceErr.Message = err.Error()
	return serviceErr
}
