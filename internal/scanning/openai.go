package scanning

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
)

// OpenAI implements the Extractor interface using the chat completions API
type OpenAI struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOpenAI creates a new OpenAI Extractor. baseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAI(baseURL string, modelName string) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if modelName == "" {
		modelName = "gpt-4o"
	}
	return &OpenAI{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client:  &http.Client{},
	}
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

type openAIMessage struct {
	Role    string              `json:"role"`
	Content []openAIContentPart `json:"content"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

var openAIQuotaCodes = map[string]bool{
	"insufficient_quota":         true,
	"billing_hard_limit_reached": true,
	"billing_not_active":         true,
}

// Extract sends the receipt image to the chat completions endpoint
func (o *OpenAI) Extract(ctx context.Context, imageData []byte, credential string) (string, error) {
	if strings.TrimSpace(credential) == "" {
		return "", &ConfigurationError{Field: "openai api key", Reason: "is required"}
	}

	reqBody := openAIChatRequest{
		Model: o.model,
		Messages: []openAIMessage{
			{
				Role:    "system",
				Content: []openAIContentPart{{Type: "text", Text: receiptSystemPrompt}},
			},
			{
				Role: "user",
				Content: []openAIContentPart{
					{Type: "text", Text: receiptScanPrompt},
					{Type: "image_url", ImageURL: &openAIImageURL{
						URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(imageData),
					}},
				},
			},
		},
		MaxTokens:   MaxCompletionTokens,
		Temperature: 0,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	var chatResp openAIChatResponse
	if err := postJSON(ctx, o.client, "openai", o.baseURL+"/chat/completions", header, reqBody, &chatResp, decodeOpenAIError); err != nil {
		return "", err
	}
	if len(chatResp.Choices) == 0 {
		return "", &ExternalServiceError{Provider: "openai", Message: "no choices in response"}
	}
	return chatResp.Choices[0].Message.Content, nil
}

func decodeOpenAIError(statusCode int, body []byte) *ExternalServiceError {
	var errResp openAIErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		return &ExternalServiceError{}
	}
	return &ExternalServiceError{
		Message: errResp.Error.Message,
		Quota:   openAIQuotaCodes[errResp.Error.Code] || openAIQuotaCodes[errResp.Error.Type],
	}
}
