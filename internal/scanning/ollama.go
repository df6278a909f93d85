package scanning

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
)

// Ollama implements the Extractor interface using a local Ollama server
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates a new Ollama Extractor instance
// Recommended vision models for receipts:
//   - llava:1.6 (best balance of accuracy and speed)
//   - qwen2-vl:7b (good OCR capabilities)
//   - llava-phi3 (smaller, faster, but less accurate)
func NewOllama(baseURL string, modelName string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llava"
	}

	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client:  &http.Client{},
	}
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Extract sends the receipt image to /api/chat. A credential is optional and
// is forwarded as a bearer token for servers sitting behind a proxy.
func (o *Ollama) Extract(ctx context.Context, imageData []byte, credential string) (string, error) {
	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Messages: []ollamaMessage{
			{Role: "system", Content: receiptSystemPrompt},
			{
				Role:    "user",
				Content: receiptScanPrompt,
				Images:  []string{base64.StdEncoding.EncodeToString(imageData)},
			},
		},
		Options: ollamaOptions{
			Temperature: 0,
			NumPredict:  MaxCompletionTokens,
		},
	}

	header := http.Header{}
	if credential = strings.TrimSpace(credential); credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	var chatResp ollamaChatResponse
	if err := postJSON(ctx, o.client, "ollama", o.baseURL+"/api/chat", header, reqBody, &chatResp, decodeOllamaError); err != nil {
		return "", err
	}
	return chatResp.Message.Content, nil
}

func decodeOllamaError(statusCode int, body []byte) *ExternalServiceError {
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return &ExternalServiceError{}
	}
	return &ExternalServiceError{Message: errResp.Error}
}
