package receipt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/grocery-tracker/internal/scanning"
)

// maxUploadSize covers high-resolution phone photos
const maxUploadSize = int64(50 << 20)

const tooLargeMessage = "File is too large. Maximum size is 50MB. Please compress or resize your image."

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]any{
		"success": false,
		"error":   message,
	})
}

// statusForError maps service errors onto HTTP status codes
func statusForError(err error) int {
	var (
		configErr  *scanning.ConfigurationError
		serviceErr *scanning.ExternalServiceError
	)
	switch {
	case errors.As(err, &configErr), errors.Is(err, ErrInvalidUpload), errors.Is(err, scanning.ErrUnsupportedImage):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case IsCircuitOpen(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, scanning.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.As(err, &serviceErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError logs err and writes it with the mapped status. Internal
// errors are not echoed back.
func writeServiceError(w http.ResponseWriter, action string, err error) {
	code := statusForError(err)
	message := err.Error()
	switch code {
	case http.StatusInternalServerError:
		slog.Error("Error "+action, "error", err)
		message = "Internal server error"
	case http.StatusServiceUnavailable:
		slog.Warn("Error "+action, "error", err)
		message = "Receipt extraction is temporarily unavailable, please retry later"
	default:
		slog.Warn("Error "+action, "status", code, "error", err)
	}
	writeError(w, message, code)
}

type upload struct {
	filename    string
	contentType string
	data        []byte
	apiKey      string
}

// readUpload pulls the "file" part (and optional "apiKey") out of a multipart
// form. It writes the error response itself and returns false on failure.
func readUpload(w http.ResponseWriter, r *http.Request) (*upload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+(1<<20))
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, tooLargeMessage, http.StatusRequestEntityTooLarge)
			return nil, false
		}
		writeError(w, "Error parsing form", http.StatusBadRequest)
		return nil, false
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		writeError(w, errorMsg, http.StatusBadRequest)
		return nil, false
	}
	defer f.Close()

	if header.Size > maxUploadSize {
		writeError(w, tooLargeMessage, http.StatusRequestEntityTooLarge)
		return nil, false
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return nil, false
	}
	if len(data) == 0 {
		writeError(w, "The uploaded file is empty", http.StatusBadRequest)
		return nil, false
	}

	return &upload{
		filename:    header.Filename,
		contentType: detectContentType(header.Header.Get("Content-Type"), header.Filename),
		data:        data,
		apiKey:      r.FormValue("apiKey"),
	}, true
}

// detectContentType falls back to the file extension when the part carries
// no usable content type.
func detectContentType(contentType, filename string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleProcessReceipt extracts a receipt without storing it
func (s *Server) handleProcessReceipt(w http.ResponseWriter, r *http.Request) {
	up, ok := readUpload(w, r)
	if !ok {
		return
	}

	result, err := s.service.Extract(r.Context(), up.data, up.contentType, up.apiKey)
	if err != nil {
		writeServiceError(w, "processing receipt", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"data":        result.Extraction,
		"provider":    result.Provider,
		"tier":        result.Tier,
		"placeholder": result.Placeholder,
	})
}

// handleListReceipts returns a list of all receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListReceipts()
	if err != nil {
		writeServiceError(w, "listing receipts", err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

// handleUploadReceipt stores and processes a receipt in one go
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	up, ok := readUpload(w, r)
	if !ok {
		return
	}

	detail, err := s.service.ScanAndSave(r.Context(), up.filename, up.data, up.contentType, up.apiKey)
	if err != nil {
		if detail == nil {
			writeServiceError(w, "uploading receipt", err)
			return
		}
		// Stored but not processed; hand back the id so the client can retry
		code := statusForError(err)
		slog.Warn("Receipt stored but not processed", "receipt_id", detail.ID, "status", code, "error", err)
		message := err.Error()
		if code == http.StatusInternalServerError {
			message = "Internal server error"
		}
		writeJSON(w, code, map[string]any{
			"success":    false,
			"error":      message,
			"receipt_id": detail.ID,
		})
		return
	}

	writeJSON(w, http.StatusCreated, detail)
}

// handleReprocessReceipt reruns extraction for a stored receipt
func (s *Server) handleReprocessReceipt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		APIKey string `json:"apiKey"`
	}
	if r.ContentLength != 0 {
		data, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			writeError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, &body); err != nil {
				writeError(w, "Invalid request body", http.StatusBadRequest)
				return
			}
		}
	}

	detail, err := s.service.ProcessReceipt(r.Context(), id, body.APIKey)
	if err != nil {
		writeServiceError(w, "processing receipt", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleGetReceipt returns a single receipt with its transactions
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	detail, err := s.service.GetReceiptDetail(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "getting receipt", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleGetReceiptFile returns the file for a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetReceiptFile(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "getting receipt file", err)
		return
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteReceipt(r.PathValue("id")); err != nil {
		writeServiceError(w, "deleting receipt", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, "days must be a positive integer", http.StatusBadRequest)
			return
		}
		days = parsed
	}

	analytics, err := s.service.Analytics(days)
	if err != nil {
		writeServiceError(w, "computing analytics", err)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

func (s *Server) handleExportTransactions(w http.ResponseWriter, r *http.Request) {
	// Buffer so a failure can still become a JSON error
	var buf bytes.Buffer
	if err := s.service.ExportTransactions(&buf); err != nil {
		writeServiceError(w, "exporting transactions", err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="transactions.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Write(buf.Bytes())
}

type settingsResponse struct {
	Name       string    `json:"name"`
	AIProvider string    `json:"ai_provider"`
	APIKeySet  bool      `json:"api_key_set"`
	APIKey     string    `json:"api_key"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func newSettingsResponse(settings *Settings) settingsResponse {
	return settingsResponse{
		Name:       settings.Name,
		AIProvider: settings.AIProvider,
		APIKeySet:  settings.APIKey != "",
		APIKey:     maskAPIKey(settings.APIKey),
		UpdatedAt:  settings.UpdatedAt,
	}
}

// maskAPIKey keeps only the last four characters of a key
func maskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return fmt.Sprintf("%s%s", strings.Repeat("*", len(key)-4), key[len(key)-4:])
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newSettingsResponse(s.service.GetSettings()))
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var update SettingsUpdate
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&update); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	settings, err := s.service.UpdateSettings(update)
	if err != nil {
		writeServiceError(w, "updating settings", err)
		return
	}
	writeJSON(w, http.StatusOK, newSettingsResponse(settings))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
