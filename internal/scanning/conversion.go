package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"net/http"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// ErrUnsupportedImage is wrapped when an upload is empty or cannot be read as
// a receipt image
var ErrUnsupportedImage = errors.New("unsupported image")

// pdfToImage renders the first page of a PDF, where grocery receipts live
func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// isHEICFormat checks for an ftyp box carrying a HEIC/HEIF brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// normalizeMIMEType lowercases the content type and sniffs it when absent
func normalizeMIMEType(data []byte, contentType string) string {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		if isHEICFormat(data) {
			return "image/heic"
		}
		mimeType = http.DetectContentType(data)
	}
	return mimeType
}

// CheckImage reports whether data can be converted by the pipeline. It reads
// headers only; nothing is decoded or rendered.
func CheckImage(data []byte, contentType string) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: image is empty", ErrUnsupportedImage)
	}
	mimeType := normalizeMIMEType(data, contentType)

	switch {
	case mimeType == "application/pdf":
		if !bytes.Contains(data[:min(len(data), 1024)], []byte("%PDF-")) {
			return fmt.Errorf("%w: file is not a PDF", ErrUnsupportedImage)
		}
	case isHEICFormat(data):
	case strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif"):
		return fmt.Errorf("%w: file is not a HEIC/HEIF image", ErrUnsupportedImage)
	default:
		if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
			return unsupportedFormat(mimeType, err)
		}
	}
	return nil
}

func unsupportedFormat(mimeType string, err error) error {
	return fmt.Errorf("%w: format %q (supported: JPEG, PNG, GIF, HEIC, HEIF, PDF): %w", ErrUnsupportedImage, mimeType, err)
}

// prepareImage converts any supported upload into PNG bytes
func prepareImage(data []byte, contentType string) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: image is empty", ErrUnsupportedImage)
	}
	mimeType := normalizeMIMEType(data, contentType)

	var (
		img image.Image
		err error
	)
	switch {
	case mimeType == "image/png" && !isHEICFormat(data):
		return data, nil
	case mimeType == "application/pdf":
		img, err = pdfToImage(data)
		if err != nil {
			return nil, fmt.Errorf("%w: converting PDF to image: %w", ErrUnsupportedImage, err)
		}
	case isHEICFormat(data) || strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif"):
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: decoding HEIC/HEIF image: %w", ErrUnsupportedImage, err)
		}
	default:
		img, _, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, unsupportedFormat(mimeType, err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}
