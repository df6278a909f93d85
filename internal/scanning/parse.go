package scanning

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Tier identifies which strategy produced an extraction
type Tier string

const (
	TierStrict      Tier = "strict"
	TierHeuristic   Tier = "heuristic"
	TierPlaceholder Tier = "placeholder"
)

// Parse converts a raw model reply into a ReceiptExtraction.
// It never fails; the worst case is an extraction with no transactions.
func Parse(raw string) ReceiptExtraction {
	extraction, _ := ParseWithTier(raw)
	return extraction
}

// ParseWithTier is Parse that also reports which tier produced the result
func ParseWithTier(raw string) (ReceiptExtraction, Tier) {
	if candidate, ok := findJSONObject(raw); ok {
		extraction, err := parseReceiptJSON(candidate)
		if err == nil {
			return extraction, TierStrict
		}
		slog.Debug("Falling back to heuristic receipt parsing", "error", err)
	}
	return parseReceiptText(raw), TierHeuristic
}

// findJSONObject returns the text from the first { through the last }
func findJSONObject(text string) (string, bool) {
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", false
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return "", false
	}
	return text[startIdx : endIdx+1], true
}

// receiptJSON mirrors ReceiptExtraction with every scalar kept raw so that
// malformed values can be coerced instead of failing the whole decode
type receiptJSON struct {
	StoreName       json.RawMessage   `json:"store_name"`
	TotalAmount     json.RawMessage   `json:"total_amount"`
	TransactionDate json.RawMessage   `json:"transaction_date"`
	Transactions    []json.RawMessage `json:"transactions"`
}

type lineItemJSON struct {
	ItemName        json.RawMessage `json:"item_name"`
	Quantity        json.RawMessage `json:"quantity"`
	UnitPrice       json.RawMessage `json:"unit_price"`
	TotalPrice      json.RawMessage `json:"total_price"`
	Category        json.RawMessage `json:"category"`
	ConfidenceScore json.RawMessage `json:"confidence_score"`
}

// parseReceiptJSON decodes the strict tier. An object without a transactions
// array is not a receipt and reports a decode error.
func parseReceiptJSON(text string) (ReceiptExtraction, error) {
	var data receiptJSON
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return ReceiptExtraction{}, &decodeError{err: err}
	}
	if data.Transactions == nil {
		return ReceiptExtraction{}, &decodeError{err: errMissingTransactions}
	}

	extraction := ReceiptExtraction{
		StoreName:       coerceString(data.StoreName),
		TransactionDate: coerceString(data.TransactionDate),
		Transactions:    make([]LineItem, 0, len(data.Transactions)),
	}
	if total, ok := coerceNumber(data.TotalAmount); ok && total >= 0 {
		extraction.TotalAmount = &total
	}

	for _, rawItem := range data.Transactions {
		var item lineItemJSON
		if err := json.Unmarshal(rawItem, &item); err != nil {
			continue
		}
		if normalized, ok := normalizeItem(item); ok {
			extraction.Transactions = append(extraction.Transactions, normalized)
		}
	}

	return extraction, nil
}

var errMissingTransactions = errors.New("transactions array is missing")

func normalizeItem(item lineItemJSON) (LineItem, bool) {
	name := coerceString(item.ItemName)
	if name == "" {
		return LineItem{}, false
	}
	total, ok := coerceNumber(item.TotalPrice)
	if !ok || total < 0 {
		return LineItem{}, false
	}

	normalized := LineItem{
		ItemName:   name,
		Quantity:   1,
		TotalPrice: total,
		Category:   DefaultCategory,
	}
	if quantity, ok := coerceNumber(item.Quantity); ok && quantity > 0 {
		normalized.Quantity = quantity
	}
	if unit, ok := coerceNumber(item.UnitPrice); ok && unit >= 0 {
		normalized.UnitPrice = &unit
	}
	if category := coerceString(item.Category); category != "" {
		normalized.Category = Category(category)
	}
	if confidence, ok := coerceNumber(item.ConfidenceScore); ok {
		normalized.ConfidenceScore = math.Min(math.Max(confidence, 0), 1)
	}
	return normalized, true
}

func coerceString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

var currencyMarkers = []string{"INR", "Rs.", "Rs", "₹", "$", "€", "£"}

// coerceNumber accepts JSON numbers and numeric strings such as "₹1,234.50".
// Anything else, including null and non-finite values, reports false.
func coerceNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	text := string(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		text = strings.TrimSpace(s)
		for _, marker := range currencyMarkers {
			text = strings.TrimSpace(strings.TrimPrefix(text, marker))
		}
		text = strings.ReplaceAll(text, ",", "")
	}

	d, err := decimal.NewFromString(text)
	if err != nil {
		return 0, false
	}
	f := d.InexactFloat64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}
