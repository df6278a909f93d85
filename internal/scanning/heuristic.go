package scanning

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// HeuristicConfidence is assigned to every line item recovered from plain text
const HeuristicConfidence = 0.7

var (
	totalPattern = regexp.MustCompile(`(?i)total.*?(\d+\.?\d*)`)
	datePattern  = regexp.MustCompile(`(\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4})`)
	itemPattern  = regexp.MustCompile(`(.+?)\s+(\d+\.?\d*)`)
)

var storeMarkers = []string{"store", "mart", "supermarket"}

// parseReceiptText recovers what it can from free text, one line at a time.
// Each check runs independently, so one line may set the store name and also
// become an item. Scalars are last-match-wins.
func parseReceiptText(content string) ReceiptExtraction {
	extraction := ReceiptExtraction{
		Transactions: make([]LineItem, 0),
	}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSuffix(line, "\r")
		lower := strings.ToLower(line)

		for _, marker := range storeMarkers {
			if strings.Contains(lower, marker) {
				extraction.StoreName = strings.TrimSpace(line)
				break
			}
		}

		if m := totalPattern.FindStringSubmatch(line); m != nil {
			if total, ok := parsePrice(m[1]); ok {
				extraction.TotalAmount = &total
			}
		}

		if m := datePattern.FindStringSubmatch(line); m != nil {
			extraction.TransactionDate = m[1]
		}

		if strings.Contains(lower, "total") {
			continue
		}
		if m := itemPattern.FindStringSubmatch(line); m != nil {
			name := strings.TrimSpace(m[1])
			price, ok := parsePrice(m[2])
			if name == "" || !ok || price <= 0 {
				continue
			}
			unit := price
			extraction.Transactions = append(extraction.Transactions, LineItem{
				ItemName:        name,
				Quantity:        1,
				UnitPrice:       &unit,
				TotalPrice:      price,
				Category:        DefaultCategory,
				ConfidenceScore: HeuristicConfidence,
			})
		}
	}

	return extraction
}

func parsePrice(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSuffix(s, "."), 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}
