package receipt

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status tracks whether a receipt has been through extraction
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
)

// Receipt represents an uploaded receipt and the summary extracted from it
type Receipt struct {
	ID               string              `json:"id"`
	Filename         string              `json:"filename"`
	OriginalFilename string              `json:"original_filename"`
	ContentType      string              `json:"content_type"`
	StoreName        string              `json:"store_name"`
	TotalAmount      decimal.NullDecimal `json:"total_amount"`
	TransactionDate  string              `json:"transaction_date"` // as printed on the receipt
	TransactionTime  *time.Time          `json:"transaction_time,omitempty"`
	Status           Status              `json:"status"`
	Placeholder      bool                `json:"placeholder"`
	ProcessedAt      *time.Time          `json:"processed_at,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Transaction is one purchased line item belonging to a receipt
type Transaction struct {
	ID              string              `json:"id"`
	ReceiptID       string              `json:"receipt_id"`
	Position        int                 `json:"position"` // index on the receipt
	ItemName        string              `json:"item_name"`
	Quantity        float64             `json:"quantity"`
	UnitPrice       decimal.NullDecimal `json:"unit_price"`
	TotalPrice      decimal.Decimal     `json:"total_price"`
	Category        string              `json:"category"`
	ConfidenceScore float64             `json:"confidence_score"`
	CreatedAt       time.Time           `json:"created_at"`
}

// Settings holds the single account's preferences
type Settings struct {
	Name       string    `json:"name"`
	AIProvider string    `json:"ai_provider"`
	APIKey     string    `json:"api_key"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ReceiptDetail is a receipt together with its line items
type ReceiptDetail struct {
	*Receipt
	Transactions    []*Transaction  `json:"transactions"`
	CalculatedTotal decimal.Decimal `json:"calculated_total"`
}

func newReceiptDetail(receipt *Receipt, transactions []*Transaction) *ReceiptDetail {
	if transactions == nil {
		transactions = []*Transaction{}
	}
	total := decimal.Zero
	for _, t := range transactions {
		total = total.Add(t.TotalPrice)
	}
	return &ReceiptDetail{
		Receipt:         receipt,
		Transactions:    transactions,
		CalculatedTotal: total,
	}
}
