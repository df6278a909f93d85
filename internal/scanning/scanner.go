package scanning

import "context"

// MaxCompletionTokens bounds the size of every provider completion
const MaxCompletionTokens = 2000

// Category is a grocery spending category
type Category string

const (
	CategoryFruitsVegetables Category = "Fruits & Vegetables"
	CategoryDairyEggs        Category = "Dairy & Eggs"
	CategoryMeatFish         Category = "Meat & Fish"
	CategoryBakery           Category = "Bakery"
	CategoryPantry           Category = "Pantry"
	CategoryBeverages        Category = "Beverages"
	CategorySnacks           Category = "Snacks"
	CategoryFrozenFoods      Category = "Frozen Foods"
	CategoryHousehold        Category = "Household"
	CategoryPersonalCare     Category = "Personal Care"
)

// DefaultCategory is used when a line item has no category
const DefaultCategory = CategoryPantry

// Categories returns the closed category list in display order
func Categories() []Category {
	return []Category{
		CategoryFruitsVegetables,
		CategoryDairyEggs,
		CategoryMeatFish,
		CategoryBakery,
		CategoryPantry,
		CategoryBeverages,
		CategorySnacks,
		CategoryFrozenFoods,
		CategoryHousehold,
		CategoryPersonalCare,
	}
}

// Known reports whether c is one of the closed categories
func (c Category) Known() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// LineItem is a single purchased item recovered from a receipt
type LineItem struct {
	ItemName        string   `json:"item_name"`
	Quantity        float64  `json:"quantity"`
	UnitPrice       *float64 `json:"unit_price"`
	TotalPrice      float64  `json:"total_price"`
	Category        Category `json:"category"`
	ConfidenceScore float64  `json:"confidence_score"`
}

// ReceiptExtraction contains everything recovered from one receipt image.
// It is a transient value; identity is assigned by whoever persists it.
type ReceiptExtraction struct {
	StoreName       string     `json:"store_name"`
	TotalAmount     *float64   `json:"total_amount"`
	TransactionDate string     `json:"transaction_date"`
	Transactions    []LineItem `json:"transactions"`
}

// Extractor sends an image to a vision-capable model and returns its raw text reply
type Extractor interface {
	// Extract makes exactly one outbound call. imageData is PNG encoded.
	Extract(ctx context.Context, imageData []byte, credential string) (string, error)
}
