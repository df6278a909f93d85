package scanning

import "strings"

// receiptScanPrompt is the shared instruction sent to every provider
var receiptScanPrompt = `Analyze this grocery receipt image and extract all transactions. For each item, provide:
1. Item name
2. Quantity (if specified)
3. Unit price (if specified)
4. Total price for that item
5. Category (choose from: ` + categoryList() + `)
6. Confidence score (0-1)

Also extract:
- Store name
- Total amount
- Transaction date (if visible)

Return the data in this exact JSON format:
{
  "store_name": "Store Name",
  "total_amount": 123.45,
  "transaction_date": "2024-01-15",
  "transactions": [
    {
      "item_name": "Item Name",
      "quantity": 1,
      "unit_price": 10.00,
      "total_price": 10.00,
      "category": "Category Name",
      "confidence_score": 0.95
    }
  ]
}

Important:
- Amounts must be numbers (not strings), in the receipt's currency (usually Indian Rupees)
- Use null for any field you cannot read
- Do not include any text before or after the JSON`

const receiptSystemPrompt = "You are an expert at reading grocery receipts. You carefully read every line of the image and report only what is printed on it."

func categoryList() string {
	names := make([]string, 0, len(Categories()))
	for _, c := range Categories() {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}
