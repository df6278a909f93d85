package scanning

// PlaceholderExtraction returns the fixed sample receipt substituted when a
// provider quota is exhausted and the caller opted in to degraded results
func PlaceholderExtraction() ReceiptExtraction {
	total := 245.0
	return ReceiptExtraction{
		StoreName:       "Sample Grocery Mart",
		TotalAmount:     &total,
		TransactionDate: "2024-01-15",
		Transactions: []LineItem{
			placeholderItem("Toned Milk 1L", 2, 32, CategoryDairyEggs),
			placeholderItem("Whole Wheat Bread", 1, 45, CategoryBakery),
			placeholderItem("Bananas (6 pcs)", 1, 36, CategoryFruitsVegetables),
			placeholderItem("Basmati Rice 1kg", 1, 100, CategoryPantry),
		},
	}
}

func placeholderItem(name string, quantity, unitPrice float64, category Category) LineItem {
	unit := unitPrice
	return LineItem{
		ItemName:        name,
		Quantity:        quantity,
		UnitPrice:       &unit,
		TotalPrice:      quantity * unitPrice,
		Category:        category,
		ConfidenceScore: 1,
	}
}
