package receipt

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const (
	transactionsSheet = "Transactions"
	categoriesSheet   = "Categories"
)

var (
	transactionsHeader = []any{"Date", "Store", "Item", "Category", "Quantity", "Unit Price", "Total Price", "Confidence", "Receipt ID"}
	categoriesHeader   = []any{"Category", "Transactions", "Total Spent", "Average Price"}
)

// ExportTransactions writes every transaction as an XLSX workbook with a
// per-category summary sheet.
func (s *Service) ExportTransactions(w io.Writer) error {
	transactions, err := s.db.ListAllTransactions()
	if err != nil {
		return fmt.Errorf("listing transactions: %w", err)
	}
	receipts, err := s.db.ListReceipts()
	if err != nil {
		return fmt.Errorf("listing receipts: %w", err)
	}
	receiptsByID := make(map[string]*Receipt, len(receipts))
	for _, r := range receipts {
		receiptsByID[r.ID] = r
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", transactionsSheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}
	if _, err := f.NewSheet(categoriesSheet); err != nil {
		return fmt.Errorf("creating sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating header style: %w", err)
	}

	rows := make([][]any, 0, len(transactions))
	for _, t := range transactions {
		var date, store string
		if r, ok := receiptsByID[t.ReceiptID]; ok {
			store = r.StoreName
			date = r.TransactionDate
			if r.TransactionTime != nil {
				date = r.TransactionTime.Format("2006-01-02")
			}
		}
		var unitPrice any
		if t.UnitPrice.Valid {
			unitPrice = t.UnitPrice.Decimal.InexactFloat64()
		}
		rows = append(rows, []any{
			date,
			store,
			t.ItemName,
			categoryName(t.Category),
			t.Quantity,
			unitPrice,
			t.TotalPrice.InexactFloat64(),
			t.ConfidenceScore,
			t.ReceiptID,
		})
	}
	if err := writeSheet(f, transactionsSheet, headerStyle, transactionsHeader, rows); err != nil {
		return err
	}

	categories, _ := summarize(transactions)
	rows = make([][]any, 0, len(categories))
	for _, c := range categories {
		rows = append(rows, []any{
			c.Category,
			c.TransactionCount,
			c.TotalSpent.InexactFloat64(),
			c.AvgPrice.InexactFloat64(),
		})
	}
	if err := writeSheet(f, categoriesSheet, headerStyle, categoriesHeader, rows); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, headerStyle int, header []any, rows [][]any) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("writing %s header: %w", sheet, err)
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("styling %s header: %w", sheet, err)
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("writing %s row %d: %w", sheet, i+2, err)
		}
	}
	return nil
}
