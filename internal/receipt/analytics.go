package receipt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultAnalyticsDays = 30

	uncategorized = "Uncategorized"
	noTopCategory = "None"
)

// CategoryAnalytics aggregates spending for one category
type CategoryAnalytics struct {
	Category         string          `json:"category"`
	TransactionCount int             `json:"transaction_count"`
	TotalSpent       decimal.Decimal `json:"total_spent"`
	AvgPrice         decimal.Decimal `json:"avg_price"`
}

// AnalyticsSummary aggregates spending across all categories
type AnalyticsSummary struct {
	TotalSpent          decimal.Decimal `json:"total_spent"`
	TotalTransactions   int             `json:"total_transactions"`
	AvgTransactionValue decimal.Decimal `json:"avg_transaction_value"`
	TopCategory         string          `json:"top_category"`
}

// Analytics is the spending breakdown over a trailing window
type Analytics struct {
	Days       int                 `json:"days"`
	Since      time.Time           `json:"since"`
	Categories []CategoryAnalytics `json:"categories"`
	Summary    AnalyticsSummary    `json:"summary"`
}

// Analytics summarizes transactions created within the last days days.
// A non-positive window falls back to DefaultAnalyticsDays.
func (s *Service) Analytics(days int) (*Analytics, error) {
	if days <= 0 {
		days = DefaultAnalyticsDays
	}
	since := s.timeSource.Now().AddDate(0, 0, -days)

	all, err := s.db.ListAllTransactions()
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}

	recent := make([]*Transaction, 0, len(all))
	for _, t := range all {
		if !t.CreatedAt.Before(since) {
			recent = append(recent, t)
		}
	}

	categories, summary := summarize(recent)
	return &Analytics{
		Days:       days,
		Since:      since,
		Categories: categories,
		Summary:    summary,
	}, nil
}

func categoryName(category string) string {
	if category = strings.TrimSpace(category); category == "" {
		return uncategorized
	}
	return category
}

// summarize groups transactions by category, largest spend first
func summarize(transactions []*Transaction) ([]CategoryAnalytics, AnalyticsSummary) {
	byCategory := make(map[string]*CategoryAnalytics)
	total := decimal.Zero
	for _, t := range transactions {
		name := categoryName(t.Category)
		entry, ok := byCategory[name]
		if !ok {
			entry = &CategoryAnalytics{Category: name, TotalSpent: decimal.Zero}
			byCategory[name] = entry
		}
		entry.TransactionCount++
		entry.TotalSpent = entry.TotalSpent.Add(t.TotalPrice)
		total = total.Add(t.TotalPrice)
	}

	categories := make([]CategoryAnalytics, 0, len(byCategory))
	for _, entry := range byCategory {
		entry.AvgPrice = average(entry.TotalSpent, entry.TransactionCount)
		categories = append(categories, *entry)
	}
	sort.Slice(categories, func(i, j int) bool {
		if cmp := categories[i].TotalSpent.Cmp(categories[j].TotalSpent); cmp != 0 {
			return cmp > 0
		}
		return categories[i].Category < categories[j].Category
	})

	summary := AnalyticsSummary{
		TotalSpent:          total,
		TotalTransactions:   len(transactions),
		AvgTransactionValue: average(total, len(transactions)),
		TopCategory:         noTopCategory,
	}
	if len(categories) > 0 {
		summary.TopCategory = categories[0].Category
	}
	return categories, summary
}

func average(total decimal.Decimal, count int) decimal.Decimal {
	if count == 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(int64(count))).Round(2)
}
