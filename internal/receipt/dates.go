package receipt

import (
	"strings"
	"time"

	"github.com/denysvitali/go-datesfinder"
)

// transactionDateLayouts are tried in order. Day-first comes before
// month-first since most receipts we see are Indian.
var transactionDateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
	"02-01-2006",
	"02/01/06",
	"2/1/2006",
}

// normalizeTransactionDate turns the printed date into a time, or nil when
// nothing date-like can be found.
func normalizeTransactionDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range transactionDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}

	dates, _ := datesfinder.FindDates(raw)
	if len(dates) == 0 {
		return nil
	}
	t := dates[0]
	return &t
}
