package bigquery

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-assistant/internal/domain"
)

// TransactionRow is one row of the transactions table.
type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED
	UserID        string `bigquery:"user_id"`        // REQUIRED

	TransactionDate civil.Date `bigquery:"transaction_date"` // REQUIRED

	Amount   *big.Rat `bigquery:"amount"`   // REQUIRED NUMERIC, major units, always positive
	Currency string   `bigquery:"currency"` // REQUIRED STRING

	Direction    string `bigquery:"direction"`     // REQUIRED: debit | credit
	Description  string `bigquery:"description"`   // REQUIRED STRING
	CategoryName string `bigquery:"category_name"` // REQUIRED, one of the eight categories

	CreatedTS time.Time              `bigquery:"created_ts"` // REQUIRED (default CURRENT_TIMESTAMP)
	UpdatedTS bigquery.NullTimestamp `bigquery:"updated_ts"` // NULLABLE
}

// ToDomain converts the row. Amounts are rounded to the currency's minor unit.
func (r *TransactionRow) ToDomain(cur domain.Currency) (domain.Transaction, error) {
	if r.Amount == nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s: missing amount", r.TransactionID)
	}
	major, err := decimal.NewFromString(r.Amount.FloatString(int(cur.Exponent)))
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s: amount: %w", r.TransactionID, err)
	}
	cat, ok := domain.ParseCategory(r.CategoryName)
	if !ok {
		return domain.Transaction{}, fmt.Errorf("transaction %s: unknown category %q", r.TransactionID, r.CategoryName)
	}
	dir, ok := domain.ParseDirection(r.Direction)
	if !ok {
		return domain.Transaction{}, fmt.Errorf("transaction %s: unknown direction %q", r.TransactionID, r.Direction)
	}

	return domain.Transaction{
		ID:          r.TransactionID,
		UserID:      r.UserID,
		Amount:      cur.ToMinor(major.Abs()),
		Category:    cat,
		Description: strings.TrimSpace(r.Description),
		Date:        r.TransactionDate,
		Direction:   dir,
	}, nil
}

// RowFromDomain builds an insertable row. currencyCode is stored as-is (e.g. "INR").
func RowFromDomain(t domain.Transaction, cur domain.Currency, currencyCode string, now time.Time) *TransactionRow {
	return &TransactionRow{
		TransactionID:   t.ID,
		UserID:          t.UserID,
		TransactionDate: t.Date,
		Amount:          cur.Decimal(t.Amount).Rat(),
		Currency:        currencyCode,
		Direction:       string(t.Direction),
		Description:     t.Description,
		CategoryName:    string(t.Category),
		CreatedTS:       now.UTC(),
	}
}
