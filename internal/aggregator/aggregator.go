// Package aggregator runs exact computations over one user's transactions.
package aggregator

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-assistant/internal/apperr"
	"github.com/dvloznov/finance-assistant/internal/domain"
)

const (
	DefaultLimit = 5
	MaxLimit     = 20
)

// TransactionSource is the data layer's read contract.
type TransactionSource interface {
	ListTransactions(ctx context.Context, userID string) ([]domain.Transaction, error)
}

// CategoryTotal is one row of a category analysis.
type CategoryTotal struct {
	Category domain.Category `json:"category"`
	Amount   int64           `json:"amount"`
	Count    int             `json:"count"`
	// Percentage of the overall total, two decimals. Rows always add up to exactly 100.
	Percentage decimal.Decimal `json:"percentage"`
}

// Result is the outcome of one operation. Only the fields of that operation are set.
type Result struct {
	Operation    domain.Operation     `json:"operation"`
	Parameters   domain.Parameters    `json:"parameters"`
	Transactions []domain.Transaction `json:"transactions,omitempty"`
	Total        int64                `json:"total"`
	Count        int                  `json:"count"`
	Categories   []CategoryTotal      `json:"categories,omitempty"`
	Max          *domain.Transaction  `json:"max,omitempty"`
	RunnerUp     *domain.Transaction  `json:"runner_up,omitempty"`
}

// Aggregator executes data operations.
type Aggregator struct {
	source       TransactionSource
	defaultLimit int
	maxLimit     int
}

// New returns an aggregator with the given top_n default and cap (0 keeps the built-in values).
func New(source TransactionSource, defaultLimit, maxLimit int) *Aggregator {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	if maxLimit <= 0 {
		maxLimit = MaxLimit
	}
	if defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}
	return &Aggregator{source: source, defaultLimit: defaultLimit, maxLimit: maxLimit}
}

// Execute runs op for userID. An empty filtered set is NO_DATA. Without an
// explicit direction only debits are counted, except for the Salary category.
func (a *Aggregator) Execute(ctx context.Context, userID string, op domain.Operation, params domain.Parameters) (*Result, error) {
	const opName = "Aggregator.Execute"

	if userID == "" {
		return nil, apperr.E(apperr.CodeUserScopeViolation, opName, "a user id is required", nil)
	}
	if !op.Valid() {
		return nil, apperr.Errorf(apperr.CodeInvalidArgument, opName, "unknown operation %q", op)
	}

	params = withDefaultDirection(params)

	all, err := a.source.ListTransactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: list transactions: %w", opName, err)
	}

	matched := make([]domain.Transaction, 0, len(all))
	for _, t := range all {
		if t.UserID != userID {
			return nil, apperr.E(apperr.CodeUserScopeViolation, opName, "data source returned another user's transaction",
				fmt.Errorf("transaction %s belongs to a different user", t.ID))
		}
		if params.Matches(t) {
			matched = append(matched, t)
		}
	}
	if len(matched) == 0 {
		return nil, apperr.E(apperr.CodeNoData, opName, "no matching transactions", nil)
	}

	res := &Result{Operation: op, Parameters: params}
	switch op {
	case domain.OperationTopN:
		limit := a.clampLimit(params.Limit)
		res.Parameters.Limit = limit
		sortByAmount(matched)
		if len(matched) > limit {
			matched = matched[:limit]
		}
		res.Transactions = matched
		res.Count = len(matched)
		res.Total = sum(matched)

	case domain.OperationTotal:
		res.Total = sum(matched)
		res.Count = len(matched)

	case domain.OperationCategoryAnalysis:
		res.Total = sum(matched)
		res.Count = len(matched)
		res.Categories = categoryBreakdown(matched, res.Total)

	case domain.OperationCompareMax:
		sortByAmount(matched)
		res.Max = &matched[0]
		if len(matched) > 1 {
			res.RunnerUp = &matched[1]
		}
		res.Total = sum(matched)
		res.Count = len(matched)
	}
	return res, nil
}

func withDefaultDirection(p domain.Parameters) domain.Parameters {
	if p.Direction != "" {
		return p
	}
	if p.Category == domain.CategorySalary {
		p.Direction = domain.DirectionCredit
	} else {
		p.Direction = domain.DirectionDebit
	}
	return p
}

func (a *Aggregator) clampLimit(n int) int {
	if n <= 0 {
		return a.defaultLimit
	}
	if n > a.maxLimit {
		return a.maxLimit
	}
	return n
}

// sortByAmount orders by amount desc, then most recent date, then id asc.
func sortByAmount(txns []domain.Transaction) {
	slices.SortFunc(txns, func(a, b domain.Transaction) int {
		if c := cmp.Compare(b.Amount, a.Amount); c != 0 {
			return c
		}
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func sum(txns []domain.Transaction) int64 {
	var total int64
	for _, t := range txns {
		total += t.Amount
	}
	return total
}

// categoryBreakdown groups by category, largest first, with percentages in
// basis points distributed by largest remainder so they sum to exactly 100.00.
func categoryBreakdown(txns []domain.Transaction, total int64) []CategoryTotal {
	byCat := map[domain.Category]*CategoryTotal{}
	for _, t := range txns {
		ct, ok := byCat[t.Category]
		if !ok {
			ct = &CategoryTotal{Category: t.Category}
			byCat[t.Category] = ct
		}
		ct.Amount += t.Amount
		ct.Count++
	}

	rows := make([]CategoryTotal, 0, len(byCat))
	for _, ct := range byCat {
		rows = append(rows, *ct)
	}
	slices.SortFunc(rows, func(a, b CategoryTotal) int {
		if c := cmp.Compare(b.Amount, a.Amount); c != 0 {
			return c
		}
		return cmp.Compare(a.Category, b.Category)
	})

	// An all-zero set has no meaningful amount shares; split by count instead.
	weight := func(r CategoryTotal) int64 { return r.Amount }
	denom := total
	if total == 0 {
		weight = func(r CategoryTotal) int64 { return int64(r.Count) }
		denom = int64(len(txns))
	}

	const full = 10000 // basis points
	bps := make([]int64, len(rows))
	rems := make([]int64, len(rows))
	var assigned int64
	for i, r := range rows {
		num := weight(r) * full
		bps[i] = num / denom
		rems[i] = num % denom
		assigned += bps[i]
	}

	order := make([]int, len(rows))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(x, y int) int { return cmp.Compare(rems[y], rems[x]) })
	for k := 0; assigned < full; k++ {
		bps[order[k%len(order)]]++
		assigned++
	}

	for i := range rows {
		rows[i].Percentage = decimal.New(bps[i], -2)
	}
	return rows
}
