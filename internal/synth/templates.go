package synth

import (
	"fmt"
	"strings"

	"github.com/dvloznov/finance-assistant/internal/aggregator"
	"github.com/dvloznov/finance-assistant/internal/domain"
)

// Formatter renders results as deterministic Markdown.
type Formatter struct {
	Currency domain.Currency
}

func (f Formatter) money(minor int64) string {
	return "**" + f.Currency.Format(minor) + "**"
}

func (f Formatter) line(t domain.Transaction) string {
	return fmt.Sprintf("%s for **%s** on %s", f.money(t.Amount), t.Description, t.Date)
}

func flowNoun(p domain.Parameters) string {
	switch p.Direction {
	case domain.DirectionCredit:
		return "income"
	case domain.DirectionDebit:
		return "spending"
	}
	return "transactions"
}

func scopeSuffix(p domain.Parameters) string {
	var parts []string
	if p.Category != "" {
		parts = append(parts, "on "+string(p.Category))
	}
	if p.DateRange != nil {
		parts = append(parts, fmt.Sprintf("from %s to %s", p.DateRange.Start, p.DateRange.End))
	}
	if len(parts) == 0 {
		return ""
	}
	return " " + strings.Join(parts, " ")
}

// Aggregation renders one aggregation result.
func (f Formatter) Aggregation(r *aggregator.Result) string {
	var b strings.Builder
	switch r.Operation {
	case domain.OperationTopN:
		noun := "transactions"
		if r.Parameters.Direction == domain.DirectionDebit {
			noun = "expenses"
		}
		fmt.Fprintf(&b, "Here are your top %d %s%s:\n\n", len(r.Transactions), noun, scopeSuffix(r.Parameters))
		for i, t := range r.Transactions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, f.line(t))
		}

	case domain.OperationTotal:
		fmt.Fprintf(&b, "**Total %s**%s: %s across %d transaction%s.",
			flowNoun(r.Parameters), scopeSuffix(r.Parameters), f.Currency.Format(r.Total), r.Count, plural(r.Count))

	case domain.OperationCategoryAnalysis:
		fmt.Fprintf(&b, "Your %s by category%s (total %s):\n\n", flowNoun(r.Parameters), scopeSuffix(r.Parameters), f.money(r.Total))
		for _, c := range r.Categories {
			fmt.Fprintf(&b, "• **%s**: %s (%s%%, %d transaction%s)\n",
				c.Category, f.Currency.Format(c.Amount), c.Percentage.StringFixed(1), c.Count, plural(c.Count))
		}

	case domain.OperationCompareMax:
		fmt.Fprintf(&b, "Your largest transaction%s was %s.", scopeSuffix(r.Parameters), f.line(*r.Max))
		if r.RunnerUp != nil {
			fmt.Fprintf(&b, "\n\nThe next largest was %s.", f.line(*r.RunnerUp))
		}
	}
	return strings.TrimSpace(b.String())
}

// Documents renders retrieved transactions with a category summary.
func (f Formatter) Documents(docs []domain.RetrievedDocument) string {
	var b strings.Builder
	b.WriteString("Here are the transactions most related to your question:\n\n")

	shown := docs
	if len(shown) > 5 {
		shown = shown[:5]
	}
	for i, d := range shown {
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, f.line(d.Transaction), d.Transaction.Category)
	}

	totals := map[domain.Category]int64{}
	var order []domain.Category
	for _, d := range docs {
		if _, ok := totals[d.Transaction.Category]; !ok {
			order = append(order, d.Transaction.Category)
		}
		totals[d.Transaction.Category] += d.Transaction.Amount
	}
	if len(order) > 1 {
		b.WriteString("\nBy category:\n")
		for _, c := range order {
			fmt.Fprintf(&b, "• **%s**: %s\n", c, f.Currency.Format(totals[c]))
		}
	}
	return strings.TrimSpace(b.String())
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
