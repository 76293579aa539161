package domain

import (
	"strings"

	"cloud.google.com/go/civil"
)

// Category is one of the eight spending/income categories a transaction can carry.
type Category string

const (
	CategoryFood          Category = "Food"
	CategoryShopping      Category = "Shopping"
	CategoryRent          Category = "Rent"
	CategorySalary        Category = "Salary"
	CategoryUtilities     Category = "Utilities"
	CategoryEntertainment Category = "Entertainment"
	CategoryTravel        Category = "Travel"
	CategoryOthers        Category = "Others"
)

// Categories lists every valid category in display order.
var Categories = []Category{
	CategoryFood,
	CategoryShopping,
	CategoryRent,
	CategorySalary,
	CategoryUtilities,
	CategoryEntertainment,
	CategoryTravel,
	CategoryOthers,
}

// categorySynonyms maps everyday words onto the closed category set.
var categorySynonyms = map[string]Category{
	"food":          CategoryFood,
	"dining":        CategoryFood,
	"restaurant":    CategoryFood,
	"restaurants":   CategoryFood,
	"groceries":     CategoryFood,
	"grocery":       CategoryFood,
	"shopping":      CategoryShopping,
	"rent":          CategoryRent,
	"salary":        CategorySalary,
	"utilities":     CategoryUtilities,
	"utility":       CategoryUtilities,
	"bills":         CategoryUtilities,
	"electricity":   CategoryUtilities,
	"water":         CategoryUtilities,
	"gas":           CategoryUtilities,
	"entertainment": CategoryEntertainment,
	"movies":        CategoryEntertainment,
	"streaming":     CategoryEntertainment,
	"travel":        CategoryTravel,
	"transport":     CategoryTravel,
	"cab":           CategoryTravel,
	"flight":        CategoryTravel,
	"flights":       CategoryTravel,
	"others":        CategoryOthers,
	"other":         CategoryOthers,
}

// ParseCategory resolves a category name or synonym, ignoring case and surrounding whitespace.
func ParseCategory(s string) (Category, bool) {
	c, ok := categorySynonyms[strings.ToLower(strings.TrimSpace(s))]
	return c, ok
}

// CategorySynonyms returns the words ParseCategory understands.
func CategorySynonyms() []string {
	words := make([]string, 0, len(categorySynonyms))
	for w := range categorySynonyms {
		words = append(words, w)
	}
	return words
}

// Direction tells whether money left (debit) or entered (credit) the account.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// ParseDirection accepts the spellings used by the data layer and by the model.
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debit", "out", "expense", "expenses", "spend":
		return DirectionDebit, true
	case "credit", "in", "income", "earning", "earnings":
		return DirectionCredit, true
	}
	return "", false
}

// Transaction is one immutable record of a user's history.
// Amount is a positive magnitude in currency minor units; Direction carries the sign.
type Transaction struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Amount      int64      `json:"amount"`
	Category    Category   `json:"category"`
	Description string     `json:"description"`
	Date        civil.Date `json:"date"`
	Direction   Direction  `json:"direction"`
}

// DateRange is an inclusive calendar range.
type DateRange struct {
	Start civil.Date `json:"start"`
	End   civil.Date `json:"end"`
}

// Contains reports whether d falls within the range, both ends included.
func (r DateRange) Contains(d civil.Date) bool {
	return !d.Before(r.Start) && !d.After(r.End)
}

// Valid reports whether both ends are set and ordered.
func (r DateRange) Valid() bool {
	return r.Start.IsValid() && r.End.IsValid() && !r.End.Before(r.Start)
}
