package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Currency describes how minor-unit amounts are rendered.
type Currency struct {
	Symbol   string
	Exponent int32
}

// DefaultCurrency is Indian rupees with paise as minor units.
var DefaultCurrency = Currency{Symbol: "₹", Exponent: 2}

// Decimal converts a minor-unit amount into its major-unit decimal value.
func (c Currency) Decimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -c.Exponent)
}

// ToMinor converts a major-unit decimal into minor units, rounding half away from zero.
func (c Currency) ToMinor(major decimal.Decimal) int64 {
	return major.Shift(c.Exponent).Round(0).IntPart()
}

// Format renders an amount such as "₹16,969.00" with thousands grouping.
func (c Currency) Format(minor int64) string {
	s := c.Decimal(minor).StringFixed(c.Exponent)

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteString(c.Symbol)
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteString(frac)
	return b.String()
}
