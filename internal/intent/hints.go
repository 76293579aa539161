package intent

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-assistant/internal/domain"
)

var months = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may":  time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

var (
	monthRe   = regexp.MustCompile(`\b(?:(in|for|during|of|since)\s+)?(january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sept|sep|oct|nov|dec)\b(?:\s+(\d{4}))?`)
	lastDays  = regexp.MustCompile(`\b(?:last|past)\s+(\d{1,3})\s+days?\b`)
	limitRe   = regexp.MustCompile(`\b(?:top|first|largest|biggest|highest|show(?:\s+me)?)\s+(\d{1,3}|one|two|three|four|five|six|seven|eight|nine|ten)\b`)
	amountNum = `(?:₹|rs\.?|inr)?\s*([\d,]+(?:\.\d+)?)`
	minRe     = regexp.MustCompile(`\b(?:above|over|more than|greater than|at least)\s+` + amountNum)
	maxRe     = regexp.MustCompile(`\b(?:below|under|less than|at most)\s+` + amountNum)
	betweenRe = regexp.MustCompile(`\bbetween\s+` + amountNum + `\s+and\s+` + amountNum)
)

var (
	debitWords  = []string{"spend", "spent", "spending", "expense", "expenses", "paid", "pay", "bought", "purchase", "purchases"}
	creditWords = []string{"earn", "earned", "earning", "earnings", "income", "received", "credited", "salary"}
)

// ParseHints extracts filters a query states explicitly. It never guesses:
// anything not literally present stays unset.
func ParseHints(query string, now time.Time, cur domain.Currency) domain.Parameters {
	q := strings.ToLower(query)
	words := tokenize(q)
	today := civil.DateOf(now)

	var p domain.Parameters

	for _, w := range words {
		if w == "other" {
			continue
		}
		if c, ok := domain.ParseCategory(w); ok {
			p.Category = c
			break
		}
	}

	if dr, ok := parseDateRange(q, today); ok {
		p.DateRange = &dr
	}

	if m := limitRe.FindStringSubmatch(q); m != nil {
		if n, ok := numberWords[m[1]]; ok {
			p.Limit = n
		} else if n, err := strconv.Atoi(m[1]); err == nil {
			p.Limit = n
		}
	}

	if m := betweenRe.FindStringSubmatch(q); m != nil {
		lo, okLo := parseAmount(m[1], cur)
		hi, okHi := parseAmount(m[2], cur)
		if okLo && okHi {
			if lo > hi {
				lo, hi = hi, lo
			}
			p.MinAmount, p.MaxAmount = &lo, &hi
		}
	} else {
		if m := minRe.FindStringSubmatch(q); m != nil {
			if v, ok := parseAmount(m[1], cur); ok {
				p.MinAmount = &v
			}
		}
		if m := maxRe.FindStringSubmatch(q); m != nil {
			if v, ok := parseAmount(m[1], cur); ok {
				p.MaxAmount = &v
			}
		}
	}

	debit, credit := containsAny(words, debitWords), containsAny(words, creditWords)
	switch {
	case debit && !credit:
		p.Direction = domain.DirectionDebit
	case credit && !debit:
		p.Direction = domain.DirectionCredit
	}

	return p
}

// ResolvePreset turns a named relative range into calendar dates.
func ResolvePreset(name string, today civil.Date) (domain.DateRange, bool) {
	firstOfMonth := civil.Date{Year: today.Year, Month: today.Month, Day: 1}
	monday := today.AddDays(-((int(today.In(time.UTC).Weekday()) + 6) % 7))

	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_") {
	case "today":
		return domain.DateRange{Start: today, End: today}, true
	case "yesterday":
		y := today.AddDays(-1)
		return domain.DateRange{Start: y, End: y}, true
	case "this_month":
		return domain.DateRange{Start: firstOfMonth, End: today}, true
	case "last_month":
		start := firstOfMonth.AddMonths(-1)
		return domain.DateRange{Start: start, End: firstOfMonth.AddDays(-1)}, true
	case "this_week":
		return domain.DateRange{Start: monday, End: today}, true
	case "last_week":
		return domain.DateRange{Start: monday.AddDays(-7), End: monday.AddDays(-1)}, true
	case "this_year":
		return domain.DateRange{Start: civil.Date{Year: today.Year, Month: time.January, Day: 1}, End: today}, true
	case "last_year":
		return domain.DateRange{
			Start: civil.Date{Year: today.Year - 1, Month: time.January, Day: 1},
			End:   civil.Date{Year: today.Year - 1, Month: time.December, Day: 31},
		}, true
	}
	return domain.DateRange{}, false
}

// Presets lists the names ResolvePreset accepts in model output.
var Presets = []string{"today", "yesterday", "this_week", "last_week", "this_month", "last_month", "this_year", "last_year"}

func parseDateRange(q string, today civil.Date) (domain.DateRange, bool) {
	for _, phrase := range []string{"last month", "this month", "last week", "this week", "yesterday", "today"} {
		if strings.Contains(q, phrase) {
			return ResolvePreset(phrase, today)
		}
	}

	if m := lastDays.FindStringSubmatch(q); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return domain.DateRange{Start: today.AddDays(-(n - 1)), End: today}, true
		}
	}

	for _, m := range monthRe.FindAllStringSubmatch(q, -1) {
		prep, name, year := m[1], m[2], m[3]
		// "may" is usually the verb unless a preposition or a year pins it down.
		if name == "may" && prep == "" && year == "" {
			continue
		}
		month := months[name]

		y := today.Year
		switch {
		case year != "":
			y, _ = strconv.Atoi(year)
		case strings.Contains(q, "last year"):
			y--
		case month > today.Month:
			y--
		}
		start := civil.Date{Year: y, Month: month, Day: 1}
		return domain.DateRange{Start: start, End: start.AddMonths(1).AddDays(-1)}, true
	}

	for _, phrase := range []string{"last year", "this year"} {
		if strings.Contains(q, phrase) {
			return ResolvePreset(phrase, today)
		}
	}
	return domain.DateRange{}, false
}

func parseAmount(s string, cur domain.Currency) (int64, bool) {
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
	if err != nil || d.IsNegative() {
		return 0, false
	}
	return cur.ToMinor(d), true
}

func tokenize(q string) []string {
	return strings.FieldsFunc(q, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '\''
	})
}

func containsAny(words, set []string) bool {
	for _, w := range words {
		for _, s := range set {
			if w == s {
				return true
			}
		}
	}
	return false
}
