package intent

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/dvloznov/finance-assistant/internal/domain"
)

// Classifier maps a query plus recent turns to exactly one plan.
type Classifier interface {
	Classify(ctx context.Context, query string, recent []domain.ConversationTurn) (domain.IntentPlan, error)
}

func wordRe(alts ...string) *regexp.Regexp {
	return regexp.MustCompile(`\b(?:` + strings.Join(alts, "|") + `)\b`)
}

var (
	topNRe       = regexp.MustCompile(`\btop\b|\b(?:largest|biggest|highest|first)\s+(?:\d+|two|three|four|five|six|seven|eight|nine|ten)\b`)
	compareMaxRe = wordRe(`most expensive`, `single (?:largest|biggest)`, `(?:largest|biggest|highest) (?:purchase|transaction|expense|payment|spend)`, `maximum`, `max`, `compare`)
	categoryRe   = wordRe(`breakdown`, `break down`, `by category`, `per category`, `categories`, `category wise`, `where does my money go`, `where did my money go`, `distribution`)
	totalRe      = wordRe(`how much`, `total`, `sum`, `spent`, `spend on`, `altogether`)
	knowledgeRe  = wordRe(`patterns?`, `insights?`, `habits?`, `trends?`, `unusual`, `advice`, `suggest`, `recommend\w*`, `tips?`, `saving`, `save`, `analy[sz]e`, `anything (?:odd|strange|weird)`)
	simpleRe     = wordRe(`hi`, `hello`, `hey`, `hiya`, `good (?:morning|afternoon|evening)`, `thanks`, `thank you`, `thx`, `bye`, `goodbye`, `see you`, `help`, `what can you do`, `who are you`, `my name`, `ok`, `okay`, `cool`, `great`)
	followUpRe   = regexp.MustCompile(`^(?:what about|how about|and|same for|what if|now)\b`)
)

// RuleClassifier is the offline classifier. It is deterministic and never fails.
type RuleClassifier struct {
	now      func() time.Time
	currency domain.Currency
}

// NewRuleClassifier returns a classifier resolving relative dates with now.
func NewRuleClassifier(now func() time.Time, cur domain.Currency) *RuleClassifier {
	if now == nil {
		now = time.Now
	}
	return &RuleClassifier{now: now, currency: cur}
}

func (c *RuleClassifier) Classify(ctx context.Context, query string, recent []domain.ConversationTurn) (domain.IntentPlan, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	hints := ParseHints(q, c.now(), c.currency)

	if op, ok := detectOperation(q, hints); ok {
		return domain.DataPlan(op, hints), nil
	}
	if knowledgeRe.MatchString(q) {
		return domain.KnowledgePlan(topicOf(q), hints), nil
	}
	if simpleRe.MatchString(q) {
		return domain.SimplePlan(), nil
	}

	if prev, ok := lastDataTurn(recent); ok && followUpRe.MatchString(q) {
		prevHints := ParseHints(prev.Query, c.now(), c.currency)
		return domain.DataPlan(prev.Operation, hints.Merge(prevHints)), nil
	}

	return domain.KnowledgePlan(topicOf(q), hints), nil
}

func detectOperation(q string, hints domain.Parameters) (domain.Operation, bool) {
	switch {
	case topNRe.MatchString(q) || hints.Limit > 0:
		return domain.OperationTopN, true
	case compareMaxRe.MatchString(q):
		return domain.OperationCompareMax, true
	case categoryRe.MatchString(q):
		return domain.OperationCategoryAnalysis, true
	case totalRe.MatchString(q):
		return domain.OperationTotal, true
	}
	return "", false
}

func lastDataTurn(recent []domain.ConversationTurn) (domain.ConversationTurn, bool) {
	if len(recent) == 0 {
		return domain.ConversationTurn{}, false
	}
	last := recent[len(recent)-1]
	return last, last.Intent == domain.IntentDataQuery && last.Operation.Valid()
}

func topicOf(q string) string {
	switch {
	case strings.Contains(q, "unusual") || strings.Contains(q, "odd") || strings.Contains(q, "strange"):
		return "anomalies"
	case strings.Contains(q, "save") || strings.Contains(q, "saving") || strings.Contains(q, "tip") || strings.Contains(q, "advice"):
		return "saving_advice"
	case strings.Contains(q, "pattern") || strings.Contains(q, "habit") || strings.Contains(q, "trend"):
		return "spending_patterns"
	}
	return "general"
}
