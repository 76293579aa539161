package domain

import (
	"fmt"
)

// Intent is the coarse class of a query; it picks the retrieval strategy.
type Intent string

const (
	IntentSimpleResponse Intent = "simple_response"
	IntentDataQuery      Intent = "data_query"
	IntentKnowledgeQuery Intent = "knowledge_query"
)

// Intents lists the closed set of intents.
var Intents = []Intent{IntentSimpleResponse, IntentDataQuery, IntentKnowledgeQuery}

// Valid reports whether i is one of the known intents.
func (i Intent) Valid() bool {
	switch i {
	case IntentSimpleResponse, IntentDataQuery, IntentKnowledgeQuery:
		return true
	}
	return false
}

// Operation is the structured computation a data query runs.
type Operation string

const (
	OperationTopN             Operation = "top_n"
	OperationTotal            Operation = "total"
	OperationCategoryAnalysis Operation = "category_analysis"
	OperationCompareMax       Operation = "compare_max"
)

// Operations lists the closed set of data operations.
var Operations = []Operation{OperationTopN, OperationTotal, OperationCategoryAnalysis, OperationCompareMax}

// Valid reports whether o is one of the known operations.
func (o Operation) Valid() bool {
	switch o {
	case OperationTopN, OperationTotal, OperationCategoryAnalysis, OperationCompareMax:
		return true
	}
	return false
}

// Parameters narrow a data operation or a retrieval. Zero values mean "not set".
type Parameters struct {
	Category  Category   `json:"category,omitempty"`
	DateRange *DateRange `json:"date_range,omitempty"`
	Direction Direction  `json:"direction,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	MinAmount *int64     `json:"min_amount,omitempty"`
	MaxAmount *int64     `json:"max_amount,omitempty"`
}

// Merge fills every unset field of p from other and returns the result.
func (p Parameters) Merge(other Parameters) Parameters {
	if p.Category == "" {
		p.Category = other.Category
	}
	if p.DateRange == nil {
		p.DateRange = other.DateRange
	}
	if p.Direction == "" {
		p.Direction = other.Direction
	}
	if p.Limit == 0 {
		p.Limit = other.Limit
	}
	if p.MinAmount == nil {
		p.MinAmount = other.MinAmount
	}
	if p.MaxAmount == nil {
		p.MaxAmount = other.MaxAmount
	}
	return p
}

// Matches reports whether t satisfies every set filter. Limit is ignored.
func (p Parameters) Matches(t Transaction) bool {
	if p.Category != "" && t.Category != p.Category {
		return false
	}
	if p.Direction != "" && t.Direction != p.Direction {
		return false
	}
	if p.DateRange != nil && !p.DateRange.Contains(t.Date) {
		return false
	}
	if p.MinAmount != nil && t.Amount < *p.MinAmount {
		return false
	}
	if p.MaxAmount != nil && t.Amount > *p.MaxAmount {
		return false
	}
	return true
}

// IntentPlan is the classifier's decision: exactly one intent and, for data
// queries, the operation to run. Construct it with SimplePlan, DataPlan or KnowledgePlan.
type IntentPlan struct {
	Intent     Intent     `json:"intent"`
	Operation  Operation  `json:"operation,omitempty"`
	Parameters Parameters `json:"parameters"`
	Topic      string     `json:"topic,omitempty"`
	// Defaulted is set when the plan is the catch-all used after classification failed.
	Defaulted bool `json:"defaulted,omitempty"`
}

// SimplePlan is a greeting/help/small-talk plan.
func SimplePlan() IntentPlan {
	return IntentPlan{Intent: IntentSimpleResponse}
}

// DataPlan is a structured aggregation plan.
func DataPlan(op Operation, params Parameters) IntentPlan {
	return IntentPlan{Intent: IntentDataQuery, Operation: op, Parameters: params}
}

// KnowledgePlan is a semantic-retrieval plan.
func KnowledgePlan(topic string, params Parameters) IntentPlan {
	return IntentPlan{Intent: IntentKnowledgeQuery, Topic: topic, Parameters: params}
}

// DefaultPlan is the catch-all used when classification cannot be trusted.
func DefaultPlan() IntentPlan {
	p := KnowledgePlan("", Parameters{})
	p.Defaulted = true
	return p
}

// Validate checks the tagged-variant invariants of the plan.
func (p IntentPlan) Validate() error {
	if !p.Intent.Valid() {
		return fmt.Errorf("unknown intent %q", p.Intent)
	}
	switch p.Intent {
	case IntentDataQuery:
		if !p.Operation.Valid() {
			return fmt.Errorf("unknown operation %q", p.Operation)
		}
	default:
		if p.Operation != "" {
			return fmt.Errorf("operation %q not allowed for intent %q", p.Operation, p.Intent)
		}
	}
	if p.Parameters.Limit < 0 {
		return fmt.Errorf("negative limit %d", p.Parameters.Limit)
	}
	if dr := p.Parameters.DateRange; dr != nil && !dr.Valid() {
		return fmt.Errorf("invalid date range %s..%s", dr.Start, dr.End)
	}
	return nil
}
