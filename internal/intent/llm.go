package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-assistant/internal/apperr"
	"github.com/dvloznov/finance-assistant/internal/domain"
	"github.com/dvloznov/finance-assistant/internal/llm"
)

// classifyAttempts is one call plus one retry.
const classifyAttempts = 2

// LLMClassifier asks a language model for the plan and validates the answer
// against the closed schema before anything branches on it.
type LLMClassifier struct {
	completer    llm.Completer
	now          func() time.Time
	currency     domain.Currency
	contextTurns int
	log          zerolog.Logger
}

// NewLLMClassifier wraps completer, which should already carry its timeout.
func NewLLMClassifier(completer llm.Completer, now func() time.Time, cur domain.Currency, contextTurns int, log zerolog.Logger) *LLMClassifier {
	if now == nil {
		now = time.Now
	}
	if contextTurns < 0 {
		contextTurns = 0
	}
	return &LLMClassifier{
		completer:    completer,
		now:          now,
		currency:     cur,
		contextTurns: contextTurns,
		log:          log,
	}
}

// modelPlan mirrors classificationSchema. Unknown fields are rejected.
type modelPlan struct {
	Intent     string  `json:"intent"`
	Operation  *string `json:"operation"`
	Category   *string `json:"category"`
	DatePreset *string `json:"date_preset"`
	StartDate  *string `json:"start_date"`
	EndDate    *string `json:"end_date"`
	Direction  *string `json:"direction"`
	Limit      *int    `json:"limit"`
	Topic      *string `json:"topic"`
}

var classificationSchema = func() *llm.Schema {
	intents := make([]string, len(domain.Intents))
	for i, v := range domain.Intents {
		intents[i] = string(v)
	}
	ops := make([]string, len(domain.Operations))
	for i, v := range domain.Operations {
		ops[i] = string(v)
	}
	cats := make([]string, len(domain.Categories))
	for i, v := range domain.Categories {
		cats[i] = string(v)
	}
	return &llm.Schema{
		Properties: map[string]llm.Property{
			"intent":      {Type: "string", Enum: intents},
			"operation":   {Type: "string", Enum: ops, Description: "Only for data_query."},
			"category":    {Type: "string", Enum: cats},
			"date_preset": {Type: "string", Enum: Presets},
			"start_date":  {Type: "string", Description: "YYYY-MM-DD, inclusive."},
			"end_date":    {Type: "string", Description: "YYYY-MM-DD, inclusive."},
			"direction":   {Type: "string", Enum: []string{string(domain.DirectionDebit), string(domain.DirectionCredit)}},
			"limit":       {Type: "integer", Description: "Number of rows for top_n."},
			"topic":       {Type: "string", Description: "Short snake_case topic for knowledge_query."},
		},
		Required: []string{"intent"},
	}
}()

// Classify returns the validated plan. After classifyAttempts failures it returns
// the default knowledge_query plan together with an INVALID_CLASSIFICATION error;
// callers proceed with the plan.
func (c *LLMClassifier) Classify(ctx context.Context, query string, recent []domain.ConversationTurn) (domain.IntentPlan, error) {
	const op = "LLMClassifier.Classify"

	now := c.now()
	hints := ParseHints(query, now, c.currency)
	req := llm.Request{
		System:    systemPrompt(civil.DateOf(now)),
		Prompt:    userPrompt(query, tail(recent, c.contextTurns)),
		Schema:    classificationSchema,
		MaxTokens: 256,
	}

	var lastErr error
	for attempt := 1; attempt <= classifyAttempts; attempt++ {
		raw, err := c.completer.Complete(ctx, req)
		if err == nil {
			var plan domain.IntentPlan
			plan, err = decodePlan(raw, civil.DateOf(now))
			if err == nil {
				if plan.Intent != domain.IntentSimpleResponse {
					plan.Parameters = plan.Parameters.Merge(hints)
				}
				return plan, nil
			}
		}
		lastErr = err
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("classification attempt failed")
		if ctx.Err() != nil {
			break
		}
	}

	plan := domain.DefaultPlan()
	plan.Parameters = hints
	return plan, apperr.E(apperr.CodeInvalidClassification, op, "could not classify the query", lastErr)
}

// decodePlan parses and validates model output. Any deviation from the schema is ErrInvalidOutput.
func decodePlan(raw string, today civil.Date) (domain.IntentPlan, error) {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), llm.ErrInvalidOutput)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(llm.CleanJSON(raw))))
	dec.DisallowUnknownFields()
	var m modelPlan
	if err := dec.Decode(&m); err != nil {
		return domain.IntentPlan{}, invalid("decode classification: %v", err)
	}

	intent := domain.Intent(strings.TrimSpace(m.Intent))
	if !intent.Valid() {
		return domain.IntentPlan{}, invalid("unknown intent %q", m.Intent)
	}

	var p domain.Parameters
	if s := str(m.Category); s != "" {
		cat, ok := domain.ParseCategory(s)
		if !ok {
			return domain.IntentPlan{}, invalid("unknown category %q", s)
		}
		p.Category = cat
	}
	if s := str(m.Direction); s != "" {
		dir, ok := domain.ParseDirection(s)
		if !ok {
			return domain.IntentPlan{}, invalid("unknown direction %q", s)
		}
		p.Direction = dir
	}
	if m.Limit != nil {
		if *m.Limit < 0 {
			return domain.IntentPlan{}, invalid("negative limit %d", *m.Limit)
		}
		p.Limit = *m.Limit
	}

	switch start, end, preset := str(m.StartDate), str(m.EndDate), str(m.DatePreset); {
	case start != "" || end != "":
		if start == "" || end == "" {
			return domain.IntentPlan{}, invalid("half-open date range %q..%q", start, end)
		}
		s, err := civil.ParseDate(start)
		if err != nil {
			return domain.IntentPlan{}, invalid("bad start_date %q", start)
		}
		e, err := civil.ParseDate(end)
		if err != nil {
			return domain.IntentPlan{}, invalid("bad end_date %q", end)
		}
		p.DateRange = &domain.DateRange{Start: s, End: e}
	case preset != "":
		dr, ok := ResolvePreset(preset, today)
		if !ok {
			return domain.IntentPlan{}, invalid("unknown date_preset %q", preset)
		}
		p.DateRange = &dr
	}

	var plan domain.IntentPlan
	switch intent {
	case domain.IntentSimpleResponse:
		plan = domain.SimplePlan()
	case domain.IntentKnowledgeQuery:
		plan = domain.KnowledgePlan(str(m.Topic), p)
	case domain.IntentDataQuery:
		plan = domain.DataPlan(domain.Operation(str(m.Operation)), p)
	}
	if intent != domain.IntentDataQuery && str(m.Operation) != "" {
		return domain.IntentPlan{}, invalid("operation %q given for %s", str(m.Operation), intent)
	}
	if err := plan.Validate(); err != nil {
		return domain.IntentPlan{}, invalid("%v", err)
	}
	return plan, nil
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func tail(turns []domain.ConversationTurn, n int) []domain.ConversationTurn {
	if len(turns) > n {
		return turns[len(turns)-n:]
	}
	return turns
}
