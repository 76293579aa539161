// Package synth turns classified, computed or retrieved results into the
// answer shown to the user.
package synth

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-assistant/internal/aggregator"
	"github.com/dvloznov/finance-assistant/internal/apperr"
	"github.com/dvloznov/finance-assistant/internal/domain"
	"github.com/dvloznov/finance-assistant/internal/llm"
)

// Input is everything the synthesizer may draw on for one request.
// Aggregation is set for data queries, Documents for knowledge queries.
type Input struct {
	Plan        domain.IntentPlan
	Query       string
	Aggregation *aggregator.Result
	Documents   []domain.RetrievedDocument
	// DataErr is the recoverable failure of the execution stage, typically NO_DATA.
	DataErr   error
	Returning bool
	Summarize bool
}

// Output is the final answer. Degraded means the model path failed and the text
// is the templated fallback; Cause holds that failure.
type Output struct {
	Text     string
	Degraded bool
	Cause    error
}

// Synthesizer writes answers. A nil completer means templates only.
type Synthesizer struct {
	completer llm.Completer
	format    Formatter
	maxTokens int
	log       zerolog.Logger
}

func New(completer llm.Completer, cur domain.Currency, maxTokens int, log zerolog.Logger) *Synthesizer {
	return &Synthesizer{
		completer: completer,
		format:    Formatter{Currency: cur},
		maxTokens: maxTokens,
		log:       log,
	}
}

// Synthesize never fails because of the model: model errors and timeouts fall
// back to the templated answer. It errors only on a plan it cannot render.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) (Output, error) {
	const op = "Synthesizer.Synthesize"

	switch in.Plan.Intent {
	case domain.IntentSimpleResponse:
		return Output{Text: Canned(in.Query, in.Returning)}, nil

	case domain.IntentDataQuery:
		if out, done := s.dataError(in); done {
			return out, nil
		}
		if in.Aggregation == nil {
			return Output{Text: noDataText}, nil
		}
		fallback := s.format.Aggregation(in.Aggregation)
		if !in.Summarize {
			return Output{Text: fallback}, nil
		}
		req := llm.Request{
			System:    dataSystemPrompt,
			Prompt:    fmt.Sprintf("Question: %s\n\nFacts:\n%s\n", in.Query, fallback),
			MaxTokens: s.maxTokens,
		}
		return s.viaModel(ctx, req, fallback, aggregationIDs(in.Aggregation)), nil

	case domain.IntentKnowledgeQuery:
		if out, done := s.dataError(in); done {
			return out, nil
		}
		if len(in.Documents) == 0 {
			return Output{Text: noDocumentsText}, nil
		}
		fallback := s.format.Documents(in.Documents)
		if !in.Summarize {
			return Output{Text: fallback}, nil
		}
		req := llm.Request{
			System:    knowledgeSystemPrompt,
			Prompt:    s.knowledgePrompt(in.Query, in.Documents),
			MaxTokens: s.maxTokens,
		}
		return s.viaModel(ctx, req, fallback, documentIDs(in.Documents)), nil
	}

	return Output{}, apperr.Errorf(apperr.CodeInternal, op, "cannot synthesize intent %q", in.Plan.Intent)
}

func (s *Synthesizer) dataError(in Input) (Output, bool) {
	switch {
	case in.DataErr == nil:
		return Output{}, false
	case apperr.Is(in.DataErr, apperr.CodeNoData):
		return Output{Text: noDataText}, true
	default:
		return Output{Text: genericFailure, Degraded: true, Cause: in.DataErr}, true
	}
}

func (s *Synthesizer) viaModel(ctx context.Context, req llm.Request, fallback string, ids []string) Output {
	if s.completer == nil {
		return Output{Text: fallback}
	}

	text, err := s.completer.Complete(ctx, req)
	if err == nil {
		if text = Scrub(text, ids); text != "" {
			return Output{Text: text}
		}
		err = fmt.Errorf("empty answer after scrubbing: %w", llm.ErrInvalidOutput)
	}

	s.log.Warn().Err(err).Str("code", string(apperr.CodeOf(err))).Msg("synthesis fell back to template")
	return Output{Text: fallback, Degraded: true, Cause: err}
}

func (s *Synthesizer) knowledgePrompt(query string, docs []domain.RetrievedDocument) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nRelevant transactions:\n", query)
	for _, d := range docs {
		t := d.Transaction
		fmt.Fprintf(&b, "- %s | %s | %s | %s | %s\n", t.Date, t.Category, t.Direction, s.format.Currency.Format(t.Amount), t.Description)
	}
	return b.String()
}

const dataSystemPrompt = "You are a friendly personal finance assistant. Rewrite the facts below as a short answer " +
	"to the user's question. Use only the facts given. Keep every amount, date and ordering exactly as written " +
	"and keep amounts bold. Keep numbered lists as numbered lists. Do not mention internal labels or identifiers."

const knowledgeSystemPrompt = "You are a friendly personal finance assistant. Answer the user's question using only " +
	"the transactions listed. Point out patterns, notable or unusual items and give one practical suggestion when it " +
	"fits. Bold amounts. Keep it under 150 words. Never mention identifiers, scores or how the transactions were found."

func aggregationIDs(r *aggregator.Result) []string {
	var ids []string
	for _, t := range r.Transactions {
		ids = append(ids, t.ID)
	}
	if r.Max != nil {
		ids = append(ids, r.Max.ID)
	}
	if r.RunnerUp != nil {
		ids = append(ids, r.RunnerUp.ID)
	}
	return ids
}

func documentIDs(docs []domain.RetrievedDocument) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.Transaction.ID
	}
	return ids
}
