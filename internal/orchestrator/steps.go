package orchestrator

import (
	"context"
	"fmt"

	"github.com/dvloznov/finance-assistant/internal/aggregator"
	"github.com/dvloznov/finance-assistant/internal/apperr"
	"github.com/dvloznov/finance-assistant/internal/domain"
	"github.com/dvloznov/finance-assistant/internal/logger"
	"github.com/dvloznov/finance-assistant/internal/metrics"
	"github.com/dvloznov/finance-assistant/internal/synth"
)

// RequestState is shared by the steps of one request.
type RequestState struct {
	Request Request

	State    State
	FailedAt State
	Timings  []StageTiming

	History                []domain.ConversationTurn
	FilterParams           domain.Parameters
	Plan                   domain.IntentPlan
	ClassificationFallback bool
	ClassificationErr      error

	Aggregation *aggregator.Result
	Documents   []domain.RetrievedDocument
	DataErr     error

	Output synth.Output
}

// receiveStep validates scope and loads conversation memory.
type receiveStep struct{ o *Orchestrator }

func (s *receiveStep) State() State { return StateReceived }

func (s *receiveStep) Execute(ctx context.Context, rs *RequestState) error {
	const op = "Orchestrator.receive"
	req := rs.Request

	if req.UserID == "" {
		return apperr.E(apperr.CodeUserScopeViolation, op, "a user id is required", nil)
	}
	if err := req.Filters.ScopedTo(req.UserID); err != nil {
		return apperr.E(apperr.CodeUserScopeViolation, op, "filters may only target the requesting user", err)
	}
	params, err := req.Filters.Parameters()
	if err != nil {
		return apperr.E(apperr.CodeInvalidArgument, op, "invalid filters", err)
	}
	rs.FilterParams = params

	history, err := s.o.memory.Recent(ctx, req.UserID, s.o.historyTurns)
	if err != nil {
		// Memory is advisory; answer without history.
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("load conversation memory")
		history = nil
	}
	rs.History = history
	return nil
}

// classifyStep picks the intent plan. Classification failures never fail the request.
type classifyStep struct{ o *Orchestrator }

func (s *classifyStep) State() State { return StateClassified }

func (s *classifyStep) Execute(ctx context.Context, rs *RequestState) error {
	plan, err := s.o.classifier.Classify(ctx, rs.Request.Query, rs.History)
	if err != nil {
		if plan.Validate() != nil || !plan.Defaulted {
			params := plan.Parameters
			plan = domain.DefaultPlan()
			plan.Parameters = params
		}
		rs.ClassificationFallback = true
		rs.ClassificationErr = err
		s.o.recorder.Fallback(metrics.FallbackClassification)
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("classification fell back to default plan")
	}
	if plan.Intent != domain.IntentSimpleResponse {
		plan.Parameters = rs.FilterParams.Merge(plan.Parameters)
	}
	rs.Plan = plan
	return nil
}

// executeStep runs the aggregation or the retrieval the plan asks for.
type executeStep struct{ o *Orchestrator }

func (s *executeStep) State() State { return StateExecuting }

func (s *executeStep) Execute(ctx context.Context, rs *RequestState) error {
	const op = "Orchestrator.execute"
	userID := rs.Request.UserID

	switch rs.Plan.Intent {
	case domain.IntentSimpleResponse:
		return nil

	case domain.IntentDataQuery:
		res, err := s.o.aggregator.Execute(ctx, userID, rs.Plan.Operation, rs.Plan.Parameters)
		if err != nil {
			return s.absorb(ctx, rs, err)
		}
		for _, t := range resultTransactions(res) {
			if t.UserID != userID {
				return apperr.Errorf(apperr.CodeUserScopeViolation, op, "aggregation returned a transaction of another user")
			}
		}
		rs.Aggregation = res
		return nil

	case domain.IntentKnowledgeQuery:
		docs, err := s.o.retriever.Search(ctx, userID, rs.Request.Query, rs.Request.TopK, rs.Plan.Parameters)
		if err != nil {
			return s.absorb(ctx, rs, err)
		}
		for _, d := range docs {
			if d.Transaction.UserID != userID {
				return apperr.Errorf(apperr.CodeUserScopeViolation, op, "retrieval returned a document of another user")
			}
		}
		rs.Documents = docs
		return nil
	}

	return apperr.Errorf(apperr.CodeInternal, op, "no transition for intent %q", rs.Plan.Intent)
}

// absorb keeps recoverable data failures for the synthesizer and fails on the rest.
func (s *executeStep) absorb(ctx context.Context, rs *RequestState, err error) error {
	switch apperr.CodeOf(err) {
	case apperr.CodeNoData, apperr.CodeExternalTimeout, apperr.CodeExternalService:
		if !apperr.Is(err, apperr.CodeNoData) {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Msg("execution degraded")
		}
		rs.DataErr = err
		return nil
	}
	return fmt.Errorf("execute %s: %w", rs.Plan.Intent, err)
}

type synthesizeStep struct{ o *Orchestrator }

func (s *synthesizeStep) State() State { return StateSynthesized }

func (s *synthesizeStep) Execute(ctx context.Context, rs *RequestState) error {
	out, err := s.o.synthesizer.Synthesize(ctx, synth.Input{
		Plan:        rs.Plan,
		Query:       rs.Request.Query,
		Aggregation: rs.Aggregation,
		Documents:   rs.Documents,
		DataErr:     rs.DataErr,
		Returning:   len(rs.History) > 0,
		Summarize:   rs.Request.Summarize,
	})
	if err != nil {
		return err
	}
	if out.Degraded {
		s.o.recorder.Fallback(metrics.FallbackSynthesis)
	}
	rs.Output = out
	return nil
}

func resultTransactions(r *aggregator.Result) []domain.Transaction {
	out := append([]domain.Transaction(nil), r.Transactions...)
	if r.Max != nil {
		out = append(out, *r.Max)
	}
	if r.RunnerUp != nil {
		out = append(out, *r.RunnerUp)
	}
	return out
}
