// Package orchestrator sequences one query through memory, classification,
// execution and synthesis, and records the turn whatever the outcome.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-assistant/internal/aggregator"
	"github.com/dvloznov/finance-assistant/internal/apperr"
	"github.com/dvloznov/finance-assistant/internal/domain"
	"github.com/dvloznov/finance-assistant/internal/intent"
	"github.com/dvloznov/finance-assistant/internal/logger"
	"github.com/dvloznov/finance-assistant/internal/memory"
	"github.com/dvloznov/finance-assistant/internal/synth"
)

const genericFailure = "Sorry, something went wrong while answering that. Please try again."

// Aggregator runs structured data operations.
type Aggregator interface {
	Execute(ctx context.Context, userID string, op domain.Operation, params domain.Parameters) (*aggregator.Result, error)
}

// Searcher runs semantic retrieval.
type Searcher interface {
	Search(ctx context.Context, userID, query string, topK int, params domain.Parameters) ([]domain.RetrievedDocument, error)
}

// Synthesizer writes the final answer.
type Synthesizer interface {
	Synthesize(ctx context.Context, in synth.Input) (synth.Output, error)
}

// Recorder receives observability signals. *metrics.Metrics implements it.
type Recorder interface {
	ObserveStage(stage string, d time.Duration)
	Request(intent, status string)
	Fallback(kind string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveStage(string, time.Duration) {}
func (nopRecorder) Request(string, string)             {}
func (nopRecorder) Fallback(string)                    {}

// Request is one inbound query.
type Request struct {
	UserID    string
	Query     string
	Summarize bool
	TopK      int
	Filters   domain.Filters
}

// Response is the outcome of one query. It is returned for every request,
// including failed ones.
type Response struct {
	UserID                 string
	Query                  string
	Plan                   domain.IntentPlan
	State                  State
	FailedAt               State
	Text                   string
	Aggregation            *aggregator.Result
	Documents              []domain.RetrievedDocument
	Degraded               bool
	ClassificationFallback bool
	ErrorCode              apperr.Code
	Timings                []StageTiming
	Total                  time.Duration
}

// Deps are the collaborators of an Orchestrator. Recorder may be nil.
type Deps struct {
	Memory       memory.Store
	Classifier   intent.Classifier
	Aggregator   Aggregator
	Retriever    Searcher
	Synthesizer  Synthesizer
	Recorder     Recorder
	HistoryTurns int
	Now          func() time.Time
}

// Orchestrator is stateless between requests; it may serve any number of them concurrently.
type Orchestrator struct {
	memory       memory.Store
	classifier   intent.Classifier
	aggregator   Aggregator
	retriever    Searcher
	synthesizer  Synthesizer
	recorder     Recorder
	historyTurns int
	now          func() time.Time
	log          zerolog.Logger

	pipeline *Pipeline
}

func New(d Deps, log zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		memory:       d.Memory,
		classifier:   d.Classifier,
		aggregator:   d.Aggregator,
		retriever:    d.Retriever,
		synthesizer:  d.Synthesizer,
		recorder:     d.Recorder,
		historyTurns: d.HistoryTurns,
		now:          d.Now,
		log:          log,
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}
	if o.historyTurns <= 0 {
		o.historyTurns = memory.DefaultTurns
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.pipeline = NewPipeline(
		&receiveStep{o},
		&classifyStep{o},
		&executeStep{o},
		&synthesizeStep{o},
	)
	o.pipeline.observer = func(stage State, d time.Duration) {
		o.recorder.ObserveStage(strings.ToLower(string(stage)), d)
	}
	return o
}

// Handle runs one query. The returned error is non-nil exactly when the request
// ended in StateErrored; the Response then carries a user-safe message and the error code.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	req.Query = strings.TrimSpace(req.Query)
	if _, ok := ctx.Value(logger.LoggerKey).(zerolog.Logger); !ok {
		ctx = logger.WithContext(ctx, o.log.With().Str("user_id", req.UserID).Logger())
	}
	log := logger.FromContext(ctx)

	rs := &RequestState{Request: req, State: StateReceived}
	err := o.pipeline.Execute(ctx, rs)

	resp := &Response{
		UserID:                 req.UserID,
		Query:                  req.Query,
		Plan:                   rs.Plan,
		Aggregation:            rs.Aggregation,
		Documents:              rs.Documents,
		ClassificationFallback: rs.ClassificationFallback,
	}
	if err == nil {
		resp.Text = rs.Output.Text
		resp.Degraded = rs.Output.Degraded
		if rs.Output.Cause != nil {
			resp.ErrorCode = apperr.CodeOf(rs.Output.Cause)
		} else if rs.DataErr != nil {
			resp.ErrorCode = apperr.CodeOf(rs.DataErr)
		}
	} else {
		resp.ErrorCode = apperr.CodeOf(err)
		resp.Text = genericFailure
		if apperr.Propagates(err) {
			resp.Text = apperr.MessageOf(err, genericFailure)
		}
		log.Error().Err(err).Str("stage", string(rs.FailedAt)).Str("code", string(resp.ErrorCode)).Msg("query failed")
	}

	recordStart := time.Now()
	o.record(ctx, rs, err)
	rs.Timings = append(rs.Timings, StageTiming{Stage: StateComplete, Duration: time.Since(recordStart)})
	o.recorder.ObserveStage(strings.ToLower(string(StateComplete)), time.Since(recordStart))
	if err == nil {
		rs.State = StateComplete
	}

	resp.State = rs.State
	resp.FailedAt = rs.FailedAt
	resp.Timings = rs.Timings
	resp.Total = time.Since(started)

	status := "ok"
	switch {
	case err != nil:
		status = "errored"
	case resp.Degraded:
		status = "degraded"
	}
	o.recorder.Request(string(rs.Plan.Intent), status)
	log.Info().
		Str("intent", string(rs.Plan.Intent)).
		Str("operation", string(rs.Plan.Operation)).
		Str("state", string(resp.State)).
		Bool("degraded", resp.Degraded).
		Dur("elapsed", resp.Total).
		Msg("query handled")

	return resp, err
}

// record appends the turn even when the request failed or its context was cancelled.
// An errored turn keeps an empty response.
func (o *Orchestrator) record(ctx context.Context, rs *RequestState, runErr error) {
	if rs.Request.UserID == "" {
		return
	}
	turn := domain.ConversationTurn{
		UserID:    rs.Request.UserID,
		Query:     rs.Request.Query,
		Intent:    rs.Plan.Intent,
		Operation: rs.Plan.Operation,
		Timestamp: o.now(),
	}
	if runErr != nil {
		turn.Errored = true
	} else {
		turn.Response = rs.Output.Text
	}
	if err := o.memory.Append(context.WithoutCancel(ctx), turn); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("record conversation turn")
	}
}
