// Package handlers implements the HTTP surface of the assistant.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-assistant/internal/aggregator"
	"github.com/dvloznov/finance-assistant/internal/api/middleware"
	"github.com/dvloznov/finance-assistant/internal/apperr"
	"github.com/dvloznov/finance-assistant/internal/domain"
	"github.com/dvloznov/finance-assistant/internal/logger"
	"github.com/dvloznov/finance-assistant/internal/orchestrator"
)

// maxQueryBody bounds POST /api/query bodies.
const maxQueryBody = 64 << 10

// QueryRunner answers one natural-language query.
type QueryRunner interface {
	Handle(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
}

// QueryRequest is the body of POST /api/query.
type QueryRequest struct {
	UserID    string         `json:"user_id"`
	Query     string         `json:"query"`
	Summarize *bool          `json:"summarize,omitempty"`
	TopK      int            `json:"top_k,omitempty"`
	Filters   domain.Filters `json:"filters,omitempty"`
}

// RetrievedItem is one retrieved transaction as exposed to clients.
type RetrievedItem struct {
	ID            string           `json:"id"`
	Date          string           `json:"date"`
	Description   string           `json:"description"`
	Amount        int64            `json:"amount"`
	AmountDisplay string           `json:"amount_display"`
	Category      domain.Category  `json:"category"`
	Direction     domain.Direction `json:"direction"`
	Rank          int              `json:"rank"`
	Similarity    float64          `json:"similarity"`
}

// QueryResponse is the body returned by POST /api/query.
type QueryResponse struct {
	Status                 string             `json:"status"` // success | degraded | error
	RequestID              string             `json:"request_id,omitempty"`
	Query                  string             `json:"query"`
	UserID                 string             `json:"user_id"`
	Intent                 domain.Intent      `json:"intent,omitempty"`
	Operation              domain.Operation   `json:"operation,omitempty"`
	Retrieved              []RetrievedItem    `json:"retrieved"`
	Aggregated             *aggregator.Result `json:"aggregated,omitempty"`
	ResponseText           string             `json:"response_text"`
	Degraded               bool               `json:"degraded"`
	ClassificationFallback bool               `json:"classification_fallback"`
	ErrorCode              apperr.Code        `json:"error_code,omitempty"`
	Timings                map[string]float64 `json:"timings"`
	TotalMS                float64            `json:"total_ms"`
}

// QueryHandler serves POST /api/query.
type QueryHandler struct {
	runner   QueryRunner
	currency domain.Currency
	log      zerolog.Logger
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(runner QueryRunner, cur domain.Currency, log zerolog.Logger) *QueryHandler {
	return &QueryHandler{runner: runner, currency: cur, log: log}
}

// Query handles POST /api/query
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBody)).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		middleware.WriteError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.TopK < 0 {
		middleware.WriteError(w, http.StatusBadRequest, "top_k must not be negative")
		return
	}
	if err := middleware.CheckScope(ctx, req.UserID); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Str("user_id", req.UserID).Msg("user scope violation")
		middleware.WriteAppError(w, err, "Forbidden")
		return
	}

	summarize := true
	if req.Summarize != nil {
		summarize = *req.Summarize
	}
	if middleware.HeaderUser(ctx) == "" {
		ctx = logger.WithContext(ctx, logger.FromContext(ctx).With().Str("user_id", req.UserID).Logger())
	}

	resp, err := h.runner.Handle(ctx, orchestrator.Request{
		UserID:    req.UserID,
		Query:     req.Query,
		Summarize: summarize,
		TopK:      req.TopK,
		Filters:   req.Filters,
	})
	if resp == nil {
		h.log.Error().Err(err).Msg("Query returned no response")
		middleware.WriteAppError(w, err, "Failed to answer query")
		return
	}

	out := h.render(resp, middleware.RequestIDFrom(ctx))
	status := http.StatusOK
	if err != nil {
		out.Status = "error"
		status = apperr.HTTPStatus(err)
	}
	middleware.WriteJSON(w, status, out)
}

func (h *QueryHandler) render(resp *orchestrator.Response, requestID string) QueryResponse {
	out := QueryResponse{
		Status:                 "success",
		RequestID:              requestID,
		Query:                  resp.Query,
		UserID:                 resp.UserID,
		Intent:                 resp.Plan.Intent,
		Operation:              resp.Plan.Operation,
		Retrieved:              make([]RetrievedItem, 0, len(resp.Documents)),
		Aggregated:             resp.Aggregation,
		ResponseText:           resp.Text,
		Degraded:               resp.Degraded,
		ClassificationFallback: resp.ClassificationFallback,
		ErrorCode:              resp.ErrorCode,
		Timings:                make(map[string]float64, len(resp.Timings)),
		TotalMS:                millis(resp.Total),
	}
	if resp.Degraded {
		out.Status = "degraded"
	}
	for _, d := range resp.Documents {
		t := d.Transaction
		out.Retrieved = append(out.Retrieved, RetrievedItem{
			ID:            t.ID,
			Date:          t.Date.String(),
			Description:   t.Description,
			Amount:        t.Amount,
			AmountDisplay: h.currency.Format(t.Amount),
			Category:      t.Category,
			Direction:     t.Direction,
			Rank:          d.Rank,
			Similarity:    d.Score,
		})
	}
	for _, st := range resp.Timings {
		out.Timings[strings.ToLower(string(st.Stage))] += millis(st.Duration)
	}
	return out
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
