package handlers

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-assistant/internal/api/middleware"
	"github.com/dvloznov/finance-assistant/internal/apperr"
	"github.com/dvloznov/finance-assistant/internal/jobs"
	"github.com/dvloznov/finance-assistant/internal/retrieval"
)

// GenerationSource exposes the active index generation.
type GenerationSource interface {
	Current() *retrieval.Generation
}

// CacheClearer drops cached query embeddings.
type CacheClearer interface {
	ClearCache()
}

// IndexHandler handles index inspection, rebuild and cache endpoints.
type IndexHandler struct {
	index     GenerationSource
	publisher jobs.Publisher
	cache     CacheClearer
	log       zerolog.Logger
}

// NewIndexHandler creates a new index handler.
func NewIndexHandler(index GenerationSource, publisher jobs.Publisher, cache CacheClearer, log zerolog.Logger) *IndexHandler {
	return &IndexHandler{index: index, publisher: publisher, cache: cache, log: log}
}

// GetIndex handles GET /api/index
func (h *IndexHandler) GetIndex(w http.ResponseWriter, r *http.Request) {
	g := h.index.Current()
	if g == nil {
		middleware.WriteAppError(w,
			apperr.E(apperr.CodeRetrievalUnavailable, "GetIndex", "The search index has not been built yet.", nil), "")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, g)
}

// Rebuild handles POST /api/index/rebuild
func (h *IndexHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	job := &jobs.RebuildIndexJob{Reason: jobs.ReasonAPI}
	if err := h.publisher.PublishRebuild(r.Context(), job); err != nil {
		h.log.Error().Err(err).Msg("Failed to enqueue rebuild job")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue rebuild job")
		return
	}

	h.log.Info().Str("job_id", job.JobID).Msg("Rebuild job enqueued")
	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.JobID,
		"status": string(job.Status),
	})
}

// ClearCache handles POST /api/cache/clear
func (h *IndexHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.cache.ClearCache()
	h.log.Info().Msg("Query embedding cache cleared")
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
