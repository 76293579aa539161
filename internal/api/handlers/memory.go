package handlers

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-assistant/internal/api/middleware"
	"github.com/dvloznov/finance-assistant/internal/memory"
)

// MemoryHandler exposes conversation memory.
type MemoryHandler struct {
	store memory.Store
	log   zerolog.Logger
}

// NewMemoryHandler creates a new memory handler.
func NewMemoryHandler(store memory.Store, log zerolog.Logger) *MemoryHandler {
	return &MemoryHandler{store: store, log: log}
}

// Stats handles GET /api/memory/stats
func (h *MemoryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read memory stats")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to read memory stats")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, stats)
}

// History handles GET /api/memory/{user_id}
func (h *MemoryHandler) History(w http.ResponseWriter, r *http.Request, userID string) {
	if err := middleware.CheckScope(r.Context(), userID); err != nil {
		middleware.WriteAppError(w, err, "Forbidden")
		return
	}
	turns, err := h.store.Recent(r.Context(), userID, 0)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("Failed to read memory")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to read memory")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"turns":   turns,
		"count":   len(turns),
	})
}

// Clear handles DELETE /api/memory/{user_id}
func (h *MemoryHandler) Clear(w http.ResponseWriter, r *http.Request, userID string) {
	if err := middleware.CheckScope(r.Context(), userID); err != nil {
		middleware.WriteAppError(w, err, "Forbidden")
		return
	}
	if err := h.store.Clear(r.Context(), userID); err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("Failed to clear memory")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to clear memory")
		return
	}
	h.log.Info().Str("user_id", userID).Msg("Memory cleared")
	w.WriteHeader(http.StatusNoContent)
}
