package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/groenwerk/fieldsync/internal/api/middleware"
	"github.com/groenwerk/fieldsync/internal/domain"
	"github.com/groenwerk/fieldsync/internal/engine"
)

// QueueHandler exposes the queue engine's public surface over HTTP so the UI
// shell and operators can drive the agent.
type QueueHandler struct {
	eng    *engine.Engine
	logger *zap.Logger
}

func NewQueueHandler(eng *engine.Engine, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{eng: eng, logger: logger}
}

// List handles GET /api/v1/queue — the full ordered snapshot.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.eng.Snapshot())
}

// Add handles POST /api/v1/queue
func (h *QueueHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req domain.AddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := h.eng.Add(r.Context(), req)
	if err != nil {
		h.logger.Warn("enqueue failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// Remove handles DELETE /api/v1/queue/{id}
func (h *QueueHandler) Remove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.eng.Remove(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Retry handles POST /api/v1/queue/{id}/retry — explicit user retry of a
// failed item.
func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.eng.Retry(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(domain.StatusPending)})
}

// SyncNow handles POST /api/v1/queue/sync — a manual trigger with the same
// guarantees as the automatic one: absorbed if a pass is already running.
func (h *QueueHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := h.eng.Sync(contextWithoutRequest(r)); err != nil {
			h.logger.Warn("manual sync pass ended early", zap.Error(err))
		}
	}()
	respondJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
}

// contextWithoutRequest keeps the request's values (correlation id) but
// detaches from its cancellation: the pass outlives the HTTP response.
func contextWithoutRequest(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// ClearCompleted handles DELETE /api/v1/queue/completed
func (h *QueueHandler) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	removed := h.eng.ClearCompleted(r.Context())
	respondJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// Stats handles GET /api/v1/queue/stats — the live counts the UI renders as
// badges, plus the syncing flag and registered handler types.
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	counts := h.eng.Counts()
	respondJSON(w, http.StatusOK, map[string]any{
		"counts":        counts,
		"outstanding":   counts.Outstanding(),
		"total":         counts.Total(),
		"syncing":       h.eng.IsSyncing(),
		"handler_types": h.eng.HandlerTypes(),
	})
}
