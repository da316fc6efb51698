package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jplfaria/CogniscientAssistant-sub001/internal/domain"
)

// CreateCheckpoint handles POST /api/v1/checkpoints: freeze the store and
// write a new snapshot.
func (s *Server) CreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, err := s.cp.Create(r.Context())
	if err != nil {
		s.logger.Error("checkpoint creation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "checkpoint creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"checkpoint_id": id})
}

// ListCheckpoints handles GET /api/v1/checkpoints.
func (s *Server) ListCheckpoints(w http.ResponseWriter, _ *http.Request) {
	manifests, err := s.cp.List()
	if err != nil {
		s.logger.Error("checkpoint listing failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "checkpoint listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": manifests, "count": len(manifests)})
}

// RestoreCheckpoint handles POST /api/v1/checkpoints/{id}/restore. The
// store content is replaced wholesale and the queue is rebuilt from the
// snapshot; callers are expected to quiesce submissions first.
func (s *Server) RestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cp.Restore(r.Context(), id); err != nil {
		var notFound *domain.CheckpointNotFoundError
		var corrupt *domain.CorruptionError
		switch {
		case errors.As(err, &notFound):
			writeError(w, http.StatusNotFound, "checkpoint not found")
		case errors.As(err, &corrupt):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("checkpoint restore failed",
				slog.String("checkpoint_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "checkpoint restore failed")
		}
		return
	}
	// Discard in-memory queue state that predates the snapshot: stale tasks
	// and leases would otherwise overwrite restored content on completion.
	if err := s.q.Load(r.Context()); err != nil {
		s.logger.Error("queue rebuild after restore failed",
			slog.String("checkpoint_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "queue rebuild after restore failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"restored": id})
}

// PinCheckpoint handles POST /api/v1/checkpoints/{id}/pin. Pinned
// checkpoints are exempt from retention pruning.
func (s *Server) PinCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Pinned *bool `json:"pinned"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Pinned == nil {
		writeError(w, http.StatusBadRequest, `body must be {"pinned": true|false}`)
		return
	}

	if err := s.cp.Pin(id, *req.Pinned); err != nil {
		var notFound *domain.CheckpointNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "checkpoint not found")
			return
		}
		s.logger.Error("checkpoint pin failed",
			slog.String("checkpoint_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "checkpoint pin failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoint_id": id, "pinned": *req.Pinned})
}
