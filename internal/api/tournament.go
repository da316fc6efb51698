package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jplfaria/CogniscientAssistant-sub001/internal/domain"
)

// SubmitMatchRequest is the POST /tournament/matches body.
type SubmitMatchRequest struct {
	MatchID        string          `json:"match_id,omitempty"`
	HypothesisA    string          `json:"hyp_a" validate:"required"`
	HypothesisB    string          `json:"hyp_b" validate:"required,nefield=HypothesisA"`
	Outcome        string          `json:"outcome" validate:"required,oneof=win_a win_b draw"`
	CriteriaScores json.RawMessage `json:"criteria_scores,omitempty"`
}

// SubmitMatch handles POST /api/v1/tournament/matches: an externally
// adjudicated match whose rating movement is applied immediately.
func (s *Server) SubmitMatch(w http.ResponseWriter, r *http.Request) {
	var req SubmitMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	update, err := s.engine.SubmitMatchResult(r.Context(), domain.Match{
		ID:             req.MatchID,
		HypothesisA:    req.HypothesisA,
		HypothesisB:    req.HypothesisB,
		Outcome:        domain.Outcome(req.Outcome),
		CriteriaScores: req.CriteriaScores,
	})
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("match submission failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "match submission failed")
		return
	}
	writeJSON(w, http.StatusOK, update)
}

// GetRankings handles GET /api/v1/tournament/rankings?top=N.
func (s *Server) GetRankings(w http.ResponseWriter, r *http.Request) {
	topN := 0
	if raw := r.URL.Query().Get("top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "top must be a non-negative integer")
			return
		}
		topN = n
	}

	rankings, err := s.engine.Rankings(r.Context(), topN)
	if err != nil {
		s.logger.Error("rankings failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "rankings failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rankings": rankings, "count": len(rankings)})
}

// ListMatches handles GET /api/v1/tournament/matches?limit=N.
func (s *Server) ListMatches(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	matches, err := s.engine.Matches(r.Context(), limit)
	if err != nil {
		s.logger.Error("match listing failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "match listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches, "count": len(matches)})
}
