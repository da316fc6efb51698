package domain

import (
	"encoding/json"
	"time"
)

// InitialRating is the Elo rating assigned to a hypothesis on creation.
const InitialRating = 1200.0

// Outcome is the result of one pairwise comparison.
type Outcome string

const (
	OutcomeWinA Outcome = "win_a"
	OutcomeWinB Outcome = "win_b"
	OutcomeDraw Outcome = "draw"
)

// Valid reports whether o is one of the three recognised outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeWinA || o == OutcomeWinB || o == OutcomeDraw
}

// EloRecord is the rating state of one hypothesis. A hypothesis with at
// least one recorded match always has a defined rating.
type EloRecord struct {
	HypothesisID string    `json:"hypothesis_id"`
	Rating       float64   `json:"rating"`
	MatchCount   int       `json:"match_count"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Match is one pairwise comparison between two hypotheses within a round.
type Match struct {
	ID             string          `json:"id"`
	HypothesisA    string          `json:"hypothesis_a"`
	HypothesisB    string          `json:"hypothesis_b"`
	Outcome        Outcome         `json:"outcome"`
	CriteriaScores json.RawMessage `json:"criteria_scores,omitempty"`
	Round          int             `json:"round_number"`
	At             time.Time       `json:"timestamp"`
}

// EloUpdate reports the rating movement produced by a single match. The two
// deltas always sum to zero.
type EloUpdate struct {
	MatchID string  `json:"match_id"`
	RatingA float64 `json:"rating_a"`
	RatingB float64 `json:"rating_b"`
	DeltaA  float64 `json:"delta_a"`
	DeltaB  float64 `json:"delta_b"`
}
